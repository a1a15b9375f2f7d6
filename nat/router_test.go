package nat

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"natap/common"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

var (
	h1w, _        = net.ParseMAC("00:15:5d:67:be:9a")
	h2w, _        = net.ParseMAC("00:15:5d:67:be:9b")
	h3w, _        = net.ParseMAC("00:15:5d:67:be:9c")
	clientMAC     = net.HardwareAddr{0x00, 0x0F, 0xAA, 0xFA, 0xAA, 0x00}
	uplinkNet     = net.IPNet{IP: net.ParseIP("203.0.113.0").To4(), Mask: net.CIDRMask(24, 32)}
	uplinkGW      = net.ParseIP("203.0.113.1")
	dhcpStubReply = make([]byte, 300)
)

type testCallback struct {
	ifno               int
	globalPacketHolder *[2]gopacket.Packet
	lock               *sync.Mutex
	globalTestHolder   *testing.T
}

func (n *testCallback) Send(pkt *Packet) (err error) {
	buf, err := pkt.Bytes()
	require.Nil(n.globalTestHolder, err)
	return n.SendBytes(buf)
}

func (n *testCallback) SendBytes(buf []byte) (err error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	require.Nil(n.globalTestHolder, n.globalPacketHolder[n.ifno])
	n.globalPacketHolder[n.ifno] = gopacket.NewPacket(append([]byte(nil), buf...), layers.LayerTypeEthernet, gopacket.Default)
	return
}

type testHolder struct {
	pkts [2]gopacket.Packet
	lock sync.Mutex
}

// take returns and clears what was sent on interface i.
func (h *testHolder) take(i int) gopacket.Packet {
	h.lock.Lock()
	defer h.lock.Unlock()
	p := h.pkts[i]
	h.pkts[i] = nil
	return p
}

type dhcpStub struct {
	got [][]byte
}

func (d *dhcpStub) HandleDHCP(buffer []byte) ([]byte, error) {
	d.got = append(d.got, buffer)
	return dhcpStubReply, nil
}

func newTestRouter(t *testing.T, withUplink bool) (*Router, *Nat, *testHolder, *dhcpStub) {
	holder := &testHolder{}
	n, _, _ := newTestNat(t, testConfig(webRule))
	lan := Interface{
		IfName:      "wlan0",
		IfHWAddr:    h1w,
		IPv4Addr:    apAddr,
		IPv4Network: apNetwork,
		Callback:    &testCallback{ifno: 0, globalPacketHolder: &holder.pkts, lock: &holder.lock, globalTestHolder: t},
	}
	wan := Interface{
		IfName:      "eth0",
		IfHWAddr:    h2w,
		IPv4Addr:    testUplink,
		IPv4Network: uplinkNet,
		IPv4Gateway: uplinkGW,
		Callback:    &testCallback{ifno: 1, globalPacketHolder: &holder.pkts, lock: &holder.lock, globalTestHolder: t},
	}
	stub := &dhcpStub{}
	r := CreateRouter(n, lan, stub, nil)
	r.ArpTimeout = time.Second
	if withUplink {
		r.SetUplink(wan)
	}
	return r, n, holder, stub
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	r, _, holder, _ := newTestRouter(t, true)

	t.Log("############### TEST 1. ARP for the AP address #################")
	r.AcceptPkt(ctx, arpRequest(t, clientMAC, client1IP, apAddr), "wlan0")
	reply := holder.take(0)
	require.NotNil(t, reply)
	require.Nil(t, holder.take(1))
	arp := reply.Layer(layers.LayerTypeARP).(*layers.ARP)
	require.Equal(t, uint16(layers.ARPReply), arp.Operation)
	require.Equal(t, []byte(apAddr.To4()), arp.SourceProtAddress)
	require.Equal(t, []byte(h1w), arp.SourceHwAddress)
	require.Equal(t, []byte(clientMAC), arp.DstHwAddress)
	entry, ok := r.Neighbors().Get(client1IP)
	require.True(t, ok)
	require.Equal(t, clientMAC, entry.Mac)

	t.Log("############### TEST 2. Outbound waits for the gateway ARP #################")
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.AcceptPkt(ctx, common.CreatePacketIPTCP(t, client1IP, remoteIP, 2222, 443, common.TCPFlags{SYN: true}), "wlan0")
	}()
	// After 100ms, should be holding for arp.
	time.Sleep(100 * time.Millisecond)
	req := holder.take(1)
	require.NotNil(t, req)
	arp = req.Layer(layers.LayerTypeARP).(*layers.ARP)
	require.Equal(t, uint16(layers.ARPRequest), arp.Operation)
	require.Equal(t, []byte(uplinkGW.To4()), arp.DstProtAddress)
	r.AcceptPkt(ctx, arpReply(t, h3w, uplinkGW, h2w, testUplink), "eth0")
	wg.Wait()

	out := holder.take(1)
	require.NotNil(t, out)
	eth := out.LinkLayer().(*layers.Ethernet)
	require.Equal(t, h2w, eth.SrcMAC)
	require.Equal(t, h3w, eth.DstMAC)
	src, dst, sport, dport := decodeTCPPacket(t, out)
	require.Equal(t, testUplink.To4(), src.To4())
	require.Equal(t, remoteIP.To4(), dst.To4())
	require.Equal(t, uint16(443), dport)

	t.Log("############### TEST 3. Reply goes back to the station #################")
	r.AcceptPkt(ctx, common.CreatePacketIPTCP(t, remoteIP, testUplink, 443, sport, common.TCPFlags{SYN: true, ACK: true}), "eth0")
	require.Nil(t, holder.take(1))
	out = holder.take(0)
	require.NotNil(t, out)
	eth = out.LinkLayer().(*layers.Ethernet)
	require.Equal(t, h1w, eth.SrcMAC)
	require.Equal(t, clientMAC, eth.DstMAC)
	_, dst, _, dport = decodeTCPPacket(t, out)
	require.Equal(t, client1IP.To4(), dst.To4())
	require.Equal(t, uint16(2222), dport)

	t.Log("############### TEST 4. Unmatched inbound is dropped #################")
	r.AcceptPkt(ctx, common.CreatePacketIPTCP(t, remoteIP, testUplink, 443, 4444, common.TCPFlags{SYN: true}), "eth0")
	require.Nil(t, holder.take(0))
	require.Nil(t, holder.take(1))

	t.Log("############### TEST 5. PING the AP #################")
	r.AcceptPkt(ctx, common.CreateICMPPacketTest(t, client1IP, apAddr, layers.ICMPv4TypeEchoRequest, 0), "wlan0")
	out = holder.take(0)
	require.NotNil(t, out)
	require.Nil(t, holder.take(1))
	srcip, dstip := decodeIPPacket(t, out)
	require.Equal(t, apAddr.To4(), srcip.To4())
	require.Equal(t, client1IP.To4(), dstip.To4())
	icmp := out.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.Equal(t, uint8(layers.ICMPv4TypeEchoReply), icmp.TypeCode.Type())

	t.Log("############### TEST 6. TTL exceeded goes back to the sender #################")
	expired := withTTL(t, tcpFrame(t, client1IP, remoteIP, 2223, 443, common.TCPFlags{SYN: true}), 1)
	r.AcceptPkt(ctx, gopacket.NewPacket(expired, layers.LayerTypeEthernet, gopacket.Default), "wlan0")
	require.Nil(t, holder.take(1))
	out = holder.take(0)
	require.NotNil(t, out)
	icmp = out.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.Equal(t, uint8(layers.ICMPv4TypeTimeExceeded), icmp.TypeCode.Type())
	srcip, dstip = decodeIPPacket(t, out)
	require.Equal(t, apAddr.To4(), srcip.To4())
	require.Equal(t, client1IP.To4(), dstip.To4())

	t.Log("############### TEST 7. Unknown interface #################")
	r.AcceptPkt(ctx, common.CreatePacketIPTCP(t, client1IP, remoteIP, 2222, 443, common.TCPFlags{ACK: true}), "eth9")
	require.Nil(t, holder.take(0))
	require.Nil(t, holder.take(1))
}

func TestRouterDHCP(t *testing.T) {
	r, _, holder, stub := newTestRouter(t, false)

	discover := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          0x1234,
		ClientHWAddr: clientMAC,
		Options:      layers.DHCPOptions{layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeDiscover)})},
	}
	eth := &layers.Ethernet{SrcMAC: clientMAC, DstMAC: broadcastHWAddr, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IPv4zero, DstIP: BroadCast}
	udp := &layers.UDP{SrcPort: 68, DstPort: 67}
	require.Nil(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.Nil(t, gopacket.SerializeLayers(buf, common.Options, eth, ip, udp, discover))

	r.AcceptPkt(context.Background(), gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default), "wlan0")
	require.Len(t, stub.got, 1)
	require.GreaterOrEqual(t, len(stub.got[0]), 240)

	out := holder.take(0)
	require.NotNil(t, out)
	outEth := out.LinkLayer().(*layers.Ethernet)
	require.Equal(t, h1w, outEth.SrcMAC)
	require.Equal(t, clientMAC, outEth.DstMAC)
	srcip, dstip := decodeIPPacket(t, out)
	require.Equal(t, apAddr.To4(), srcip.To4())
	require.Equal(t, BroadCast.To4(), dstip.To4())
	outUDP := out.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.Equal(t, layers.UDPPort(67), outUDP.SrcPort)
	require.Equal(t, layers.UDPPort(68), outUDP.DstPort)
	require.Len(t, outUDP.Payload, len(dhcpStubReply))

	t.Log("###### no uplink yet, nothing is translated")
	r.AcceptPkt(context.Background(), common.CreatePacketIPTCP(t, client1IP, remoteIP, 2222, 443, common.TCPFlags{SYN: true}), "wlan0")
	require.Nil(t, holder.take(0))
	require.Nil(t, holder.take(1))
}

func TestRouterArpTimeout(t *testing.T) {
	r, n, holder, _ := newTestRouter(t, true)
	r.ArpTimeout = 50 * time.Millisecond

	// Nothing has told us where the server is.
	r.AcceptPkt(context.Background(), common.CreatePacketIPTCP(t, peerIP, testUplink, 51000, 8080, common.TCPFlags{SYN: true}), "eth0")
	req := holder.take(0)
	require.NotNil(t, req)
	arp := req.Layer(layers.LayerTypeARP).(*layers.ARP)
	require.Equal(t, uint16(layers.ARPRequest), arp.Operation)
	require.Equal(t, []byte(client1IP.To4()), arp.DstProtAddress)
	require.Equal(t, []byte(apAddr.To4()), arp.SourceProtAddress)
	require.Nil(t, holder.take(1))
	// The session was still created.
	require.Equal(t, 1, n.Table().Len())
}

func decodeIPPacket(t *testing.T, pkt gopacket.Packet) (src, dst net.IP) {
	ipv4 := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	return ipv4.SrcIP, ipv4.DstIP
}

func arpPacket(t *testing.T, op uint16, srcMAC net.HardwareAddr, srcIP net.IP, dstMAC net.HardwareAddr, dstIP net.IP) gopacket.Packet {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: broadcastHWAddr, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: srcIP.To4(),
		DstHwAddress:      dstMAC,
		DstProtAddress:    dstIP.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	require.Nil(t, gopacket.SerializeLayers(buf, common.Options, eth, arp))
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func arpRequest(t *testing.T, srcMAC net.HardwareAddr, srcIP, dstIP net.IP) gopacket.Packet {
	return arpPacket(t, layers.ARPRequest, srcMAC, srcIP, zeroHWAddr, dstIP)
}

func arpReply(t *testing.T, srcMAC net.HardwareAddr, srcIP net.IP, dstMAC net.HardwareAddr, dstIP net.IP) gopacket.Packet {
	return arpPacket(t, layers.ARPReply, srcMAC, srcIP, dstMAC, dstIP)
}

func TestRouterNoUplink(t *testing.T) {
	ctx := context.Background()
	r, _, holder, _ := newTestRouter(t, false)

	frame := common.CreatePacketIPTCP(t, client1IP, remoteIP, 2222, 443, common.TCPFlags{SYN: true})
	require.ErrorIs(t, r.acceptLan4(ctx, WrapPacket(frame)), ErrNoUplink)
	r.AcceptPkt(ctx, frame, "wlan0")
	require.Nil(t, holder.take(0))
	require.Nil(t, holder.take(1))

	t.Log("###### the AP still answers pings")
	r.AcceptPkt(ctx, common.CreateICMPPacketTest(t, client1IP, apAddr, layers.ICMPv4TypeEchoRequest, 0), "wlan0")
	require.NotNil(t, holder.take(0))
}
