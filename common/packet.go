package common

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

var (
	// FixLengths is required. Not sure why, I didnt think i was changing the packet length. But UDP breaks if you don't.
	Options   gopacket.SerializeOptions = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	rawBytes                            = []byte{0, 1, 2, 3, 4}
	srcMACtest                          = net.HardwareAddr{0x00, 0x0F, 0xAA, 0xFA, 0xAA, 0x00}
	dstMACtest                          = net.HardwareAddr{0x00, 0x0D, 0xBD, 0xBD, 0x00, 0xBD}
)

type TCPFlags struct {
	FIN bool
	SYN bool
	RST bool
	PSH bool
	ACK bool
	URG bool
	ECE bool
	CWR bool
	NS  bool
}

func testIPv4(src, dst net.IP, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		SrcIP:      src,
		DstIP:      dst,
		Version:    4,
		TOS:        0,
		Id:         0,
		Flags:      0,
		FragOffset: 0,
		TTL:        64,
		Protocol:   proto,
	}
}

// CreatePacketIPTCP builds an ethernet framed TCP packet with a small payload.
func CreatePacketIPTCP(t require.TestingT, src, dst net.IP, srcport, dstport uint16, flgas TCPFlags) (packet gopacket.Packet) {

	ethernetLayer := &layers.Ethernet{
		SrcMAC:       srcMACtest,
		DstMAC:       dstMACtest,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipLayer := testIPv4(src, dst, layers.IPProtocolTCP)
	tcpLayer := &layers.TCP{
		SrcPort: layers.TCPPort(srcport),
		DstPort: layers.TCPPort(dstport),
		FIN:     flgas.FIN,
		SYN:     flgas.SYN,
		RST:     flgas.RST,
		PSH:     flgas.PSH,
		ACK:     flgas.ACK,
		URG:     flgas.URG,
		ECE:     flgas.ECE,
		CWR:     flgas.CWR,
		NS:      flgas.NS,
		Window:  1024,
	}
	require.Nil(t, tcpLayer.SetNetworkLayerForChecksum(ipLayer))
	// And create the packet with the layers
	buffer := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buffer, Options,
		ethernetLayer,
		ipLayer,
		tcpLayer,
		gopacket.Payload(rawBytes),
	)
	require.Nil(t, err)
	packet = gopacket.NewPacket(buffer.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	return
}

// CreatePacketIPUDP builds an ethernet framed UDP packet carrying payload.
func CreatePacketIPUDP(t require.TestingT, src, dst net.IP, srcport, dstport uint16, payload []byte) (packet gopacket.Packet) {
	ethernetLayer := &layers.Ethernet{
		SrcMAC:       srcMACtest,
		DstMAC:       dstMACtest,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipLayer := testIPv4(src, dst, layers.IPProtocolUDP)
	udpLayer := &layers.UDP{
		SrcPort: layers.UDPPort(srcport),
		DstPort: layers.UDPPort(dstport),
	}
	require.Nil(t, udpLayer.SetNetworkLayerForChecksum(ipLayer))
	buffer := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buffer, Options,
		ethernetLayer,
		ipLayer,
		udpLayer,
		gopacket.Payload(payload),
	)
	require.Nil(t, err)
	packet = gopacket.NewPacket(buffer.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	return
}

// CreateICMPPacket builds an ICMP message. When quote is set it is carried as
// the body, as ICMP errors quote the offending datagram.
func CreateICMPPacket(srcmac, dstmac net.HardwareAddr, src, dst net.IP, icmpType, icmpCode uint8, quote []byte) ([]byte, error) {

	ethernetLayer := &layers.Ethernet{
		SrcMAC:       srcmac,
		DstMAC:       dstmac,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipLayer := testIPv4(src, dst, layers.IPProtocolICMPv4)
	icmpLayer := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(icmpType, icmpCode)}
	if quote == nil {
		quote = rawBytes
	}
	buffer := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buffer, Options,
		ethernetLayer,
		ipLayer,
		icmpLayer,
		gopacket.Payload(quote),
	)
	if err != nil {
		log.Error().Err(err).Msg("Error serializing ICMP packet")
		return nil, err
	}
	return buffer.Bytes(), err
}

func CreateICMPPacketTest(t require.TestingT, src, dst net.IP, icmpType, icmpCode uint8) (packet gopacket.Packet) {
	buffer, err := CreateICMPPacket(srcMACtest, dstMACtest, src, dst, icmpType, icmpCode, nil)

	require.Nil(t, err)
	packet = gopacket.NewPacket(buffer, layers.LayerTypeEthernet, gopacket.Default)
	return
}

func ConvertPacket(pkt gopacket.Packet) ([]byte, error) {
	return ConvertPacketRuse(pkt, gopacket.NewSerializeBuffer())
}

// ConvertPacketRuse serializes pkt into buf, which is cleared first. The returned
// slice is only valid until buf is reused.
func ConvertPacketRuse(pkt gopacket.Packet, buf gopacket.SerializeBuffer) ([]byte, error) {
	if err := gopacket.SerializePacket(buf, Options, pkt); err != nil {
		log.Error().Err(err).Msgf("Failed to serialise packet? this shouldnt happen %s", pkt)
		return nil, err
	}
	return buf.Bytes(), nil
}
