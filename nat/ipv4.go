package nat

import (
	"context"
	"errors"
	"fmt"

	"natap/common"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"
)

// acceptLan4 handles an IPv4 packet from a station on the AP network.
func (r *Router) acceptLan4(ctx context.Context, pkt *Packet) error {
	lan := &r.lan
	ipsrc, ipdst := pkt.IPs()
	if lan.IPv4Network.Contains(ipsrc) {
		r.neighbors.Add(ipsrc, pkt.Eth.SrcMAC, lan.IfName)
	}

	// Check for DHCP here, only if there is a server.
	if ipdst.Equal(BroadCast) || ipdst.Equal(lan.IPv4Addr) {
		if dhcpPacket, ok := pkt.Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4); ok && r.dhcp != nil {
			log.Debug().Msgf("DHCP packet recieved - %v", pkt)
			udp, _ := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
			reply, err := r.dhcp.HandleDHCP(dhcpPacket.Contents)
			if err != nil {
				return fmt.Errorf("handling DHCP packet: %w", err)
			}
			if reply == nil {
				return nil
			}
			return sendDHCPResponse(pkt, udp, reply, lan)
		}
	}

	if ipdst.Equal(lan.IPv4Addr) {
		// Addressed to the AP itself. Only pings are answered.
		if icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok && icmp.TypeCode.Type() == layers.ICMPv4TypeEchoRequest {
			return sendICMPv4EchoResponse(icmp, pkt, lan)
		}
		log.Debug().Msgf("Packet to the AP address %s, not handled. dropping", pkt)
		return nil
	}

	wan, ok := r.uplink()
	if !ok {
		return fmt.Errorf("%w: dropping %s", ErrNoUplink, pkt)
	}
	action := r.nat.ProcessOutboundPacket(pkt)
	if action.Verdict == Drop {
		if errors.Is(action.Reason, ErrTTLExceeded) {
			log.Debug().Msgf("Dropping packet with TTL 0, sending Time Exceeded back")
			return sendICMPPacketReverse(pkt, lan, layers.ICMPv4TypeTimeExceeded, layers.ICMPv4CodeTTLExceeded)
		}
		return nil
	}
	nextHop := action.Packet.Ip4.DstIP
	if wan.IPv4Gateway != nil && !wan.IPv4Network.Contains(nextHop) {
		nextHop = wan.IPv4Gateway
	}
	return r.forward(ctx, action.Packet, nextHop, wan)
}

// acceptWan4 handles an IPv4 packet from the uplink.
func (r *Router) acceptWan4(ctx context.Context, pkt *Packet, wan *Interface) error {
	ipsrc, _ := pkt.IPs()
	if wan.IPv4Network.Contains(ipsrc) {
		r.neighbors.Add(ipsrc, pkt.Eth.SrcMAC, wan.IfName)
	}
	action := r.nat.ProcessInboundPacket(pkt)
	if action.Verdict == Drop {
		return nil
	}
	return r.forward(ctx, action.Packet, action.Packet.Ip4.DstIP, &r.lan)
}

func sendICMPPacketReverse(pkt *Packet, intf *Interface, icmpType, icmpCode uint8) error {
	// Quote the IP header and the first 8 bytes of what it carried.
	quote := append([]byte(nil), pkt.Ip4.Contents...)
	body := pkt.Ip4.Payload
	if len(body) > 8 {
		body = body[:8]
	}
	quote = append(quote, body...)
	buf, err := common.CreateICMPPacket(intf.IfHWAddr, pkt.Eth.SrcMAC, intf.IPv4Addr, pkt.Ip4.SrcIP, icmpType, icmpCode, quote)
	if err != nil {
		return fmt.Errorf("failed to create ICMP packet %w", err)
	}
	return intf.Callback.SendBytes(buf)
}

func sendICMPv4EchoResponse(icmp *layers.ICMPv4, pkt *Packet, intf *Interface) (err error) {
	// Flip the packet around, and send it pack. Shortcut to generating an ICMP packet.
	pkt.Ip4.DstIP, pkt.Ip4.SrcIP = pkt.Ip4.SrcIP, pkt.Ip4.DstIP
	pkt.Ip4.TTL = 64
	pkt.Eth.DstMAC = pkt.Eth.SrcMAC
	pkt.Eth.SrcMAC = intf.IfHWAddr

	icmp.TypeCode = layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0)

	return intf.Callback.Send(pkt)
}

func sendDHCPResponse(pkt *Packet, udp *layers.UDP, content []byte, intf *Interface) (err error) {
	// Set layer 2
	pkt.Eth.DstMAC = pkt.Eth.SrcMAC
	pkt.Eth.SrcMAC = intf.IfHWAddr

	// Set layer 3. Clients without an address yet only hear broadcast.
	pkt.Ip4.SrcIP = intf.IPv4Addr
	pkt.Ip4.DstIP = BroadCast
	pkt.Ip4.TTL = 64

	// Set layer 4
	udp.DstPort, udp.SrcPort = udp.SrcPort, udp.DstPort

	_ = udp.SetNetworkLayerForChecksum(pkt.Ip4)

	buffer := gopacket.NewSerializeBuffer()
	err = gopacket.SerializeLayers(buffer, common.Options, pkt.Eth, pkt.Ip4, udp, gopacket.Payload(content))
	if err != nil {
		log.Error().Err(err).Msgf("failed to serialize packet %s", err)
		return
	}
	return intf.Callback.SendBytes(buffer.Bytes())
}
