package nat

import (
	"errors"
	"fmt"
	"net"

	"natap/common"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	ErrMalformedPacket = errors.New("malformed packet")
)

// Packet extends gopacket.Packet to allow for layer3 and layer4 independent modifications.
type Packet struct {
	gopacket.Packet
	// Packet references. Used so i dont have to reflect multiple times, or pass paramters around a lot
	Eth *layers.Ethernet
	Ip4 *layers.IPv4
	Tcp *layers.TCP
	Udp *layers.UDP
}

// DecodePacket decodes data starting at the first layer type. Ethernet for
// captured frames, IPv4 for raw packets.
func DecodePacket(data []byte, first gopacket.LayerType) *Packet {
	return WrapPacket(gopacket.NewPacket(data, first, gopacket.Default))
}

// WrapPacket fills in the layer references of an already decoded packet.
func WrapPacket(pkt gopacket.Packet) *Packet {
	p := &Packet{Packet: pkt}
	p.Eth, _ = pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	p.Ip4, _ = pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	return p
}

// Validate rejects anything whose headers disagree with the bytes we actually have.
// Nothing that fails here goes anywhere near rule matching. Decode failures
// above the transport layer (a DNS payload gopacket can't parse, say) are not
// our business and are forwarded untouched.
func (p *Packet) Validate() error {
	transport := p.Layer(layers.LayerTypeTCP) != nil || p.Layer(layers.LayerTypeUDP) != nil
	if errLayer := p.ErrorLayer(); errLayer != nil && !transport {
		return fmt.Errorf("%w: %v", ErrMalformedPacket, errLayer.Error())
	}
	if p.Ip4 == nil {
		return nil
	}
	hdrLen := int(p.Ip4.IHL) * 4
	if hdrLen < 20 || len(p.Ip4.Contents) != hdrLen {
		return fmt.Errorf("%w: ipv4 header length %d", ErrMalformedPacket, hdrLen)
	}
	// Length 0 is what TSO leaves behind, gopacket takes the captured size.
	if p.Ip4.Length != 0 && int(p.Ip4.Length) != hdrLen+len(p.Ip4.Payload) {
		return fmt.Errorf("%w: ipv4 total length %d, have %d", ErrMalformedPacket, p.Ip4.Length, hdrLen+len(p.Ip4.Payload))
	}
	if p.isFragment() {
		return nil
	}
	switch p.Ip4.Protocol {
	case layers.IPProtocolTCP:
		if p.Layer(layers.LayerTypeTCP) == nil {
			return fmt.Errorf("%w: missing tcp header", ErrMalformedPacket)
		}
	case layers.IPProtocolUDP:
		udp, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			return fmt.Errorf("%w: missing udp header", ErrMalformedPacket)
		}
		if udp.Length != 0 && int(udp.Length) != len(udp.Contents)+len(udp.Payload) {
			return fmt.Errorf("%w: udp length %d", ErrMalformedPacket, udp.Length)
		}
	}
	return nil
}

func (p *Packet) isFragment() bool {
	return p.Ip4 != nil && (p.Ip4.Flags&layers.IPv4MoreFragments == layers.IPv4MoreFragments || p.Ip4.FragOffset > 0)
}

// SetLayer4 picks up the TCP or UDP layer and points its checksum at the IPv4 header.
func (p *Packet) SetLayer4() {
	if tcp, ok := p.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		p.Tcp = tcp
		if p.Ip4 != nil {
			_ = tcp.SetNetworkLayerForChecksum(p.Ip4)
		}
	}
	if udp, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		p.Udp = udp
		if p.Ip4 != nil {
			_ = udp.SetNetworkLayerForChecksum(p.Ip4)
		}
	}
}

func (p *Packet) Ports() (src, dst uint16) {
	if p.Tcp != nil {
		return uint16(p.Tcp.SrcPort), uint16(p.Tcp.DstPort)
	} else if p.Udp != nil {
		return uint16(p.Udp.SrcPort), uint16(p.Udp.DstPort)
	}
	return 0, 0
}

func (p *Packet) SetSrcPort(port uint16) {
	if p.Tcp != nil {
		p.Tcp.SrcPort = layers.TCPPort(port)
	} else if p.Udp != nil {
		p.Udp.SrcPort = layers.UDPPort(port)
	}
}

func (p *Packet) SetDstPort(port uint16) {
	if p.Tcp != nil {
		p.Tcp.DstPort = layers.TCPPort(port)
	} else if p.Udp != nil {
		p.Udp.DstPort = layers.UDPPort(port)
	}
}

func (p *Packet) IPs() (src, dst net.IP) {
	if p.Ip4 == nil {
		return nil, nil
	}
	return p.Ip4.SrcIP, p.Ip4.DstIP
}

func (p *Packet) SetSrcIP(src net.IP) {
	if p.Ip4 != nil {
		p.Ip4.SrcIP = src
	}
}

func (p *Packet) SetDstIP(dst net.IP) {
	if p.Ip4 != nil {
		p.Ip4.DstIP = dst
	}
}

func (p *Packet) Protocol() layers.IPProtocol {
	if p.Ip4 != nil {
		return p.Ip4.Protocol
	}
	return layers.IPProtocolNoNextHeader
}

// Bytes serializes the packet, fixing lengths and checksums.
func (p *Packet) Bytes() ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	return p.BytesReuse(buf)
}

// BytesReuse is Bytes with a caller owned buffer, for the hot path. TCP and UDP
// packets are written back from the transport layer down, so payload bytes go
// out exactly as they came in. Anything else goes through gopacket whole.
func (p *Packet) BytesReuse(buf gopacket.SerializeBuffer) ([]byte, error) {
	var l4 gopacket.SerializableLayer
	var payload []byte
	if p.Tcp != nil {
		l4, payload = p.Tcp, p.Tcp.Payload
	} else if p.Udp != nil {
		l4, payload = p.Udp, p.Udp.Payload
	}
	if l4 == nil || p.Ip4 == nil {
		return common.ConvertPacketRuse(p.Packet, buf)
	}
	ls := make([]gopacket.SerializableLayer, 0, 4)
	if p.Eth != nil {
		ls = append(ls, p.Eth)
	}
	ls = append(ls, p.Ip4, l4, gopacket.Payload(payload))
	if err := gopacket.SerializeLayers(buf, common.Options, ls...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *Packet) String() string {
	src, dst := p.IPs()
	sport, dport := p.Ports()
	return fmt.Sprintf("(%s %s:%d->%s:%d)", p.Protocol(), src, sport, dst, dport)
}
