package nat

import (
	"fmt"
	"strings"

	"github.com/google/gopacket/layers"
)

// Protocol is the protocol selector of a port forwarding rule.
// ProtocolTCPUDP widens to both TCP and UDP.
type Protocol uint8

const (
	ProtocolTCP Protocol = iota + 1
	ProtocolUDP
	ProtocolTCPUDP
)

// ParseProtocol accepts tcp, udp and tcp_udp in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TCP":
		return ProtocolTCP, nil
	case "UDP":
		return ProtocolUDP, nil
	case "TCP_UDP", "TCPUDP", "TCP+UDP":
		return ProtocolTCPUDP, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidProtocol, s)
}

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	case ProtocolTCPUDP:
		return "TCP_UDP"
	}
	return fmt.Sprintf("Protocol(%d)", uint8(p))
}

// Valid reports whether p is one of the known selectors.
func (p Protocol) Valid() bool {
	return p >= ProtocolTCP && p <= ProtocolTCPUDP
}

// Matches reports whether a packet of the given IP protocol is selected by p.
func (p Protocol) Matches(proto layers.IPProtocol) bool {
	switch p {
	case ProtocolTCP:
		return proto == layers.IPProtocolTCP
	case ProtocolUDP:
		return proto == layers.IPProtocolUDP
	case ProtocolTCPUDP:
		return proto == layers.IPProtocolTCP || proto == layers.IPProtocolUDP
	}
	return false
}

// IPProtocols expands p into the transport protocols it selects.
func (p Protocol) IPProtocols() []layers.IPProtocol {
	switch p {
	case ProtocolTCP:
		return []layers.IPProtocol{layers.IPProtocolTCP}
	case ProtocolUDP:
		return []layers.IPProtocol{layers.IPProtocolUDP}
	case ProtocolTCPUDP:
		return []layers.IPProtocol{layers.IPProtocolTCP, layers.IPProtocolUDP}
	}
	return nil
}

// UnmarshalText lets yaml decode "tcp", "UDP" or "tcp_udp" straight into a Protocol.
func (p *Protocol) UnmarshalText(text []byte) error {
	parsed, err := ParseProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p Protocol) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidProtocol, uint8(p))
	}
	return []byte(strings.ToLower(p.String())), nil
}
