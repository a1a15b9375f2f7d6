package nat

import (
	"net"
)

// Direction of a packet relative to the AP network.
type Direction uint8

const (
	// Outbound packets come from the AP network and leave on the uplink.
	Outbound Direction = iota
	// Inbound packets arrive on the uplink.
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Verdict is what the caller should do with a processed packet.
type Verdict uint8

const (
	Drop Verdict = iota
	Forward
)

func (v Verdict) String() string {
	if v == Forward {
		return "forward"
	}
	return "drop"
}

// Action is the result of processing one packet. On Forward, Packet holds
// the rewritten packet. On Drop, Reason says why.
type Action struct {
	Verdict Verdict
	Packet  *Packet
	Session Session
	Reason  error
}

// Bytes serializes the rewritten packet of a Forward action.
func (a Action) Bytes() ([]byte, error) {
	if a.Verdict != Forward || a.Packet == nil {
		return nil, a.Reason
	}
	return a.Packet.Bytes()
}

// Dest - a destination of packets. Interface to make it easier to test with.
type Dest interface {
	Send(*Packet) (err error)
	SendBytes([]byte) (err error)
}

// LeaseReader resolves an AP-side address to the client holding it. Only used for diagnostics.
type LeaseReader interface {
	ClientFor(ip net.IP) (string, bool)
}

// LeaseReaderFunc adapts a function to a LeaseReader.
type LeaseReaderFunc func(ip net.IP) (string, bool)

func (f LeaseReaderFunc) ClientFor(ip net.IP) (string, bool) {
	return f(ip)
}

// Interface is one side of the router, the AP network or the uplink.
type Interface struct {
	IfName      string
	IfHWAddr    net.HardwareAddr
	IPv4Addr    net.IP
	IPv4Network net.IPNet
	// IPv4Gateway is the next hop for anything off the interface network. Unset on the AP side.
	IPv4Gateway net.IP
	MTU         int
	Callback    Dest
}

// DHCPHandler answers a DHCP request. A nil reply means nothing is sent back.
type DHCPHandler interface {
	HandleDHCP(buffer []byte) ([]byte, error)
}
