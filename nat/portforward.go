package nat

import (
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidPort       = errors.New("port out of range 1-65535")
	ErrInvalidInternalIP = errors.New("internal ip must be an IPv4 address")
	ErrInvalidProtocol   = errors.New("protocol must be TCP, UDP or TCP_UDP")
	ErrDuplicateRule     = errors.New("duplicate port forwarding rule")
)

// PFRule is used by the configuration and instantiation of port forwarding rules.
// Ports are plain ints so out of range values reach validation instead of failing the yaml decode.
type PFRule struct {
	Name         string   `yaml:"name,omitempty"`
	Protocol     Protocol `yaml:"protocol"`
	ExternalPort int      `yaml:"external_port"`
	InternalIP   string   `yaml:"internal_ip"`
	InternalPort int      `yaml:"internal_port"`
}

func (r PFRule) String() string {
	return fmt.Sprintf("%s ext:%d -> %s:%d", r.Protocol, r.ExternalPort, r.InternalIP, r.InternalPort)
}

// Validate checks a single rule in isolation.
func (r PFRule) Validate() error {
	if !r.Protocol.Valid() {
		return fmt.Errorf("rule %s: %w", r, ErrInvalidProtocol)
	}
	if r.ExternalPort < 1 || r.ExternalPort > 65535 {
		return fmt.Errorf("rule %s: external port %d: %w", r, r.ExternalPort, ErrInvalidPort)
	}
	if r.InternalPort < 1 || r.InternalPort > 65535 {
		return fmt.Errorf("rule %s: internal port %d: %w", r, r.InternalPort, ErrInvalidPort)
	}
	if ip := net.ParseIP(r.InternalIP); ip == nil || ip.To4() == nil {
		return fmt.Errorf("rule %s: %q: %w", r, r.InternalIP, ErrInvalidInternalIP)
	}
	return nil
}

// PortForwardingEntry represents a port forwarding destination.
type PortForwardingEntry struct {
	InternalIP   net.IP
	InternalPort uint16
	Rule         string
}

// PortForwardingKey is the (protocol, external port) a rule is matched on.
type PortForwardingKey struct {
	ExternalPort uint16
	Protocol     layers.IPProtocol
}

// RuleTable is the ordered set of forwarding rules. It is read-only once built,
// so lookups from the packet path need no locking.
type RuleTable struct {
	rules []PFRule
	index map[PortForwardingKey]PortForwardingEntry
}

// NewRuleTable validates rules and builds the table. A TCP_UDP rule claims the
// port for both protocols, so it collides with a TCP or UDP rule on the same port.
func NewRuleTable(rules []PFRule) (*RuleTable, error) {
	t := &RuleTable{
		rules: make([]PFRule, 0, len(rules)),
		index: make(map[PortForwardingKey]PortForwardingEntry, len(rules)),
	}
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		for _, proto := range r.Protocol.IPProtocols() {
			key := PortForwardingKey{ExternalPort: uint16(r.ExternalPort), Protocol: proto}
			if prev, ok := t.index[key]; ok {
				return nil, fmt.Errorf("rule %d (%s) and %s both claim %s/%d: %w", i, r, prev.Rule, proto, r.ExternalPort, ErrDuplicateRule)
			}
		}
		t.install(r)
	}
	return t, nil
}

func (t *RuleTable) install(r PFRule) {
	name := r.Name
	if name == "" {
		name = r.String()
	}
	entry := PortForwardingEntry{
		InternalIP:   net.ParseIP(r.InternalIP).To4(),
		InternalPort: uint16(r.InternalPort),
		Rule:         name,
	}
	for _, proto := range r.Protocol.IPProtocols() {
		key := PortForwardingKey{ExternalPort: uint16(r.ExternalPort), Protocol: proto}
		// First match wins on overlap.
		if _, ok := t.index[key]; ok {
			continue
		}
		t.index[key] = entry
		log.Debug().Msgf("port forwarding rule %v:%v", key, entry)
	}
	t.rules = append(t.rules, r)
}

// Lookup returns the forwarding target for a packet of protocol proto addressed to port.
func (t *RuleTable) Lookup(proto layers.IPProtocol, port uint16) (PortForwardingEntry, bool) {
	if t == nil {
		return PortForwardingEntry{}, false
	}
	entry, ok := t.index[PortForwardingKey{ExternalPort: port, Protocol: proto}]
	return entry, ok
}

// ExternalPorts lists the external ports claimed for proto, in rule order.
func (t *RuleTable) ExternalPorts(proto layers.IPProtocol) []uint16 {
	if t == nil {
		return nil
	}
	var ports []uint16
	for _, r := range t.rules {
		if r.Protocol.Matches(proto) {
			ports = append(ports, uint16(r.ExternalPort))
		}
	}
	return ports
}

// Rules returns a copy of the installed rules in insertion order.
func (t *RuleTable) Rules() []PFRule {
	if t == nil {
		return nil
	}
	out := make([]PFRule, len(t.rules))
	copy(out, t.rules)
	return out
}

func (t *RuleTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}
