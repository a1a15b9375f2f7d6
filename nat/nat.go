/*
Package nat implements a simple NAPT (Network Address Port Translation) between
an access point network and a single uplink, with static port forwarding.
*/
package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"natap/clock"
	"natap/common"

	"github.com/google/gopacket"
	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var (
	BroadCast              = net.ParseIP("255.255.255.255")
	ErrNotConfigured       = errors.New("nat not configured")
	ErrNoMapping           = errors.New("no session or forwarding rule for packet")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrNotTranslatable     = errors.New("packet is not translatable in this direction")
	ErrFragmentPending     = errors.New("waiting for remaining fragments")
	ErrTTLExceeded         = errors.New("ttl exceeded")
	ErrInvalidTunables     = errors.New("invalid nat tunables")
	ErrInvalidUplink       = errors.New("uplink address must be IPv4")
)

// FragmentTimeout is how long fragments of an incomplete datagram are kept.
const FragmentTimeout = 30 * time.Second

// Tunables are the NAT knobs that have no single right value.
type Tunables struct {
	TCPTimeout       time.Duration `yaml:"tcp_timeout"`
	UDPTimeout       time.Duration `yaml:"udp_timeout"`
	TCPClosedTimeout time.Duration `yaml:"tcp_closed_timeout"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
	PortMin          int           `yaml:"port_min"`
	PortMax          int           `yaml:"port_max"`
}

// DefaultTunables - TCP gets the hour RFC 5382 asks for, UDP the five minutes of RFC 4787.
func DefaultTunables() Tunables {
	return Tunables{
		TCPTimeout:       time.Hour,
		UDPTimeout:       5 * time.Minute,
		TCPClosedTimeout: 10 * time.Second,
		EvictionInterval: 5 * time.Second,
		PortMin:          DefaultPortMin,
		PortMax:          DefaultPortMax,
	}
}

func (t Tunables) Validate() error {
	if t.TCPTimeout <= 0 || t.UDPTimeout <= 0 || t.TCPClosedTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidTunables)
	}
	if t.EvictionInterval <= 0 {
		return fmt.Errorf("%w: eviction interval must be positive", ErrInvalidTunables)
	}
	if t.PortMin < 1 || t.PortMax > 65535 || t.PortMin > t.PortMax {
		return fmt.Errorf("%w: port range %d-%d: %w", ErrInvalidTunables, t.PortMin, t.PortMax, ErrInvalidPort)
	}
	return nil
}

func (t Tunables) timeouts() Timeouts {
	return Timeouts{TCP: t.TCPTimeout, UDP: t.UDPTimeout, TCPClosed: t.TCPClosedTimeout}
}

// Configuration is everything the NAT needs, fixed for the life of the process.
type Configuration struct {
	// UplinkAddr is the address translated traffic appears from.
	UplinkAddr net.IP
	// APNetwork is the internal network behind the access point.
	APNetwork net.IPNet
	Rules     []PFRule
	Tunables  Tunables
}

// state is built once by Configure and only read afterwards.
type state struct {
	uplink    net.IP
	apNetwork net.IPNet
	rules     *RuleTable
	table     *Nattable
	tunables  Tunables
}

// Nat stores the state of the NAT
type Nat struct {
	cfgLock    sync.Mutex
	state      atomic.Pointer[state]
	linkType   gopacket.LayerType
	clock      clock.Clock
	metrics    *Metrics
	leases     LeaseReader
	defragOut  *ip4defrag.IPv4Defragmenter
	defragIn   *ip4defrag.IPv4Defragmenter
	dropLogger *rate.Limiter
}

// Option configures a Nat at creation.
type Option func(*Nat)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(n *Nat) { n.clock = c }
}

// WithMetrics records packet and session metrics.
func WithMetrics(m *Metrics) Option {
	return func(n *Nat) { n.metrics = m }
}

// WithLinkType sets the first layer of byte packets given to ProcessOutbound
// and ProcessInbound. Ethernet by default.
func WithLinkType(t gopacket.LayerType) Option {
	return func(n *Nat) { n.linkType = t }
}

// WithLeaseReader lets Sessions name the client behind each internal address.
func WithLeaseReader(l LeaseReader) Option {
	return func(n *Nat) { n.leases = l }
}

// CreateNat - create an unconfigured NAT. Everything is dropped until Configure is called.
func CreateNat(opts ...Option) *Nat {
	n := &Nat{
		linkType:   layers.LayerTypeEthernet,
		defragOut:  ip4defrag.NewIPv4Defragmenter(),
		defragIn:   ip4defrag.NewIPv4Defragmenter(),
		dropLogger: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	for _, o := range opts {
		o(n)
	}
	n.clock = clock.OrReal(n.clock)
	return n
}

// Configure installs the configuration. Only the first successful call does
// anything; later calls are no-ops, so it is safe to call on every uplink event.
func (n *Nat) Configure(cfg Configuration) error {
	n.cfgLock.Lock()
	defer n.cfgLock.Unlock()
	if n.state.Load() != nil {
		log.Debug().Msg("NAT already configured, ignoring")
		return nil
	}
	uplink := cfg.UplinkAddr.To4()
	if uplink == nil {
		return fmt.Errorf("%w: %v", ErrInvalidUplink, cfg.UplinkAddr)
	}
	if err := cfg.Tunables.Validate(); err != nil {
		return err
	}
	rules, err := NewRuleTable(cfg.Rules)
	if err != nil {
		return err
	}
	pools := make(map[layers.IPProtocol]*PortPool, 2)
	for _, proto := range []layers.IPProtocol{layers.IPProtocolTCP, layers.IPProtocolUDP} {
		pools[proto] = NewPortPool(uint16(cfg.Tunables.PortMin), uint16(cfg.Tunables.PortMax), rules.ExternalPorts(proto))
	}
	st := &state{
		uplink:    uplink,
		apNetwork: cfg.APNetwork,
		rules:     rules,
		table:     NewNattable(uplink, pools, cfg.Tunables.timeouts(), n.clock, n.metrics),
		tunables:  cfg.Tunables,
	}
	n.state.Store(st)
	log.Info().Msgf("NAPT enabled on %s for %s with %d port forwarding rules", uplink, cfg.APNetwork.String(), rules.Len())
	for _, r := range rules.Rules() {
		log.Info().Msgf("Port forwarding rule applied: %s (uplink %s)", r, uplink)
	}
	return nil
}

// Configured reports whether Configure has succeeded.
func (n *Nat) Configured() bool {
	return n.state.Load() != nil
}

// Table exposes the session tracker, nil before Configure.
func (n *Nat) Table() *Nattable {
	if st := n.state.Load(); st != nil {
		return st.table
	}
	return nil
}

// ProcessOutbound translates a packet leaving the AP network.
func (n *Nat) ProcessOutbound(data []byte) Action {
	return n.ProcessOutboundPacket(DecodePacket(data, n.linkType))
}

// ProcessInbound translates a packet arriving on the uplink.
func (n *Nat) ProcessInbound(data []byte) Action {
	return n.ProcessInboundPacket(DecodePacket(data, n.linkType))
}

// ProcessOutboundPacket rewrites the source of pkt to the uplink address and a
// session port. The packet is modified in place.
func (n *Nat) ProcessOutboundPacket(pkt *Packet) Action {
	st, pkt, err := n.ingress(pkt, n.defragOut)
	if err != nil {
		return n.finish(Outbound, pkt, n.drop(pkt, err))
	}
	src, dst := pkt.IPs()
	if !st.apNetwork.Contains(src) || st.apNetwork.Contains(dst) || dst.Equal(BroadCast) || dst.IsMulticast() {
		return n.finish(Outbound, pkt, n.drop(pkt, ErrNotTranslatable))
	}
	srcport, dstport := pkt.Ports()
	sess, created, err := st.table.Outbound(pkt.Protocol(), Endpoint{IP: src, Port: srcport}, Endpoint{IP: dst, Port: dstport}, pkt.Tcp)
	if err != nil {
		return n.finish(Outbound, pkt, n.drop(pkt, err))
	}
	if created {
		log.Debug().Msgf("New NAT (outbound) %s", sess)
	}
	pkt.SetSrcIP(sess.Translated.IP)
	pkt.SetSrcPort(sess.Translated.Port)
	return n.finish(Outbound, pkt, Action{Verdict: Forward, Packet: pkt, Session: sess})
}

// ProcessInboundPacket rewrites the destination of pkt to the internal host,
// from a live session or else a forwarding rule.
func (n *Nat) ProcessInboundPacket(pkt *Packet) Action {
	st, pkt, err := n.ingress(pkt, n.defragIn)
	if err != nil {
		return n.finish(Inbound, pkt, n.drop(pkt, err))
	}
	src, dst := pkt.IPs()
	if !dst.Equal(st.uplink) {
		return n.finish(Inbound, pkt, n.drop(pkt, ErrNotTranslatable))
	}
	proto := pkt.Protocol()
	srcport, dstport := pkt.Ports()
	remote := Endpoint{IP: src, Port: srcport}

	sess, ok := st.table.Inbound(proto, dstport, remote, pkt.Tcp)
	if !ok {
		entry, found := st.rules.Lookup(proto, dstport)
		if !found {
			return n.finish(Inbound, pkt, n.drop(pkt, ErrNoMapping))
		}
		log.Info().Msgf("New packet matches port forwarding rule %s: %s/%d -> %s:%d", entry.Rule, proto, dstport, entry.InternalIP, entry.InternalPort)
		sess, err = st.table.InboundStatic(proto, dstport, entry, remote, pkt.Tcp)
		if err != nil {
			// Lost a race with another inbound packet for the same port.
			if sess, ok = st.table.Inbound(proto, dstport, remote, pkt.Tcp); !ok {
				return n.finish(Inbound, pkt, n.drop(pkt, err))
			}
		}
	}
	pkt.SetDstIP(sess.Internal.IP)
	pkt.SetDstPort(sess.Internal.Port)
	return n.finish(Inbound, pkt, Action{Verdict: Forward, Packet: pkt, Session: sess})
}

// ingress does everything both directions share before any table lookup:
// configuration, well-formedness, reassembly, TTL and protocol checks.
func (n *Nat) ingress(pkt *Packet, defrag *ip4defrag.IPv4Defragmenter) (*state, *Packet, error) {
	st := n.state.Load()
	if st == nil {
		return nil, pkt, ErrNotConfigured
	}
	if err := pkt.Validate(); err != nil {
		return nil, pkt, err
	}
	if pkt.Ip4 == nil {
		return nil, pkt, fmt.Errorf("%w: not ipv4", ErrUnsupportedProtocol)
	}
	if pkt.isFragment() {
		whole, err := n.reassemble(pkt, defrag)
		if err != nil {
			return nil, pkt, err
		}
		pkt = whole
	}
	if pkt.Ip4.TTL <= 1 {
		return nil, pkt, ErrTTLExceeded
	}
	pkt.SetLayer4()
	if pkt.Tcp == nil && pkt.Udp == nil {
		return nil, pkt, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, pkt.Protocol())
	}
	// Drop the TTL. This will mean anything onwards should have the TTL down.
	pkt.Ip4.TTL--
	return st, pkt, nil
}

// reassemble feeds a fragment to the defragmenter, returning the whole packet once complete.
func (n *Nat) reassemble(pkt *Packet, defrag *ip4defrag.IPv4Defragmenter) (*Packet, error) {
	log.Debug().Msgf("Got a fragmented IP packet, attempting to defrag it")
	ipv4Out, err := defrag.DefragIPv4WithTimestamp(pkt.Ip4, n.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: defrag: %v", ErrMalformedPacket, err)
	} else if ipv4Out == nil {
		return nil, ErrFragmentPending
	}
	ls := make([]gopacket.SerializableLayer, 0, 3)
	first := layers.LayerTypeIPv4
	if pkt.Eth != nil {
		ls = append(ls, pkt.Eth)
		first = layers.LayerTypeEthernet
	}
	ls = append(ls, ipv4Out, gopacket.Payload(ipv4Out.Payload))
	buffer := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buffer, common.Options, ls...); err != nil {
		return nil, fmt.Errorf("%w: serialize defragmented packet: %v", ErrMalformedPacket, err)
	}
	whole := DecodePacket(buffer.Bytes(), first)
	if err := whole.Validate(); err != nil {
		return nil, err
	}
	log.Debug().Msgf("Successfully defragged the pkt, new length is %d", len(buffer.Bytes()))
	return whole, nil
}

func (n *Nat) drop(pkt *Packet, reason error) Action {
	if errors.Is(reason, ErrMalformedPacket) || errors.Is(reason, ErrPoolExhausted) {
		if n.dropLogger.Allow() {
			log.Warn().Err(reason).Msgf("Dropping packet %s", pkt)
		}
	} else {
		log.Debug().Err(reason).Msgf("Dropping packet %s", pkt)
	}
	return Action{Verdict: Drop, Packet: pkt, Reason: reason}
}

func (n *Nat) finish(dir Direction, pkt *Packet, a Action) Action {
	n.metrics.packet(dir, a)
	if a.Verdict == Forward {
		log.Debug().Msgf("%s packet rewritten %s via %s", dir, pkt, a.Session)
	}
	return a
}

// StartGarbageCollector evicts idle sessions and stale fragments until ctx is
// done. It waits for Configure before starting.
func (n *Nat) StartGarbageCollector(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for n.state.Load() == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	st := n.state.Load()
	go n.discardFragments(ctx, st.tunables.EvictionInterval)
	return st.table.StartGarbageCollector(ctx, st.tunables.EvictionInterval)
}

func (n *Nat) discardFragments(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := n.clock.Now().Add(-FragmentTimeout)
			n.defragOut.DiscardOlderThan(cutoff)
			n.defragIn.DiscardOlderThan(cutoff)
		}
	}
}

// SessionInfo is a session plus the client the lease table says holds its internal address.
type SessionInfo struct {
	Session
	Client string
}

// Sessions lists live sessions, oldest first, for diagnostics.
func (n *Nat) Sessions() []SessionInfo {
	st := n.state.Load()
	if st == nil {
		return nil
	}
	sessions := st.table.Sessions()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		info := SessionInfo{Session: s}
		if n.leases != nil {
			info.Client, _ = n.leases.ClientFor(s.Internal.IP)
		}
		out = append(out, info)
	}
	return out
}
