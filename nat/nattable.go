package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"natap/clock"

	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionExists = errors.New("session already exists")
)

// TCP close states. We don't track the whole handshake, only enough to know
// when both sides have finished with the connection.
const (
	TCPEstablished uint8 = 0x01
	TCPFinWait     uint8 = 0x04
	TCPClosed      uint8 = 0x0b
)

// TCPCloseState - becomes TCPClosed on a RST, or once a FIN has been seen in both directions.
type TCPCloseState struct {
	State  uint8
	FinOut bool
	FinIn  bool
}

// Endpoint is an IPv4 address and port.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// Session tracks one translated flow. Internal is the AP-side host, Translated
// is the uplink address and port it appears as, Remote the last peer seen.
type Session struct {
	Protocol   layers.IPProtocol
	Internal   Endpoint
	Translated Endpoint
	Remote     Endpoint
	CreatedAt  time.Time
	LastSeen   time.Time
	// Static sessions are created by a forwarding rule. Their port belongs to
	// the rule, not the pool.
	Static   bool
	TcpState TCPCloseState
}

func (s Session) String() string {
	return fmt.Sprintf("(%s %s->%s<-%s)", s.Protocol, s.Internal, s.Translated, s.Remote)
}

// Timeouts are the idle timeouts used by eviction.
type Timeouts struct {
	TCP       time.Duration
	UDP       time.Duration
	TCPClosed time.Duration
}

type internalKey struct {
	Protocol layers.IPProtocol
	IP       [4]byte
	Port     uint16
}

type externalKey struct {
	Protocol layers.IPProtocol
	Port     uint16
}

// Nattable is the session tracker. It owns the sessions and the port pools;
// callers only ever get copies. One mutex covers both indices, and every
// method holds it just for its lookup and update.
type Nattable struct {
	lock       sync.Mutex
	byInternal map[internalKey]*Session
	byExternal map[externalKey]*Session
	pools      map[layers.IPProtocol]*PortPool
	uplink     net.IP
	timeouts   Timeouts
	clock      clock.Clock
	metrics    *Metrics
}

// NewNattable creates a table translating onto uplink, allocating from pools.
func NewNattable(uplink net.IP, pools map[layers.IPProtocol]*PortPool, timeouts Timeouts, clk clock.Clock, metrics *Metrics) *Nattable {
	t := &Nattable{
		byInternal: make(map[internalKey]*Session),
		byExternal: make(map[externalKey]*Session),
		pools:      pools,
		uplink:     uplink.To4(),
		timeouts:   timeouts,
		clock:      clock.OrReal(clk),
		metrics:    metrics,
	}
	t.reportPools()
	return t
}

func makeInternalKey(proto layers.IPProtocol, ip net.IP, port uint16) internalKey {
	k := internalKey{Protocol: proto, Port: port}
	copy(k.IP[:], ip.To4())
	return k
}

// FindByInternal returns the session for an AP-side endpoint.
func (n *Nattable) FindByInternal(proto layers.IPProtocol, ip net.IP, port uint16) (Session, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	s, ok := n.byInternal[makeInternalKey(proto, ip, port)]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// FindByExternal returns the session owning an uplink port.
func (n *Nattable) FindByExternal(proto layers.IPProtocol, port uint16) (Session, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	s, ok := n.byExternal[externalKey{Protocol: proto, Port: port}]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Insert stores a session built by the caller. The translated port must not be in use.
// Dynamic sessions must hold a port allocated from the pool.
func (n *Nattable) Insert(s Session) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	ek := externalKey{Protocol: s.Protocol, Port: s.Translated.Port}
	if _, ok := n.byExternal[ek]; ok {
		return fmt.Errorf("%w: %s/%d", ErrSessionExists, s.Protocol, s.Translated.Port)
	}
	n.insertLocked(&s)
	return nil
}

func (n *Nattable) insertLocked(s *Session) {
	now := n.clock.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastSeen.IsZero() {
		s.LastSeen = now
	}
	if s.Protocol == layers.IPProtocolTCP && s.TcpState.State == 0 {
		s.TcpState.State = TCPEstablished
	}
	n.byExternal[externalKey{Protocol: s.Protocol, Port: s.Translated.Port}] = s
	n.byInternal[makeInternalKey(s.Protocol, s.Internal.IP, s.Internal.Port)] = s
	n.metrics.sessionCreated(s.Protocol)
	n.metrics.setSessions(len(n.byExternal))
}

// Touch refreshes the last activity time of the session on an uplink port.
func (n *Nattable) Touch(proto layers.IPProtocol, port uint16) bool {
	n.lock.Lock()
	defer n.lock.Unlock()
	s, ok := n.byExternal[externalKey{Protocol: proto, Port: port}]
	if ok {
		s.LastSeen = n.clock.Now()
	}
	return ok
}

// Remove tears a session down immediately, returning its port to the pool.
func (n *Nattable) Remove(proto layers.IPProtocol, port uint16) bool {
	n.lock.Lock()
	defer n.lock.Unlock()
	s, ok := n.byExternal[externalKey{Protocol: proto, Port: port}]
	if !ok {
		return false
	}
	n.removeLocked(s)
	n.metrics.setSessions(len(n.byExternal))
	n.reportPoolsLocked()
	return true
}

func (n *Nattable) removeLocked(s *Session) {
	delete(n.byExternal, externalKey{Protocol: s.Protocol, Port: s.Translated.Port})
	ik := makeInternalKey(s.Protocol, s.Internal.IP, s.Internal.Port)
	// A static session may have taken over the internal index from this one.
	if cur, ok := n.byInternal[ik]; ok && cur == s {
		delete(n.byInternal, ik)
	}
	if !s.Static {
		if pool, ok := n.pools[s.Protocol]; ok {
			pool.Release(s.Translated.Port)
		}
	}
}

// Outbound finds or creates the session for a packet leaving the AP network,
// refreshes it and applies TCP flags. The returned copy is what the packet is rewritten with.
func (n *Nattable) Outbound(proto layers.IPProtocol, internal, remote Endpoint, tcp *layers.TCP) (Session, bool, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	created := false
	s, ok := n.byInternal[makeInternalKey(proto, internal.IP, internal.Port)]
	if !ok {
		pool, ok := n.pools[proto]
		if !ok {
			return Session{}, false, fmt.Errorf("%w: no pool for %s", ErrUnsupportedProtocol, proto)
		}
		port, err := pool.Allocate()
		if err != nil {
			return Session{}, false, err
		}
		s = &Session{
			Protocol:   proto,
			Internal:   Endpoint{IP: dupIP(internal.IP), Port: internal.Port},
			Translated: Endpoint{IP: n.uplink, Port: port},
		}
		n.insertLocked(s)
		n.reportPoolsLocked()
		created = true
	}
	s.Remote = Endpoint{IP: dupIP(remote.IP), Port: remote.Port}
	s.LastSeen = n.clock.Now()
	if tcp != nil {
		trackTCPSimple(s, tcp, true)
	}
	return *s, created, nil
}

// Inbound looks up the session owning the destination port of a packet from the uplink.
func (n *Nattable) Inbound(proto layers.IPProtocol, port uint16, remote Endpoint, tcp *layers.TCP) (Session, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	s, ok := n.byExternal[externalKey{Protocol: proto, Port: port}]
	if !ok {
		return Session{}, false
	}
	s.Remote = Endpoint{IP: dupIP(remote.IP), Port: remote.Port}
	s.LastSeen = n.clock.Now()
	if tcp != nil {
		trackTCPSimple(s, tcp, false)
	}
	return *s, true
}

// InboundStatic creates the session for a packet matched by a forwarding rule,
// so replies from the internal server leave from the rule's external port.
func (n *Nattable) InboundStatic(proto layers.IPProtocol, port uint16, entry PortForwardingEntry, remote Endpoint, tcp *layers.TCP) (Session, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	ek := externalKey{Protocol: proto, Port: port}
	if _, ok := n.byExternal[ek]; ok {
		return Session{}, fmt.Errorf("%w: %s/%d", ErrSessionExists, proto, port)
	}
	s := &Session{
		Protocol:   proto,
		Internal:   Endpoint{IP: dupIP(entry.InternalIP), Port: entry.InternalPort},
		Translated: Endpoint{IP: n.uplink, Port: port},
		Remote:     Endpoint{IP: dupIP(remote.IP), Port: remote.Port},
		Static:     true,
	}
	n.insertLocked(s)
	if tcp != nil {
		trackTCPSimple(s, tcp, false)
	}
	return *s, nil
}

// trackTCPSimple - wait for both FINs, or a single RST, then mark the session closed.
// Being middleware we can't guarantee the last ACK made it anyway, so a closed
// session just gets the short timeout.
func trackTCPSimple(s *Session, tcp *layers.TCP, outbound bool) {
	if s.TcpState.State == TCPClosed {
		return
	}
	if tcp.RST {
		s.TcpState.State = TCPClosed
		return
	}
	if tcp.FIN {
		if outbound {
			s.TcpState.FinOut = true
		} else {
			s.TcpState.FinIn = true
		}
		s.TcpState.State = TCPFinWait
		if s.TcpState.FinOut && s.TcpState.FinIn {
			log.Debug().Msgf("TCP Connection closed %v", s)
			s.TcpState.State = TCPClosed
		}
	}
}

func (n *Nattable) timeoutFor(s *Session) time.Duration {
	if s.Protocol == layers.IPProtocolTCP {
		if s.TcpState.State == TCPClosed {
			return n.timeouts.TCPClosed
		}
		return n.timeouts.TCP
	}
	return n.timeouts.UDP
}

// EvictExpired removes every session idle for longer than its protocol timeout.
func (n *Nattable) EvictExpired(now time.Time) int {
	n.lock.Lock()
	defer n.lock.Unlock()
	evicted := 0
	for _, s := range n.byExternal {
		if now.Sub(s.LastSeen) > n.timeoutFor(s) {
			n.removeLocked(s)
			n.metrics.sessionEvicted(s.Protocol)
			evicted++
		}
	}
	if evicted > 0 {
		n.metrics.setSessions(len(n.byExternal))
		n.reportPoolsLocked()
	}
	return evicted
}

// StartGarbageCollector - evict expired sessions every interval until ctx is done.
// Eviction runs here rather than on the packet path to keep that path short.
func (n *Nattable) StartGarbageCollector(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			evicted := n.EvictExpired(n.clock.Now())
			total, closed := n.stats()
			log.Info().Msgf("Nat table stats. Deleted = %d, Total = %d. Closed %d", evicted, total, closed)
		}
	}
}

func (n *Nattable) stats() (total, closed int) {
	n.lock.Lock()
	defer n.lock.Unlock()
	for _, s := range n.byExternal {
		if s.TcpState.State == TCPClosed {
			closed++
		}
	}
	return len(n.byExternal), closed
}

// Sessions returns a snapshot of every live session.
func (n *Nattable) Sessions() []Session {
	n.lock.Lock()
	defer n.lock.Unlock()
	out := make([]Session, 0, len(n.byExternal))
	for _, s := range n.byExternal {
		out = append(out, *s)
	}
	return out
}

func (n *Nattable) Len() int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return len(n.byExternal)
}

// PoolFree is the number of free ports left for proto.
func (n *Nattable) PoolFree(proto layers.IPProtocol) int {
	n.lock.Lock()
	defer n.lock.Unlock()
	if pool, ok := n.pools[proto]; ok {
		return pool.Free()
	}
	return 0
}

func (n *Nattable) reportPools() {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.reportPoolsLocked()
}

func (n *Nattable) reportPoolsLocked() {
	for proto, pool := range n.pools {
		n.metrics.setPoolFree(proto, pool.Free())
	}
}

func dupIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		out := make(net.IP, 4)
		copy(out, v4)
		return out
	}
	return append(net.IP(nil), ip...)
}
