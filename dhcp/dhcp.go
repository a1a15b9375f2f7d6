/*
Package dhcp hands out addresses on the AP network. I'm just using an open source variant, but wrapping it in my own library,
so I can fork/change/swap libraries if i need to.
*/
package dhcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"natap/clock"
	"natap/common"

	dhcp "github.com/krolaw/dhcp4"
	"github.com/rs/zerolog/log"
)

var (
	ErrDHCPParse  = errors.New("error parsing dhcp packet")
	ErrOutOfRange = errors.New("ip out of range")
)

const (
	DefaultLeaseDuration = 2 * time.Hour
	DefaultMTU           = 1480
)

type Option func(*DHCPHandler)

// WithClock sets the time source used for lease expiry.
func WithClock(c clock.Clock) Option {
	return func(h *DHCPHandler) { h.clock = c }
}

func WithLeaseDuration(d time.Duration) Option {
	return func(h *DHCPHandler) {
		if d > 0 {
			h.leaseDuration = d
		}
	}
}

// WithMTU sets the interface MTU option sent to clients.
func WithMTU(mtu int) Option {
	return func(h *DHCPHandler) {
		if mtu > 0 && mtu <= 0xFFFF {
			v := []byte{0, 0}
			binary.BigEndian.PutUint16(v, uint16(mtu))
			h.options[dhcp.OptionInterfaceMTU] = v
		}
	}
}

// NewDHCPHandler serves leaseCount addresses from start, with serverIP as router and DNS
// until SetDNS is told about a better one.
func NewDHCPHandler(serverIP, start net.IP, serverNet net.IPNet, leaseCount int, opts ...Option) *DHCPHandler {
	h := &DHCPHandler{
		ip:            serverIP.To4(),
		leaseDuration: DefaultLeaseDuration,
		start:         start.To4(),
		leaseRange:    leaseCount,
		leases:        make(map[int]lease, leaseCount),
		options: dhcp.Options{
			dhcp.OptionSubnetMask:       []byte(serverNet.Mask),
			dhcp.OptionRouter:           []byte(serverIP.To4()), // Presuming Server is also your router
			dhcp.OptionDomainNameServer: []byte(serverIP.To4()),
		},
	}
	WithMTU(DefaultMTU)(h)
	for _, opt := range opts {
		opt(h)
	}
	h.clock = clock.OrReal(h.clock)
	return h
}

type lease struct {
	nic      string    // Client's CHAddr
	hostname string    // Option 12, if the client sent one
	expiry   time.Time // When the lease expires
	static   bool
}

// Lease is a snapshot of one address handed out.
type Lease struct {
	IP       net.IP
	MAC      net.HardwareAddr
	Hostname string
	Expiry   time.Time
	Static   bool
}

type DHCPHandler struct {
	ip            net.IP        // Server IP to use
	options       dhcp.Options  // Options to send to DHCP Clients
	start         net.IP        // Start of IP range to distribute
	leaseRange    int           // Number of IPs to distribute (starting from start)
	leaseDuration time.Duration // Lease period
	clock         clock.Clock

	lock   sync.Mutex
	leases map[int]lease // Map to keep track of leases
}

func (h *DHCPHandler) active(l lease, now time.Time) bool {
	return l.static || now.Before(l.expiry)
}

func (h *DHCPHandler) index(ip net.IP) (int, bool) {
	v4 := ip.To4()
	if v4 == nil || !dhcp.IPInRange(h.start, dhcp.IPAdd(h.start, h.leaseRange-1), v4) {
		return 0, false
	}
	return int(common.Ip2int(v4) - common.Ip2int(h.start)), true
}

// AddEntry pins ip to nic. Static entries never expire and are never offered to anyone else.
func (h *DHCPHandler) AddEntry(nic net.HardwareAddr, ip net.IP) (err error) {
	i, ok := h.index(ip)
	if !ok {
		return fmt.Errorf("%w: %s not in %s+%d", ErrOutOfRange, ip, h.start, h.leaseRange)
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	h.leases[i] = lease{nic: nic.String(), static: true}
	return
}

// SetDNS changes the DNS server advertised in new offers. Used once the uplink learns one.
func (h *DHCPHandler) SetDNS(dns net.IP) {
	v4 := dns.To4()
	if v4 == nil || v4.IsUnspecified() {
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	h.options[dhcp.OptionDomainNameServer] = []byte(v4)
}

func (h *DHCPHandler) String() string {
	return fmt.Sprintf("&DHCPHandler{%+v, %+v, %+v, %+v, %+v}", h.ip, h.start, h.leaseRange, h.leaseDuration, h.options)
}

// Leases returns the leases that are still current, by address.
func (h *DHCPHandler) Leases() []Lease {
	h.lock.Lock()
	defer h.lock.Unlock()
	now := h.clock.Now()
	out := make([]Lease, 0, len(h.leases))
	for i, l := range h.leases {
		if !h.active(l, now) {
			continue
		}
		mac, _ := net.ParseMAC(l.nic)
		out = append(out, Lease{IP: dhcp.IPAdd(h.start, i), MAC: mac, Hostname: l.hostname, Expiry: l.expiry, Static: l.static})
	}
	sort.Slice(out, func(a, b int) bool { return common.Ip2int(out[a].IP) < common.Ip2int(out[b].IP) })
	return out
}

// ClientFor names the holder of ip, hostname when it sent one, otherwise its MAC.
func (h *DHCPHandler) ClientFor(ip net.IP) (string, bool) {
	i, ok := h.index(ip)
	if !ok {
		return "", false
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	l, ok := h.leases[i]
	if !ok || !h.active(l, h.clock.Now()) {
		return "", false
	}
	if l.hostname != "" {
		return l.hostname, true
	}
	return l.nic, true
}

// HasLease reports whether nic holds a current or static lease.
func (h *DHCPHandler) HasLease(nic net.HardwareAddr) bool {
	key := nic.String()
	h.lock.Lock()
	defer h.lock.Unlock()
	now := h.clock.Now()
	for _, l := range h.leases {
		if l.nic == key && h.active(l, now) {
			return true
		}
	}
	return false
}

// Handle parses a DHCP message and returns the reply, or nil when none is due.
func (h *DHCPHandler) Handle(buffer []byte) (d dhcp.Packet, err error) {
	n := len(buffer)
	if n < 240 { // Packet too small to be DHCP
		return nil, ErrDHCPParse
	}
	req := dhcp.Packet(buffer[:n])
	if req.HLen() > 16 { // Invalid size
		return nil, ErrDHCPParse
	}
	options := req.ParseOptions()
	var reqType dhcp.MessageType
	if t := options[dhcp.OptionDHCPMessageType]; len(t) != 1 {
		return nil, ErrDHCPParse
	} else {
		reqType = dhcp.MessageType(t[0])
		if reqType < dhcp.Discover || reqType > dhcp.Inform {
			return nil, ErrDHCPParse
		}
	}

	return h.ServeDHCP(req, reqType, options), nil
}

func (h *DHCPHandler) ServeDHCP(p dhcp.Packet, msgType dhcp.MessageType, options dhcp.Options) (d dhcp.Packet) {
	h.lock.Lock()
	defer h.lock.Unlock()
	now := h.clock.Now()
	nic := p.CHAddr().String()

	switch msgType {

	case dhcp.Discover:
		free := -1
		for i, v := range h.leases { // Find previous lease
			if v.nic == nic {
				free = i
				break
			}
		}
		if free == -1 {
			if free = h.freeLease(now); free == -1 {
				log.Warn().Msgf("DHCP pool exhausted, no offer for %s", nic)
				return
			}
		}
		log.Debug().Msgf("DHCP offer %s to %s", dhcp.IPAdd(h.start, free), nic)
		return dhcp.ReplyPacket(p, dhcp.Offer, h.ip, dhcp.IPAdd(h.start, free), h.leaseDuration,
			h.options.SelectOrderOrAll(options[dhcp.OptionParameterRequestList]))

	case dhcp.Request:
		if server, ok := options[dhcp.OptionServerIdentifier]; ok && !net.IP(server).Equal(h.ip) {
			return nil // Message not for this dhcp server
		}
		reqIP := net.IP(options[dhcp.OptionRequestedIPAddress])
		if reqIP == nil {
			reqIP = net.IP(p.CIAddr())
		}

		if len(reqIP) == 4 && !reqIP.Equal(net.IPv4zero) {
			if leaseNum := dhcp.IPRange(h.start, reqIP) - 1; leaseNum >= 0 && leaseNum < h.leaseRange {
				if l, exists := h.leases[leaseNum]; !exists || l.nic == nic || !h.active(l, now) {
					if hostname, ok := options[dhcp.OptionHostName]; ok || l.nic != nic {
						l.hostname = string(hostname)
					}
					l.nic = nic
					if !l.static {
						l.expiry = now.Add(h.leaseDuration)
					}
					h.leases[leaseNum] = l
					log.Info().Msgf("DHCP lease %s to %s (%s)", reqIP, nic, l.hostname)
					return dhcp.ReplyPacket(p, dhcp.ACK, h.ip, reqIP, h.leaseDuration,
						h.options.SelectOrderOrAll(options[dhcp.OptionParameterRequestList]))
				}
			}
		}
		log.Debug().Msgf("DHCP NAK %s for %s", reqIP, nic)
		return dhcp.ReplyPacket(p, dhcp.NAK, h.ip, nil, 0, nil)

	case dhcp.Release, dhcp.Decline:
		for i, v := range h.leases {
			if v.nic == nic && !v.static {
				delete(h.leases, i)
				break
			}
		}
	}
	return nil
}

func (h *DHCPHandler) freeLease(now time.Time) int {
	b := rand.Intn(h.leaseRange) // Try random first
	for _, v := range [][]int{{b, h.leaseRange}, {0, b}} {
		for i := v[0]; i < v[1]; i++ {
			if l, ok := h.leases[i]; !ok || !h.active(l, now) {
				return i
			}
		}
	}
	return -1
}
