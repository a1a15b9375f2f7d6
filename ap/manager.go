/*
Package ap owns the access point side of the box: its address, the DHCP
lease table and the stations associated with it. It enables NAPT on the
engine once the uplink has an address.
*/
package ap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"natap/clock"
	"natap/common"
	"natap/dhcp"
	"natap/nat"

	dhcp4 "github.com/krolaw/dhcp4"
	"github.com/rs/zerolog/log"
)

var (
	ErrTooManyStations = errors.New("too many stations")
	ErrInvalidAPAddr   = errors.New("ap address must be IPv4")
)

const (
	DefaultMaxStations = 4
	// StationGrace is how long a station without a lease keeps its slot after its last DHCP message.
	StationGrace = time.Minute
	// DefaultLeaseCount addresses are handed out from AP address + 1.
	DefaultLeaseCount = 100
)

// Settings for the AP side, built from the loaded configuration.
type Settings struct {
	SSID        string
	HideSSID    bool
	Address     net.IP
	MaxStations int

	DHCPEnabled   bool
	DHCPStart     net.IP // AP address + 1 when empty
	DHCPCount     int
	LeaseDuration time.Duration
	StaticLeases  map[string]net.IP // MAC -> address

	Rules    []nat.PFRule
	Tunables nat.Tunables
}

// Station is a client associated with the AP.
type Station struct {
	MAC       net.HardwareAddr
	Connected time.Time
	LastSeen  time.Time
}

type Manager struct {
	settings Settings
	network  net.IPNet
	engine   *nat.Nat
	dhcp     *dhcp.DHCPHandler
	clock    clock.Clock

	lock     sync.Mutex
	stations map[string]Station
	uplink   *Uplink
}

// NewManager validates the AP address and builds the lease server. A nil clk uses the wall clock.
func NewManager(s Settings, engine *nat.Nat, clk clock.Clock) (*Manager, error) {
	addr := s.Address.To4()
	if addr == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAPAddr, s.Address)
	}
	s.Address = addr
	if s.MaxStations <= 0 {
		s.MaxStations = DefaultMaxStations
	}
	if s.DHCPCount <= 0 {
		s.DHCPCount = DefaultLeaseCount
	}
	if s.DHCPStart == nil {
		s.DHCPStart = dhcp4.IPAdd(addr, 1)
	}
	clk = clock.OrReal(clk)
	m := &Manager{
		settings: s,
		network:  common.Network24(addr),
		engine:   engine,
		clock:    clk,
		stations: make(map[string]Station),
	}
	if !s.DHCPEnabled {
		return m, nil
	}
	m.dhcp = dhcp.NewDHCPHandler(addr, s.DHCPStart, m.network, s.DHCPCount,
		dhcp.WithClock(clk), dhcp.WithLeaseDuration(s.LeaseDuration))
	for mac, ip := range s.StaticLeases {
		hw, err := net.ParseMAC(mac)
		if err != nil {
			return nil, fmt.Errorf("static lease %s: %w", mac, err)
		}
		if err = m.dhcp.AddEntry(hw, ip); err != nil {
			return nil, fmt.Errorf("static lease %s: %w", mac, err)
		}
	}
	return m, nil
}

func (m *Manager) APAddress() net.IP {
	return m.settings.Address
}

// APNetwork is the /24 holding the AP address.
func (m *Manager) APNetwork() net.IPNet {
	return m.network
}

// Leases is the current lease table, empty when the DHCP server is off.
func (m *Manager) Leases() []dhcp.Lease {
	if m.dhcp == nil {
		return nil
	}
	return m.dhcp.Leases()
}

// ClientFor names the station holding ip. It satisfies nat.LeaseReader.
func (m *Manager) ClientFor(ip net.IP) (string, bool) {
	if m.dhcp == nil {
		return "", false
	}
	return m.dhcp.ClientFor(ip)
}

// HandleDHCP answers a DHCP message from a station. It satisfies nat.DHCPHandler.
// A station is counted from its first Discover or Request until it releases or
// declines its lease, or until it has held no lease for StationGrace. Stations
// past MaxStations get no answer.
func (m *Manager) HandleDHCP(buffer []byte) ([]byte, error) {
	if m.dhcp == nil {
		return nil, nil
	}
	var admitted net.HardwareAddr
	if mac, mt, ok := peekDHCP(buffer); ok {
		switch mt {
		case dhcp4.Discover, dhcp4.Request:
			added, err := m.admit(mac)
			if err != nil {
				return nil, nil
			}
			if added && mt == dhcp4.Discover {
				admitted = mac
			}
		case dhcp4.Release, dhcp4.Decline:
			defer m.StationDisconnected(mac)
		}
	}
	reply, err := m.dhcp.Handle(buffer)
	if err != nil || reply == nil {
		// No offer, so the slot goes back.
		if admitted != nil {
			m.StationDisconnected(admitted)
		}
		return nil, err
	}
	return reply, nil
}

func peekDHCP(buffer []byte) (net.HardwareAddr, dhcp4.MessageType, bool) {
	p := dhcp4.Packet(buffer)
	if len(p) < 240 || p.HLen() != 6 {
		return nil, 0, false
	}
	t := p.ParseOptions()[dhcp4.OptionDHCPMessageType]
	if len(t) != 1 {
		return nil, 0, false
	}
	return p.CHAddr(), dhcp4.MessageType(t[0]), true
}

// StationConnected records an association. Beyond MaxStations it is refused.
func (m *Manager) StationConnected(mac net.HardwareAddr) error {
	_, err := m.admit(mac)
	return err
}

// admit records mac, reporting whether it is a new station.
func (m *Manager) admit(mac net.HardwareAddr) (bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	now := m.clock.Now()
	key := mac.String()
	if s, ok := m.stations[key]; ok {
		s.LastSeen = now
		m.stations[key] = s
		return false, nil
	}
	if len(m.stations) >= m.settings.MaxStations {
		m.pruneLocked(now)
	}
	if len(m.stations) >= m.settings.MaxStations {
		log.Warn().Msgf("Station %s refused, %d of %d connected", key, len(m.stations), m.settings.MaxStations)
		return false, fmt.Errorf("%w: %s", ErrTooManyStations, key)
	}
	m.stations[key] = Station{MAC: append(net.HardwareAddr(nil), mac...), Connected: now, LastSeen: now}
	log.Info().Msgf("Station %s connected to %s, %d connected", key, m.settings.SSID, len(m.stations))
	return true, nil
}

// pruneLocked drops stations that hold no lease and have been quiet for StationGrace.
func (m *Manager) pruneLocked(now time.Time) {
	if m.dhcp == nil {
		return
	}
	for key, s := range m.stations {
		if now.Sub(s.LastSeen) < StationGrace || m.dhcp.HasLease(s.MAC) {
			continue
		}
		delete(m.stations, key)
		log.Info().Msgf("Station %s gone quiet without a lease, %d connected", key, len(m.stations))
	}
}

func (m *Manager) StationDisconnected(mac net.HardwareAddr) {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := mac.String()
	if _, ok := m.stations[key]; !ok {
		return
	}
	delete(m.stations, key)
	log.Info().Msgf("Station %s disconnected, %d connected", key, len(m.stations))
}

// Stations by connection time.
func (m *Manager) Stations() []Station {
	m.lock.Lock()
	defer m.lock.Unlock()
	out := make([]Station, 0, len(m.stations))
	for _, s := range m.stations {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Connected.Before(out[j].Connected) })
	return out
}

// EnableNAPT configures the engine to translate from uplinkAddr. Only the first successful call has any effect.
func (m *Manager) EnableNAPT(uplinkAddr net.IP) error {
	err := m.engine.Configure(nat.Configuration{
		UplinkAddr: uplinkAddr,
		APNetwork:  m.network,
		Rules:      m.settings.Rules,
		Tunables:   m.settings.Tunables,
	})
	if err != nil {
		return fmt.Errorf("enable napt: %w", err)
	}
	return nil
}

// Uplink is the last uplink Run brought up.
func (m *Manager) Uplink() (Uplink, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.uplink == nil {
		return Uplink{}, false
	}
	return *m.uplink, true
}

// Run waits for the uplink to get an address, then enables NAPT from it. The
// uplink's DNS server, when known, is advertised to stations from then on.
func (m *Manager) Run(ctx context.Context, watcher UplinkWatcher) (Uplink, error) {
	log.Info().Msgf("AP %s up on %s, waiting for uplink", m.settings.SSID, m.settings.Address)
	up, err := watcher.Wait(ctx)
	if err != nil {
		return Uplink{}, fmt.Errorf("waiting for uplink: %w", err)
	}
	if common.Intersect(&up.Network, &m.network) {
		return Uplink{}, fmt.Errorf("uplink network %s overlaps the AP network %s", up.Network.String(), m.network.String())
	}
	if m.dhcp != nil && up.DNS != nil {
		m.dhcp.SetDNS(up.DNS)
	}
	if err = m.EnableNAPT(up.Addr); err != nil {
		return Uplink{}, err
	}
	m.lock.Lock()
	m.uplink = &up
	m.lock.Unlock()
	log.Info().Msgf("NAPT enabled on %s via %s", up.Addr, up.IfName)
	return up, nil
}
