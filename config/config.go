// Package config loads the yaml configuration. It is read once at startup.
package config

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"natap/ap"
	"natap/common"
	"natap/nat"

	"gopkg.in/yaml.v3"
)

var (
	ErrPasswordTooShort = errors.New("ap_password must be at least 8 characters")
	ErrPasswordTooLong  = errors.New("ap_password must be at most 63 characters")
	ErrInvalidSSID      = errors.New("ap_ssid must be 1 to 32 bytes")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrInvalidDHCPRange = errors.New("dhcp range must sit inside the AP network")
)

const (
	DefaultSSID      = "ESPHomeAP"
	DefaultPassword  = "ESPHomeAPPass"
	DefaultAPAddress = "192.168.4.1"
	DefaultMetrics   = ":9100"
	MinPasswordLen   = 8
	MaxPasswordLen   = 63
	MaxSSIDLen       = 32
)

type StaticLease struct {
	MAC string `yaml:"mac"`
	IP  string `yaml:"ip"`
}

type DHCPConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Start         string        `yaml:"start"`
	Count         int           `yaml:"count"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	StaticLeases  []StaticLease `yaml:"static_leases"`
}

type Interfaces struct {
	AP     string `yaml:"ap"`
	Uplink string `yaml:"uplink"`
	// UplinkAddr is a CIDR. When empty the uplink address is learned from netlink.
	UplinkAddr    string `yaml:"uplink_addr"`
	UplinkGateway string `yaml:"uplink_gateway"`
	UplinkDNS     string `yaml:"uplink_dns"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type Config struct {
	SSID        string       `yaml:"ap_ssid"`
	Password    string       `yaml:"ap_password"`
	APIPAddress string       `yaml:"ap_ip_address"`
	HideSSID    bool         `yaml:"hide_ssid"`
	MaxStations int          `yaml:"max_stations"`
	Rules       []nat.PFRule `yaml:"port_forwarding"`

	Interfaces Interfaces    `yaml:"interfaces"`
	DHCP       DHCPConfig    `yaml:"dhcp"`
	NAT        nat.Tunables  `yaml:"nat"`
	Metrics    MetricsConfig `yaml:"metrics"`
}

// Default is the configuration an empty file gives.
func Default() Config {
	return Config{
		SSID:        DefaultSSID,
		Password:    DefaultPassword,
		APIPAddress: DefaultAPAddress,
		MaxStations: ap.DefaultMaxStations,
		Interfaces:  Interfaces{AP: "wlan0", Uplink: "eth0"},
		DHCP:        DHCPConfig{Enabled: true, Count: ap.DefaultLeaseCount, LeaseDuration: 2 * time.Hour},
		NAT:         nat.DefaultTunables(),
		Metrics:     MetricsConfig{Listen: DefaultMetrics},
	}
}

// ValidationError holds every problem found, not just the first.
type ValidationError struct {
	Errs []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() []error {
	return e.Errs
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes yaml over Default and validates the result. Unknown keys are an error.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if len(c.SSID) == 0 || len(c.SSID) > MaxSSIDLen {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidSSID, c.SSID))
	}
	if len(c.Password) < MinPasswordLen {
		errs = append(errs, ErrPasswordTooShort)
	} else if len(c.Password) > MaxPasswordLen {
		errs = append(errs, ErrPasswordTooLong)
	}
	apAddr := net.ParseIP(c.APIPAddress).To4()
	if apAddr == nil {
		errs = append(errs, fmt.Errorf("%w: ap_ip_address %q", ErrInvalidAddress, c.APIPAddress))
	}
	if c.MaxStations < 0 {
		errs = append(errs, fmt.Errorf("max_stations %d is negative", c.MaxStations))
	}
	if _, err := nat.NewRuleTable(c.Rules); err != nil {
		errs = append(errs, err)
	}
	if err := c.NAT.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Interfaces.AP == "" || c.Interfaces.Uplink == "" {
		errs = append(errs, errors.New("interfaces.ap and interfaces.uplink are required"))
	}
	if c.Interfaces.UplinkAddr != "" {
		ip, network, err := net.ParseCIDR(c.Interfaces.UplinkAddr)
		if err != nil || ip.To4() == nil {
			errs = append(errs, fmt.Errorf("%w: uplink_addr %q should be an IPv4 CIDR", ErrInvalidAddress, c.Interfaces.UplinkAddr))
		} else if apAddr != nil {
			apNet := common.Network24(apAddr)
			if common.Intersect(network, &apNet) {
				errs = append(errs, fmt.Errorf("%w: uplink %s overlaps the AP network %s", ErrInvalidAddress, network, apNet.String()))
			}
		}
	}
	for _, s := range []struct{ name, v string }{
		{"uplink_gateway", c.Interfaces.UplinkGateway},
		{"uplink_dns", c.Interfaces.UplinkDNS},
		{"dhcp.start", c.DHCP.Start},
	} {
		if s.v != "" && net.ParseIP(s.v).To4() == nil {
			errs = append(errs, fmt.Errorf("%w: %s %q", ErrInvalidAddress, s.name, s.v))
		}
	}
	first, last, rangeOK := c.dhcpRange()
	if apAddr != nil && c.DHCP.Count < 0 {
		errs = append(errs, fmt.Errorf("%w: dhcp.count %d is negative", ErrInvalidDHCPRange, c.DHCP.Count))
	} else if apAddr != nil && !rangeOK && (c.DHCP.Start == "" || net.ParseIP(c.DHCP.Start).To4() != nil) {
		apNet := c.APNetwork()
		errs = append(errs, fmt.Errorf("%w: %s..%s is outside %s or holds the AP address",
			ErrInvalidDHCPRange, common.Int2ip(first), common.Int2ip(last), apNet.String()))
	}
	for _, l := range c.DHCP.StaticLeases {
		if _, err := net.ParseMAC(l.MAC); err != nil {
			errs = append(errs, fmt.Errorf("static lease %q: %w", l.MAC, err))
		}
		ip := net.ParseIP(l.IP).To4()
		if ip == nil {
			errs = append(errs, fmt.Errorf("%w: static lease ip %q", ErrInvalidAddress, l.IP))
		} else if rangeOK && (common.Ip2int(ip) < first || common.Ip2int(ip) > last) {
			errs = append(errs, fmt.Errorf("%w: static lease %s is not in %s..%s",
				ErrInvalidDHCPRange, ip, common.Int2ip(first), common.Int2ip(last)))
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Errs: errs}
	}
	return nil
}

// dhcpRange is the first and last address handed out. ok is false when the
// range leaves the AP /24, touches its network or broadcast address, or holds the AP address.
func (c Config) dhcpRange() (first, last uint32, ok bool) {
	apAddr := c.APAddress()
	if apAddr == nil || c.DHCP.Count < 0 {
		return 0, 0, false
	}
	start := common.Int2ip(common.Ip2int(apAddr) + 1)
	if c.DHCP.Start != "" {
		if start = net.ParseIP(c.DHCP.Start).To4(); start == nil {
			return 0, 0, false
		}
	}
	count := c.DHCP.Count
	if count == 0 {
		count = ap.DefaultLeaseCount
	}
	first = common.Ip2int(start)
	last = first + uint32(count) - 1
	apNet := c.APNetwork()
	netFirst := common.Ip2int(apNet.IP)
	netLast := netFirst | ^binary.BigEndian.Uint32(apNet.Mask)
	at := common.Ip2int(apAddr)
	ok = last >= first && first > netFirst && last < netLast && (at < first || at > last)
	return first, last, ok
}

// APAddress is ap_ip_address, nil when invalid.
func (c Config) APAddress() net.IP {
	return net.ParseIP(c.APIPAddress).To4()
}

// APNetwork is the /24 the AP address sits in.
func (c Config) APNetwork() net.IPNet {
	return common.Network24(c.APAddress())
}

// APSettings is what the AP manager needs from the configuration.
func (c Config) APSettings() ap.Settings {
	s := ap.Settings{
		SSID:          c.SSID,
		HideSSID:      c.HideSSID,
		Address:       c.APAddress(),
		MaxStations:   c.MaxStations,
		DHCPEnabled:   c.DHCP.Enabled,
		DHCPCount:     c.DHCP.Count,
		LeaseDuration: c.DHCP.LeaseDuration,
		Rules:         c.Rules,
		Tunables:      c.NAT,
	}
	if c.DHCP.Start != "" {
		s.DHCPStart = net.ParseIP(c.DHCP.Start).To4()
	}
	if len(c.DHCP.StaticLeases) > 0 {
		s.StaticLeases = make(map[string]net.IP, len(c.DHCP.StaticLeases))
		for _, l := range c.DHCP.StaticLeases {
			s.StaticLeases[l.MAC] = net.ParseIP(l.IP).To4()
		}
	}
	return s
}

// UplinkWatcher is a fixed uplink when uplink_addr is set, otherwise netlink is asked.
func (c Config) UplinkWatcher() ap.UplinkWatcher {
	dns := net.ParseIP(c.Interfaces.UplinkDNS).To4()
	if c.Interfaces.UplinkAddr == "" {
		return ap.NetlinkUplink{IfName: c.Interfaces.Uplink, DNS: dns}
	}
	ip, network, _ := net.ParseCIDR(c.Interfaces.UplinkAddr)
	gw := net.ParseIP(c.Interfaces.UplinkGateway).To4()
	if gw == nil {
		// Assume the gateway is the first address in the subnet.
		gw = common.Int2ip(common.Ip2int(network.IP) + 1)
	}
	return ap.StaticUplink{
		IfName:  c.Interfaces.Uplink,
		Addr:    ip.To4(),
		Network: *network,
		Gateway: gw,
		DNS:     dns,
	}
}
