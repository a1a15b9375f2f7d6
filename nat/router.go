package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"natap/common"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog/log"
)

var (
	ErrARPFailure   = errors.New("arp failure")
	ErrNoUplink     = errors.New("uplink not up")
	broadcastHWAddr = net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
)

// DefaultArpTimeout is how long a packet waits for an ARP reply before it is dropped.
const DefaultArpTimeout = 2 * time.Second

// Router moves frames between the AP interface and the uplink, through the NAT.
// It answers ARP for its own addresses, hands DHCP to the lease server and
// replies to pings on the AP address. Everything else is translated.
type Router struct {
	nat        *Nat
	lan        Interface
	wan        atomic.Pointer[Interface]
	dhcp       DHCPHandler
	neighbors  *NeighborCache
	ArpTimeout time.Duration
}

// CreateRouter - the uplink side is attached later with SetUplink, once it has an address.
func CreateRouter(n *Nat, lan Interface, dhcp DHCPHandler, neighbors *NeighborCache) *Router {
	if neighbors == nil {
		neighbors = NewNeighborCache(NeighborCacheSize, NeighborTTL)
	}
	return &Router{
		nat:        n,
		lan:        lan,
		dhcp:       dhcp,
		neighbors:  neighbors,
		ArpTimeout: DefaultArpTimeout,
	}
}

// SetUplink attaches the uplink interface.
func (r *Router) SetUplink(wan Interface) {
	log.Info().Msgf("Uplink %s is %s/%s via %s", wan.IfName, wan.IPv4Addr, wan.IPv4Network.Mask.String(), wan.IPv4Gateway)
	r.wan.Store(&wan)
}

func (r *Router) uplink() (*Interface, bool) {
	wan := r.wan.Load()
	return wan, wan != nil
}

// Neighbors is the IP to MAC cache the router learns from ARP.
func (r *Router) Neighbors() *NeighborCache {
	return r.neighbors
}

// AcceptPkt decides what to do with a frame received on ifName.
func (r *Router) AcceptPkt(ctx context.Context, frame gopacket.Packet, ifName string) {
	pkt := WrapPacket(frame)
	if pkt.Eth == nil {
		log.Debug().Msgf("Non ethernet frame on %s, dropping", ifName)
		return
	}
	var intf *Interface
	if ifName == r.lan.IfName {
		intf = &r.lan
	} else if wan, ok := r.uplink(); ok && ifName == wan.IfName {
		intf = wan
	} else {
		log.Debug().Msgf("Frame on unknown or down interface %s, dropping", ifName)
		return
	}

	switch pkt.Eth.EthernetType {
	case layers.EthernetTypeIPv4:
		var err error
		if intf == &r.lan {
			err = r.acceptLan4(ctx, pkt)
		} else {
			err = r.acceptWan4(ctx, pkt, intf)
		}
		if errors.Is(err, ErrNoUplink) {
			log.Debug().Err(err).Msg("No uplink yet")
		} else if err != nil {
			log.Error().Err(err).Msgf("failed to route packet %s on %s", pkt, ifName)
		}
	case layers.EthernetTypeARP:
		arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
		if !ok {
			return
		}
		if err := r.handleARP(arp, pkt, intf); err != nil {
			log.Error().Err(err).Msgf("failed to send packet %s", err)
		}
	default:
		log.Debug().Msgf("Some other pkt type - %s. Currently unsupported", pkt.Eth.EthernetType)
	}
}

func (r *Router) handleARP(arp *layers.ARP, pkt *Packet, intf *Interface) error {
	log.Debug().Msgf("ARP message seen on %s. Updating table. %v:%v", intf.IfName, net.HardwareAddr(arp.SourceHwAddress), net.IP(arp.SourceProtAddress))
	// Learn from every ARP message, Add drops zero and broadcast MACs.
	r.neighbors.Add(net.IP(arp.SourceProtAddress), net.HardwareAddr(arp.SourceHwAddress), intf.IfName)
	if arp.Operation == layers.ARPRequest && intf.IPv4Addr.Equal(net.IP(arp.DstProtAddress)) {
		return sendARPResponse(arp, pkt, intf)
	}
	return nil
}

// resolve finds the MAC for ip on intf, asking with ARP and waiting if it isn't cached.
func (r *Router) resolve(ctx context.Context, ip net.IP, intf *Interface) (net.HardwareAddr, error) {
	if entry, ok := r.neighbors.Get(ip); ok {
		return entry.Mac, nil
	}
	log.Warn().Msgf("failed to find ARP entry for %s. Waiting", ip)
	if err := doArp(ip, intf); err != nil {
		return nil, err
	}
	entry, ok := r.neighbors.WaitFor(ctx, ip, r.ArpTimeout)
	if !ok {
		return nil, fmt.Errorf("%w: no reply for %s on %s", ErrARPFailure, ip, intf.IfName)
	}
	log.Info().Msgf("Got ARP entry for %s - %s after waiting", ip, entry.Mac)
	return entry.Mac, nil
}

// forward sets the link layer for the next hop and sends the packet out of intf.
func (r *Router) forward(ctx context.Context, pkt *Packet, nextHop net.IP, intf *Interface) error {
	mac, err := r.resolve(ctx, nextHop, intf)
	if err != nil {
		return err
	}
	pkt.Eth.SrcMAC = intf.IfHWAddr
	pkt.Eth.DstMAC = mac
	log.Debug().Msgf("Spitted on %s packet =  (%v)", intf.IfName, pkt)
	return intf.Callback.Send(pkt)
}

func sendARPResponse(arp *layers.ARP, pkt *Packet, intf *Interface) (err error) {
	// Generate ARP response
	arp.Operation = layers.ARPReply
	// Swap the protocol addresses
	old := arp.SourceProtAddress
	arp.SourceProtAddress = arp.DstProtAddress
	arp.DstProtAddress = old
	// src moves to dst. Dst is set
	arp.DstHwAddress = arp.SourceHwAddress
	arp.SourceHwAddress = intf.IfHWAddr
	pkt.Eth.SrcMAC = arp.SourceHwAddress
	pkt.Eth.DstMAC = arp.DstHwAddress
	log.Info().Msgf("ARP Request to me, send this as my reply: %+v", arp)

	buffer := gopacket.NewSerializeBuffer()
	if err = gopacket.SerializeLayers(buffer, common.Options, pkt.Eth, arp); err != nil {
		return
	}
	return intf.Callback.SendBytes(buffer.Bytes())
}

func doArp(dst net.IP, intf *Interface) (err error) {
	log.Info().Msgf("Doing an ARP request for %s from %s", dst, intf.IfName)
	eth := &layers.Ethernet{
		SrcMAC:       intf.IfHWAddr,
		DstMAC:       broadcastHWAddr,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet,
		Protocol: layers.EthernetTypeIPv4,

		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   intf.IfHWAddr,
		DstHwAddress:      zeroHWAddr,
		SourceProtAddress: intf.IPv4Addr.To4(),
		DstProtAddress:    dst.To4(),
	}
	buffer := gopacket.NewSerializeBuffer()
	if err = gopacket.SerializeLayers(buffer, common.Options, eth, arp); err != nil {
		return
	}
	return intf.Callback.SendBytes(buffer.Bytes())
}
