//go:build linux

package ap

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"
)

// NetlinkUplink waits for an IPv4 address on IfName, through a netlink address subscription.
type NetlinkUplink struct {
	IfName string
	DNS    net.IP
}

func (w NetlinkUplink) Wait(ctx context.Context) (Uplink, error) {
	link, err := netlink.LinkByName(w.IfName)
	if err != nil {
		return Uplink{}, fmt.Errorf("uplink %s: %w", w.IfName, err)
	}

	// Subscribe before looking, so an address added in between isn't missed.
	updates := make(chan netlink.AddrUpdate, 16)
	done := make(chan struct{})
	defer close(done)
	if err = netlink.AddrSubscribe(updates, done); err != nil {
		return Uplink{}, fmt.Errorf("subscribe to addresses: %w", err)
	}

	if up, ok := w.current(link); ok {
		return up, nil
	}
	log.Info().Msgf("Uplink %s has no IPv4 address yet, waiting", w.IfName)
	for {
		select {
		case <-ctx.Done():
			return Uplink{}, ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return Uplink{}, fmt.Errorf("address subscription for %s closed", w.IfName)
			}
			if !u.NewAddr || u.LinkIndex != link.Attrs().Index || u.LinkAddress.IP.To4() == nil {
				continue
			}
			// Link attributes may have changed since LinkByName.
			if l, err := netlink.LinkByName(w.IfName); err == nil {
				link = l
			}
			return w.build(link, u.LinkAddress), nil
		}
	}
}

func (w NetlinkUplink) current(link netlink.Link) (Uplink, bool) {
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		log.Warn().Err(err).Msgf("Failed to list addresses on %s", w.IfName)
		return Uplink{}, false
	}
	for _, a := range addrs {
		if a.IPNet == nil || a.IP.IsLoopback() || a.IP.IsLinkLocalUnicast() {
			continue
		}
		return w.build(link, *a.IPNet), true
	}
	return Uplink{}, false
}

func (w NetlinkUplink) build(link netlink.Link, addr net.IPNet) Uplink {
	attrs := link.Attrs()
	up := Uplink{
		IfName:  w.IfName,
		Addr:    addr.IP.To4(),
		Network: net.IPNet{IP: addr.IP.Mask(addr.Mask).To4(), Mask: addr.Mask},
		HWAddr:  attrs.HardwareAddr,
		MTU:     attrs.MTU,
		DNS:     w.DNS,
	}
	routes, err := netlink.RouteList(link, netlink.FAMILY_V4)
	if err != nil {
		log.Warn().Err(err).Msgf("Failed to list routes on %s", w.IfName)
		return up
	}
	for _, r := range routes {
		// Default route has nil Dst, or 0.0.0.0/0 on newer kernels.
		if r.Gw == nil {
			continue
		}
		if r.Dst == nil {
			up.Gateway = r.Gw
			break
		}
		if ones, _ := r.Dst.Mask.Size(); ones == 0 {
			up.Gateway = r.Gw
			break
		}
	}
	return up
}
