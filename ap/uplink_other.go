//go:build !linux

package ap

import (
	"context"
	"errors"
	"net"
)

// NetlinkUplink needs netlink, only available on linux.
type NetlinkUplink struct {
	IfName string
	DNS    net.IP
}

func (w NetlinkUplink) Wait(ctx context.Context) (Uplink, error) {
	return Uplink{}, errors.New("uplink discovery needs linux, set interfaces.uplink_addr")
}
