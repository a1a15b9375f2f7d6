package ap

import (
	"context"
	"net"
)

// Uplink is the station interface once it has an address.
type Uplink struct {
	IfName  string
	Addr    net.IP
	Network net.IPNet
	Gateway net.IP
	HWAddr  net.HardwareAddr
	MTU     int
	DNS     net.IP
}

// UplinkWatcher blocks until the uplink is usable.
type UplinkWatcher interface {
	Wait(ctx context.Context) (Uplink, error)
}

// StaticUplink is an uplink whose address is known up front, from configuration.
type StaticUplink Uplink

func (s StaticUplink) Wait(ctx context.Context) (Uplink, error) {
	if err := ctx.Err(); err != nil {
		return Uplink{}, err
	}
	return Uplink(s), nil
}
