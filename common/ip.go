package common

import (
	"encoding/binary"
	"net"
)

// Ip2int - IPV4 only, anything else is 0.
func Ip2int(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func Int2ip(nn uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, nn)
	return ip
}

func Intersect(n1, n2 *net.IPNet) bool {
	return n2.Contains(n1.IP) || n1.Contains(n2.IP)
}

// Network24 is the /24 holding ip.
func Network24(ip net.IP) net.IPNet {
	mask := net.CIDRMask(24, 32)
	return net.IPNet{IP: Int2ip(Ip2int(ip)).Mask(mask), Mask: mask}
}

func IsIPv4(ip net.IP) bool {
	return ip.To4() != nil
}
