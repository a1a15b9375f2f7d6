package nat

import (
	"errors"
	"math/rand"
)

var (
	ErrPoolExhausted = errors.New("nat port pool exhausted")
)

// Default dynamic range. Everything above the well-known ports.
const (
	DefaultPortMin = 1024
	DefaultPortMax = 65535
)

// PortPool hands out external ports for one protocol on the uplink address.
// Free ports sit in a ring buffer, in-use ports in a bitmap, so Allocate and
// Release are O(1). Released ports go to the back of the ring, which delays reuse.
// Not safe for concurrent use; the Nattable lock guards it.
type PortPool struct {
	min, max uint16
	ring     []uint16
	head     int
	count    int
	inUse    [65536 / 64]uint64
	owned    [65536 / 64]uint64
}

// NewPortPool builds a pool over [min, max] minus the reserved ports.
// The initial order is shuffled so allocated ports are not predictable.
func NewPortPool(min, max uint16, reserved []uint16) *PortPool {
	p := &PortPool{min: min, max: max}
	skip := make(map[uint16]struct{}, len(reserved))
	for _, r := range reserved {
		skip[r] = struct{}{}
	}
	if min > max {
		return p
	}
	p.ring = make([]uint16, 0, int(max)-int(min)+1)
	for port := int(min); port <= int(max); port++ {
		if _, ok := skip[uint16(port)]; ok {
			continue
		}
		p.ring = append(p.ring, uint16(port))
		setBit(&p.owned, uint16(port))
	}
	rand.Shuffle(len(p.ring), func(i, j int) { p.ring[i], p.ring[j] = p.ring[j], p.ring[i] })
	p.count = len(p.ring)
	return p
}

// Allocate takes the next free port. It never blocks.
func (p *PortPool) Allocate() (uint16, error) {
	if p.count == 0 {
		return 0, ErrPoolExhausted
	}
	port := p.ring[p.head]
	p.head = (p.head + 1) % len(p.ring)
	p.count--
	setBit(&p.inUse, port)
	return port, nil
}

// Release returns port to the pool. Ports the pool does not own, or that are
// not currently allocated, are ignored.
func (p *PortPool) Release(port uint16) bool {
	if !getBit(&p.owned, port) || !getBit(&p.inUse, port) {
		return false
	}
	clearBit(&p.inUse, port)
	p.ring[(p.head+p.count)%len(p.ring)] = port
	p.count++
	return true
}

// InUse reports whether port is currently allocated from this pool.
func (p *PortPool) InUse(port uint16) bool {
	return getBit(&p.inUse, port)
}

// Free is the number of ports left to allocate.
func (p *PortPool) Free() int {
	return p.count
}

// Size is the total number of ports the pool manages.
func (p *PortPool) Size() int {
	return len(p.ring)
}

func setBit(bits *[65536 / 64]uint64, port uint16) {
	bits[port/64] |= 1 << (port % 64)
}

func clearBit(bits *[65536 / 64]uint64, port uint16) {
	bits[port/64] &^= 1 << (port % 64)
}

func getBit(bits *[65536 / 64]uint64, port uint16) bool {
	return bits[port/64]&(1<<(port%64)) != 0
}
