package nat

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Neighbor cache. Frames arrive on several capture goroutines, and the one
// that needs a MAC is rarely the one that sees the ARP reply. Waiters park on a
// channel that is closed when an entry for their address is added.

const (
	NeighborCacheSize = 1024
	NeighborTTL       = 10 * time.Minute
)

var zeroHWAddr = net.HardwareAddr{0, 0, 0, 0, 0, 0}

type ArpEntry struct {
	Mac       net.HardwareAddr
	IntName   string
	TimeAdded time.Time
}

type NeighborCache struct {
	entries *expirable.LRU[[4]byte, ArpEntry]
	lock    sync.Mutex
	waiters map[[4]byte]chan struct{}
}

// NewNeighborCache - size entries, each forgotten ttl after it was last learned.
func NewNeighborCache(size int, ttl time.Duration) *NeighborCache {
	return &NeighborCache{
		entries: expirable.NewLRU[[4]byte, ArpEntry](size, nil, ttl),
		waiters: make(map[[4]byte]chan struct{}),
	}
}

func neighborKey(ip net.IP) (k [4]byte, ok bool) {
	v4 := ip.To4()
	if v4 == nil {
		return k, false
	}
	copy(k[:], v4)
	return k, true
}

// Add learns ip is at mac. Zero, broadcast and non-IPv4 entries are ignored.
func (c *NeighborCache) Add(ip net.IP, mac net.HardwareAddr, interfaceName string) {
	k, ok := neighborKey(ip)
	if !ok || len(mac) != 6 || bytes.Equal(mac, zeroHWAddr) || bytes.Equal(mac, broadcastHWAddr) || ip.IsUnspecified() {
		return
	}
	c.entries.Add(k, ArpEntry{Mac: append(net.HardwareAddr(nil), mac...), IntName: interfaceName, TimeAdded: time.Now()})
	c.lock.Lock()
	if waiter, ok := c.waiters[k]; ok {
		close(waiter)
		delete(c.waiters, k)
	}
	c.lock.Unlock()
}

func (c *NeighborCache) Get(ip net.IP) (ArpEntry, bool) {
	k, ok := neighborKey(ip)
	if !ok {
		return ArpEntry{}, false
	}
	return c.entries.Get(k)
}

func (c *NeighborCache) Len() int {
	return c.entries.Len()
}

// WaitFor - if there is an entry in the cache, return immediately. Otherwise
// wait until one is added, ctx is done or timeout passes.
func (c *NeighborCache) WaitFor(ctx context.Context, ip net.IP, timeout time.Duration) (ArpEntry, bool) {
	if entry, ok := c.Get(ip); ok {
		return entry, true
	}
	k, ok := neighborKey(ip)
	if !ok {
		return ArpEntry{}, false
	}
	c.lock.Lock()
	// Check again under the lock, Add may have run since.
	if entry, ok := c.entries.Get(k); ok {
		c.lock.Unlock()
		return entry, true
	}
	waiter, ok := c.waiters[k]
	if !ok {
		waiter = make(chan struct{})
		c.waiters[k] = waiter
	}
	c.lock.Unlock()
	log.Debug().Msgf("Waiting for ARP entry for %s", ip)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-waiter:
		return c.Get(ip)
	case <-ctx.Done():
	case <-timer.C:
	}
	return ArpEntry{}, false
}
