package nat

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"natap/clock"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var (
	testUplink = net.ParseIP("203.0.113.7").To4()
	testStart  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func testTimeouts() Timeouts {
	return Timeouts{TCP: time.Hour, UDP: 5 * time.Minute, TCPClosed: 10 * time.Second}
}

func newTestTable(t *testing.T, min, max uint16) (*Nattable, *clock.MockClock) {
	clk := clock.NewMockClock(testStart)
	pools := map[layers.IPProtocol]*PortPool{
		layers.IPProtocolTCP: NewPortPool(min, max, nil),
		layers.IPProtocolUDP: NewPortPool(min, max, nil),
	}
	return NewNattable(testUplink, pools, testTimeouts(), clk, nil), clk
}

func TestNattableOutboundStable(t *testing.T) {
	table, _ := newTestTable(t, 30000, 30100)
	internal := Endpoint{IP: net.ParseIP("192.168.4.50"), Port: 12345}
	remote1 := Endpoint{IP: net.ParseIP("93.184.216.34"), Port: 443}
	remote2 := Endpoint{IP: net.ParseIP("1.1.1.1"), Port: 53}

	s1, created, err := table.Outbound(layers.IPProtocolUDP, internal, remote1, nil)
	require.Nil(t, err)
	require.True(t, created)
	require.Equal(t, testUplink, s1.Translated.IP)

	t.Log("###### same internal endpoint, other destination, same mapping")
	s2, created, err := table.Outbound(layers.IPProtocolUDP, internal, remote2, nil)
	require.Nil(t, err)
	require.False(t, created)
	require.Equal(t, s1.Translated, s2.Translated)
	require.Equal(t, remote2.Port, s2.Remote.Port)

	t.Log("###### tcp is a different session")
	s3, created, err := table.Outbound(layers.IPProtocolTCP, internal, remote1, nil)
	require.Nil(t, err)
	require.True(t, created)
	require.Equal(t, TCPEstablished, s3.TcpState.State)
	require.Equal(t, 2, table.Len())

	got, ok := table.FindByExternal(layers.IPProtocolUDP, s1.Translated.Port)
	require.True(t, ok)
	require.Equal(t, internal.Port, got.Internal.Port)
	got, ok = table.FindByInternal(layers.IPProtocolUDP, internal.IP, internal.Port)
	require.True(t, ok)
	require.Equal(t, s1.Translated.Port, got.Translated.Port)

	_, ok = table.Inbound(layers.IPProtocolUDP, s1.Translated.Port+1000, remote1, nil)
	require.False(t, ok)
	in, ok := table.Inbound(layers.IPProtocolUDP, s1.Translated.Port, remote1, nil)
	require.True(t, ok)
	require.True(t, in.Internal.IP.Equal(internal.IP))

	_, _, err = table.Outbound(layers.IPProtocolICMPv4, internal, remote1, nil)
	require.ErrorIs(t, err, ErrUnsupportedProtocol)
}

func TestNattableEviction(t *testing.T) {
	table, clk := newTestTable(t, 30000, 30100)
	internal := Endpoint{IP: net.ParseIP("192.168.4.50"), Port: 5000}
	remote := Endpoint{IP: net.ParseIP("8.8.8.8"), Port: 53}

	udp, _, err := table.Outbound(layers.IPProtocolUDP, internal, remote, nil)
	require.Nil(t, err)
	tcp, _, err := table.Outbound(layers.IPProtocolTCP, internal, remote, &layers.TCP{SYN: true})
	require.Nil(t, err)
	require.Equal(t, 100, table.PoolFree(layers.IPProtocolUDP))

	clk.Advance(4 * time.Minute)
	require.Equal(t, 0, table.EvictExpired(clk.Now()))
	// Touch keeps the udp session alive past its original deadline.
	require.True(t, table.Touch(layers.IPProtocolUDP, udp.Translated.Port))
	clk.Advance(4 * time.Minute)
	require.Equal(t, 0, table.EvictExpired(clk.Now()))

	clk.Advance(2 * time.Minute)
	require.Equal(t, 1, table.EvictExpired(clk.Now()))
	_, ok := table.FindByExternal(layers.IPProtocolUDP, udp.Translated.Port)
	require.False(t, ok)
	require.Equal(t, 101, table.PoolFree(layers.IPProtocolUDP))

	_, ok = table.FindByExternal(layers.IPProtocolTCP, tcp.Translated.Port)
	require.True(t, ok)
	clk.Advance(time.Hour)
	require.Equal(t, 1, table.EvictExpired(clk.Now()))
	require.Equal(t, 0, table.Len())
}

func TestNattableTCPTeardown(t *testing.T) {
	table, clk := newTestTable(t, 30000, 30100)
	internal := Endpoint{IP: net.ParseIP("192.168.4.50"), Port: 40000}
	remote := Endpoint{IP: net.ParseIP("93.184.216.34"), Port: 80}

	t.Log("###### RST closes straight away")
	s, _, err := table.Outbound(layers.IPProtocolTCP, internal, remote, &layers.TCP{SYN: true})
	require.Nil(t, err)
	s, ok := table.Inbound(layers.IPProtocolTCP, s.Translated.Port, remote, &layers.TCP{RST: true})
	require.True(t, ok)
	require.Equal(t, TCPClosed, s.TcpState.State)
	clk.Advance(11 * time.Second)
	require.Equal(t, 1, table.EvictExpired(clk.Now()))

	t.Log("###### FIN needs both directions")
	s, _, err = table.Outbound(layers.IPProtocolTCP, internal, remote, &layers.TCP{SYN: true})
	require.Nil(t, err)
	s, _, err = table.Outbound(layers.IPProtocolTCP, internal, remote, &layers.TCP{FIN: true, ACK: true})
	require.Nil(t, err)
	require.Equal(t, TCPFinWait, s.TcpState.State)
	clk.Advance(time.Minute)
	require.Equal(t, 0, table.EvictExpired(clk.Now()))

	s, ok = table.Inbound(layers.IPProtocolTCP, s.Translated.Port, remote, &layers.TCP{FIN: true, ACK: true})
	require.True(t, ok)
	require.Equal(t, TCPClosed, s.TcpState.State)
	clk.Advance(5 * time.Second)
	require.Equal(t, 0, table.EvictExpired(clk.Now()))
	clk.Advance(6 * time.Second)
	require.Equal(t, 1, table.EvictExpired(clk.Now()))
}

func TestNattableStatic(t *testing.T) {
	table, clk := newTestTable(t, 30000, 30001)
	server := Endpoint{IP: net.ParseIP("192.168.4.50"), Port: 80}
	remote := Endpoint{IP: net.ParseIP("198.51.100.9"), Port: 51000}
	entry := PortForwardingEntry{InternalIP: server.IP, InternalPort: server.Port, Rule: "web"}

	s, err := table.InboundStatic(layers.IPProtocolTCP, 8080, entry, remote, &layers.TCP{SYN: true})
	require.Nil(t, err)
	require.True(t, s.Static)
	require.Equal(t, uint16(8080), s.Translated.Port)
	_, err = table.InboundStatic(layers.IPProtocolTCP, 8080, entry, remote, nil)
	require.ErrorIs(t, err, ErrSessionExists)

	t.Log("###### the server's replies leave from the rule port")
	out, created, err := table.Outbound(layers.IPProtocolTCP, server, remote, nil)
	require.Nil(t, err)
	require.False(t, created)
	require.Equal(t, uint16(8080), out.Translated.Port)

	t.Log("###### eviction does not hand the rule port to the pool")
	clk.Advance(2 * time.Hour)
	require.Equal(t, 1, table.EvictExpired(clk.Now()))
	require.Equal(t, 2, table.PoolFree(layers.IPProtocolTCP))
}

func TestNattableInsertRemove(t *testing.T) {
	table, _ := newTestTable(t, 30000, 30001)
	s := Session{
		Protocol:   layers.IPProtocolUDP,
		Internal:   Endpoint{IP: net.ParseIP("192.168.4.9"), Port: 1000},
		Translated: Endpoint{IP: testUplink, Port: 9999},
		Static:     true,
	}
	require.Nil(t, table.Insert(s))
	require.ErrorIs(t, table.Insert(s), ErrSessionExists)
	require.Len(t, table.Sessions(), 1)
	require.True(t, table.Remove(layers.IPProtocolUDP, 9999))
	require.False(t, table.Remove(layers.IPProtocolUDP, 9999))
	require.Equal(t, 0, table.Len())
}

func TestNattableConcurrent(t *testing.T) {
	table, clk := newTestTable(t, 30000, 30063)
	size := 64
	remote := Endpoint{IP: net.ParseIP("93.184.216.34"), Port: 443}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			clk.Advance(10 * time.Minute)
			table.EvictExpired(clk.Now())
			_ = table.Sessions()
		}
	}()

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		internalIP := net.IPv4(192, 168, 4, byte(10+w))
		g.Go(func() error {
			for i := 0; i < 500; i++ {
				internal := Endpoint{IP: internalIP, Port: uint16(1000 + i%150)}
				tcp := &layers.TCP{SYN: true, RST: i%7 == 0}
				_, _, err := table.Outbound(layers.IPProtocolTCP, internal, remote, tcp)
				if err != nil && !errors.Is(err, ErrPoolExhausted) {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < 200; i++ {
			for _, s := range table.Sessions() {
				table.Inbound(s.Protocol, s.Translated.Port, remote, &layers.TCP{FIN: true})
			}
		}
		return nil
	})
	g.Go(func() error {
		entry := PortForwardingEntry{InternalIP: net.IPv4(192, 168, 4, 50), InternalPort: 80, Rule: "web"}
		for i := 0; i < 500; i++ {
			_, err := table.InboundStatic(layers.IPProtocolTCP, uint16(8000+i%10), entry, remote, &layers.TCP{SYN: true})
			if err != nil && !errors.Is(err, ErrSessionExists) {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
	close(done)
	wg.Wait()

	t.Log("###### every pool port is either free or owned by exactly one session")
	dynamic := 0
	ports := map[uint16]bool{}
	for _, s := range table.Sessions() {
		require.False(t, ports[s.Translated.Port], "port %d in two sessions", s.Translated.Port)
		ports[s.Translated.Port] = true
		if s.Static {
			require.GreaterOrEqual(t, s.Translated.Port, uint16(8000))
			require.Less(t, s.Translated.Port, uint16(8010))
			continue
		}
		require.GreaterOrEqual(t, s.Translated.Port, uint16(30000))
		require.LessOrEqual(t, s.Translated.Port, uint16(30063))
		dynamic++
	}
	require.Equal(t, size, table.PoolFree(layers.IPProtocolTCP)+dynamic)

	clk.Advance(2 * time.Hour)
	table.EvictExpired(clk.Now())
	require.Equal(t, 0, table.Len())
	require.Equal(t, size, table.PoolFree(layers.IPProtocolTCP))
}
