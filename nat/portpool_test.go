package nat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortPool(t *testing.T) {
	p := NewPortPool(40000, 40009, []uint16{40005})
	require.Equal(t, 9, p.Size())
	require.Equal(t, 9, p.Free())

	seen := map[uint16]bool{}
	for i := 0; i < 9; i++ {
		port, err := p.Allocate()
		require.Nil(t, err)
		require.GreaterOrEqual(t, port, uint16(40000))
		require.LessOrEqual(t, port, uint16(40009))
		require.NotEqual(t, uint16(40005), port)
		require.False(t, seen[port], "port %d handed out twice", port)
		require.True(t, p.InUse(port))
		seen[port] = true
	}
	_, err := p.Allocate()
	require.ErrorIs(t, err, ErrPoolExhausted)

	t.Log("###### release and reuse")
	require.True(t, p.Release(40001))
	require.False(t, p.Release(40001))
	require.False(t, p.Release(40005))
	require.False(t, p.Release(80))
	require.Equal(t, 1, p.Free())
	port, err := p.Allocate()
	require.Nil(t, err)
	require.Equal(t, uint16(40001), port)
}

func TestPortPoolReleaseOrder(t *testing.T) {
	p := NewPortPool(2000, 2003, nil)
	var ports []uint16
	for i := 0; i < 4; i++ {
		port, err := p.Allocate()
		require.Nil(t, err)
		ports = append(ports, port)
	}
	// Released ports come back in the order they were released.
	require.True(t, p.Release(ports[2]))
	require.True(t, p.Release(ports[0]))
	a, _ := p.Allocate()
	b, _ := p.Allocate()
	require.Equal(t, []uint16{ports[2], ports[0]}, []uint16{a, b})
}

func TestPortPoolEmpty(t *testing.T) {
	p := NewPortPool(5000, 5000, []uint16{5000})
	require.Equal(t, 0, p.Size())
	_, err := p.Allocate()
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.False(t, p.Release(5000))
}
