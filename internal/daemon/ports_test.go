package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAllocator(t *testing.T) *PortAllocator {
	a, err := NewPortAllocator(t.TempDir(), 30000, 30019)
	require.NoError(t, err)
	return a
}

func TestAllocateIsIdempotent(t *testing.T) {
	a := newAllocator(t)

	first, err := a.Allocate(7, 2, "udp", true, nil)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, first[0]+1, first[1])

	again, err := a.Allocate(7, 2, "udp", true, nil)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestAllocateAvoidsReservedAndExternalPorts(t *testing.T) {
	a := newAllocator(t)

	first, err := a.Allocate(1, 3, "tcp", false, nil)
	require.NoError(t, err)

	second, err := a.Allocate(2, 3, "tcp", false, []int{30005, 30006})
	require.NoError(t, err)

	taken := map[int]bool{30005: true, 30006: true}
	for _, p := range first {
		taken[p] = true
	}
	for _, p := range second {
		assert.False(t, taken[p], "port %d double-allocated", p)
		assert.GreaterOrEqual(t, p, 30000)
		assert.LessOrEqual(t, p, 30019)
	}
}

func TestAllocateContiguousRun(t *testing.T) {
	a := newAllocator(t)

	ports, err := a.Allocate(3, 4, "udp", true, nil)
	require.NoError(t, err)
	require.Len(t, ports, 4)
	for i := 1; i < len(ports); i++ {
		assert.Equal(t, ports[i-1]+1, ports[i])
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a, err := NewPortAllocator(t.TempDir(), 30000, 30003)
	require.NoError(t, err)

	_, err = a.Allocate(1, 3, "tcp", false, nil)
	require.NoError(t, err)
	_, err = a.Allocate(2, 2, "tcp", false, nil)
	assert.Error(t, err)
}

func TestReleaseFreesPorts(t *testing.T) {
	a, err := NewPortAllocator(t.TempDir(), 30000, 30003)
	require.NoError(t, err)

	_, err = a.Allocate(1, 4, "tcp", false, nil)
	require.NoError(t, err)
	_, err = a.Allocate(2, 1, "tcp", false, nil)
	require.Error(t, err)

	require.NoError(t, a.Release(1))
	_, err = a.Allocate(2, 1, "tcp", false, nil)
	assert.NoError(t, err)
}

func TestLedgerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	a, err := NewPortAllocator(dir, 30000, 30019)
	require.NoError(t, err)
	ports, err := a.Allocate(9, 2, "udp", true, nil)
	require.NoError(t, err)

	reopened, err := NewPortAllocator(dir, 30000, 30019)
	require.NoError(t, err)
	assert.Equal(t, ports, reopened.Lookup(9))

	other, err := reopened.Allocate(10, 2, "udp", true, nil)
	require.NoError(t, err)
	assert.NotEqual(t, ports, other)
}
