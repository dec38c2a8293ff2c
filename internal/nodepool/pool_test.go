package nodepool

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

type payload struct {
	tag  uint32
	next uint32 // overlaps the allocator's free-list link when unused
}

func TestAllocFreeRoundTrip(t *testing.T) {
	pool, err := New(unsafe.Sizeof(payload{}), Config{BlockSize: 1 << 16, UndesBinNum: 2})
	require.NoError(t, err)
	local := pool.NewLocal()

	const n = 1000
	slots := make([]unsafe.Pointer, n)
	for i := 0; i < n; i++ {
		s, err := local.Alloc()
		require.NoError(t, err)
		require.NotNil(t, s)
		p := (*payload)(s)
		p.tag = uint32(i)
		slots[i] = s
	}

	for i := 0; i < n; i++ {
		p := (*payload)(slots[i])
		require.Equal(t, uint32(i), p.tag)
	}

	for i := n - 1; i >= 0; i-- {
		require.NoError(t, local.Free(slots[i]))
	}

	require.LessOrEqual(t, len(pool.undes), pool.undesCap)
}

func TestBlockRecoveredByMasking(t *testing.T) {
	pool, err := New(unsafe.Sizeof(payload{}), Config{BlockSize: 1 << 16})
	require.NoError(t, err)
	local := pool.NewLocal()

	s, err := local.Alloc()
	require.NoError(t, err)

	b := pool.blockOf(s)
	require.NotNil(t, b)
	require.GreaterOrEqual(t, b.used, int32(1))

	require.NoError(t, local.Free(s))
}

func TestAllocChurnKeepsCounterConsistent(t *testing.T) {
	pool, err := New(unsafe.Sizeof(payload{}), Config{BlockSize: 1 << 16})
	require.NoError(t, err)
	local := pool.NewLocal()

	s1, err := local.Alloc()
	require.NoError(t, err)
	b := pool.blockOf(s1)
	before := b.used

	s2, err := local.Alloc()
	require.NoError(t, err)
	require.NoError(t, local.Free(s2))

	require.Equal(t, before, b.used)
	require.NoError(t, local.Free(s1))
}
