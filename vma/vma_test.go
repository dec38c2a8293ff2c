package vma

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jiverson002/ooc/internal/aio"
)

func backedFile(t *testing.T, pages int, pagesize int) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "vma-*")
	require.NoError(t, err)
	buf := make([]byte, pages*pagesize)
	for i := range buf {
		buf[i] = byte(i)
	}
	_, err = f.Write(buf)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestAllocFaultFreeRoundTrip(t *testing.T) {
	pagesize := os.Getpagesize()
	f := backedFile(t, 4, pagesize)

	backend, err := aio.New(aio.KindFile)
	require.NoError(t, err)
	require.NoError(t, backend.Setup(4))

	table, err := NewTable(pagesize, 0, 0)
	require.NoError(t, err)
	r, err := table.Alloc(backend, 4, int(f.Fd()), 0)
	require.NoError(t, err)

	require.False(t, r.Resident(r.Base))

	done, err := r.FaultPage(r.Base, false)
	require.NoError(t, err)
	<-done

	require.True(t, r.Resident(r.Base))
	require.Equal(t, byte(0), r.Bytes()[0])
	require.Equal(t, byte(1), r.Bytes()[1])

	require.NoError(t, table.Free(r))
}

func TestFaultPageJoinsInFlightRequest(t *testing.T) {
	pagesize := os.Getpagesize()
	f := backedFile(t, 1, pagesize)

	backend, err := aio.New(aio.KindFile)
	require.NoError(t, err)
	require.NoError(t, backend.Setup(4))

	table, err := NewTable(pagesize, 0, 0)
	require.NoError(t, err)
	r, err := table.Alloc(backend, 1, int(f.Fd()), 0)
	require.NoError(t, err)

	d1, err := r.FaultPage(r.Base, false)
	require.NoError(t, err)
	d2, err := r.FaultPage(r.Base, false)
	require.NoError(t, err)

	<-d1
	<-d2
	require.True(t, r.Resident(r.Base))
}

func TestLookupLocksOwningRegion(t *testing.T) {
	pagesize := os.Getpagesize()
	f := backedFile(t, 2, pagesize)

	backend, err := aio.New(aio.KindFile)
	require.NoError(t, err)
	require.NoError(t, backend.Setup(4))

	table, err := NewTable(pagesize, 0, 0)
	require.NoError(t, err)
	r, err := table.Alloc(backend, 2, int(f.Fd()), 0)
	require.NoError(t, err)

	got, unlock, err := table.Lookup(r.Base + 16)
	require.NoError(t, err)
	require.Same(t, r, got)
	unlock()

	_, _, err = table.Lookup(r.Base + r.Size)
	require.Error(t, err)
}
