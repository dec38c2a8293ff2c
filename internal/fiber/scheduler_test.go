package fiber

import (
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jiverson002/ooc/internal/aio"
	"github.com/jiverson002/ooc/vma"
)

func newTestRegion(t *testing.T, pages int) (*vma.Table, *vma.Region, aio.Backend) {
	t.Helper()
	pagesize := os.Getpagesize()

	f, err := os.CreateTemp(t.TempDir(), "fiber-*")
	require.NoError(t, err)
	buf := make([]byte, pages*pagesize)
	for i := range buf {
		buf[i] = byte(i)
	}
	_, err = f.Write(buf)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	backend, err := aio.New(aio.KindFile)
	require.NoError(t, err)
	require.NoError(t, backend.Setup(8))

	table, err := vma.NewTable(pagesize, 0, 0)
	require.NoError(t, err)
	region, err := table.Alloc(backend, pages, int(f.Fd()), 0)
	require.NoError(t, err)

	return table, region, backend
}

func TestScheduleRunsKernelToCompletion(t *testing.T) {
	_, region, _ := newTestRegion(t, 1)

	s, err := New(Config{NumFibers: 2})
	require.NoError(t, err)

	var ran int32
	kernel := func(fc *Context, i uint64, args any) {
		r := args.(*vma.Region)
		fc.Touch(r, r.Base, false)
		atomic.AddInt32(&ran, 1)
	}

	s.Schedule(kernel, 0, region)
	s.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&ran))
	require.NoError(t, s.Finalize())
}

func TestScheduleReusesFibersBeyondPoolSize(t *testing.T) {
	_, region, _ := newTestRegion(t, 4)
	pagesize := os.Getpagesize()

	s, err := New(Config{NumFibers: 2})
	require.NoError(t, err)

	var ran int32
	kernel := func(fc *Context, i uint64, args any) {
		r := args.(*vma.Region)
		fc.Touch(r, r.Base+uintptr(i)*uintptr(pagesize), false)
		atomic.AddInt32(&ran, 1)
	}

	for i := uint64(0); i < 4; i++ {
		s.Schedule(kernel, i, region)
	}
	s.Wait()

	require.EqualValues(t, 4, atomic.LoadInt32(&ran))
	require.NoError(t, s.Finalize())
}

func TestTouchSkipsSchedulingWhenAlreadyResident(t *testing.T) {
	_, region, _ := newTestRegion(t, 1)

	s, err := New(Config{NumFibers: 1})
	require.NoError(t, err)

	kernel := func(fc *Context, i uint64, args any) {
		r := args.(*vma.Region)
		fc.Touch(r, r.Base, false)
		fc.Touch(r, r.Base, false) // second touch must not re-fault or deadlock
	}

	s.Schedule(kernel, 0, region)
	s.Wait()
	require.NoError(t, s.Finalize())
}

func TestFinalizeRejectsOutstandingFibers(t *testing.T) {
	_, region, _ := newTestRegion(t, 1)

	s, err := New(Config{NumFibers: 1})
	require.NoError(t, err)

	kernel := func(fc *Context, i uint64, args any) {
		r := args.(*vma.Region)
		fc.Touch(r, r.Base, false) // parks the fiber until the async read settles
	}

	// Schedule returns as soon as the fiber parks on Touch, leaving it on
	// the wait list until the page becomes resident.
	s.Schedule(kernel, 0, region)

	require.Error(t, s.Finalize())

	s.Wait()
	require.NoError(t, s.Finalize())
}

func TestNewRejectsZeroFibers(t *testing.T) {
	_, err := New(Config{NumFibers: 0})
	require.Error(t, err)
}
