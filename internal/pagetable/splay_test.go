package pagetable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func nodeAt(base, size uintptr) *Node {
	return &Node{Base: base, Size: size}
}

func TestInsertFindRemove(t *testing.T) {
	tr := &Tree{}
	const n = 100
	nodes := make([]*Node, n)
	for i := 0; i < n; i++ {
		nodes[i] = nodeAt(uintptr(i)*4096, 4096)
		require.NoError(t, tr.Insert(nodes[i]))
	}

	for i := 0; i < n; i++ {
		got, err := tr.FindAndLock(uintptr(i)*4096 + 128)
		require.NoError(t, err)
		require.Equal(t, uintptr(i)*4096, got.Base)
		got.Unlock()
	}

	_, err := tr.FindAndLock(uintptr(n) * 4096)
	require.Error(t, err)

	err = tr.Remove(uintptr(n) * 4096)
	require.Error(t, err)
}

func TestInsertDuplicateRejected(t *testing.T) {
	tr := &Tree{}
	a := nodeAt(0, 4096)
	b := nodeAt(0, 4096)
	require.NoError(t, tr.Insert(a))
	require.Error(t, tr.Insert(b))
	require.Equal(t, a, tr.root)
}

func TestRemoveOnlyNodeEmpties(t *testing.T) {
	tr := &Tree{}
	a := nodeAt(4096, 4096)
	require.NoError(t, tr.Insert(a))
	require.False(t, tr.Empty())
	require.NoError(t, tr.Remove(4096))
	require.True(t, tr.Empty())
}

func TestInsertRemoveRoundTrip(t *testing.T) {
	tr := &Tree{}
	bases := []uintptr{4096 * 3, 4096, 4096 * 5, 4096 * 2, 4096 * 4}
	nodes := map[uintptr]*Node{}
	for _, b := range bases {
		n := nodeAt(b, 4096)
		nodes[b] = n
		require.NoError(t, tr.Insert(n))
	}

	var before []uintptr
	for n := tr.Next(); n != nil; n = tr.Next() {
		before = append(before, n.Base)
	}
	tr.cursor = nil

	mid := nodeAt(4096*2+1024, 512)
	require.NoError(t, tr.Insert(mid))
	require.NoError(t, tr.Remove(mid.Base))
	tr.cursor = nil

	var after []uintptr
	for n := tr.Next(); n != nil; n = tr.Next() {
		after = append(after, n.Base)
	}
	require.Equal(t, before, after)
}

func TestNextYieldsAscendingOrder(t *testing.T) {
	tr := &Tree{}
	bases := []uintptr{40960, 4096, 20480, 8192, 32768}
	for _, b := range bases {
		require.NoError(t, tr.Insert(nodeAt(b, 4096)))
	}

	var got []uintptr
	for n := tr.Next(); n != nil; n = tr.Next() {
		got = append(got, n.Base)
	}
	require.Equal(t, []uintptr{4096, 8192, 20480, 32768, 40960}, got)
}

func TestFindAndLockAllowsConcurrentDisjointWork(t *testing.T) {
	tr := &Tree{}
	a := nodeAt(0, 4096)
	b := nodeAt(4096, 4096)
	require.NoError(t, tr.Insert(a))
	require.NoError(t, tr.Insert(b))

	la, err := tr.FindAndLock(10)
	require.NoError(t, err)
	lb, err := tr.FindAndLock(4096 + 10)
	require.NoError(t, err)
	require.NotSame(t, la, lb)
	la.Unlock()
	lb.Unlock()
}
