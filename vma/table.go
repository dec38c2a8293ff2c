package vma

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jiverson002/ooc/internal/aio"
	"github.com/jiverson002/ooc/internal/nodepool"
	"github.com/jiverson002/ooc/internal/pagetable"
)

// Table is the index of registered regions: one splay tree. ooc.New
// builds one Table per Runtime, so a Table is not shared between
// Runtimes, and Alloc and Free draw nodes through a single thread-local
// nodepool.Local, so they are not safe to call from several goroutines
// at once. Its pagetable.Nodes are vended from a nodepool.Pool rather than the Go
// heap, the way the original's vma_alloc backed every VMA's tree node;
// owners maps a live Node back to the Region that holds it, kept as an
// ordinary Go map specifically so the Region (which holds GC-visible
// slices and channels) stays reachable through normal Go references
// instead of through a pointer buried in the node pool's unmanaged memory.
type Table struct {
	tree     *pagetable.Tree
	pagesize uintptr

	nodes *nodepool.Local

	mu     sync.Mutex
	owners map[*pagetable.Node]*Region
}

// NewTable constructs an empty Table sized to pagesize (0 selects the
// system page size), backing its page-table nodes with a node pool of the
// given block geometry (0 selects nodepool's defaults).
func NewTable(pagesize, blockSize, undesBinNum int) (*Table, error) {
	if pagesize <= 0 {
		pagesize = unix.Getpagesize()
	}
	pool, err := nodepool.New(unsafe.Sizeof(pagetable.Node{}), nodepool.Config{
		BlockSize:   blockSize,
		UndesBinNum: undesBinNum,
	})
	if err != nil {
		return nil, fmt.Errorf("vma: %w", err)
	}
	return &Table{
		tree:     &pagetable.Tree{},
		pagesize: uintptr(pagesize),
		nodes:    pool.NewLocal(),
		owners:   make(map[*pagetable.Node]*Region),
	}, nil
}

// Alloc reserves an anonymous, page-aligned mapping of the given number of
// pages, backed by [fileOff, fileOff+pages*pagesize) of fd, and registers
// it in the table. The mapping starts unmapped (PROT_NONE); pages become
// resident only as FaultPage resolves them.
func (t *Table) Alloc(backend aio.Backend, pages int, fd int, fileOff int64) (*Region, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("vma: Alloc requires pages > 0, got %d", pages)
	}

	size := uintptr(pages) * t.pagesize
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("vma: mmap: %w", err)
	}

	slot, err := t.nodes.Alloc()
	if err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("vma: node alloc: %w", err)
	}
	if slot == nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("vma: node pool exhausted")
	}
	node := (*pagetable.Node)(slot)
	node.Base = uintptr(unsafe.Pointer(&mem[0]))
	node.Size = size

	r := &Region{
		Node:      node,
		mem:       mem,
		pagesize:  t.pagesize,
		pageState: make([]pageState, pages),
		pending:   make([]chan struct{}, pages),
		backend:   backend,
		fd:        fd,
		fileOff:   fileOff,
	}

	t.mu.Lock()
	t.owners[node] = r
	t.mu.Unlock()

	if err := backend.Register(r.Base, r.Size, fd, fileOff); err != nil {
		t.mu.Lock()
		delete(t.owners, node)
		t.mu.Unlock()
		t.nodes.Free(slot)
		unix.Munmap(mem)
		return nil, fmt.Errorf("vma: Register: %w", err)
	}

	if err := t.tree.Insert(node); err != nil {
		t.mu.Lock()
		delete(t.owners, node)
		t.mu.Unlock()
		t.nodes.Free(slot)
		unix.Munmap(mem)
		return nil, err
	}

	return r, nil
}

// Free unmaps a region, removes it from the table, and returns its node
// to the pool.
func (t *Table) Free(r *Region) error {
	if err := t.tree.Remove(r.Base); err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.owners, r.Node)
	t.mu.Unlock()

	if err := t.nodes.Free(unsafe.Pointer(r.Node)); err != nil {
		return err
	}
	return unix.Munmap(r.mem)
}

// Stats is a snapshot of page-table occupancy for monitoring tools.
type Stats struct {
	Regions       int
	TotalPages    int
	ResidentPages int
}

// Stats walks every registered region via the tree's in-order cursor and
// aggregates page residency. It is not cheap and is meant for a slow
// monitoring poll loop, not a hot path. The cursor is shared: a Free that
// removes the region under it resets it, so that walk restarts from the
// lowest base and counts some regions twice, and two Stats calls running
// at once each see only part of the walk. Unlike most Table
// methods, Stats is safe to call from a goroutine other than the table's
// owner: the tree's own mutex serializes the cursor walk and t.mu
// serializes the owners lookup.
func (t *Table) Stats() Stats {
	var s Stats
	for n := t.tree.Next(); n != nil; n = t.tree.Next() {
		t.mu.Lock()
		r, ok := t.owners[n]
		t.mu.Unlock()
		if !ok {
			continue
		}
		total, resident := r.PageCounts()
		s.Regions++
		s.TotalPages += total
		s.ResidentPages += resident
	}
	return s
}

// Lookup finds the region covering addr and locks its VMA-structural lock,
// returning an unlock function the caller must invoke when done. It is the
// Go counterpart of sp_tree_find_and_lock.
func (t *Table) Lookup(addr uintptr) (*Region, func(), error) {
	n, err := t.tree.FindAndLock(addr)
	if err != nil {
		return nil, nil, err
	}
	t.mu.Lock()
	r, ok := t.owners[n]
	t.mu.Unlock()
	if !ok {
		n.Unlock()
		return nil, nil, fmt.Errorf("vma: node at %#x has no owning region", n.Base)
	}
	return r, n.Unlock, nil
}
