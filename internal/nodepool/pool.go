// Package nodepool implements the fixed-capacity slab allocator that backs
// page-table nodes. Slots are vended from page-aligned, fixed-size blocks
// so that the block owning a live slot can be recovered in O(1) by masking
// the slot's address, and a block's emptiness can be tested by a single
// counter rather than a scan.
package nodepool

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jiverson002/ooc/internal/align"
)

// DefaultBlockSize is the block size used when a Config leaves BlockSize
// unset: 256KiB, well above a typical page.
const DefaultBlockSize = 1 << 18

// DefaultUndesBinNum is the default capacity of the process-wide
// undesignated-block stack.
const DefaultUndesBinNum = 4

const noFree = ^uint32(0)

// blockHeader sits at the start of every block. The data area -- a raw
// byte slice of fixed-size slots -- immediately follows it, aligned to the
// pool's slot size.
type blockHeader struct {
	used     int32
	prev     *blockHeader
	next     *blockHeader
	freeHead uint32 // offset into data area of first free slot, or noFree
	hiWater  uint32 // offset one past the highest slot ever handed out
	data     []byte // the block's raw backing memory (for munmap)
}

// Pool is the process-wide slab allocator for one fixed slot size. It owns
// the undesignated-block stack; thread-local state lives in a Local handed
// out by NewLocal.
type Pool struct {
	slotSize   uintptr
	blockSize  uintptr
	dataOffset uintptr
	maxFill    int32

	mu       sync.Mutex
	undes    []*blockHeader
	undesCap int
}

// Config tunes a Pool's block geometry.
type Config struct {
	// BlockSize is the size in bytes of each slab block. Must be a power
	// of two and well above the host page size. Zero selects
	// DefaultBlockSize.
	BlockSize int
	// UndesBinNum bounds how many fully-drained blocks are kept around
	// for reuse before being returned to the OS. Zero selects
	// DefaultUndesBinNum.
	UndesBinNum int
}

// New creates a Pool vending slots of slotSize bytes.
func New(slotSize uintptr, cfg Config) (*Pool, error) {
	blockSize := cfg.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	undesCap := cfg.UndesBinNum
	if undesCap == 0 {
		undesCap = DefaultUndesBinNum
	}
	if blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("nodepool: block size %d is not a power of two", blockSize)
	}

	hdrSize := unsafe.Sizeof(blockHeader{})
	dataOffset := align.Up(hdrSize, slotSize)
	maxFill := (uintptr(blockSize) - dataOffset) / slotSize
	if maxFill == 0 {
		return nil, fmt.Errorf("nodepool: block size %d too small for slot size %d", blockSize, slotSize)
	}

	return &Pool{
		slotSize:   slotSize,
		blockSize:  uintptr(blockSize),
		dataOffset: dataOffset,
		maxFill:    int32(maxFill),
		undesCap:   undesCap,
	}, nil
}

// newBlock allocates a fresh, block-size-aligned mapping from the OS.
// mmap only guarantees page alignment, so newBlock over-maps by one block
// and trims the unaligned head and tail, mirroring the
// posix_memalign-via-mmap trick the original allocator's USE_MMAP path
// relies on.
func (p *Pool) newBlock() (*blockHeader, error) {
	raw, err := unix.Mmap(-1, 0, int(2*p.blockSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil //nolint:nilerr // OS allocation failure is reported as (nil, nil); see Local.Alloc
	}

	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := align.Up(base, p.blockSize)
	headTrim := aligned - base
	tailTrim := 2*p.blockSize - headTrim - p.blockSize

	// unix.Munmap only accepts a whole mapping it returned, so the partial
	// trims go straight to the munmap system call.
	if headTrim > 0 {
		if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, base, headTrim, 0); errno != 0 {
			return nil, errno
		}
	}
	if tailTrim > 0 {
		if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, aligned+p.blockSize, tailTrim, 0); errno != 0 {
			return nil, errno
		}
	}
	mem := raw[headTrim : headTrim+p.blockSize]

	hdr := (*blockHeader)(unsafe.Pointer(&mem[0]))
	*hdr = blockHeader{freeHead: noFree, hiWater: uint32(p.dataOffset), data: mem}
	return hdr, nil
}

func (p *Pool) freeBlock(b *blockHeader) error {
	// b.data is a trimmed slice of a larger mapping, which unix.Munmap
	// rejects, so it is unmapped with the system call directly.
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(unsafe.Pointer(&b.data[0])), uintptr(len(b.data)), 0); errno != 0 {
		return errno
	}
	return nil
}

func slotAt(b *blockHeader, offset uint32) unsafe.Pointer {
	return unsafe.Pointer(&b.data[offset])
}

func (p *Pool) offsetOf(b *blockHeader, slot unsafe.Pointer) uint32 {
	return uint32(uintptr(slot) - uintptr(unsafe.Pointer(&b.data[0])))
}

// blockOf recovers the owning block of a live slot by masking its address
// down to blockSize alignment.
func (p *Pool) blockOf(slot unsafe.Pointer) *blockHeader {
	base := uintptr(slot) &^ (p.blockSize - 1)
	return (*blockHeader)(unsafe.Pointer(base))
}

// popUndesignated pops a reusable block from the shared stack, or nil if
// none is available.
func (p *Pool) popUndesignated() *blockHeader {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.undes)
	if n == 0 {
		return nil
	}
	b := p.undes[n-1]
	p.undes = p.undes[:n-1]
	return b
}

// pushUndesignated returns a drained block to the shared stack, or to the
// OS if the stack is already at capacity.
func (p *Pool) pushUndesignated(b *blockHeader) error {
	p.mu.Lock()
	if len(p.undes) < p.undesCap {
		p.undes = append(p.undes, b)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.freeBlock(b)
}

// Local is a single thread's view of a Pool: the active-block list that
// spec.md requires carry no lock, since only the owning thread ever
// touches it.
type Local struct {
	pool *Pool
	head *blockHeader
}

// NewLocal returns a new thread-local allocation context over p. Callers
// must confine a Local to a single goroutine/OS thread for its lifetime.
func (p *Pool) NewLocal() *Local {
	return &Local{pool: p}
}

// Alloc returns a zero-initialized slot, or nil if the OS allocator is
// exhausted.
func (l *Local) Alloc() (unsafe.Pointer, error) {
	b := l.head
	if b == nil {
		var err error
		if b = l.pool.popUndesignated(); b == nil {
			if b, err = l.pool.newBlock(); err != nil {
				return nil, err
			}
			if b == nil {
				return nil, nil
			}
		}
		b.prev, b.next = nil, l.head
		l.head = b
	}

	var offset uint32
	if b.freeHead != noFree {
		offset = b.freeHead
		slot := slotAt(b, offset)
		b.freeHead = *(*uint32)(slot)
	} else {
		offset = b.hiWater
		b.hiWater += uint32(l.pool.slotSize)
	}
	b.used++

	slot := slotAt(b, offset)
	clear(unsafe.Slice((*byte)(slot), l.pool.slotSize))

	if b.used == l.pool.maxFill {
		l.unlink(b)
	}
	return slot, nil
}

// Free returns a slot obtained from Alloc back to its owning block.
func (l *Local) Free(slot unsafe.Pointer) error {
	b := l.pool.blockOf(slot)
	wasFull := b.used == l.pool.maxFill

	offset := l.pool.offsetOf(b, slot)
	*(*uint32)(slot) = b.freeHead
	b.freeHead = offset
	b.used--

	if wasFull {
		b.prev, b.next = nil, l.head
		if l.head != nil {
			l.head.prev = b
		}
		l.head = b
	}
	if b.used == 0 {
		l.unlink(b)
		return l.pool.pushUndesignated(b)
	}
	return nil
}

func (l *Local) unlink(b *blockHeader) {
	if b.prev != nil {
		b.prev.next = b.next
	} else if l.head == b {
		l.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	}
	b.prev, b.next = nil, nil
}
