// Package vma registers virtual-memory areas backed by a file and resolves
// accesses to their unresident pages. It is the one place spec'd as
// "consumed, not defined" by the original design: a fiber's kernel reaches
// unresident memory only through FiberContext.Touch, and Touch's other half
// lives here.
package vma

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jiverson002/ooc/internal/aio"
	"github.com/jiverson002/ooc/internal/align"
	"github.com/jiverson002/ooc/internal/pagetable"
)

// log receives diagnostics for conditions this package treats as fatal.
// SetLogger lets the owning Runtime inject its configured logger; absent
// that, diagnostics go to logrus's default standard logger.
var log = logrus.StandardLogger()

// SetLogger installs the logger used for fatal-error diagnostics.
func SetLogger(l *logrus.Logger) { log = l }

type pageState uint8

const (
	pageUnmapped pageState = iota
	pagePending
	pageResident
)

// Region is one registered VMA: a page-aligned anonymous mapping backed by
// a range of a file, demand-paged a page at a time. A page is always
// promoted straight to read/write on first fault, matching the original's
// choice to defer dirty-page tracking to the OS rather than carry a
// separate read-only stage.
type Region struct {
	*pagetable.Node

	mu        sync.Mutex
	mem       []byte
	pagesize  uintptr
	pageState []pageState
	pending   []chan struct{}

	backend aio.Backend
	fd      int
	fileOff int64

	// onEvict is an unused writeback extension point, kept for parity
	// with the original's empty S_flush1 hook. Nothing calls it because
	// this runtime defines no eviction policy.
	onEvict func(pageIndex int, data []byte) error
}

// SetOnEvict installs a callback considered by a future eviction policy.
// The runtime ships with none, so this is currently inert.
func (r *Region) SetOnEvict(fn func(pageIndex int, data []byte) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// Bytes exposes the region's backing memory. A page that has not been
// faulted in via Touch is still mapped PROT_NONE, so reading or writing it
// through this slice faults; callers are expected to always go through
// Touch first.
func (r *Region) Bytes() []byte { return r.mem }

// PageCounts reports the total number of pages in the region and how many
// are currently resident, for monitoring tools.
func (r *Region) PageCounts() (total, resident int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total = len(r.pageState)
	for _, s := range r.pageState {
		if s == pageResident {
			resident++
		}
	}
	return total, resident
}

func (r *Region) pageIndex(addr uintptr) (int, error) {
	if !r.Contains(addr) {
		return 0, fmt.Errorf("vma: address %#x outside region [%#x, %#x)", addr, r.Base, r.Base+r.Size)
	}
	aligned := align.Down(addr, r.pagesize)
	return int((aligned - r.Base) / r.pagesize), nil
}

// Resident reports whether the read for addr's containing page has
// completed, without starting any I/O. A page whose read is still in
// flight is already mapped read/write but is not yet resident.
func (r *Region) Resident(addr uintptr) bool {
	idx, err := r.pageIndex(addr)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pageState[idx] == pageResident
}

// FaultPage begins resolving a fault at addr, or joins an already in-flight
// one for the same page. It returns a channel closed once the page is
// resident. forWrite exists for ABI parity with the original's read/write
// distinction; both promote identically here, per the no-second-stage
// dirty tracking decision.
func (r *Region) FaultPage(addr uintptr, forWrite bool) (<-chan struct{}, error) {
	_ = forWrite

	idx, err := r.pageIndex(addr)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	switch r.pageState[idx] {
	case pageResident:
		ch := make(chan struct{})
		close(ch)
		r.mu.Unlock()
		return ch, nil
	case pagePending:
		ch := r.pending[idx]
		r.mu.Unlock()
		return ch, nil
	}

	ch := make(chan struct{})
	r.pending[idx] = ch
	r.pageState[idx] = pagePending

	pageStart := uintptr(idx) * r.pagesize
	page := r.mem[pageStart : pageStart+r.pagesize]

	// The page must be writable before it is named as a read destination:
	// posting a read against a still-PROT_NONE page makes the backend's
	// pread (or, for the userfaultfd backend, the kernel's own fault
	// resolution) fault trying to write into it. Promoting protection
	// here, not after the read completes, is what actually lets the read
	// land; a page nothing has touched yet stays PROT_NONE, which is what
	// catches a kernel that reads r.Bytes() without calling Touch first.
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		r.pageState[idx] = pageUnmapped
		r.pending[idx] = nil
		r.mu.Unlock()
		return nil, fmt.Errorf("vma: mprotect page %d: %w", idx, err)
	}

	off := r.fileOff + int64(pageStart)
	req := &aio.Request{DestAddr: r.Base + pageStart}

	if err := r.backend.Read(r.fd, page, off, req); err != nil {
		r.pageState[idx] = pageUnmapped
		r.pending[idx] = nil
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	go r.settle(idx, page, req, ch)

	return ch, nil
}

// settle waits for a posted read to complete and promotes the page to
// resident. A short read or backend error is fatal, mirroring the
// original's assert((ssize_t)ps == retval).
func (r *Region) settle(idx int, page []byte, req *aio.Request, ch chan struct{}) {
	n, err := r.backend.Return(req)
	if err != nil {
		log.WithFields(logrus.Fields{"page": idx, "region": r.Base}).WithError(err).Error("async read failed")
		panic(fmt.Errorf("vma: async read for page %d failed: %w", idx, err))
	}
	if n != len(page) {
		log.WithFields(logrus.Fields{"page": idx, "region": r.Base, "n": n}).Error("short read")
		panic(fmt.Errorf("vma: short read for page %d: got %d want %d bytes", idx, n, len(page)))
	}

	r.mu.Lock()
	r.pageState[idx] = pageResident
	r.mu.Unlock()

	close(ch)
}
