// Package fiber implements the cooperative execution context the original
// design built from a ucontext_t stack and a SIGSEGV handler. Go offers
// neither safely: a goroutine's machine context cannot be handed back to
// user code without cgo, and the Go runtime owns SIGSEGV for its own use.
// A Fiber here is instead a dedicated goroutine that blocks on a channel
// whenever it would have trapped, and the Scheduler resumes it the same
// way the original's swapcontext did: one side runs while the other
// blocks, strictly alternating.
package fiber

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/jiverson002/ooc/vma"
)

// log receives diagnostics for conditions this package treats as fatal.
// SetLogger lets the owning Runtime inject its configured logger.
var log = logrus.StandardLogger()

// SetLogger installs the logger used for fatal-error diagnostics.
func SetLogger(l *logrus.Logger) { log = l }

// Kernel is one unit of out-of-core work. It receives its own fiber's
// Context explicitly, since Go has no portable way to recover which fiber
// is currently executing from inside a fault the way the original recovers
// S_me from thread-local state inside its signal handler.
type Kernel func(fc *Context, i uint64, args any)

type sigKind int

const (
	sigDone sigKind = iota
	sigWaiting
)

type signal struct {
	kind sigKind
	done <-chan struct{}
}

type dispatchCmd struct {
	kernel Kernel
	i      uint64
	args   any
}

// Context is the handle a Kernel uses to touch memory that may not be
// resident. It is the explicit stand-in for the page fault the original
// intercepted implicitly.
type Context struct {
	id       int
	sigCh    chan signal
	resumeCh chan struct{}

	// reads caps concurrently in-flight page-in requests across the
	// whole scheduler, independent of how many fibers are currently
	// running, so a scheduler can be configured to issue fewer
	// simultaneous disk reads than it has fibers.
	reads *semaphore.Weighted
}

// ID returns the fiber's slot index, stable for the scheduler's lifetime.
func (fc *Context) ID() int { return fc.id }

// Touch blocks the calling fiber until the page containing addr in r is
// resident, posting an asynchronous read first if necessary. It returns
// once protection on that page would have been promoted to read/write in
// the original design — there is no separate read-only stage, matching the
// decision to defer dirty-bit tracking to the OS.
func (fc *Context) Touch(r *vma.Region, addr uintptr, forWrite bool) {
	if r.Resident(addr) {
		return
	}

	if err := fc.reads.Acquire(context.Background(), 1); err != nil {
		log.WithField("fiber", fc.id).WithError(err).Error("semaphore acquire failed")
		panic(err)
	}

	done, err := r.FaultPage(addr, forWrite)
	if err != nil {
		fc.reads.Release(1)
		log.WithField("fiber", fc.id).WithError(err).Error("FaultPage failed")
		panic(err)
	}

	released := make(chan struct{})
	go func() {
		<-done
		fc.reads.Release(1)
		close(released)
	}()

	fc.sigCh <- signal{kind: sigWaiting, done: released}
	<-fc.resumeCh
}
