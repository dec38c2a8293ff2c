package fiber

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Config sizes a Scheduler.
type Config struct {
	// NumFibers bounds concurrently outstanding iterations, the Go
	// counterpart of OOC_NUM_FIBERS.
	NumFibers int
	// MaxInflightReads caps concurrently outstanding page-in requests
	// across all of this scheduler's fibers. Zero defaults to NumFibers.
	MaxInflightReads int
}

// Scheduler is the out-of-core fiber scheduler for one OS thread. Like the
// original's entirely __thread-local state, a Scheduler must not be shared
// across goroutines without external synchronization. New itself neither
// locks nor checks the creating goroutine's OS thread; ooc.New calls
// LockOSThread on the goroutine that builds the Runtime.
type Scheduler struct {
	fibers []*fiberSlot
	idle   []*fiberSlot
	wait   []*fiberSlot

	// idleCount/waitCount mirror len(idle)/len(wait) through every push/pop,
	// and total is fixed once at New, all so Stats can be read race-free
	// from a monitoring goroutine without taking a lock on the scheduler's
	// single-owner-thread state. total can't just be len(s.fibers): that
	// slice header is itself overwritten (to nil) by Finalize on the owner
	// goroutine, which would otherwise race with a concurrent Stats read.
	idleCount, waitCount, total atomic.Int32
}

// New constructs a Scheduler with cfg.NumFibers fibers, all initially idle.
func New(cfg Config) (*Scheduler, error) {
	if cfg.NumFibers <= 0 {
		return nil, fmt.Errorf("fiber: NumFibers must be > 0, got %d", cfg.NumFibers)
	}
	maxReads := cfg.MaxInflightReads
	if maxReads <= 0 {
		maxReads = cfg.NumFibers
	}

	reads := semaphore.NewWeighted(int64(maxReads))
	s := &Scheduler{}
	for i := 0; i < cfg.NumFibers; i++ {
		f := newFiberSlot(i, reads)
		s.fibers = append(s.fibers, f)
		s.idle = append(s.idle, f)
	}
	s.idleCount.Store(int32(len(s.idle)))
	s.total.Store(int32(cfg.NumFibers))
	return s, nil
}

func (s *Scheduler) popIdle() *fiberSlot {
	n := len(s.idle)
	f := s.idle[n-1]
	s.idle = s.idle[:n-1]
	s.idleCount.Add(-1)
	return f
}

func (s *Scheduler) pushIdle(f *fiberSlot) {
	s.idle = append(s.idle, f)
	s.idleCount.Add(1)
}

func (s *Scheduler) pushWait(f *fiberSlot, done <-chan struct{}) {
	f.waitDone = done
	s.wait = append(s.wait, f)
	s.waitCount.Add(1)
}

// popRunnableWait scans the wait list for a fiber whose awaited page has
// become resident, removing and returning it (swap-with-last, same as the
// original's S_wait_list maintenance).
func (s *Scheduler) popRunnableWait() (*fiberSlot, bool) {
	for j, f := range s.wait {
		if f.runnable() {
			n := len(s.wait)
			s.wait[j] = s.wait[n-1]
			s.wait = s.wait[:n-1]
			s.waitCount.Add(-1)
			return f, true
		}
	}
	return nil, false
}

// settle records the outcome of having just run or resumed a fiber.
func (s *Scheduler) settle(f *fiberSlot, sig signal) {
	switch sig.kind {
	case sigDone:
		s.pushIdle(f)
	case sigWaiting:
		s.pushWait(f, sig.done)
	}
}

// blockUntilRunnable waits for any wait-listed fiber's page to arrive, the
// Go counterpart of aio_suspend() when no idle or already-runnable fiber
// exists.
func (s *Scheduler) blockUntilRunnable() {
	winner := make(chan struct{}, 1)
	for _, f := range s.wait {
		go func(done <-chan struct{}) {
			<-done
			select {
			case winner <- struct{}{}:
			default:
			}
		}(f.waitDone)
	}
	<-winner
}

// Schedule assigns iteration i to a fiber, blocking until one is available.
// While searching, it opportunistically resumes any wait-listed fiber that
// has become runnable, since doing so may free a fiber for the new
// iteration without ever touching async I/O. It returns once i has been
// assigned to some fiber, not once that fiber has finished.
func (s *Scheduler) Schedule(kernel Kernel, i uint64, args any) {
	for {
		if len(s.idle) > 0 {
			f := s.popIdle()
			s.settle(f, f.dispatch(kernel, i, args))
			return
		}

		if f, ok := s.popRunnableWait(); ok {
			s.settle(f, f.resume())
			continue
		}

		s.blockUntilRunnable()
	}
}

// Wait drains every outstanding fiber, the counterpart of ooc_wait.
func (s *Scheduler) Wait() {
	for len(s.wait) > 0 {
		if f, ok := s.popRunnableWait(); ok {
			s.settle(f, f.resume())
			continue
		}
		s.blockUntilRunnable()
	}
}

// Finalize tears down the scheduler's fiber goroutines. It is an error to
// call Finalize while fibers remain outstanding; call Wait first.
func (s *Scheduler) Finalize() error {
	if len(s.wait) != 0 {
		return fmt.Errorf("fiber: Finalize called with %d fibers still outstanding", len(s.wait))
	}
	for _, f := range s.fibers {
		f.shutdown()
	}
	s.fibers, s.idle = nil, nil
	return nil
}

// Stats is a snapshot of fiber-pool occupancy for monitoring tools.
type Stats struct {
	Total, Idle, Waiting int
}

// Stats reports how many fibers are idle, waiting on a page-in, or
// neither (running). Unlike every other Scheduler method, it is safe to
// call from a goroutine other than the scheduler's owner, so a monitoring
// tool can poll it while Schedule runs elsewhere.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Total:   int(s.total.Load()),
		Idle:    int(s.idleCount.Load()),
		Waiting: int(s.waitCount.Load()),
	}
}

// LockOSThread documents and enforces the original's __thread storage
// discipline: a Scheduler's state is only ever touched by the goroutine
// that created it, so that goroutine must not migrate OS threads mid-use.
func LockOSThread() {
	runtime.LockOSThread()
}
