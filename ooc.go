// Package ooc ties the async-I/O façade, the fiber scheduler, and VMA
// registration into a single handle a host program constructs once per
// OS thread it intends to drive out-of-core work from.
package ooc

import (
	"fmt"
	"sync"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/sirupsen/logrus"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/jiverson002/ooc/config"
	"github.com/jiverson002/ooc/internal/aio"
	"github.com/jiverson002/ooc/internal/fiber"
	"github.com/jiverson002/ooc/vma"
)

// Kernel is one unit of out-of-core work, handed its own fiber's Context
// explicitly since nothing in Go recovers "the currently faulting fiber"
// the way the original recovers it from thread-local state inside a
// signal handler.
type Kernel = fiber.Kernel

// FiberContext is the handle a Kernel uses to touch memory that may not
// be resident yet.
type FiberContext = fiber.Context

// Config holds every runtime tunable; see package config for how it is
// loaded and defaulted.
type Config = config.Config

// ambientTuning applies process-wide GOMAXPROCS/GOMEMLIMIT adjustment at
// most once per process, regardless of how many Runtimes are created.
var ambientTuning sync.Once

// Runtime is one scheduler plus the page table and async-I/O backend it
// shares across every fiber it owns. A Runtime must be used from a single
// goroutine locked to its OS thread for its entire lifetime, mirroring
// the original's thread-local scheduler state.
type Runtime struct {
	log     *logrus.Logger
	cfg     Config
	sched   *fiber.Scheduler
	table   *vma.Table
	backend aio.Backend
}

// New constructs a Runtime: it selects and sets up the configured
// async-I/O backend, builds the fiber scheduler and page table, and
// applies process-wide ambient tuning exactly once per process.
func New(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logrus.StandardLogger()

	ambientTuning.Do(func() {
		if _, err := maxprocs.Set(maxprocs.Logger(log.Infof)); err != nil {
			log.WithError(err).Warn("ooc: automaxprocs: GOMAXPROCS left unchanged")
		}
		if _, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(0.9),
			memlimit.WithProvider(memlimit.FromCgroup),
		); err != nil {
			log.WithError(err).Warn("ooc: automemlimit: GOMEMLIMIT left unchanged")
		}
	})

	vma.SetLogger(log)
	fiber.SetLogger(log)

	backend, err := aio.New(aio.Kind(cfg.AIOBackend))
	if err != nil {
		return nil, fmt.Errorf("ooc: selecting aio backend %q: %w", cfg.AIOBackend, err)
	}
	if err := backend.Setup(cfg.NumFibers); err != nil {
		return nil, fmt.Errorf("ooc: aio backend setup: %w", err)
	}

	sched, err := fiber.New(fiber.Config{
		NumFibers:        cfg.NumFibers,
		MaxInflightReads: cfg.MaxInflightReads,
	})
	if err != nil {
		_ = backend.Destroy()
		return nil, fmt.Errorf("ooc: %w", err)
	}

	table, err := vma.NewTable(cfg.PageSize, cfg.BlockSize, cfg.UndesBinNum)
	if err != nil {
		_ = backend.Destroy()
		return nil, fmt.Errorf("ooc: %w", err)
	}

	fiber.LockOSThread()

	return &Runtime{
		log:     log,
		cfg:     cfg,
		sched:   sched,
		table:   table,
		backend: backend,
	}, nil
}

// Schedule picks a fiber and runs kernel(fc, i, args) on it, suspending
// and resuming fibers across page faults as needed. It returns once a
// fiber slot has accepted the work, not once the kernel has finished;
// call Wait to drain outstanding work.
func (rt *Runtime) Schedule(kernel Kernel, i uint64, args any) {
	rt.sched.Schedule(kernel, i, args)
}

// Wait blocks until every fiber dispatched since the last Wait has
// completed its kernel.
func (rt *Runtime) Wait() {
	rt.sched.Wait()
}

// Finalize tears down the scheduler's fiber goroutines and the async-I/O
// backend. It must be called on every thread that called Schedule;
// omission leaks fiber goroutines. It fails if fibers are still
// outstanding, matching the original's finalize() contract.
func (rt *Runtime) Finalize() error {
	if err := rt.sched.Finalize(); err != nil {
		return err
	}
	return rt.backend.Destroy()
}

// Alloc reserves pages pages of demand-paged memory backed by fd at
// fileOff, and registers the resulting region in the runtime's page
// table. The mapping starts entirely unresident; a Kernel brings pages
// in one at a time via FiberContext.Touch.
func (rt *Runtime) Alloc(pages int, fd int, fileOff int64) (*vma.Region, error) {
	return rt.table.Alloc(rt.backend, pages, fd, fileOff)
}

// Free releases a region allocated by Alloc. Callers must ensure no
// fiber is mid-fault against r.
func (rt *Runtime) Free(r *vma.Region) error {
	return rt.table.Free(r)
}

// Stats is a snapshot of scheduler and page-table occupancy, for tools
// like cmd/ooctop. Runtime.Stats may be called from a goroutine other
// than the Runtime's owner while Schedule runs: fiber counts are read
// atomically and page counts under the table's locks, each separately, so
// the fields are not read as one atomic snapshot.
type Stats struct {
	Fiber fiber.Stats
	Page  vma.Stats
}

// Stats reports the runtime's current fiber and page-table occupancy.
func (rt *Runtime) Stats() Stats {
	return Stats{Fiber: rt.sched.Stats(), Page: rt.table.Stats()}
}

// Lookup finds the region containing addr, if any, and holds its
// page-table node lock until the returned unlock function is called. Free
// does not take that lock, so holding it does not keep the region from
// being freed.
func (rt *Runtime) Lookup(addr uintptr) (*vma.Region, func(), error) {
	return rt.table.Lookup(addr)
}
