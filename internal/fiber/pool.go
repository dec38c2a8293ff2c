package fiber

import "golang.org/x/sync/semaphore"

// fiberSlot pairs a dedicated goroutine (the stand-in for a ucontext_t stack)
// with the Context a Kernel running on it uses to touch memory. Exactly
// one of {the fiber's goroutine, its caller} runs at a time: dispatchCh and
// resumeCh are unbuffered, so sends block until the other side is ready to
// receive, the same strict alternation swapcontext gave the original.
type fiberSlot struct {
	id         int
	ctx        *Context
	dispatchCh chan dispatchCmd
	waitDone   <-chan struct{}
}

func newFiberSlot(id int, reads *semaphore.Weighted) *fiberSlot {
	f := &fiberSlot{
		id: id,
		ctx: &Context{
			id:       id,
			sigCh:    make(chan signal),
			resumeCh: make(chan struct{}),
			reads:    reads,
		},
		dispatchCh: make(chan dispatchCmd),
	}
	go f.loop()
	return f
}

func (f *fiberSlot) loop() {
	for cmd, ok := <-f.dispatchCh; ok; cmd, ok = <-f.dispatchCh {
		cmd.kernel(f.ctx, cmd.i, cmd.args)
		f.ctx.sigCh <- signal{kind: sigDone}
	}
}

// dispatch hands the fiber a brand-new iteration to run, equivalent to
// swapcontext(&S_main, &S_kern[idle]).
func (f *fiberSlot) dispatch(k Kernel, i uint64, args any) signal {
	f.dispatchCh <- dispatchCmd{kernel: k, i: i, args: args}
	return <-f.ctx.sigCh
}

// resume wakes a fiber parked in Touch, equivalent to
// swapcontext(&S_main, &S_handler[wait]).
func (f *fiberSlot) resume() signal {
	f.ctx.resumeCh <- struct{}{}
	return <-f.ctx.sigCh
}

func (f *fiberSlot) shutdown() {
	close(f.dispatchCh)
}

// runnable reports whether the page this fiber is blocked on has become
// resident, without blocking.
func (f *fiberSlot) runnable() bool {
	select {
	case <-f.waitDone:
		return true
	default:
		return false
	}
}
