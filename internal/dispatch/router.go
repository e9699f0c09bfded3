package dispatch

import (
	"github.com/zboralski/tarsier/internal/analysis"
	"github.com/zboralski/tarsier/internal/host"
	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/script"
)

// Lifecycle event routing. Every gated callback follows the same shape:
// check the trigger, acquire the lock, refresh the current context handle,
// invoke the matching script hook, release the lock. Image-load is the one
// ungated event; offset resolution depends on its module descriptors even
// while analysis is off.

func (d *Dispatcher) onThreadStart(ev *host.Event) {
	if !d.gated() {
		return
	}
	d.ctx.Lock()
	defer d.ctx.Unlock()
	d.ctx.SetCurrentContext(analysis.NewContextHandle(ev.ThreadID, ev.Regs))
	d.hooks.OnThreadStart(ev.ThreadID)
}

func (d *Dispatcher) onThreadExit(ev *host.Event) {
	if !d.gated() {
		return
	}
	d.ctx.Lock()
	defer d.ctx.Unlock()
	d.ctx.SetCurrentContext(analysis.NewContextHandle(ev.ThreadID, ev.Regs))
	d.hooks.OnThreadExit(ev.ThreadID)
}

func (d *Dispatcher) onSyscallEntry(ev *host.Event) {
	if !d.gated() {
		return
	}
	d.ctx.Lock()
	defer d.ctx.Unlock()
	d.ctx.SetCurrentContext(analysis.NewContextHandle(ev.ThreadID, ev.Regs))
	d.hooks.OnSyscallEntry(ev.ThreadID, ev.ABI)
}

func (d *Dispatcher) onSyscallExit(ev *host.Event) {
	if !d.gated() {
		return
	}
	d.ctx.Lock()
	defer d.ctx.Unlock()
	d.ctx.SetCurrentContext(analysis.NewContextHandle(ev.ThreadID, ev.Regs))
	d.hooks.OnSyscallExit(ev.ThreadID, ev.ABI)
}

// onRoutine forwards a routine entry or exit callback handle to the script.
// Entry and exit share this handler; only the handle differs.
func (d *Dispatcher) onRoutine(h script.Handle) host.Callback {
	return func(ev *host.Event) {
		if !d.gated() {
			return
		}
		d.ctx.Lock()
		defer d.ctx.Unlock()
		d.ctx.SetCurrentContext(analysis.NewContextHandle(ev.ThreadID, ev.Regs))
		d.hooks.OnRoutine(ev.ThreadID, h)
	}
}

// onSignal handles an intercepted fatal signal. The script hook runs once
// under the lock; if it returns truthy after restoring a snapshot the run
// transitions back to Running, otherwise the process terminates with the
// lock still owned by the terminating thread (process exit makes release
// moot, and an unlock-then-exit race is not tolerable).
func (d *Dispatcher) onSignal(ev *host.Event) {
	if !d.gated() {
		return
	}
	d.state.Store(stateTerminating)

	d.ctx.Lock()
	d.ctx.SetCurrentContext(analysis.NewContextHandle(ev.ThreadID, ev.Regs))
	if glog.L != nil {
		glog.L.Signal(ev.ThreadID, ev.Signal)
	}

	if d.hooks.OnSignal(ev.ThreadID, ev.Signal) {
		// The script rolled back and asked to continue.
		d.state.Store(stateRunning)
		d.ctx.Unlock()
		return
	}

	d.state.Store(stateTerminated)
	d.terminate(0)
	// Reached only when terminate is overridden (tests); the real path
	// never returns.
	d.ctx.Unlock()
}

// onFini fires the end-of-run hook. Ungated: the script always sees the end
// of execution.
func (d *Dispatcher) onFini(code int) {
	d.hooks.OnFini()
}
