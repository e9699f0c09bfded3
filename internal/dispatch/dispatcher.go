// Package dispatch is the event-dispatch core: it decides, for every
// instrumented instruction and lifecycle event, whether analysis is active,
// routes the event to the analysis script under the shared context lock,
// and feeds the memory snapshot journal.
package dispatch

import (
	"os"
	"sync/atomic"

	"github.com/zboralski/tarsier/internal/analysis"
	"github.com/zboralski/tarsier/internal/host"
	"github.com/zboralski/tarsier/internal/insn"
	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/module"
	"github.com/zboralski/tarsier/internal/script"
	"github.com/zboralski/tarsier/internal/trigger"
)

// Hooks is the script-facing callback table the dispatcher drives. Every
// invocation happens while the dispatcher holds the analysis context lock.
// *script.Engine is the production implementation.
type Hooks interface {
	ApplyConfBeforeProcessing(d *insn.Descriptor)
	OnBeforeInstruction(rec *insn.Record)
	OnAfterInstruction(rec *insn.Record)
	OnImageLoad(path string, base, size uint64)
	OnThreadStart(threadID int)
	OnThreadExit(threadID int)
	OnSyscallEntry(threadID int, abi host.ABIKind)
	OnSyscallExit(threadID int, abi host.ABIKind)
	OnSignal(threadID, sig int) bool
	OnRoutine(threadID int, h script.Handle)
	OnFini()
	RoutineEntryHandles() map[string]script.Handle
	RoutineExitHandles() map[string]script.Handle
}

// Run states for the terminal signal transition.
const (
	stateRunning int32 = iota
	stateTerminating
	stateTerminated
)

// Dispatcher owns the trigger, the rule sets, and the analysis context, and
// installs itself into a host. One dispatcher serves one analyzed process.
type Dispatcher struct {
	trig    *trigger.Trigger
	rules   *trigger.Rules
	ctx     *analysis.Context
	modules *module.Registry
	hooks   Hooks
	host    host.Host

	state atomic.Int32

	// terminate ends the process after a fatal signal. Overridden in tests.
	terminate func(code int)
}

// New creates a dispatcher. The trigger starts active when no activation
// rule is configured (whole-run analysis) and inactive otherwise.
func New(rules *trigger.Rules, ctx *analysis.Context, hooks Hooks, h host.Host) *Dispatcher {
	return &Dispatcher{
		trig:      trigger.New(rules.StartsActive()),
		rules:     rules,
		ctx:       ctx,
		modules:   module.NewRegistry(),
		hooks:     hooks,
		host:      h,
		terminate: os.Exit,
	}
}

// Trigger exposes the gate for the installer and for tests.
func (d *Dispatcher) Trigger() *trigger.Trigger {
	return d.trig
}

// Context returns the shared analysis context.
func (d *Dispatcher) Context() *analysis.Context {
	return d.ctx
}

// Modules returns the module registry.
func (d *Dispatcher) Modules() *module.Registry {
	return d.modules
}

// running reports whether the run has not entered the terminal transition.
func (d *Dispatcher) running() bool {
	return d.state.Load() == stateRunning
}

// gated is the guard clause replicated at the top of every gated callback:
// no lock is acquired and no state is touched while the trigger is off or
// the run is terminating.
func (d *Dispatcher) gated() bool {
	return d.trig.Active() && d.running()
}

// onBefore runs before an instruction executes. This is the only place
// where execution continues past a locked gate with no state change at all.
func (d *Dispatcher) onBefore(desc *insn.Descriptor) host.Callback {
	return func(ev *host.Event) {
		if !d.gated() {
			return
		}
		d.ctx.Lock()
		defer d.ctx.Unlock()

		d.hooks.ApplyConfBeforeProcessing(desc)

		if ev.HasEA {
			desc.BindEffectiveAddress(ev.EA)
		}

		d.ctx.SetCurrentContext(analysis.NewContextHandle(ev.ThreadID, ev.Regs))

		rec := desc.Expand(ev.ThreadID)
		d.ctx.AddInstruction(rec)

		d.hooks.OnBeforeInstruction(rec)
	}
}

// onAfter runs after an instruction executes.
func (d *Dispatcher) onAfter(ev *host.Event) {
	if !d.gated() {
		return
	}
	d.ctx.Lock()
	defer d.ctx.Unlock()

	d.ctx.SetCurrentContext(analysis.NewContextHandle(ev.ThreadID, ev.Regs))

	rec := d.ctx.LastInstruction()
	if rec == nil {
		return
	}
	if ev.BranchTaken {
		rec.BranchTaken = true
		rec.BranchTarget = ev.BranchTarget
	}
	d.ctx.IncBranchesTaken(rec.IsBranch())

	d.hooks.OnAfterInstruction(rec)
}

// checkStopRules re-evaluates the deactivation rules immediately after the
// after-hook. Runs outside the lock: it only reads immutable rule sets and
// calls the idempotent trigger update.
func (d *Dispatcher) checkStopRules(addr uint64) host.Callback {
	return func(ev *host.Event) {
		if d.rules.ShouldStop(addr, d.modules) {
			d.trig.Update(false)
			if glog.L != nil {
				glog.L.TriggerFlip(false, addr)
			}
		}
	}
}

// onMemWrite journals pre-write byte values for the snapshot engine. Gated
// only by the trigger and the journal lock flag, independent of the
// instruction-processing path.
func (d *Dispatcher) onMemWrite(desc *insn.Descriptor) host.Callback {
	return func(ev *host.Event) {
		if !d.gated() {
			return
		}
		// Single-writer flag, mutated only by the script under the global
		// lock; the lock-free read here is the fast path for every store.
		if d.ctx.SnapshotLocked() {
			return
		}
		d.ctx.Lock()
		defer d.ctx.Unlock()

		size := ev.WriteSize
		if size == 0 {
			size = desc.WriteSize
		}
		orig, err := d.host.MemRead(ev.EA, uint64(size))
		if err != nil {
			return
		}
		j := d.ctx.Journal()
		for i, b := range orig {
			j.Record(ev.EA+uint64(i), b)
		}
	}
}
