package dispatch

import (
	"github.com/zboralski/tarsier/internal/host"
	"github.com/zboralski/tarsier/internal/insn"
	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/module"
	"github.com/zboralski/tarsier/internal/trigger"
)

// Install wires the dispatcher into the host: lifecycle callbacks, the
// intercepted signal set, and per-module instrumentation. Called once
// before the analyzed process runs.
func (d *Dispatcher) Install() {
	h := d.host

	h.OnModuleLoad(d.onModuleLoad)
	h.OnThreadStart(d.onThreadStart)
	h.OnThreadExit(d.onThreadExit)
	h.OnSyscallEntry(d.onSyscallEntry)
	h.OnSyscallExit(d.onSyscallExit)
	for _, sig := range host.FatalSignals {
		h.InterceptSignal(sig, d.onSignal)
	}
	h.OnFini(d.onFini)
}

// onModuleLoad records the module descriptor, fires the ungated image-load
// hook, inserts routine-level instrumentation, and walks the module's code
// to install the per-instruction pipeline.
func (d *Dispatcher) onModuleLoad(desc module.Descriptor, routines []module.Routine, walk func(host.CodeWalker)) {
	d.ctx.Lock()
	d.modules.Add(desc)
	for _, rt := range routines {
		d.modules.AddRoutine(rt)
	}
	if glog.L != nil {
		glog.L.ImageLoad(desc.Path, desc.Base, desc.Size)
	}
	d.hooks.OnImageLoad(desc.Path, desc.Base, desc.Size)
	d.ctx.Unlock()

	// Symbol-based activation gets a dedicated routine-entry insertion,
	// and analysis shuts off when the start routine returns.
	if d.rules.StartSymbol != "" {
		if rt, ok := d.modules.RoutineByName(d.rules.StartSymbol); ok {
			d.host.InsertCall(rt.Addr, host.PointRoutineEntry, d.toggle(true, rt.Addr))
			d.host.InsertCall(rt.Addr, host.PointRoutineExit, d.toggle(false, rt.Addr))
			if glog.L != nil {
				glog.L.Install("start-routine", rt.Name, rt.Addr)
			}
		}
	}

	// Routine hooks requested by the script. Names missing from this
	// module are silently skipped; no partial-install error is raised.
	for name, handle := range d.hooks.RoutineEntryHandles() {
		if rt, ok := d.modules.RoutineByName(name); ok {
			d.host.InsertCall(rt.Addr, host.PointRoutineEntry, d.onRoutine(handle))
			if glog.L != nil {
				glog.L.Install("routine-entry", name, rt.Addr)
			}
		}
	}
	for name, handle := range d.hooks.RoutineExitHandles() {
		if rt, ok := d.modules.RoutineByName(name); ok {
			d.host.InsertCall(rt.Addr, host.PointRoutineExit, d.onRoutine(handle))
			if glog.L != nil {
				glog.L.Install("routine-exit", name, rt.Addr)
			}
		}
	}

	walk(d.installInsn)
}

// toggle returns a callback applying a full trigger overwrite.
func (d *Dispatcher) toggle(active bool, addr uint64) host.Callback {
	return func(_ *host.Event) {
		d.trig.Update(active)
		if glog.L != nil {
			glog.L.TriggerFlip(active, addr)
		}
	}
}

// installInsn is the build phase for one instruction: decode it into a
// static descriptor and insert the run-phase callbacks. Every instruction
// is instrumented regardless of the trigger state at walk time; activation
// is decided at run time by the guard clause in each callback, so code
// located before an activation point in address order still produces
// records once the trigger flips on.
func (d *Dispatcher) installInsn(addr uint64, code []byte) {
	if d.rules.ShouldStart(addr, d.modules) {
		// The activation rule becomes a run-time toggle. It precedes the
		// before-hook at the same address: the entry instruction itself
		// produces the first record after activation.
		d.host.InsertCall(addr, host.PointBefore, d.toggle(true, addr))
	}

	desc := insn.Decode(addr, code)

	d.host.InsertCall(addr, host.PointBefore, d.onBefore(desc))

	// Syscall instructions get no after-callback; the syscall-exit event
	// carries the post-state instead.
	if !desc.IsSyscall {
		d.host.InsertCall(addr, host.PointAfter, d.onAfter)
		d.host.InsertCall(addr, host.PointAfter, d.checkStopRules(addr))
	}

	// The memory-write callback is only inserted for writing instructions,
	// so non-writing code pays nothing for the snapshot engine.
	if desc.WritesMemory {
		d.host.InsertCall(addr, host.PointMemWrite, d.onMemWrite(desc))
	}
}

// Rules exposes the rule sets for configuration merging before install.
func (d *Dispatcher) Rules() *trigger.Rules {
	return d.rules
}
