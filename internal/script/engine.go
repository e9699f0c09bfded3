// Package script embeds the JavaScript analysis engine. A user script
// registers hooks and trigger rules at load time through the global
// `tarsier` object; afterward the hook table is read-only and the
// dispatcher drives it under the analysis context lock.
package script

import (
	"fmt"
	"os"

	"github.com/dop251/goja"
	"github.com/zboralski/tarsier/internal/analysis"
	"github.com/zboralski/tarsier/internal/host"
	"github.com/zboralski/tarsier/internal/insn"
	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/trigger"
	"go.uber.org/zap"
)

// Handle is an opaque script callback. The router forwards it to the engine
// unchanged and never interprets it.
type Handle = goja.Value

// Engine owns the goja runtime, the hook table, and the script-configured
// trigger rules. All hook invocations are synchronous; the caller holds the
// analysis context lock for their duration.
type Engine struct {
	vm    *goja.Runtime
	ctx   *analysis.Context
	mem   host.Host
	rules *trigger.Rules

	beforeInsn   goja.Callable
	afterInsn    goja.Callable
	beforeProc   goja.Callable
	imageLoad    goja.Callable
	threadStart  goja.Callable
	threadExit   goja.Callable
	syscallEntry goja.Callable
	syscallExit  goja.Callable
	signal       goja.Callable
	fini         goja.Callable

	routineEntry map[string]Handle
	routineExit  map[string]Handle
}

// New creates an engine bound to the analysis context and host memory.
func New(ctx *analysis.Context, h host.Host) *Engine {
	e := &Engine{
		vm:           goja.New(),
		ctx:          ctx,
		mem:          h,
		rules:        trigger.NewRules(),
		routineEntry: make(map[string]Handle),
		routineExit:  make(map[string]Handle),
	}
	e.install()
	return e
}

// Rules returns the trigger rules the script configured. Frozen once Load
// returns.
func (e *Engine) Rules() *trigger.Rules {
	return e.rules
}

// Load reads and executes the analysis script. A missing script is a fatal
// configuration error; the caller aborts startup.
func (e *Engine) Load(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("analysis script %s: %w", path, err)
	}
	if _, err := e.vm.RunScript(path, string(src)); err != nil {
		return fmt.Errorf("run analysis script %s: %w", path, err)
	}
	return nil
}

// install builds the `tarsier` global the script programs against.
func (e *Engine) install() {
	vm := e.vm
	obj := vm.NewObject()

	// Trigger rule configuration, mirroring the classic pintool options.
	obj.Set("startAnalysisFromSymbol", func(name string) {
		e.rules.StartSymbol = name
	})
	obj.Set("startAnalysisFromAddr", func(addr uint64) {
		e.rules.StartAddrs[addr] = struct{}{}
	})
	obj.Set("startAnalysisFromOffset", func(off uint64) {
		e.rules.StartOffsets[off] = struct{}{}
	})
	obj.Set("stopAnalysisFromAddr", func(addr uint64) {
		e.rules.StopAddrs[addr] = struct{}{}
	})
	obj.Set("stopAnalysisFromOffset", func(off uint64) {
		e.rules.StopOffsets[off] = struct{}{}
	})

	// Hook registration. Each slot holds at most one callback; the last
	// registration wins, matching the overwrite semantics of the trigger.
	hookSlot := func(slot *goja.Callable) func(goja.Value) {
		return func(v goja.Value) {
			if fn, ok := goja.AssertFunction(v); ok {
				*slot = fn
			}
		}
	}
	obj.Set("onBeforeInstruction", hookSlot(&e.beforeInsn))
	obj.Set("onAfterInstruction", hookSlot(&e.afterInsn))
	obj.Set("onBeforeProcessing", hookSlot(&e.beforeProc))
	obj.Set("onImageLoad", hookSlot(&e.imageLoad))
	obj.Set("onThreadStart", hookSlot(&e.threadStart))
	obj.Set("onThreadExit", hookSlot(&e.threadExit))
	obj.Set("onSyscallEntry", hookSlot(&e.syscallEntry))
	obj.Set("onSyscallExit", hookSlot(&e.syscallExit))
	obj.Set("onSignal", hookSlot(&e.signal))
	obj.Set("onFini", hookSlot(&e.fini))

	obj.Set("onRoutineEntry", func(name string, v goja.Value) {
		e.routineEntry[name] = v
	})
	obj.Set("onRoutineExit", func(name string, v goja.Value) {
		e.routineExit[name] = v
	})

	// Snapshot control. The flag writes go through the context so readers
	// and writers agree on the same discipline.
	obj.Set("takeSnapshot", func() {
		e.ctx.Journal().Clear()
		e.ctx.SetSnapshotLocked(false)
	})
	obj.Set("disableSnapshot", func() {
		e.ctx.SetSnapshotLocked(true)
		e.ctx.Journal().Clear()
	})
	obj.Set("isSnapshotEnabled", func() bool {
		return !e.ctx.SnapshotLocked()
	})
	obj.Set("restoreSnapshot", func() {
		if e.mem == nil {
			return
		}
		if err := e.ctx.Journal().Restore(e.mem); err != nil && glog.L != nil {
			glog.L.Error("snapshot restore", zap.Error(err))
		}
	})

	obj.Set("readMem", func(addr, size uint64) goja.Value {
		if e.mem == nil {
			return goja.Null()
		}
		data, err := e.mem.MemRead(addr, size)
		if err != nil {
			return goja.Null()
		}
		return vm.ToValue(data)
	})

	obj.Set("log", func(msg string) {
		if glog.L != nil {
			glog.L.Info("script", zap.String("msg", msg))
		}
	})

	vm.Set("tarsier", obj)
}

// recordValue converts an instruction record into the object shape scripts
// see.
func (e *Engine) recordValue(rec *insn.Record) goja.Value {
	obj := e.vm.NewObject()
	obj.Set("threadId", rec.ThreadID)
	obj.Set("address", rec.Address)
	obj.Set("nextAddress", rec.NextAddress)
	obj.Set("opcode", rec.Opcode)
	obj.Set("category", string(rec.Category))
	obj.Set("operands", rec.Operands)
	obj.Set("text", rec.Text)
	obj.Set("isBranch", rec.IsBranch())
	obj.Set("branchTaken", rec.BranchTaken)
	obj.Set("branchTarget", rec.BranchTarget)
	return obj
}

// call invokes one hook, logging script errors without unwinding the
// dispatcher.
func (e *Engine) call(fn goja.Callable, name string, args ...goja.Value) goja.Value {
	if fn == nil {
		return nil
	}
	v, err := fn(goja.Undefined(), args...)
	if err != nil && glog.L != nil {
		glog.L.Error("script hook", zap.String("hook", name), zap.Error(err))
	}
	return v
}

// OnBeforeInstruction fires the before-instruction hook with the record.
// The record's branch facts are not yet known here; they are populated on
// the same record before the after-instruction hook runs.
func (e *Engine) OnBeforeInstruction(rec *insn.Record) {
	e.call(e.beforeInsn, "onBeforeInstruction", e.recordValue(rec))
}

// OnAfterInstruction fires the after-instruction hook with the record.
func (e *Engine) OnAfterInstruction(rec *insn.Record) {
	e.call(e.afterInsn, "onAfterInstruction", e.recordValue(rec))
}

// ApplyConfBeforeProcessing lets the script adjust state immediately before
// an instruction is processed (argument-passing setup and the like).
func (e *Engine) ApplyConfBeforeProcessing(d *insn.Descriptor) {
	if e.beforeProc == nil {
		return
	}
	obj := e.vm.NewObject()
	obj.Set("address", d.Addr)
	obj.Set("opcode", d.Opcode)
	obj.Set("writesMemory", d.WritesMemory)
	e.call(e.beforeProc, "onBeforeProcessing", obj)
}

// OnImageLoad fires the image-load hook. Called even while analysis is
// inactive.
func (e *Engine) OnImageLoad(path string, base, size uint64) {
	e.call(e.imageLoad, "onImageLoad",
		e.vm.ToValue(path), e.vm.ToValue(base), e.vm.ToValue(size))
}

// OnThreadStart fires the thread-start hook.
func (e *Engine) OnThreadStart(threadID int) {
	e.call(e.threadStart, "onThreadStart", e.vm.ToValue(threadID))
}

// OnThreadExit fires the thread-exit hook.
func (e *Engine) OnThreadExit(threadID int) {
	e.call(e.threadExit, "onThreadExit", e.vm.ToValue(threadID))
}

// OnSyscallEntry fires the syscall-entry hook.
func (e *Engine) OnSyscallEntry(threadID int, abi host.ABIKind) {
	e.call(e.syscallEntry, "onSyscallEntry", e.vm.ToValue(threadID), e.vm.ToValue(int(abi)))
}

// OnSyscallExit fires the syscall-exit hook.
func (e *Engine) OnSyscallExit(threadID int, abi host.ABIKind) {
	e.call(e.syscallExit, "onSyscallExit", e.vm.ToValue(threadID), e.vm.ToValue(int(abi)))
}

// OnSignal fires the signal hook and reports whether the script requested
// continuation (a truthy return value after restoring a snapshot).
func (e *Engine) OnSignal(threadID, sig int) bool {
	v := e.call(e.signal, "onSignal", e.vm.ToValue(threadID), e.vm.ToValue(sig))
	return v != nil && v.ToBoolean()
}

// OnRoutine fires a routine entry or exit callback handle. Entry and exit
// share one invocation path; only the handle differs.
func (e *Engine) OnRoutine(threadID int, h Handle) {
	if h == nil {
		return
	}
	if fn, ok := goja.AssertFunction(h); ok {
		if _, err := fn(goja.Undefined(), e.vm.ToValue(threadID)); err != nil && glog.L != nil {
			glog.L.Error("script hook", zap.String("hook", "routine"), zap.Error(err))
		}
	}
}

// OnFini fires the end-of-run hook.
func (e *Engine) OnFini() {
	e.call(e.fini, "onFini")
}

// RoutineEntryHandles returns the routine-entry hook table.
func (e *Engine) RoutineEntryHandles() map[string]Handle {
	return e.routineEntry
}

// RoutineExitHandles returns the routine-exit hook table.
func (e *Engine) RoutineExitHandles() map[string]Handle {
	return e.routineExit
}
