// Package uchost backs the host interface with Unicorn Engine ARM64
// emulation. Instrumentation points map onto Unicorn hooks: a code hook
// drives the before/after pipeline and routine boundaries, a memory hook
// feeds write events, and the interrupt hook surfaces SVC syscalls.
package uchost

import (
	"fmt"
	"os"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"github.com/zboralski/tarsier/internal/host"
	glog "github.com/zboralski/tarsier/internal/log"
	"github.com/zboralski/tarsier/internal/module"
)

// Memory layout constants
const (
	LoadBase  = 0x40000000 // relocation base for position-independent images
	StackBase = 0x80000000
	StackSize = 0x00100000
	HeapBase  = 0x90000000
	HeapSize  = 0x01000000
)

// AArch64 Linux syscall numbers the backend models.
const (
	sysWrite     = 64
	sysExit      = 93
	sysExitGroup = 94
)

// pendingAfter defers the after-point of one instruction until the next
// code-hook invocation, when the post-execution PC is known.
type pendingAfter struct {
	active bool
	addr   uint64
	next   uint64 // static fallthrough
}

// routineFrame tracks one live routine invocation so the exit point can
// fire when execution returns past it.
type routineFrame struct {
	addr   uint64 // routine entry address
	retPC  uint64 // captured LR at entry
}

// Backend is the Unicorn-backed instrumentation engine.
type Backend struct {
	mu uc.Unicorn

	calls   map[uint64]map[host.Point][]host.Callback
	signals map[int][]host.Callback

	moduleLoad func(module.Descriptor, []module.Routine, func(host.CodeWalker))

	threadStart  []host.Callback
	threadExit   []host.Callback
	syscallEntry []host.Callback
	syscallExit  []host.Callback
	finiFns      []func(int)

	pending pendingAfter
	frames  []routineFrame

	entry    uint64
	exitCode int
	stopped  bool
}

// New creates an ARM64 backend with the stack mapped and SP initialized.
func New() (*Backend, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	b := &Backend{
		mu:      mu,
		calls:   make(map[uint64]map[host.Point][]host.Callback),
		signals: make(map[int][]host.Callback),
	}

	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
	}
	for _, r := range regions {
		if err := mu.MemMap(r.base, r.size); err != nil {
			mu.Close()
			return nil, fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	sp := uint64(StackBase + StackSize - 0x1000)
	if err := mu.RegWrite(uc.ARM64_REG_SP, sp); err != nil {
		mu.Close()
		return nil, fmt.Errorf("set SP: %w", err)
	}

	if err := b.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return b, nil
}

// Close releases the emulator.
func (b *Backend) Close() error {
	return b.mu.Close()
}

// InsertCall implements host.Host.
func (b *Backend) InsertCall(addr uint64, point host.Point, fn host.Callback) {
	byPoint, ok := b.calls[addr]
	if !ok {
		byPoint = make(map[host.Point][]host.Callback)
		b.calls[addr] = byPoint
	}
	byPoint[point] = append(byPoint[point], fn)
}

// OnModuleLoad implements host.Host.
func (b *Backend) OnModuleLoad(fn func(module.Descriptor, []module.Routine, func(host.CodeWalker))) {
	b.moduleLoad = fn
}

// OnThreadStart implements host.Host.
func (b *Backend) OnThreadStart(fn host.Callback) { b.threadStart = append(b.threadStart, fn) }

// OnThreadExit implements host.Host.
func (b *Backend) OnThreadExit(fn host.Callback) { b.threadExit = append(b.threadExit, fn) }

// OnSyscallEntry implements host.Host.
func (b *Backend) OnSyscallEntry(fn host.Callback) { b.syscallEntry = append(b.syscallEntry, fn) }

// OnSyscallExit implements host.Host.
func (b *Backend) OnSyscallExit(fn host.Callback) { b.syscallExit = append(b.syscallExit, fn) }

// InterceptSignal implements host.Host.
func (b *Backend) InterceptSignal(sig int, fn host.Callback) {
	b.signals[sig] = append(b.signals[sig], fn)
}

// OnFini implements host.Host.
func (b *Backend) OnFini(fn func(int)) { b.finiFns = append(b.finiFns, fn) }

// MemRead implements host.Host.
func (b *Backend) MemRead(addr, size uint64) ([]byte, error) {
	return b.mu.MemRead(addr, size)
}

// MemWrite implements host.Host.
func (b *Backend) MemWrite(addr uint64, data []byte) error {
	return b.mu.MemWrite(addr, data)
}

// regState snapshots the guest register file.
func (b *Backend) regState() host.RegState {
	var rs host.RegState
	rs.PC, _ = b.mu.RegRead(uc.ARM64_REG_PC)
	rs.SP, _ = b.mu.RegRead(uc.ARM64_REG_SP)
	rs.LR, _ = b.mu.RegRead(uc.ARM64_REG_LR)
	for i := 0; i < 31; i++ {
		rs.X[i], _ = b.mu.RegRead(uc.ARM64_REG_X0 + i)
	}
	return rs
}

func (b *Backend) event() *host.Event {
	return &host.Event{ThreadID: 0, Regs: b.regState()}
}

func (b *Backend) fire(addr uint64, point host.Point, ev *host.Event) {
	byPoint, ok := b.calls[addr]
	if !ok {
		return
	}
	for _, fn := range byPoint[point] {
		fn(ev)
	}
}

// setupHooks installs the Unicorn-level hooks that translate engine events
// into instrumentation points.
func (b *Backend) setupHooks() error {
	_, err := b.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if b.stopped {
			b.mu.Stop()
			return
		}
		b.onCode(addr)
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("code hook: %w", err)
	}

	// Fires before the store is committed, so journaling callbacks read
	// pre-write bytes.
	_, err = b.mu.HookAdd(uc.HOOK_MEM_WRITE, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) {
		pc, _ := b.mu.RegRead(uc.ARM64_REG_PC)
		ev := b.event()
		ev.HasEA = true
		ev.EA = addr
		ev.WriteSize = uint32(size)
		b.fire(pc, host.PointMemWrite, ev)
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("mem write hook: %w", err)
	}

	_, err = b.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		b.onInterrupt()
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("intr hook: %w", err)
	}

	_, err = b.mu.HookAdd(uc.HOOK_MEM_READ_UNMAPPED|uc.HOOK_MEM_WRITE_UNMAPPED|uc.HOOK_MEM_FETCH_UNMAPPED,
		func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			return b.raise(host.SIGSEGV)
		}, 1, 0)
	if err != nil {
		return fmt.Errorf("fault hook: %w", err)
	}

	_, err = b.mu.HookAdd(uc.HOOK_INSN_INVALID, func(mu uc.Unicorn) bool {
		return b.raise(host.SIGILL)
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("invalid insn hook: %w", err)
	}
	return nil
}

// onCode runs once per guest instruction, before it executes. The deferred
// after-point of the previous instruction fires first, with branch facts
// derived from where execution actually arrived.
func (b *Backend) onCode(addr uint64) {
	b.flushAfter(addr)

	// Routine returns: execution reaching a captured return address pops
	// the frame and fires the routine's exit point.
	for len(b.frames) > 0 && b.frames[len(b.frames)-1].retPC == addr {
		fr := b.frames[len(b.frames)-1]
		b.frames = b.frames[:len(b.frames)-1]
		b.fire(fr.addr, host.PointRoutineExit, b.event())
	}

	if byPoint, ok := b.calls[addr]; ok {
		if len(byPoint[host.PointRoutineEntry]) > 0 {
			lr, _ := b.mu.RegRead(uc.ARM64_REG_LR)
			b.frames = append(b.frames, routineFrame{addr: addr, retPC: lr})
			b.fire(addr, host.PointRoutineEntry, b.event())
		}

		ev := b.event()
		for _, fn := range byPoint[host.PointBefore] {
			fn(ev)
		}

		if len(byPoint[host.PointAfter]) > 0 {
			b.pending = pendingAfter{active: true, addr: addr, next: addr + 4}
		}
	}
}

// flushAfter fires the deferred after-point. nextPC is where execution
// landed; a landing site off the static fallthrough means the branch was
// taken.
func (b *Backend) flushAfter(nextPC uint64) {
	if !b.pending.active {
		return
	}
	p := b.pending
	b.pending.active = false

	ev := b.event()
	ev.BranchTaken = nextPC != p.next
	ev.BranchTarget = nextPC
	b.fire(p.addr, host.PointAfter, ev)
}

// onInterrupt models the SVC path: syscall-entry callbacks, a minimal
// kernel, then syscall-exit callbacks with the post-state.
func (b *Backend) onInterrupt() {
	no, _ := b.mu.RegRead(uc.ARM64_REG_X8)

	ev := b.event()
	ev.SyscallNo = no
	ev.ABI = host.ABILinuxAArch64
	for _, fn := range b.syscallEntry {
		fn(ev)
	}

	var ret uint64
	switch no {
	case sysExit, sysExitGroup:
		code, _ := b.mu.RegRead(uc.ARM64_REG_X0)
		b.exitCode = int(code)
		b.stopped = true
		b.mu.Stop()
		return
	case sysWrite:
		buf, _ := b.mu.RegRead(uc.ARM64_REG_X1)
		n, _ := b.mu.RegRead(uc.ARM64_REG_X2)
		if data, err := b.mu.MemRead(buf, n); err == nil {
			os.Stdout.Write(data)
			ret = n
		}
	default:
		// Unmodeled syscalls succeed with 0.
	}
	b.mu.RegWrite(uc.ARM64_REG_X0, ret)

	ev = b.event()
	ev.SyscallNo = no
	ev.ABI = host.ABILinuxAArch64
	for _, fn := range b.syscallExit {
		fn(ev)
	}
}

// raise forwards a signal to its intercept callbacks. A callback that
// terminates the process never returns; when every callback comes back the
// analysis asked to keep going, so the hook reports the fault as handled
// and Unicorn retries the access.
func (b *Backend) raise(sig int) bool {
	fns := b.signals[sig]
	if len(fns) == 0 {
		return false
	}
	ev := b.event()
	ev.Signal = sig
	for _, fn := range fns {
		fn(ev)
	}
	return true
}

// Run executes the loaded image from its entry point and returns the guest
// exit code. Thread and fini callbacks fire around the emulation.
func (b *Backend) Run() (int, error) {
	if b.entry == 0 {
		return 0, fmt.Errorf("no image loaded")
	}

	for _, fn := range b.threadStart {
		fn(b.event())
	}

	err := b.mu.Start(b.entry, 0)
	if b.stopped {
		// A modeled exit syscall stopped emulation; that is not an error.
		err = nil
	}

	pc, _ := b.mu.RegRead(uc.ARM64_REG_PC)
	b.flushAfter(pc)

	for _, fn := range b.threadExit {
		fn(b.event())
	}
	for _, fn := range b.finiFns {
		fn(b.exitCode)
	}

	if err != nil {
		if glog.L != nil {
			glog.L.Error("emulation stopped", glog.Err(err))
		}
		return b.exitCode, fmt.Errorf("emulation: %w", err)
	}
	return b.exitCode, nil
}
