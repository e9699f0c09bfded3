// Package host abstracts the underlying instrumentation engine. The dispatch
// core only knows "insert a callback at instrumentation point kind K"; which
// engine performs the insertion is an implementation detail (see uchost for
// the Unicorn-backed one).
package host

import "github.com/zboralski/tarsier/internal/module"

// RegState is a snapshot of one thread's register and control state at the
// moment an instrumentation callback fires.
type RegState struct {
	PC uint64
	SP uint64
	LR uint64
	X  [31]uint64
}

// Point identifies an instrumentation point kind at a code address.
type Point int

const (
	// PointBefore fires before an instruction executes.
	PointBefore Point = iota
	// PointAfter fires after an instruction executes (or after its taken
	// branch when it has no fallthrough).
	PointAfter
	// PointMemWrite fires before a memory-writing instruction, with the
	// effective address and write size resolved.
	PointMemWrite
	// PointRoutineEntry fires on entry to a named routine.
	PointRoutineEntry
	// PointRoutineExit fires when a named routine returns.
	PointRoutineExit
)

// ABIKind tags which syscall convention a syscall event used.
type ABIKind int

const (
	// ABILinuxAArch64 is the AArch64 Linux SVC convention.
	ABILinuxAArch64 ABIKind = iota
	// ABIUnknown covers anything the host could not classify.
	ABIUnknown
)

// Intercepted signals, forwarded once to the analysis script before the
// process terminates.
const (
	SIGILL  = 4
	SIGFPE  = 8
	SIGKILL = 9
	SIGSEGV = 11
	SIGPIPE = 13
)

// FatalSignals lists every signal the router intercepts.
var FatalSignals = []int{SIGFPE, SIGILL, SIGKILL, SIGPIPE, SIGSEGV}

// Event carries the dynamic facts available at an instrumentation point.
// Fields beyond ThreadID and Regs are populated only for the point kinds
// that produce them.
type Event struct {
	ThreadID int
	Regs     RegState

	// Branch facts, valid at PointAfter.
	BranchTaken  bool
	BranchTarget uint64

	// Memory operand facts, valid at PointBefore for memory-touching
	// instructions and at PointMemWrite.
	HasEA     bool
	EA        uint64
	WriteSize uint32

	// Syscall facts.
	SyscallNo uint64
	ABI       ABIKind

	// Signal number for signal events.
	Signal int
}

// Callback is invoked synchronously on whichever thread reached the
// instrumentation point.
type Callback func(ev *Event)

// CodeWalker hands the installer one module's code, one instruction word at
// a time, in address order.
type CodeWalker func(addr uint64, code []byte)

// Host is the instrumentation engine surface the dispatch core consumes.
// All methods that register callbacks must be called during setup or from a
// module-load callback, before the affected code runs.
type Host interface {
	// InsertCall registers a callback at an instrumentation point kind for
	// a specific code address.
	InsertCall(addr uint64, point Point, fn Callback)

	// OnModuleLoad registers the image-load callback. The host invokes it
	// once per loaded module with the module's descriptor, its routines,
	// and a walker over the module's executable code.
	OnModuleLoad(fn func(d module.Descriptor, routines []module.Routine, walk func(CodeWalker)))

	// Lifecycle callbacks.
	OnThreadStart(fn Callback)
	OnThreadExit(fn Callback)
	OnSyscallEntry(fn Callback)
	OnSyscallExit(fn Callback)
	InterceptSignal(sig int, fn Callback)
	OnFini(fn func(code int))

	// MemRead reads the analyzed process's memory.
	MemRead(addr, size uint64) ([]byte, error)
	// MemWrite writes the analyzed process's memory; the snapshot rollback
	// path uses it to restore journaled bytes.
	MemWrite(addr uint64, data []byte) error
}
