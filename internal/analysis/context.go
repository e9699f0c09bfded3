// Package analysis holds the shared mutable state every instrumented thread
// reaches through the dispatcher: the current context handle, the
// instruction trace, run counters, and the memory snapshot journal.
package analysis

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zboralski/tarsier/internal/host"
	"github.com/zboralski/tarsier/internal/insn"
)

// ContextHandle is a captured snapshot of one thread's execution state.
// Exactly one handle is current at a time; installing a new one releases
// the previous one. Never shared outside the locked section.
type ContextHandle struct {
	ThreadID int
	Regs     host.RegState
}

// NewContextHandle captures a handle from an instrumentation event.
func NewContextHandle(threadID int, regs host.RegState) *ContextHandle {
	return &ContextHandle{ThreadID: threadID, Regs: regs}
}

// Context is the single shared analysis state object. It performs no
// internal locking: every accessor below SetCurrentContext is valid only
// while the caller holds Lock, on every exit path. The two exceptions are
// SnapshotLocked and the snapshot flag writer, which use an atomic so the
// memory-write fast path can read the flag without taking the global lock.
type Context struct {
	mu sync.Mutex

	// RunID identifies this analysis session in logs and summaries.
	RunID uuid.UUID

	current       *ContextHandle
	trace         []*insn.Record
	insnCount     uint64
	branchesTaken uint64

	journal        *Journal
	snapshotLocked atomic.Bool
}

// New creates an analysis context with an empty trace and a locked journal
// (no journaling until the script takes a snapshot).
func New() *Context {
	c := &Context{
		RunID:   uuid.New(),
		journal: NewJournal(),
	}
	c.snapshotLocked.Store(true)
	return c
}

// Lock acquires the process-wide analysis lock. Non-reentrant.
func (c *Context) Lock() { c.mu.Lock() }

// Unlock releases the analysis lock.
func (c *Context) Unlock() { c.mu.Unlock() }

// SetCurrentContext replaces the current context handle. The previous
// handle is released; nothing may retain it past this call.
func (c *Context) SetCurrentContext(h *ContextHandle) {
	c.current = h
}

// CurrentContext returns the live handle, or nil before the first callback.
func (c *Context) CurrentContext() *ContextHandle {
	return c.current
}

// ThreadID returns the thread that owns the current handle.
func (c *Context) ThreadID() int {
	if c.current == nil {
		return 0
	}
	return c.current.ThreadID
}

// AddInstruction appends a record to the trace in execution order.
func (c *Context) AddInstruction(rec *insn.Record) {
	c.trace = append(c.trace, rec)
	c.insnCount++
}

// LastInstruction returns the most recently appended record, or nil when
// the trace is empty.
func (c *Context) LastInstruction() *insn.Record {
	if len(c.trace) == 0 {
		return nil
	}
	return c.trace[len(c.trace)-1]
}

// Trace returns the ordered instruction trace. The returned slice is the
// live backing array; callers must hold the lock while reading it.
func (c *Context) Trace() []*insn.Record {
	return c.trace
}

// InstructionCount returns the number of traced instructions.
func (c *Context) InstructionCount() uint64 {
	return c.insnCount
}

// IncBranchesTaken bumps the branch statistic when the last instruction was
// a branch.
func (c *Context) IncBranchesTaken(isBranch bool) {
	if isBranch {
		c.branchesTaken++
	}
}

// BranchesTaken returns the branch-taken counter.
func (c *Context) BranchesTaken() uint64 {
	return c.branchesTaken
}

// SnapshotLocked reports whether the journal is ignoring writes. Lock-free:
// the flag is read on every memory-writing instruction but only mutated by
// the script through SetSnapshotLocked under the global lock.
func (c *Context) SnapshotLocked() bool {
	return c.snapshotLocked.Load()
}

// SetSnapshotLocked flips the journal gate. Callers hold the global lock.
func (c *Context) SetSnapshotLocked(locked bool) {
	c.snapshotLocked.Store(locked)
}

// Journal returns the memory snapshot journal.
func (c *Context) Journal() *Journal {
	return c.journal
}
