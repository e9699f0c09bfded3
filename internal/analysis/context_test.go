package analysis

import (
	"testing"

	"github.com/zboralski/tarsier/internal/host"
	"github.com/zboralski/tarsier/internal/insn"
)

func TestContextHandleReplacement(t *testing.T) {
	c := New()
	c.Lock()
	defer c.Unlock()

	if c.CurrentContext() != nil {
		t.Fatal("Expected no handle before first callback")
	}

	h1 := NewContextHandle(1, host.RegState{PC: 0x401000})
	c.SetCurrentContext(h1)
	if c.CurrentContext() != h1 {
		t.Error("Handle not installed")
	}
	if c.ThreadID() != 1 {
		t.Errorf("ThreadID = %d", c.ThreadID())
	}

	h2 := NewContextHandle(2, host.RegState{PC: 0x401004})
	c.SetCurrentContext(h2)
	if c.CurrentContext() != h2 {
		t.Error("Handle not replaced")
	}
}

func TestTraceOrdering(t *testing.T) {
	c := New()
	c.Lock()
	defer c.Unlock()

	if c.LastInstruction() != nil {
		t.Fatal("Empty trace must return nil last instruction")
	}

	addrs := []uint64{0x401000, 0x401004, 0x401008}
	for _, a := range addrs {
		c.AddInstruction(&insn.Record{Address: a})
	}

	if c.InstructionCount() != 3 {
		t.Errorf("InstructionCount = %d", c.InstructionCount())
	}
	if last := c.LastInstruction(); last.Address != 0x401008 {
		t.Errorf("LastInstruction at 0x%x", last.Address)
	}
	for i, rec := range c.Trace() {
		if rec.Address != addrs[i] {
			t.Errorf("Trace[%d] = 0x%x, want 0x%x", i, rec.Address, addrs[i])
		}
	}
}

func TestBranchCounter(t *testing.T) {
	c := New()
	c.Lock()
	defer c.Unlock()

	c.IncBranchesTaken(true)
	c.IncBranchesTaken(false)
	c.IncBranchesTaken(true)
	if c.BranchesTaken() != 2 {
		t.Errorf("BranchesTaken = %d", c.BranchesTaken())
	}
}

func TestSnapshotFlagDefaultsLocked(t *testing.T) {
	c := New()
	if !c.SnapshotLocked() {
		t.Error("Journal must start locked; nothing is recorded until a snapshot is taken")
	}
	c.Lock()
	c.SetSnapshotLocked(false)
	c.Unlock()
	if c.SnapshotLocked() {
		t.Error("Expected journal unlocked")
	}
}

func TestRunIDAssigned(t *testing.T) {
	a, b := New(), New()
	if a.RunID == b.RunID {
		t.Error("Each context needs its own run ID")
	}
}

type memBuf struct {
	data map[uint64]byte
}

func (m *memBuf) MemWrite(addr uint64, data []byte) error {
	for i, b := range data {
		m.data[addr+uint64(i)] = b
	}
	return nil
}

func TestJournalRecordAndRestore(t *testing.T) {
	j := NewJournal()
	// Two overlapping writes at 0x1000: the journal sees the pre-write
	// value each time.
	j.Record(0x1000, 0xAA) // original byte
	j.Record(0x1001, 0xBB)
	j.Record(0x1000, 0x11) // value after the first write

	if j.Len() != 3 {
		t.Fatalf("Len = %d", j.Len())
	}

	mem := &memBuf{data: make(map[uint64]byte)}
	if err := j.Restore(mem); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	// Reverse replay: 0x1000 must end at the oldest value 0xAA.
	if mem.data[0x1000] != 0xAA {
		t.Errorf("0x1000 = 0x%02x, want 0xAA", mem.data[0x1000])
	}
	if mem.data[0x1001] != 0xBB {
		t.Errorf("0x1001 = 0x%02x, want 0xBB", mem.data[0x1001])
	}

	if j.Len() != 0 {
		t.Error("Restore must clear the journal")
	}
}

func TestJournalEntriesCopy(t *testing.T) {
	j := NewJournal()
	j.Record(0x2000, 0x42)
	got := j.Entries()
	got[0].Value = 0
	if j.Entries()[0].Value != 0x42 {
		t.Error("Entries must return a copy")
	}
}
