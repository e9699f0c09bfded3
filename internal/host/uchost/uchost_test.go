package uchost

import (
	"testing"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"github.com/zboralski/tarsier/internal/host"
)

func regX(n int) int { return uc.ARM64_REG_X0 + n }

// ARM64 test program: MOV X0, #7; MOV X8, #93; SVC #0 (exit(7))
var exitCode7 = []byte{
	0xe0, 0x00, 0x80, 0xd2, // MOV X0, #7
	0xa8, 0x0b, 0x80, 0xd2, // MOV X8, #93
	0x01, 0x00, 0x00, 0xd4, // SVC #0
}

// Branchy variant: MOV X0, #5; B +8 (skips the next MOV); MOV X0, #9;
// MOV X8, #93; SVC #0
var branchProgram = []byte{
	0xa0, 0x00, 0x80, 0xd2, // MOV X0, #5
	0x02, 0x00, 0x00, 0x14, // B +8
	0x20, 0x01, 0x80, 0xd2, // MOV X0, #9 (skipped)
	0xa8, 0x0b, 0x80, 0xd2, // MOV X8, #93
	0x01, 0x00, 0x00, 0xd4, // SVC #0
}

func newBackend(t *testing.T, code []byte) *Backend {
	t.Helper()
	b, err := New()
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	if err := b.MemWrite(HeapBase, code); err != nil {
		t.Fatalf("Failed to write code: %v", err)
	}
	b.entry = HeapBase
	return b
}

func TestRunReturnsGuestExitCode(t *testing.T) {
	b := newBackend(t, exitCode7)

	code, err := b.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 7 {
		t.Errorf("Exit code = %d, want 7", code)
	}
}

func TestBeforeCallbacksFireInOrder(t *testing.T) {
	b := newBackend(t, exitCode7)

	var order []uint64
	for off := uint64(0); off < uint64(len(exitCode7)); off += 4 {
		addr := HeapBase + off
		b.InsertCall(addr, host.PointBefore, func(ev *host.Event) {
			order = append(order, ev.Regs.PC)
		})
	}

	if _, err := b.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("Callback count = %d, want 3", len(order))
	}
	for i, pc := range order {
		if want := HeapBase + uint64(i)*4; pc != want {
			t.Errorf("Callback %d at 0x%x, want 0x%x", i, pc, want)
		}
	}
}

func TestAfterCallbackBranchFacts(t *testing.T) {
	b := newBackend(t, branchProgram)

	branchAddr := uint64(HeapBase + 4)
	var taken bool
	var target uint64
	fired := 0
	b.InsertCall(branchAddr, host.PointAfter, func(ev *host.Event) {
		fired++
		taken = ev.BranchTaken
		target = ev.BranchTarget
	})

	if _, err := b.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fired != 1 {
		t.Fatalf("After callback fired %d times, want 1", fired)
	}
	if !taken {
		t.Error("Unconditional branch must report taken")
	}
	if want := uint64(HeapBase + 12); target != want {
		t.Errorf("Branch target = 0x%x, want 0x%x", target, want)
	}
}

func TestMemWriteCallbackSeesPreWriteState(t *testing.T) {
	// STR W1, [X0] writing to a heap scratch address.
	program := []byte{
		0x01, 0x00, 0x00, 0xb9, // STR W1, [X0]
		0xa8, 0x0b, 0x80, 0xd2, // MOV X8, #93
		0x01, 0x00, 0x00, 0xd4, // SVC #0
	}
	b := newBackend(t, program)

	scratch := uint64(HeapBase + 0x1000)
	b.MemWrite(scratch, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	b.mu.RegWrite(regX(0), scratch)
	b.mu.RegWrite(regX(1), 0x11223344)

	var ea uint64
	var size uint32
	var before []byte
	b.InsertCall(HeapBase, host.PointMemWrite, func(ev *host.Event) {
		ea = ev.EA
		size = ev.WriteSize
		before, _ = b.MemRead(ev.EA, uint64(ev.WriteSize))
	})

	if _, err := b.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ea != scratch {
		t.Errorf("EA = 0x%x, want 0x%x", ea, scratch)
	}
	if size != 4 {
		t.Errorf("WriteSize = %d, want 4", size)
	}
	if len(before) != 4 || before[0] != 0xDE {
		t.Errorf("Pre-write read = %x, want original bytes", before)
	}

	after, _ := b.MemRead(scratch, 4)
	if after[0] != 0x44 {
		t.Errorf("Post-run memory = %x, store did not land", after)
	}
}

func TestSyscallCallbacks(t *testing.T) {
	b := newBackend(t, exitCode7)

	var entries []uint64
	b.OnSyscallEntry(func(ev *host.Event) {
		entries = append(entries, ev.SyscallNo)
		if ev.ABI != host.ABILinuxAArch64 {
			t.Errorf("ABI = %d", ev.ABI)
		}
	})

	if _, err := b.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(entries) != 1 || entries[0] != 93 {
		t.Errorf("Syscall entries = %v, want [93]", entries)
	}
}

func TestLifecycleCallbacks(t *testing.T) {
	b := newBackend(t, exitCode7)

	var events []string
	b.OnThreadStart(func(*host.Event) { events = append(events, "start") })
	b.OnThreadExit(func(*host.Event) { events = append(events, "exit") })
	b.OnFini(func(code int) {
		if code != 7 {
			t.Errorf("Fini code = %d, want 7", code)
		}
		events = append(events, "fini")
	})

	if _, err := b.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"start", "exit", "fini"}
	if len(events) != len(want) {
		t.Fatalf("Events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Event %d = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	defer b.Close()

	data := []byte{1, 2, 3, 4, 5}
	if err := b.MemWrite(HeapBase, data); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	got, err := b.MemRead(HeapBase, uint64(len(data)))
	if err != nil {
		t.Fatalf("MemRead: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("Byte %d = %d, want %d", i, got[i], data[i])
		}
	}
}
