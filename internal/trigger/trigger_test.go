package trigger

import (
	"testing"

	"github.com/zboralski/tarsier/internal/module"
)

func TestTriggerToggle(t *testing.T) {
	tr := New(false)
	if tr.Active() {
		t.Fatal("Expected trigger to start inactive")
	}

	tr.Update(true)
	if !tr.Active() {
		t.Error("Expected trigger active after Update(true)")
	}

	// Last write wins; repeated updates are idempotent.
	tr.Update(true)
	tr.Update(false)
	tr.Update(false)
	if tr.Active() {
		t.Error("Expected trigger inactive after Update(false)")
	}
}

func testRegistry() *module.Registry {
	reg := module.NewRegistry()
	reg.Add(module.Descriptor{Path: "/bin/app", Base: 0x400000, Size: 0x10000})
	reg.AddRoutine(module.Routine{Name: "main", Addr: 0x401000, End: 0x401100})
	return reg
}

func TestShouldStartByAddress(t *testing.T) {
	reg := testRegistry()
	r := NewRules()
	r.StartAddrs[0x401234] = struct{}{}

	if !r.ShouldStart(0x401234, reg) {
		t.Error("Expected start at configured address")
	}
	if r.ShouldStart(0x401238, reg) {
		t.Error("Unexpected start at unconfigured address")
	}
}

func TestShouldStartByOffset(t *testing.T) {
	reg := testRegistry()
	r := NewRules()
	r.StartOffsets[0x2000] = struct{}{}

	if !r.ShouldStart(0x402000, reg) {
		t.Error("Expected start at configured offset")
	}
	// Address outside any module: offset resolves to the sentinel and the
	// rule must never match.
	if r.ShouldStart(0x902000, reg) {
		t.Error("Offset rule matched an address with no owning module")
	}
}

func TestShouldStartBySymbol(t *testing.T) {
	reg := testRegistry()
	r := NewRules()
	r.StartSymbol = "main"

	if !r.ShouldStart(0x401000, reg) {
		t.Error("Expected start at main entry")
	}
	if r.ShouldStart(0x401004, reg) {
		t.Error("Unexpected start inside main body")
	}
	// A configured symbol takes precedence; address rules are not consulted.
	r.StartAddrs[0x405000] = struct{}{}
	if r.ShouldStart(0x405000, reg) {
		t.Error("Address rule matched while a start symbol is configured")
	}
}

func TestShouldStop(t *testing.T) {
	reg := testRegistry()
	r := NewRules()
	r.StopAddrs[0x4010a0] = struct{}{}
	r.StopOffsets[0x3000] = struct{}{}

	if !r.ShouldStop(0x4010a0, reg) {
		t.Error("Expected stop at configured address")
	}
	if !r.ShouldStop(0x403000, reg) {
		t.Error("Expected stop at configured offset")
	}
	if r.ShouldStop(0x903000, reg) {
		t.Error("Offset stop rule matched an unowned address")
	}
	if r.ShouldStop(0x401000, reg) {
		t.Error("Unexpected stop")
	}
}

func TestStartsActive(t *testing.T) {
	r := NewRules()
	if !r.StartsActive() {
		t.Error("No start rules: analysis should begin active")
	}

	// Stop rules alone do not delay the start.
	r.StopAddrs[0x4010a0] = struct{}{}
	if !r.StartsActive() {
		t.Error("Stop-only rules should still start active")
	}

	r.StartSymbol = "main"
	if r.StartsActive() {
		t.Error("A start symbol delays activation")
	}
}
