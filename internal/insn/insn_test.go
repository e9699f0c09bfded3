package insn

import (
	"strings"
	"testing"
)

// Raw ARM64 encodings (little endian), same style as the emulator tests.
var (
	movX0   = []byte{0xa0, 0x00, 0x80, 0xd2} // MOV X0, #5
	retInsn = []byte{0xc0, 0x03, 0x5f, 0xd6} // RET
	blInsn  = []byte{0x01, 0x00, 0x00, 0x94} // BL .+4
	bInsn   = []byte{0x01, 0x00, 0x00, 0x14} // B .+4
	svcInsn = []byte{0x01, 0x00, 0x00, 0xd4} // SVC #0
	strW1   = []byte{0x01, 0x00, 0x00, 0xb9} // STR W1, [X0]
	strbW1  = []byte{0x01, 0x00, 0x00, 0x39} // STRB W1, [X0]
	stpPair = []byte{0xfd, 0x7b, 0xbf, 0xa9} // STP X29, X30, [SP, #-16]!
)

func opIs(d *Descriptor, want string) bool {
	return strings.EqualFold(d.Opcode, want)
}

func TestDecodeBasic(t *testing.T) {
	d := Decode(0x401000, movX0)
	if !opIs(d, "MOV") {
		t.Errorf("Opcode = %q, want MOV", d.Opcode)
	}
	if d.Next != 0x401004 {
		t.Errorf("Next = 0x%x, want 0x401004", d.Next)
	}
	if d.IsBranch || d.WritesMemory || !d.HasFallthrough {
		t.Errorf("Unexpected shape: %+v", d)
	}
	if len(d.Operands) == 0 {
		t.Error("Expected operands for MOV")
	}
}

func TestDecodeBranches(t *testing.T) {
	d := Decode(0x401000, retInsn)
	if !opIs(d, "RET") || !d.IsBranch || d.HasFallthrough {
		t.Errorf("RET shape wrong: %+v", d)
	}
	if d.Category != CatBranch {
		t.Errorf("RET category = %s", d.Category)
	}

	d = Decode(0x401000, blInsn)
	if !d.IsBranch || !d.HasFallthrough {
		t.Errorf("BL shape wrong: %+v", d)
	}

	d = Decode(0x401000, bInsn)
	if !d.IsBranch || d.HasFallthrough {
		t.Errorf("B shape wrong: %+v", d)
	}
}

func TestDecodeSyscall(t *testing.T) {
	d := Decode(0x401000, svcInsn)
	if !d.IsSyscall || d.Category != CatSyscall {
		t.Errorf("SVC shape wrong: %+v", d)
	}
}

func TestDecodeStores(t *testing.T) {
	cases := []struct {
		name string
		code []byte
		size uint32
	}{
		{"STR W", strW1, 4},
		{"STRB", strbW1, 1},
		{"STP X", stpPair, 16},
	}
	for _, tc := range cases {
		d := Decode(0x401000, tc.code)
		if !d.WritesMemory {
			t.Errorf("%s: expected WritesMemory", tc.name)
			continue
		}
		if d.WriteSize != tc.size {
			t.Errorf("%s: WriteSize = %d, want %d", tc.name, d.WriteSize, tc.size)
		}
		if d.Category != CatStore {
			t.Errorf("%s: category = %s", tc.name, d.Category)
		}
	}
}

func TestDecodeInvalidWord(t *testing.T) {
	d := Decode(0x401000, []byte{0x00, 0x00, 0x00, 0x00})
	if d.Opcode != ".word" && !opIs(d, "UDF") {
		t.Errorf("Invalid word opcode = %q", d.Opcode)
	}
	// Invalid words still get descriptors so the trace stays gap-free.
	if d.Next != 0x401004 {
		t.Errorf("Next = 0x%x", d.Next)
	}
}

func TestBindEffectiveAddress(t *testing.T) {
	d := Decode(0x401000, strW1)
	if d.HasEA {
		t.Fatal("EA must be unbound after decode")
	}
	d.BindEffectiveAddress(0x500010)
	if !d.HasEA || d.EffectiveAddr != 0x500010 {
		t.Errorf("EA binding failed: %+v", d)
	}
}

func TestExpand(t *testing.T) {
	d := Decode(0x401000, blInsn)
	rec := d.Expand(3)
	if rec.ThreadID != 3 {
		t.Errorf("ThreadID = %d", rec.ThreadID)
	}
	// Branch facts arrive after execution; a fresh record carries none.
	if rec.BranchTaken || rec.BranchTarget != 0 {
		t.Errorf("Fresh record carries branch facts: %+v", rec)
	}
	if rec.Address != 0x401000 || rec.NextAddress != 0x401004 {
		t.Errorf("Addresses wrong: %+v", rec)
	}
	if !rec.IsBranch() {
		t.Error("Expected IsBranch")
	}

	// Each execution gets a fresh record.
	rec2 := d.Expand(3)
	if rec == rec2 {
		t.Error("Expand must allocate a new record")
	}
}

func TestSplitOperands(t *testing.T) {
	ops := splitOperands("W1, [X0, #8]")
	if len(ops) != 2 || ops[1] != "[X0, #8]" {
		t.Errorf("splitOperands = %#v", ops)
	}
}
