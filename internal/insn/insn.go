// Package insn turns raw ARM64 instruction words into static descriptors at
// instrumentation-install time and expands them into per-execution records.
package insn

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// Category is a coarse opcode classification carried on every record.
type Category string

const (
	CatBranch  Category = "branch"
	CatLoad    Category = "load"
	CatStore   Category = "store"
	CatSyscall Category = "syscall"
	CatCrypto  Category = "crypto"
	CatSIMD    Category = "simd"
	CatOther   Category = "other"
)

// Descriptor holds the static decode of one instruction, built once per
// loaded module at install time. The effective address slot is the only
// mutable field; it is bound immediately before each execution, under the
// analysis context lock.
type Descriptor struct {
	Addr     uint64
	Next     uint64 // fallthrough address
	Raw      uint32
	Opcode   string
	Operands []string
	Text     string
	Category Category

	IsBranch       bool
	Conditional    bool
	HasFallthrough bool
	IsSyscall      bool

	WritesMemory bool
	WriteSize    uint32

	// Bound at run time for memory-touching instructions.
	HasEA         bool
	EffectiveAddr uint64
}

// BindEffectiveAddress records the memory operand address for the upcoming
// execution. Valid only while the analysis context lock is held.
func (d *Descriptor) BindEffectiveAddress(ea uint64) {
	d.HasEA = true
	d.EffectiveAddr = ea
}

// Record is the structured decode of one executed instruction, handed to the
// analysis hooks and retained in the trace.
type Record struct {
	ThreadID     int
	Address      uint64
	NextAddress  uint64
	Opcode       string
	Operands     []string
	Text         string
	Category     Category
	BranchTaken  bool
	BranchTarget uint64
}

// IsBranch reports whether the record describes a branch instruction.
func (r *Record) IsBranch() bool {
	return r.Category == CatBranch
}

// Expand builds a fresh record from the descriptor for one execution.
// Branch facts stay zero here; they only exist once the instruction has
// executed, and the after-point fills them in on the same record.
func (d *Descriptor) Expand(threadID int) *Record {
	return &Record{
		ThreadID:    threadID,
		Address:     d.Addr,
		NextAddress: d.Next,
		Opcode:      d.Opcode,
		Operands:    d.Operands,
		Text:        d.Text,
		Category:    d.Category,
	}
}

// Decode builds a descriptor from a 4-byte ARM64 instruction word.
// Undecodable words still get a descriptor so the trace stays gap-free.
func Decode(addr uint64, code []byte) *Descriptor {
	d := &Descriptor{
		Addr: addr,
		Next: addr + 4,
	}
	if len(code) >= 4 {
		d.Raw = uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24
	}

	inst, err := arm64asm.Decode(code)
	if err != nil {
		d.Opcode = ".word"
		d.Text = fmt.Sprintf(".word 0x%08x", d.Raw)
		d.Category = CatOther
		d.HasFallthrough = true
		return d
	}

	d.Text = inst.String()
	parts := strings.SplitN(d.Text, " ", 2)
	d.Opcode = parts[0]
	if len(parts) > 1 {
		d.Operands = splitOperands(parts[1])
	}

	classify(d)
	return d
}

// splitOperands splits an operand string on commas outside brackets, so a
// memory operand like [SP, #8] stays one piece.
func splitOperands(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[', '{':
			depth++
		case ']', '}':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if last := strings.TrimSpace(s[start:]); last != "" {
		out = append(out, last)
	}
	return out
}

// classify fills category and branch/memory shape from the mnemonic.
func classify(d *Descriptor) {
	op := strings.ToUpper(d.Opcode)

	switch {
	case op == "SVC":
		d.Category = CatSyscall
		d.IsSyscall = true
		d.HasFallthrough = true
	case op == "RET" || op == "ERET" || op == "BR":
		d.Category = CatBranch
		d.IsBranch = true
	case op == "B" || op == "BL" || op == "BLR":
		d.Category = CatBranch
		d.IsBranch = true
		// BL/BLR fall through on return, B does not.
		d.HasFallthrough = op != "B"
	case strings.HasPrefix(op, "B.") ||
		strings.HasPrefix(op, "CBZ") || strings.HasPrefix(op, "CBNZ") ||
		strings.HasPrefix(op, "TBZ") || strings.HasPrefix(op, "TBNZ"):
		d.Category = CatBranch
		d.IsBranch = true
		d.Conditional = true
		d.HasFallthrough = true
	case strings.HasPrefix(op, "ST"):
		d.Category = CatStore
		d.WritesMemory = true
		d.WriteSize = storeSize(op, d.Operands)
		d.HasFallthrough = true
	case strings.HasPrefix(op, "LD"):
		d.Category = CatLoad
		d.HasFallthrough = true
	case strings.HasPrefix(op, "AES") || strings.HasPrefix(op, "SHA"):
		d.Category = CatCrypto
		d.HasFallthrough = true
	case isVector(d.Operands):
		d.Category = CatSIMD
		d.HasFallthrough = true
	default:
		d.Category = CatOther
		d.HasFallthrough = true
	}
}

// storeSize derives the number of bytes written by a store from its mnemonic
// and first operand register width.
func storeSize(op string, operands []string) uint32 {
	switch {
	case strings.HasPrefix(op, "STRB") || strings.HasPrefix(op, "STLRB") ||
		strings.HasPrefix(op, "STURB") || strings.HasPrefix(op, "STXRB"):
		return 1
	case strings.HasPrefix(op, "STRH") || strings.HasPrefix(op, "STLRH") ||
		strings.HasPrefix(op, "STURH") || strings.HasPrefix(op, "STXRH"):
		return 2
	}

	elem := regWidth(operands)
	if strings.HasPrefix(op, "STP") || strings.HasPrefix(op, "STXP") || strings.HasPrefix(op, "STNP") {
		return elem * 2
	}
	return elem
}

// regWidth returns the byte width of the first register operand.
func regWidth(operands []string) uint32 {
	if len(operands) == 0 {
		return 8
	}
	reg := strings.ToUpper(operands[0])
	switch {
	case strings.HasPrefix(reg, "W"):
		return 4
	case strings.HasPrefix(reg, "X"):
		return 8
	case strings.HasPrefix(reg, "Q"):
		return 16
	case strings.HasPrefix(reg, "D"):
		return 8
	case strings.HasPrefix(reg, "S"):
		return 4
	case strings.HasPrefix(reg, "H"):
		return 2
	case strings.HasPrefix(reg, "B"):
		return 1
	}
	return 8
}

func isVector(operands []string) bool {
	for _, op := range operands {
		if strings.Contains(op, ".16B") || strings.Contains(op, ".8B") ||
			strings.Contains(op, ".4S") || strings.Contains(op, ".2D") ||
			strings.Contains(op, ".8H") || strings.Contains(op, ".4H") {
			return true
		}
	}
	return false
}
