package uchost

import (
	"debug/elf"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/zboralski/tarsier/internal/host"
	"github.com/zboralski/tarsier/internal/module"
)

// execSegment is one executable region kept for the install-time code walk.
type execSegment struct {
	addr uint64
	data []byte
}

// LoadModule maps an ARM64 ELF image into the guest and announces it
// through the registered module-load callback. Position-independent images
// (link base below 0x10000) are relocated to LoadBase.
func (b *Backend) LoadModule(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("open ELF %s: %w", path, err)
	}
	defer f.Close()

	if f.Machine != elf.EM_AARCH64 {
		return fmt.Errorf("%s: expected ARM64 (EM_AARCH64), got %v", path, f.Machine)
	}

	fileBase := uint64(0xFFFFFFFFFFFFFFFF)
	fileEnd := uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < fileBase {
			fileBase = prog.Vaddr
		}
		if end := prog.Vaddr + prog.Memsz; end > fileEnd {
			fileEnd = end
		}
	}
	if fileBase == 0xFFFFFFFFFFFFFFFF {
		return fmt.Errorf("%s: no PT_LOAD segments", path)
	}

	var reloc uint64
	if fileBase < 0x10000 {
		reloc = LoadBase - fileBase
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var execs []execSegment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		vaddr := prog.Vaddr + reloc

		const page = uint64(0x1000)
		alignedAddr := vaddr &^ (page - 1)
		alignedEnd := (vaddr + prog.Memsz + page - 1) &^ (page - 1)
		// Overlapping maps from adjacent segments are fine to ignore.
		_ = b.mu.MemMap(alignedAddr, alignedEnd-alignedAddr)

		if prog.Filesz > 0 && prog.Off+prog.Filesz <= uint64(len(fileData)) {
			data := fileData[prog.Off : prog.Off+prog.Filesz]
			if err := b.mu.MemWrite(vaddr, data); err != nil {
				return fmt.Errorf("write segment 0x%x: %w", vaddr, err)
			}
			if prog.Flags&elf.PF_X != 0 {
				execs = append(execs, execSegment{addr: vaddr, data: data})
			}
		}
	}

	desc := module.Descriptor{
		Path: path,
		Base: fileBase + reloc,
		Size: fileEnd - fileBase,
	}
	routines := collectRoutines(f, reloc)

	b.entry = f.Entry + reloc

	if b.moduleLoad != nil {
		b.moduleLoad(desc, routines, func(fn host.CodeWalker) {
			for _, seg := range execs {
				for off := uint64(0); off+4 <= uint64(len(seg.data)); off += 4 {
					fn(seg.addr+off, seg.data[off:off+4])
				}
			}
		})
	}
	return nil
}

// collectRoutines gathers function symbols from both symbol tables, in
// address order. Version suffixes are stripped so script hooks can use the
// bare name.
func collectRoutines(f *elf.File, reloc uint64) []module.Routine {
	seen := make(map[string]struct{})
	var routines []module.Routine

	add := func(syms []elf.Symbol) {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 || sym.Name == "" {
				continue
			}
			name := sym.Name
			if idx := strings.Index(name, "@"); idx != -1 {
				name = name[:idx]
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			routines = append(routines, module.Routine{
				Name: name,
				Addr: sym.Value + reloc,
				End:  sym.Value + sym.Size + reloc,
			})
		}
	}

	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms)
	}

	sort.Slice(routines, func(i, j int) bool { return routines[i].Addr < routines[j].Addr })
	return routines
}
