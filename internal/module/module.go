// Package module tracks loaded code modules and resolves addresses to
// module-relative offsets and routine names.
package module

import "sync"

// NoOffset is returned when an address does not belong to any recorded
// module. It can never appear in a configured offset rule set, so
// offset-based trigger rules silently fail to match for unowned addresses.
const NoOffset = ^uint64(0)

// Descriptor describes one loaded module. Immutable once recorded.
type Descriptor struct {
	Path string
	Base uint64
	Size uint64
}

// Contains reports whether addr falls inside the module's mapped range.
func (d Descriptor) Contains(addr uint64) bool {
	return addr >= d.Base && addr < d.Base+d.Size
}

// Routine is a named entry point inside a module.
type Routine struct {
	Name string
	Addr uint64
	End  uint64 // address one past the routine's last instruction, 0 if unknown
}

// Registry records module descriptors and their routines as images load.
// It carries its own lock: resolution runs on the stop-rule path outside
// the analysis context lock, concurrently with mid-run image loads.
type Registry struct {
	mu       sync.RWMutex
	modules  []Descriptor
	routines map[string]Routine // routine name -> location
	byAddr   map[uint64]string  // routine entry address -> name
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{
		routines: make(map[string]Routine),
		byAddr:   make(map[uint64]string),
	}
}

// Add records a loaded module.
func (r *Registry) Add(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = append(r.modules, d)
}

// AddRoutine records a named routine. Later duplicates win; dynamic symbol
// tables routinely carry aliases for the same address.
func (r *Registry) AddRoutine(rt Routine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routines[rt.Name] = rt
	r.byAddr[rt.Addr] = rt.Name
}

// FindByAddress returns the module owning addr.
func (r *Registry) FindByAddress(addr uint64) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.modules {
		if d.Contains(addr) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// OffsetOf resolves addr to a module-relative offset. Returns NoOffset when
// no recorded module owns the address.
func (r *Registry) OffsetOf(addr uint64) uint64 {
	d, ok := r.FindByAddress(addr)
	if !ok {
		return NoOffset
	}
	return addr - d.Base
}

// RoutineByName looks up a routine by its exact name.
func (r *Registry) RoutineByName(name string) (Routine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routines[name]
	return rt, ok
}

// NameAtAddress returns the routine name whose entry point is exactly addr.
func (r *Registry) NameAtAddress(addr uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byAddr[addr]
	return name, ok
}

// Modules returns the recorded descriptors in load order.
func (r *Registry) Modules() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.modules))
	copy(out, r.modules)
	return out
}
