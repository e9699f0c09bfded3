// Package trigger implements the boolean gate that turns analysis on and off
// at configured entry and exit points.
package trigger

import "sync/atomic"

// Trigger gates every instrumentation callback. The read path is lock-free
// because it runs once per executed instruction; writes only happen at rule
// boundary crossings. Update is a full overwrite, so nested enable/disable
// requests are idempotent and last-write-wins.
type Trigger struct {
	active atomic.Bool
}

// New returns a trigger in the given initial state. Analysis starts active
// when no start rules are configured, inactive otherwise.
func New(active bool) *Trigger {
	t := &Trigger{}
	t.active.Store(active)
	return t
}

// Active reports whether analysis is currently enabled.
func (t *Trigger) Active() bool {
	return t.active.Load()
}

// Update sets the state unconditionally. This is the only mutation path.
func (t *Trigger) Update(active bool) {
	t.active.Store(active)
}

// Resolver locates the owning module and routine for an address.
// *module.Registry satisfies it.
type Resolver interface {
	OffsetOf(addr uint64) uint64
	NameAtAddress(addr uint64) (string, bool)
}

// Rules holds the activation and deactivation rule sets. Populated once
// before execution begins and read-only during analysis.
type Rules struct {
	StartSymbol  string
	StartAddrs   map[uint64]struct{}
	StartOffsets map[uint64]struct{}
	StopAddrs    map[uint64]struct{}
	StopOffsets  map[uint64]struct{}
}

// NewRules returns an empty rule set.
func NewRules() *Rules {
	return &Rules{
		StartAddrs:   make(map[uint64]struct{}),
		StartOffsets: make(map[uint64]struct{}),
		StopAddrs:    make(map[uint64]struct{}),
		StopOffsets:  make(map[uint64]struct{}),
	}
}

// StartsActive reports whether analysis begins enabled. With no activation
// rule configured the whole run is analyzed; stop rules alone do not delay
// the start.
func (r *Rules) StartsActive() bool {
	return r.StartSymbol == "" && len(r.StartAddrs) == 0 && len(r.StartOffsets) == 0
}

// ShouldStart reports whether an activation rule matches addr. Evaluated at
// instruction entry points. Offset rules never match addresses without an
// owning module: OffsetOf returns a sentinel outside every configured set.
func (r *Rules) ShouldStart(addr uint64, res Resolver) bool {
	if r.StartSymbol != "" {
		if name, ok := res.NameAtAddress(addr); ok && name == r.StartSymbol {
			return true
		}
		return false
	}
	if _, ok := r.StartAddrs[addr]; ok {
		return true
	}
	_, ok := r.StartOffsets[res.OffsetOf(addr)]
	return ok
}

// ShouldStop reports whether a deactivation rule matches addr. Evaluated at
// instruction exit points.
func (r *Rules) ShouldStop(addr uint64, res Resolver) bool {
	if _, ok := r.StopAddrs[addr]; ok {
		return true
	}
	_, ok := r.StopOffsets[res.OffsetOf(addr)]
	return ok
}
