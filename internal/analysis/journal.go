package analysis

// Entry is one journaled pre-write byte. Never mutated after insertion.
type Entry struct {
	Addr  uint64
	Value byte
}

// MemWriter restores journaled bytes during a rollback. host.Host
// satisfies it.
type MemWriter interface {
	MemWrite(addr uint64, data []byte) error
}

// Journal is the append-only log of (address, previous byte) pairs recorded
// while a snapshot window is open. Access is serialized by the analysis
// context lock.
type Journal struct {
	entries []Entry
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{}
}

// Record appends one pre-write byte value.
func (j *Journal) Record(addr uint64, value byte) {
	j.entries = append(j.entries, Entry{Addr: addr, Value: value})
}

// Len returns the number of journaled bytes.
func (j *Journal) Len() int {
	return len(j.entries)
}

// Entries returns a copy of the journal in record order.
func (j *Journal) Entries() []Entry {
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Restore replays the journal in reverse, writing each original byte back,
// then clears it. Reverse order matters: overlapping writes must end with
// the oldest value.
func (j *Journal) Restore(w MemWriter) error {
	for i := len(j.entries) - 1; i >= 0; i-- {
		e := j.entries[i]
		if err := w.MemWrite(e.Addr, []byte{e.Value}); err != nil {
			return err
		}
	}
	j.entries = nil
	return nil
}

// Clear drops all entries without restoring them.
func (j *Journal) Clear() {
	j.entries = nil
}
