// Package txn defines the per-goroutine transaction descriptor and its
// private buffers: the read log, redo log, undo log and lock list that
// every algorithm in package algo reads and mutates. The descriptor itself
// is data only — it has no notion of which algorithm is driving it.
package txn

import (
	"unsafe"

	"github.com/orecstm/gostm/internal/orec"
)

// AllocatorHooks is the allocator bridge named in the external interfaces:
// an external allocator defers frees and retracts speculative allocations
// around a transaction's lifetime. This module does not implement an
// allocator. A Descriptor only stores the hooks (Descriptor.Allocator); no
// algorithm in this module calls them.
type AllocatorHooks interface {
	OnTxBegin()
	OnTxCommit()
	OnTxAbort()
}

// Callbacks are invoked at the transaction's terminal state, after all
// internal cleanup.
type Callbacks interface {
	OnCommit()
	OnRollback()
}

// RedoEntry is one buffered write: the value and byte-mask to apply to
// Addr on writeback.
type RedoEntry struct {
	Addr unsafe.Pointer
	Val  uint64
	Mask uint64
}

// RedoLog is the address-keyed, last-write-wins write buffer. Iteration via
// Entries preserves insertion order, which writeback relies on for
// determinism when two transactions touch the same orec from different
// addresses.
type RedoLog struct {
	entries []RedoEntry
	index   map[unsafe.Pointer]int
}

// Insert buffers a write. If addr was already written this transaction,
// the new value overrides the masked bytes and the entry's mask grows to
// cover both writes, preserving any previously-written bytes the new write
// doesn't touch.
func (l *RedoLog) Insert(addr unsafe.Pointer, val, mask uint64) {
	if l.index == nil {
		l.index = make(map[unsafe.Pointer]int)
	}
	if i, ok := l.index[addr]; ok {
		e := &l.entries[i]
		e.Val = (e.Val &^ mask) | (val & mask)
		e.Mask |= mask
		return
	}
	l.index[addr] = len(l.entries)
	l.entries = append(l.entries, RedoEntry{Addr: addr, Val: val & mask, Mask: mask})
}

// Find returns the buffered value for addr, if any, for RAW resolution.
func (l *RedoLog) Find(addr unsafe.Pointer) (val, mask uint64, ok bool) {
	if l.index == nil {
		return 0, 0, false
	}
	i, ok := l.index[addr]
	if !ok {
		return 0, 0, false
	}
	e := l.entries[i]
	return e.Val, e.Mask, true
}

// Entries returns the buffered writes in insertion order.
func (l *RedoLog) Entries() []RedoEntry {
	return l.entries
}

// Len reports how many distinct addresses have been written.
func (l *RedoLog) Len() int {
	return len(l.entries)
}

// Reset clears the log, retaining backing storage.
func (l *RedoLog) Reset() {
	l.entries = l.entries[:0]
	for k := range l.index {
		delete(l.index, k)
	}
}

// UndoEntry records the prior value (and byte-mask) of an address touched
// by an eager or in-place writer, so it can be restored on rollback.
type UndoEntry struct {
	Addr  unsafe.Pointer
	Prior uint64
	Mask  uint64
}

// Descriptor is one goroutine's transactional state, reused across
// arbitrarily many transactions. It carries no algorithm-specific logic;
// algorithms in package algo read and write these fields directly.
type Descriptor struct {
	// NestingDepth tracks flat nesting: it goes 0->1 on the outermost
	// Begin and only commits for real at 1->0. Nesting beyond flat is
	// not otherwise supported (see module non-goals).
	NestingDepth int

	StartTime uint64
	TSCache   uint64
	Order     int64 // -1 when not enqueued in a total order

	ReadLog []*orec.Orec
	Writes  RedoLog
	UndoLog []UndoEntry
	Locks   []*orec.Orec

	// MyLock is this descriptor's unique lock-owner id, with orec.LockBit
	// set, assigned once at creation and constant for the descriptor's
	// lifetime.
	MyLock uint64

	Turbo     bool
	ReadWrite bool

	Allocator AllocatorHooks
	Callbacks Callbacks

	Aborts    uint64
	CommitsRO uint64
	CommitsRW uint64
}

// AppendRead logs an orec read. Duplicates are tolerated; deduplicating
// would be an optimization, not a correctness requirement.
func (d *Descriptor) AppendRead(o *orec.Orec) {
	d.ReadLog = append(d.ReadLog, o)
}

// AppendLock records that this descriptor currently holds o.
func (d *Descriptor) AppendLock(o *orec.Orec) {
	d.Locks = append(d.Locks, o)
}

// AppendUndo records the prior value of addr for later rollback.
func (d *Descriptor) AppendUndo(addr unsafe.Pointer, prior, mask uint64) {
	d.UndoLog = append(d.UndoLog, UndoEntry{Addr: addr, Prior: prior, Mask: mask})
}

// ResetBuffers clears the read log, redo log, undo log and lock list,
// retaining their backing storage. It does not touch Order, Turbo,
// ReadWrite, StartTime or TSCache: those are algorithm-owned and reset (or
// deliberately preserved) by the algorithm's own Begin/Commit/Rollback.
func (d *Descriptor) ResetBuffers() {
	d.ReadLog = d.ReadLog[:0]
	d.Writes.Reset()
	d.UndoLog = d.UndoLog[:0]
	d.Locks = d.Locks[:0]
}
