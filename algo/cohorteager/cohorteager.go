// Package cohorteager implements the cohort-batching algorithm:
// transactions begin together in batches ("cohorts"), a new cohort cannot
// start until the previous one fully drains, and the last transaction
// admitted to a cohort may run in turbo mode with in-place writes.
package cohorteager

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/orecstm/gostm/internal/orec"
	"github.com/orecstm/gostm/internal/padding"
	"github.com/orecstm/gostm/internal/txn"
	"github.com/orecstm/gostm/proto"
)

// ErrConflict is wrapped into every proto.Abort this algorithm raises.
var ErrConflict = errors.New("cohorteager: conflict")

// FlagLastInCohort is a BeginFlags bit the caller sets to claim the single
// turbo slot in the cohort it is joining. Deciding who is "last" is left
// to an external scheduling policy; the core only guarantees that at most
// one Begin per cohort wins the claim, via the gatekeeper CAS below.
const FlagLastInCohort proto.BeginFlags = 1 << 8

type coordination struct {
	_            padding.Pad64
	started      atomic.Int64
	_            padding.Pad64
	cpending     atomic.Int64
	_            padding.Pad64
	committed    atomic.Int64
	_            padding.Pad64
	lastOrder    atomic.Int64
	_            padding.Pad64
	gatekeeper   atomic.Int64 // one past the cohort generation that has already handed out its turbo slot
	_            padding.Pad64
	inplace      atomic.Int64
	_            padding.Pad64
	lastComplete atomic.Int64
	_            padding.Pad64
}

// Algorithm is the Cohort-Eager core.
type Algorithm struct {
	table *orec.Table
	coord coordination
}

// New constructs a Cohort-Eager algorithm instance.
func New(table *orec.Table) *Algorithm {
	return &Algorithm{table: table}
}

func (a *Algorithm) Name() string        { return "cohorteager" }
func (a *Algorithm) SupportsTurbo() bool { return true }

// OnSwitchTo restores last_complete == timestamp-equivalent: since
// Cohort-Eager's clock is cpending/committed rather than a separate
// timestamp, this simply ensures last_complete is at least tsMax.
func (a *Algorithm) OnSwitchTo(tsMax uint64) {
	ts := int64(tsMax)
	for {
		cur := a.coord.lastComplete.Load()
		if cur >= ts {
			break
		}
		if a.coord.lastComplete.CompareAndSwap(cur, ts) {
			break
		}
	}
}

// Begin admits the calling descriptor into the current (or next) cohort.
func (a *Algorithm) Begin(tx *txn.Descriptor, flags proto.BeginFlags) proto.ResumeMode {
	tx.NestingDepth++
	if tx.NestingDepth > 1 {
		return proto.ResumeInstrumented
	}
	tx.ResetBuffers()
	tx.ReadWrite = false
	tx.Turbo = false

	for {
		for a.coord.cpending.Load() != a.coord.committed.Load() {
			runtime.Gosched()
		}
		a.coord.started.Add(1)
		if a.coord.cpending.Load() > a.coord.committed.Load() || a.coord.inplace.Load() == 1 {
			a.coord.started.Add(-1)
			continue
		}
		break
	}
	tx.TSCache = uint64(a.coord.lastComplete.Load())

	if flags&FlagLastInCohort != 0 {
		gen := a.coord.committed.Load()
		claimed := a.coord.gatekeeper.Load()
		if claimed != gen+1 && a.coord.gatekeeper.CompareAndSwap(claimed, gen+1) {
			tx.Turbo = true
			a.coord.inplace.Store(1)
		}
	}
	return proto.ResumeInstrumented
}

// ReadWord logs the orec and returns the current value, consulting the
// redo log first for RAW hazards.
func (a *Algorithm) ReadWord(tx *txn.Descriptor, addr unsafe.Pointer) uint64 {
	if val, mask, ok := tx.Writes.Find(addr); ok && mask == ^uint64(0) {
		return val
	}
	o := a.table.Get(addr)
	tx.AppendRead(o)
	tmp := atomic.LoadUint64((*uint64)(addr))
	if val, mask, ok := tx.Writes.Find(addr); ok {
		return (tmp &^ mask) | (val & mask)
	}
	return tmp
}

// WriteWord buffers the write, or, in turbo mode, marks the orec and
// writes in place, recording an undo entry first so a later rollback (only
// reachable before this transaction reaches Commit, per Rollback) can
// restore it.
func (a *Algorithm) WriteWord(tx *txn.Descriptor, addr unsafe.Pointer, val, mask uint64) {
	if tx.Turbo {
		o := a.table.Get(addr)
		orec.Release(o, uint64(a.coord.started.Load()))
		prior := atomic.LoadUint64((*uint64)(addr))
		tx.AppendUndo(addr, prior, mask)
		writebackMasked(addr, val, mask)
		return
	}
	tx.ReadWrite = true
	tx.Writes.Insert(addr, val, mask)
}

// Commit dispatches to the turbo, read-only, or writing protocol.
func (a *Algorithm) Commit(tx *txn.Descriptor) {
	tx.NestingDepth--
	if tx.NestingDepth > 0 {
		return
	}

	if tx.Turbo {
		order := a.coord.cpending.Add(1)
		for a.coord.lastComplete.Load() != order-1 {
			runtime.Gosched()
		}
		a.coord.inplace.Store(0)
		a.coord.lastComplete.Store(order)
		a.coord.committed.Add(1)
		tx.Turbo = false
		tx.CommitsRW++
		tx.ResetBuffers()
		if tx.Callbacks != nil {
			tx.Callbacks.OnCommit()
		}
		return
	}

	if !tx.ReadWrite {
		a.coord.started.Add(-1)
		tx.CommitsRO++
		tx.ResetBuffers()
		if tx.Callbacks != nil {
			tx.Callbacks.OnCommit()
		}
		return
	}

	order := a.coord.cpending.Add(1)
	tx.Order = order
	for a.coord.lastComplete.Load() != order-1 {
		runtime.Gosched()
	}
	for a.coord.cpending.Load() < a.coord.started.Load() {
		runtime.Gosched()
	}

	if a.coord.inplace.Load() == 1 || order != a.coord.lastOrder.Load() {
		a.validate(tx, order)
	}

	for _, e := range tx.Writes.Entries() {
		o := a.table.Get(e.Addr)
		orec.Release(o, uint64(order))
		writebackMasked(e.Addr, e.Val, e.Mask)
	}

	a.coord.committed.Add(1)
	a.coord.lastOrder.Store(a.coord.started.Load() + 1)
	a.coord.lastComplete.Store(order)
	tx.Order = -1
	tx.CommitsRW++
	tx.ResetBuffers()
	if tx.Callbacks != nil {
		tx.Callbacks.OnCommit()
	}
}

// validate checks the read log against the transaction's snapshot. On
// failure it still publishes the cohort's progress (increment committed,
// last_complete <- order) before aborting, so siblings waiting on this
// slot aren't left stuck behind a transaction that never commits. Aborts/
// ResetBuffers are left to the Rollback the retry driver always runs after
// recovering the abort.
func (a *Algorithm) validate(tx *txn.Descriptor, order int64) {
	for _, o := range tx.ReadLog {
		if orec.Load(o) > tx.TSCache {
			a.coord.committed.Add(1)
			a.coord.lastComplete.Store(order)
			tx.Order = -1
			proto.Raise(errors.Wrap(ErrConflict, "read-set validation failed"))
		}
	}
}

// Rollback undoes eager in-place writes via the undo log (in reverse) and
// clears the read/write logs. It is not reachable once a transaction has
// actually entered the turbo commit path (Commit handles turbo directly),
// but a turbo transaction that aborts before calling Commit still needs
// its in-place writes restored here.
func (a *Algorithm) Rollback(tx *txn.Descriptor) {
	tx.NestingDepth = 0
	for i := len(tx.UndoLog) - 1; i >= 0; i-- {
		e := tx.UndoLog[i]
		writebackMasked(e.Addr, e.Prior, e.Mask)
	}
	if tx.Turbo {
		a.coord.inplace.Store(0)
		tx.Turbo = false
	}
	tx.Aborts++
	tx.ResetBuffers()
	if tx.Callbacks != nil {
		tx.Callbacks.OnRollback()
	}
}

func (a *Algorithm) IsIrrevocable(tx *txn.Descriptor) bool { return false }

func (a *Algorithm) BecomeIrrevocable(tx *txn.Descriptor) {
	proto.Raise(errors.New("cohorteager: become_irrevocable is not supported"))
}

func writebackMasked(addr unsafe.Pointer, val, mask uint64) {
	if mask == ^uint64(0) {
		atomic.StoreUint64((*uint64)(addr), val)
		return
	}
	for {
		old := atomic.LoadUint64((*uint64)(addr))
		next := (old &^ mask) | (val & mask)
		if atomic.CompareAndSwapUint64((*uint64)(addr), old, next) {
			return
		}
	}
}
