// Package lltamd64 implements the lazy-acquire orec STM: reads are
// validated with a check-twice pattern against a tick-counter clock,
// writes are buffered and only acquire their orecs at commit time.
package lltamd64

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/orecstm/gostm/internal/clock"
	"github.com/orecstm/gostm/internal/orec"
	"github.com/orecstm/gostm/internal/txn"
	"github.com/orecstm/gostm/proto"
)

// ErrConflict is wrapped into every proto.Abort this algorithm raises.
var ErrConflict = errors.New("lltamd64: conflict")

// Algorithm is the LLT-AMD64 core. A single instance is shared by every
// descriptor using it; all of its state is the orec table and the clock,
// both already safe for concurrent use.
type Algorithm struct {
	table *orec.Table
	clk   *clock.Clock
}

// New constructs an LLT-AMD64 algorithm instance over the given orec table
// and clock. The table and clock are typically shared with sibling
// algorithms registered on the same runtime, so that OnSwitchTo can
// preserve version-clock monotonicity across a swap.
func New(table *orec.Table, clk *clock.Clock) *Algorithm {
	return &Algorithm{table: table, clk: clk}
}

func (a *Algorithm) Name() string        { return "lltamd64" }
func (a *Algorithm) SupportsTurbo() bool { return false }

// OnSwitchTo bumps the clock to at least tsMax, so version numbers handed
// out after a swap into this algorithm never collide with versions
// published by whatever algorithm ran before it.
func (a *Algorithm) OnSwitchTo(tsMax uint64) {
	a.clk.Bump(tsMax)
}

// Begin samples the clock and clears the descriptor's buffers.
func (a *Algorithm) Begin(tx *txn.Descriptor, flags proto.BeginFlags) proto.ResumeMode {
	tx.NestingDepth++
	if tx.NestingDepth > 1 {
		return proto.ResumeInstrumented
	}
	tx.ResetBuffers()
	tx.ReadWrite = false
	tx.StartTime = a.clk.Tick()
	return proto.ResumeInstrumented
}

// ReadWord performs the check-twice read: orec version, data, orec version
// again. Writing transactions consult the redo log first for RAW hazards.
func (a *Algorithm) ReadWord(tx *txn.Descriptor, addr unsafe.Pointer) uint64 {
	if tx.ReadWrite {
		if val, mask, ok := tx.Writes.Find(addr); ok && mask == ^uint64(0) {
			return val
		}
	}
	o := a.table.Get(addr)
	for {
		ivt1 := orec.Load(o)
		orec.CFence()
		tmp := atomic.LoadUint64((*uint64)(addr))
		orec.CFence()
		ivt2 := orec.Load(o)
		if ivt1 == ivt2 && ivt1 <= tx.StartTime {
			tx.AppendRead(o)
			if tx.ReadWrite {
				if val, mask, ok := tx.Writes.Find(addr); ok {
					return (tmp &^ mask) | (val & mask)
				}
			}
			return tmp
		}
		proto.Raise(errors.Wrap(ErrConflict, "read validation failed"))
	}
}

// WriteWord buffers a write. The first write of a transaction promotes it
// to read-write dispatch.
func (a *Algorithm) WriteWord(tx *txn.Descriptor, addr unsafe.Pointer, val, mask uint64) {
	tx.ReadWrite = true
	tx.Writes.Insert(addr, val, mask)
}

// Commit runs the five-step writing-transaction protocol, or is a no-op
// (beyond bookkeeping) for a read-only transaction.
func (a *Algorithm) Commit(tx *txn.Descriptor) {
	tx.NestingDepth--
	if tx.NestingDepth > 0 {
		return
	}
	if !tx.ReadWrite {
		tx.CommitsRO++
		tx.ResetBuffers()
		if tx.Callbacks != nil {
			tx.Callbacks.OnCommit()
		}
		return
	}

	for _, e := range tx.Writes.Entries() {
		o := a.table.Get(e.Addr)
		acquired, alreadyHeld := orec.Acquire(o, tx.StartTime, tx.MyLock)
		if !acquired {
			a.abortCommit(tx, errors.Wrap(ErrConflict, "failed to acquire write-set orec"))
		}
		if !alreadyHeld {
			tx.AppendLock(o)
		}
	}

	endTime := a.clk.Tick()

	for _, o := range tx.ReadLog {
		v := orec.Load(o)
		if v > tx.StartTime && v != tx.MyLock {
			a.abortCommit(tx, errors.Wrap(ErrConflict, "read-set validation failed at commit"))
		}
	}

	for _, e := range tx.Writes.Entries() {
		writebackMasked(e.Addr, e.Val, e.Mask)
	}

	for _, o := range tx.Locks {
		orec.Release(o, endTime)
	}

	tx.CommitsRW++
	tx.ResetBuffers()
	if tx.Callbacks != nil {
		tx.Callbacks.OnCommit()
	}
}

// abortCommit releases any orecs already acquired this commit attempt
// before raising the abort, so a failed committer never leaves orecs
// locked behind it. Aborts/ResetBuffers are left to the Rollback the
// retry driver always runs after recovering the abort.
func (a *Algorithm) abortCommit(tx *txn.Descriptor, reason error) {
	for _, o := range tx.Locks {
		orec.ReleaseToSaved(o)
	}
	proto.Raise(reason)
}

// Rollback releases any held locks to their pre-acquisition versions and
// clears the descriptor's buffers.
func (a *Algorithm) Rollback(tx *txn.Descriptor) {
	tx.NestingDepth = 0
	for _, o := range tx.Locks {
		orec.ReleaseToSaved(o)
	}
	tx.Aborts++
	tx.ResetBuffers()
	if tx.Callbacks != nil {
		tx.Callbacks.OnRollback()
	}
}

func (a *Algorithm) IsIrrevocable(tx *txn.Descriptor) bool { return false }

func (a *Algorithm) BecomeIrrevocable(tx *txn.Descriptor) {
	proto.Raise(errors.New("lltamd64: become_irrevocable is not supported"))
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
