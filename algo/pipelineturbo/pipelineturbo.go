// Package pipelineturbo implements the totally-ordered pipeline algorithm:
// transactions are assigned a monotonic order at begin time and must
// commit in that order; whichever transaction is currently oldest may run
// in turbo mode, writing directly into memory.
package pipelineturbo

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
var ErrConflict = errors.New("pipelineturbo: conflict")

// ErrAdaptivitySwap is raised when a spin loop notices the registered
// algorithm changed out from under it.
var ErrAdaptivitySwap = errors.New("pipelineturbo: algorithm swapped during wait")

// coordination is the global, padded state shared by every descriptor
// running this algorithm: the begin-order counter and the publication
// point of the most recently completed commit.
type coordination struct {
	_            padding.Pad64
	timestamp    atomic.Int64
	_            padding.Pad64
	lastComplete atomic.Int64
	_            padding.Pad64
}

// Algorithm is the Pipeline-Turbo core.
type Algorithm struct {
	table   *orec.Table
	coord   coordination
	current proto.CurrentProvider
	fatal   proto.FatalSink
}

// New constructs a Pipeline-Turbo algorithm instance. current is consulted
// by commit-time spin loops to detect an adaptivity swap; pass nil if the
// runtime never swaps algorithms (the spin loops simply never abort for
// that reason). fatal receives conditions this algorithm cannot retry out
// of, such as a self-abort attempted once a transaction is already turbo;
// pass nil only in tests that never exercise that path.
func New(table *orec.Table, current proto.CurrentProvider, fatal proto.FatalSink) *Algorithm {
	return &Algorithm{table: table, current: current, fatal: fatal}
}

func (a *Algorithm) Name() string        { return "pipelineturbo" }
func (a *Algorithm) SupportsTurbo() bool { return true }

// OnSwitchTo restores the two invariants Pipeline-Turbo depends on after a
// swap: last_complete == timestamp, and every live descriptor's Order is
// -1 (the caller is responsible for the latter, since this algorithm has
// no registry of live descriptors; see stm.Runtime.Use).
func (a *Algorithm) OnSwitchTo(tsMax uint64) {
	ts := int64(tsMax)
	for {
		cur := a.coord.timestamp.Load()
		if cur >= ts {
			break
		}
		if a.coord.timestamp.CompareAndSwap(cur, ts) {
			break
		}
	}
	a.coord.lastComplete.Store(a.coord.timestamp.Load())
}

// ResetOrder sets a descriptor's Order back to -1, as required after an
// OnSwitchTo. stm.Runtime.Use does not call it; it resets Order on the
// descriptors it tracks directly.
func ResetOrder(tx *txn.Descriptor) {
	tx.Order = -1
}

// Begin assigns a fresh order on first entry (Order == -1); a retried
// transaction keeps the slot it already held. If the pipeline has already
// drained up to this transaction's predecessor, it goes straight to turbo
// mode.
func (a *Algorithm) Begin(tx *txn.Descriptor, flags proto.BeginFlags) proto.ResumeMode {
	tx.NestingDepth++
	if tx.NestingDepth > 1 {
		return proto.ResumeInstrumented
	}
	tx.ResetBuffers()
	tx.ReadWrite = false
	tx.Turbo = false
	if tx.Order == -1 {
		tx.Order = a.coord.timestamp.Add(1)
	}
	tx.TSCache = uint64(a.coord.lastComplete.Load())
	if int64(tx.TSCache) == tx.Order-1 {
		tx.Turbo = true
	}
	return proto.ResumeInstrumented
}

// ReadWord dispatches to the turbo or non-turbo read path.
func (a *Algorithm) ReadWord(tx *txn.Descriptor, addr unsafe.Pointer) uint64 {
	if tx.Turbo {
		return atomic.LoadUint64((*uint64)(addr))
	}
	if val, mask, ok := tx.Writes.Find(addr); ok && mask == ^uint64(0) {
		return val
	}
	tmp := atomic.LoadUint64((*uint64)(addr))
	orec.CFence()
	o := a.table.Get(addr)
	ivt := orec.Load(o)
	if ivt > tx.TSCache {
		proto.Raise(errors.Wrap(ErrConflict, "read newer than snapshot"))
	}
	tx.AppendRead(o)
	if finish := a.coord.lastComplete.Load(); uint64(finish) > tx.TSCache {
		a.validateAndMaybePromote(tx, uint64(finish))
	}
	if val, mask, ok := tx.Writes.Find(addr); ok {
		return (tmp &^ mask) | (val & mask)
	}
	return tmp
}

// WriteWord buffers a non-turbo write, or performs an in-place marked
// store when the transaction is already in turbo mode.
func (a *Algorithm) WriteWord(tx *txn.Descriptor, addr unsafe.Pointer, val, mask uint64) {
	if tx.Turbo {
		o := a.table.Get(addr)
		orec.Release(o, uint64(tx.Order))
		orec.CFence()
		writebackMasked(addr, val, mask)
		return
	}
	tx.ReadWrite = true
	tx.Writes.Insert(addr, val, mask)
}

// validateAndMaybePromote re-validates the read log against the latest
// published completion point and, if this transaction has now become the
// oldest, flushes its write set and promotes it to turbo mode.
func (a *Algorithm) validateAndMaybePromote(tx *txn.Descriptor, finishCache uint64) {
	for _, o := range tx.ReadLog {
		if orec.Load(o) > tx.TSCache {
			proto.Raise(errors.Wrap(ErrConflict, "read-set invalidated by newer commit"))
		}
	}
	tx.TSCache = finishCache
	if int64(tx.TSCache) == tx.Order-1 {
		a.flushWrites(tx)
		tx.Turbo = true
	}
}

func (a *Algorithm) flushWrites(tx *txn.Descriptor) {
	for _, e := range tx.Writes.Entries() {
		o := a.table.Get(e.Addr)
		orec.Release(o, uint64(tx.Order))
	}
	orec.CFence()
	for _, e := range tx.Writes.Entries() {
		writebackMasked(e.Addr, e.Val, e.Mask)
	}
	tx.Writes.Reset()
}

// spinForTurn busy-waits until last_complete == order-1, aborting instead
// of spinning forever if the registered algorithm changes underneath it.
func (a *Algorithm) spinForTurn(tx *txn.Descriptor) {
	for a.coord.lastComplete.Load() != tx.Order-1 {
		if a.current != nil && a.current.Current() != proto.Algorithm(a) {
			proto.Raise(ErrAdaptivitySwap)
		}
		runtime.Gosched()
	}
}

// Commit runs the wait/validate/publish protocol for whichever mode the
// transaction is in.
func (a *Algorithm) Commit(tx *txn.Descriptor) {
	tx.NestingDepth--
	if tx.NestingDepth > 0 {
		return
	}

	if tx.Turbo {
		orec.CFence()
		a.coord.lastComplete.Store(tx.Order)
		tx.Order = -1
		tx.CommitsRW++
		tx.ResetBuffers()
		if tx.Callbacks != nil {
			tx.Callbacks.OnCommit()
		}
		return
	}

	a.spinForTurn(tx)

	for _, o := range tx.ReadLog {
		if orec.Load(o) > tx.TSCache {
			proto.Raise(errors.Wrap(ErrConflict, "read-set invalidated before commit"))
		}
	}

	if tx.ReadWrite {
		for _, e := range tx.Writes.Entries() {
			o := a.table.Get(e.Addr)
			orec.Release(o, uint64(tx.Order))
		}
		orec.CFence()
		for _, e := range tx.Writes.Entries() {
			writebackMasked(e.Addr, e.Val, e.Mask)
		}
		tx.CommitsRW++
	} else {
		tx.CommitsRO++
	}

	a.coord.lastComplete.Store(tx.Order)
	tx.Order = -1
	tx.ResetBuffers()
	if tx.Callbacks != nil {
		tx.Callbacks.OnCommit()
	}
}

// Rollback is fatal in turbo mode (the source disallows self-abort once a
// transaction is the relaxed-instrumentation oldest). Otherwise it resets
// buffers but keeps Order, so a retry reclaims the same pipeline slot.
func (a *Algorithm) Rollback(tx *txn.Descriptor) {
	if tx.Turbo {
		if a.fatal != nil {
			a.fatal.Fatal(a.Name(), "rollback_in_turbo")
		}
		panic(errors.New("pipelineturbo: rollback is not supported in turbo mode"))
	}
	tx.NestingDepth = 0
	tx.Aborts++
	tx.ResetBuffers()
	if tx.Callbacks != nil {
		tx.Callbacks.OnRollback()
	}
}

func (a *Algorithm) IsIrrevocable(tx *txn.Descriptor) bool { return false }

func (a *Algorithm) BecomeIrrevocable(tx *txn.Descriptor) {
	proto.Raise(errors.New("pipelineturbo: become_irrevocable is not supported"))
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
