package cohorteager

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/orecstm/gostm/internal/orec"
	"github.com/orecstm/gostm/internal/txn"
	"github.com/orecstm/gostm/proto"
)

func newTx(n int) *txn.Descriptor {
	return &txn.Descriptor{Order: -1, MyLock: orec.LockBit | uint64(n)}
}

func atomically(t *testing.T, a *Algorithm, tx *txn.Descriptor, flags proto.BeginFlags, crit func()) {
	t.Helper()
	for {
		a.Begin(tx, flags)
		aborted := func() (aborted bool) {
			defer func() {
				if r := recover(); r != nil {
					if _, ok := r.(*proto.Abort); ok {
						aborted = true
						return
					}
					panic(r)
				}
			}()
			crit()
			a.Commit(tx)
			return false
		}()
		if aborted {
			a.Rollback(tx)
			continue
		}
		return
	}
}

func TestOnlyOneTurboSlotPerCohort(t *testing.T) {
	a := New(orec.NewTable(4))
	first := newTx(1)
	second := newTx(2)

	a.Begin(first, FlagLastInCohort)
	require.True(t, first.Turbo)

	// Admit second into the same cohort generation (first hasn't advanced
	// committed yet, so the generation the gatekeeper keys on is
	// unchanged) without going through first's full Commit.
	a.coord.inplace.Store(0)
	a.Begin(second, FlagLastInCohort)
	require.False(t, second.Turbo, "gatekeeper must admit only one turbo claim per cohort generation")
}

func TestTurboWriteIsEagerAndUndoLogged(t *testing.T) {
	a := New(orec.NewTable(4))
	tx := newTx(1)
	var y uint64 = 1

	a.Begin(tx, FlagLastInCohort)
	require.True(t, tx.Turbo)

	a.WriteWord(tx, unsafe.Pointer(&y), 7, ^uint64(0))
	require.EqualValues(t, 7, y, "turbo writes land in place immediately")
	require.Len(t, tx.UndoLog, 1)
	require.EqualValues(t, 1, tx.UndoLog[0].Prior)

	a.Commit(tx)
	require.EqualValues(t, 7, y)
}

func TestNonTurboReadWriteCommitsNormally(t *testing.T) {
	a := New(orec.NewTable(4))
	var x uint64 = 10
	tx := newTx(1)

	atomically(t, a, tx, 0, func() {
		cur := a.ReadWord(tx, unsafe.Pointer(&x))
		a.WriteWord(tx, unsafe.Pointer(&x), cur+1, ^uint64(0))
	})
	require.EqualValues(t, 11, x)
	require.EqualValues(t, 1, tx.CommitsRW)
}

func TestRollbackRestoresTurboWriteAndReleasesCohortSlot(t *testing.T) {
	a := New(orec.NewTable(4))
	tx := newTx(1)
	var y uint64 = 1

	a.Begin(tx, FlagLastInCohort)
	a.WriteWord(tx, unsafe.Pointer(&y), 7, ^uint64(0))
	require.EqualValues(t, 7, y)

	a.Rollback(tx)
	require.EqualValues(t, 1, y, "rollback must undo the eager in-place write")
	require.False(t, tx.Turbo)
	require.Zero(t, a.coord.inplace.Load(), "rollback must release the cohort's turbo slot")

	// started is cumulative and only ever decremented on the read-only
	// commit path; rollback must not touch it.
	require.EqualValues(t, 1, a.coord.started.Load())
}

func TestReadOnlyTransactionDoesNotBlockCohort(t *testing.T) {
	a := New(orec.NewTable(4))
	var x uint64 = 42
	tx := newTx(1)

	atomically(t, a, tx, 0, func() {
		_ = a.ReadWord(tx, unsafe.Pointer(&x))
	})
	require.EqualValues(t, 1, tx.CommitsRO)
	require.Zero(t, a.coord.started.Load())
}
