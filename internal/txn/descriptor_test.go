package txn

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/orecstm/gostm/internal/orec"
)

func TestRedoLogInsertMergesMasks(t *testing.T) {
	var log RedoLog
	var x uint64
	addr := unsafe.Pointer(&x)

	log.Insert(addr, 0x00000000000000FF, 0x00000000000000FF)
	log.Insert(addr, 0x000000000000FF00, 0x000000000000FF00)

	val, mask, ok := log.Find(addr)
	require.True(t, ok)
	require.EqualValues(t, 0x000000000000FFFF, mask)
	require.EqualValues(t, 0x000000000000FFFF, val)
	require.Equal(t, 1, log.Len())
}

func TestRedoLogLaterWriteOverridesOverlappingBytes(t *testing.T) {
	var log RedoLog
	var x uint64
	addr := unsafe.Pointer(&x)

	log.Insert(addr, 0xFF, ^uint64(0))
	log.Insert(addr, 0x01, 0xFF)

	val, mask, ok := log.Find(addr)
	require.True(t, ok)
	require.EqualValues(t, ^uint64(0), mask)
	require.EqualValues(t, 0x01, val)
}

func TestRedoLogReset(t *testing.T) {
	var log RedoLog
	var x uint64
	log.Insert(unsafe.Pointer(&x), 1, ^uint64(0))
	require.Equal(t, 1, log.Len())

	log.Reset()
	require.Equal(t, 0, log.Len())
	_, _, ok := log.Find(unsafe.Pointer(&x))
	require.False(t, ok)
}

func TestDescriptorResetBuffersPreservesAlgorithmState(t *testing.T) {
	var d Descriptor
	d.Order = 5
	d.Turbo = true
	d.ReadWrite = true
	d.StartTime = 42
	d.TSCache = 7

	var x uint64
	d.AppendRead(&orec.Orec{})
	d.AppendUndo(unsafe.Pointer(&x), 1, ^uint64(0))
	d.Writes.Insert(unsafe.Pointer(&x), 2, ^uint64(0))

	d.ResetBuffers()

	require.Empty(t, d.ReadLog)
	require.Empty(t, d.UndoLog)
	require.Empty(t, d.Locks)
	require.Equal(t, 0, d.Writes.Len())

	require.EqualValues(t, 5, d.Order)
	require.True(t, d.Turbo)
	require.True(t, d.ReadWrite)
	require.EqualValues(t, 42, d.StartTime)
	require.EqualValues(t, 7, d.TSCache)
}
