package stm

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/orecstm/gostm/algo/cohorteager"
)

func newCounterRuntime(t *testing.T, algorithm string) (*Runtime, *uint64) {
	t.Helper()
	rt := NewRuntime(WithOrecTableBits(10))
	require.NoError(t, rt.Use(algorithm))
	x := new(uint64)
	return rt, x
}

// TestSingleThreadCounter is end-to-end scenario 1: one goroutine
// increments x inside 1,000,000 transactions with zero aborts expected.
func TestSingleThreadCounter(t *testing.T) {
	rt, x := newCounterRuntime(t, "lltamd64")
	th := rt.NewThread()
	const n = 1_000_000
	for i := 0; i < n; i++ {
		rt.Atomically(th, func(d *Descriptor) {
			cur := rt.ReadUint64(d, unsafe.Pointer(x))
			rt.WriteUint64(d, unsafe.Pointer(x), cur+1)
		})
	}
	require.EqualValues(t, n, *x)
	aborts, _, commitsRW := th.Counters()
	require.Zero(t, aborts)
	require.EqualValues(t, n, commitsRW)
}

// TestTwoThreadCounterLLT is end-to-end scenario 2.
func TestTwoThreadCounterLLT(t *testing.T) {
	rt, x := newCounterRuntime(t, "lltamd64")
	const perThread = 500_000

	var wg sync.WaitGroup
	results := make([]*Descriptor, 2)
	for g := 0; g < 2; g++ {
		g := g
		results[g] = rt.NewThread()
		wg.Add(1)
		go func() {
			defer wg.Done()
			th := results[g]
			for i := 0; i < perThread; i++ {
				rt.Atomically(th, func(d *Descriptor) {
					cur := rt.ReadUint64(d, unsafe.Pointer(x))
					rt.WriteUint64(d, unsafe.Pointer(x), cur+1)
				})
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 2*perThread, *x)
	var totalRW uint64
	for _, th := range results {
		_, _, rw := th.Counters()
		totalRW += rw
	}
	require.EqualValues(t, 2*perThread, totalRW)
}

// TestConflictRetry is end-to-end scenario 5: both threads hammer the same
// word; the final value must reflect every increment and at least one
// thread must have recorded an abort.
func TestConflictRetry(t *testing.T) {
	rt, x := newCounterRuntime(t, "lltamd64")
	const perThread = 100_000

	var wg sync.WaitGroup
	threads := make([]*Descriptor, 2)
	for g := 0; g < 2; g++ {
		threads[g] = rt.NewThread()
	}
	wg.Add(2)
	for g := 0; g < 2; g++ {
		th := threads[g]
		go func() {
			defer wg.Done()
			for i := 0; i < perThread; i++ {
				rt.Atomically(th, func(d *Descriptor) {
					cur := rt.ReadUint64(d, unsafe.Pointer(x))
					rt.WriteUint64(d, unsafe.Pointer(x), cur+1)
				})
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 2*perThread, *x)
	var totalAborts uint64
	for _, th := range threads {
		aborts, _, _ := th.Counters()
		totalAborts += aborts
	}
	require.NotZero(t, totalAborts, "at least one thread must have recorded an abort")
}

// TestRollbackRestoration is end-to-end scenario 6: thread A begins, writes
// y=7 eagerly via the cohort's turbo path, then is rolled back. After
// A's rollback, y must never be observably 7 to a subsequent reader.
func TestRollbackRestoration(t *testing.T) {
	rt := NewRuntime(WithOrecTableBits(8))
	require.NoError(t, rt.Use("cohorteager"))
	y := new(uint64)
	*y = 1

	thA := rt.NewThread()
	rt.Begin(thA, cohorteager.FlagLastInCohort)
	rt.WriteUint64(thA, unsafe.Pointer(y), 7)
	require.EqualValues(t, 7, *y, "turbo path writes in place")

	rt.Rollback(thA, nil)
	require.EqualValues(t, 1, *y, "rollback must restore the pre-transaction value")

	thB := rt.NewThread()
	var observed uint64
	rt.Atomically(thB, func(d *Descriptor) {
		observed = rt.ReadUint64(d, unsafe.Pointer(y))
	})
	require.NotEqual(t, uint64(7), observed)
}
