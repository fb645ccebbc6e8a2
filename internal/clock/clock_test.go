package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTickStrictlyMonotonic(t *testing.T) {
	var c Clock
	prev := c.Tick()
	for i := 0; i < 1000; i++ {
		next := c.Tick()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestTickMonotonicUnderConcurrency(t *testing.T) {
	var c Clock
	const goroutines = 8
	const perGoroutine = 2000

	seen := make([][]uint64, goroutines)
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		g := g
		go func() {
			defer wg.Done()
			vals := make([]uint64, perGoroutine)
			for i := range vals {
				vals[i] = c.Tick()
			}
			seen[g] = vals
		}()
	}
	wg.Wait()

	all := make(map[uint64]bool, goroutines*perGoroutine)
	for _, vals := range seen {
		for i, v := range vals {
			if i > 0 {
				require.Greater(t, v, vals[i-1], "a goroutine's ticks must strictly increase")
			}
			require.False(t, all[v], "clock issued the same value twice")
			all[v] = true
		}
	}
}

func TestBumpNeverRegresses(t *testing.T) {
	var c Clock
	c.Bump(100)
	require.EqualValues(t, 100, c.Peek())

	c.Bump(50)
	require.EqualValues(t, 100, c.Peek(), "bump must never lower the clock")

	c.Bump(200)
	require.EqualValues(t, 200, c.Peek())
}
