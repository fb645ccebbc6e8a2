package stm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/orecstm/gostm/algo/cohorteager"
	"github.com/orecstm/gostm/algo/lltamd64"
	"github.com/orecstm/gostm/algo/pipelineturbo"
	"github.com/orecstm/gostm/internal/clock"
	"github.com/orecstm/gostm/internal/orec"
	"github.com/orecstm/gostm/internal/txn"
	"github.com/orecstm/gostm/proto"
)

// Descriptor is one goroutine's transactional handle, obtained once from
// Runtime.NewThread and reused across transactions. It wraps the pure-data
// internal/txn.Descriptor with the algorithm that produced its current
// in-flight state.
type Descriptor struct {
	tx  txn.Descriptor
	alg proto.Algorithm
}

// Counters reports this descriptor's lifetime bookkeeping.
func (d *Descriptor) Counters() (aborts, commitsRO, commitsRW uint64) {
	return d.tx.Aborts, d.tx.CommitsRO, d.tx.CommitsRW
}

// SetCallbacks installs the user callbacks invoked at commit/rollback.
func (d *Descriptor) SetCallbacks(cb txn.Callbacks) { d.tx.Callbacks = cb }

// SetAllocator installs the allocator bridge hooks.
func (d *Descriptor) SetAllocator(a txn.AllocatorHooks) { d.tx.Allocator = a }

const defaultOrecTableBits = 20

// Option configures a Runtime at construction time.
type Option func(*runtimeConfig)

type runtimeConfig struct {
	orecTableBits uint
	logger        *zap.Logger
}

// WithOrecTableBits sizes the orec table to 2^bits entries. The default is
// 20 (one million entries).
func WithOrecTableBits(bits uint) Option {
	return func(c *runtimeConfig) { c.orecTableBits = bits }
}

// WithLogger overrides the runtime's logger, which otherwise defaults to a
// no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *runtimeConfig) { c.logger = l }
}

// Runtime owns the process-wide coordination state shared by a family of
// algorithms: one orec table and the registered set of algorithms that
// share it. Most programs need exactly one Runtime; tests that want
// isolation from each other construct their own.
type Runtime struct {
	table  *orec.Table
	clock  clock.Clock
	logger *zap.Logger

	mu    sync.RWMutex
	algos map[string]proto.Algorithm

	current atomic.Pointer[proto.Algorithm]

	threadsMu sync.Mutex
	threads   []*Descriptor

	nextLockID atomic.Uint64
}

// NewRuntime constructs a Runtime with the three algorithm cores
// pre-registered, but no algorithm selected — call Use before the first
// Begin.
func NewRuntime(opts ...Option) *Runtime {
	cfg := runtimeConfig{orecTableBits: defaultOrecTableBits, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	rt := &Runtime{
		table:  orec.NewTable(cfg.orecTableBits),
		logger: cfg.logger,
		algos:  make(map[string]proto.Algorithm),
	}

	rt.Register(lltamd64.New(rt.table, &rt.clock))
	rt.Register(pipelineturbo.New(rt.table, rt, rt))
	rt.Register(cohorteager.New(rt.table))
	return rt
}

// SetLogger swaps the runtime's logger.
func (rt *Runtime) SetLogger(l *zap.Logger) { rt.logger = l }

// Register adds (or replaces) an algorithm under its own Name(). It does
// not make the algorithm current.
func (rt *Runtime) Register(alg proto.Algorithm) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.algos[alg.Name()] = alg
}

// Current returns the presently-selected algorithm, or nil if Use has
// never been called. It implements proto.CurrentProvider so algorithms
// like pipelineturbo can detect an adaptivity swap from inside a spin
// loop.
func (rt *Runtime) Current() proto.Algorithm {
	p := rt.current.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Use switches the runtime's current algorithm by name. It is the only
// form of "adaptivity" this module implements on its own: a policy layer
// deciding *when* to switch is left to an external caller. Use calls the
// newly-current algorithm's OnSwitchTo with the runtime clock's current
// value (the highest version LLT-AMD64 has handed out; orders published by
// Pipeline-Turbo or Cohort-Eager are not consulted), and resets Order to -1
// on every live descriptor, so the new algorithm starts every in-flight
// descriptor from a clean slate.
func (rt *Runtime) Use(name string) error {
	rt.mu.RLock()
	alg, ok := rt.algos[name]
	rt.mu.RUnlock()
	if !ok {
		return fmt.Errorf("stm: no algorithm registered under %q", name)
	}

	tsMax := rt.clock.Peek()

	rt.current.Store(&alg)
	alg.OnSwitchTo(tsMax)

	rt.threadsMu.Lock()
	for _, d := range rt.threads {
		d.tx.Order = -1
	}
	rt.threadsMu.Unlock()

	rt.logger.Info("stm: algorithm switched", zap.String("algorithm", name))
	return nil
}

// NewThread allocates a fresh Descriptor for the calling goroutine. The
// caller should keep it for the goroutine's lifetime and reuse it across
// transactions instead of allocating a new one per transaction.
func (rt *Runtime) NewThread() *Descriptor {
	d := &Descriptor{}
	d.tx.Order = -1
	d.tx.MyLock = orec.LockBit | rt.nextLockID.Add(1)

	rt.threadsMu.Lock()
	rt.threads = append(rt.threads, d)
	rt.threadsMu.Unlock()

	return d
}

func (rt *Runtime) mustCurrent() proto.Algorithm {
	alg := rt.Current()
	if alg == nil {
		panic("stm: no algorithm selected; call Runtime.Use first")
	}
	return alg
}

// Begin starts (or, for nested calls, notes re-entry into) a transaction
// on d using whichever algorithm is currently selected.
func (rt *Runtime) Begin(d *Descriptor, flags proto.BeginFlags) proto.ResumeMode {
	alg := rt.mustCurrent()
	d.alg = alg
	return alg.Begin(&d.tx, flags)
}

// Commit runs the current algorithm's commit protocol for d.
func (rt *Runtime) Commit(d *Descriptor) {
	alg := d.alg
	if alg == nil {
		alg = rt.mustCurrent()
	}
	alg.Commit(&d.tx)
}

// Rollback runs the current algorithm's rollback protocol for d. reason is
// informational only; it is not currently surfaced anywhere but exists to
// mirror the ABI's rollback(exception_object, ...) signature.
func (rt *Runtime) Rollback(d *Descriptor, reason error) {
	alg := d.alg
	if alg == nil {
		alg = rt.mustCurrent()
	}
	alg.Rollback(&d.tx)
}

// IsIrrevocable and BecomeIrrevocable are present for ABI completeness.
// None of the three registered algorithms support irrevocability;
// BecomeIrrevocable is fatal, since it signals a programming error the
// runtime has no way to recover from.
func (rt *Runtime) IsIrrevocable(d *Descriptor) bool {
	alg := d.alg
	if alg == nil {
		alg = rt.mustCurrent()
	}
	return alg.IsIrrevocable(&d.tx)
}

func (rt *Runtime) BecomeIrrevocable(d *Descriptor) {
	alg := d.alg
	if alg == nil {
		alg = rt.mustCurrent()
	}
	rt.fatalUnsupported(alg.Name(), "become_irrevocable")
	alg.BecomeIrrevocable(&d.tx)
}

// Atomically is the convenience retry driver: it runs crit under Begin and
// then Commit, recovering a conflict abort (proto.Abort) raised from
// either — a read/write deep inside crit, or a commit-time validation
// failure — by rolling back and retrying. Any other panic propagates
// unchanged.
func (rt *Runtime) Atomically(d *Descriptor, crit func(*Descriptor)) {
	for {
		rt.Begin(d, 0)
		if runAttempt(rt, d, crit) {
			rt.Rollback(d, nil)
			continue
		}
		return
	}
}

// runAttempt runs crit and Commit under one recover scope and reports
// whether the attempt unwound via a conflict abort. Any panic value other
// than *proto.Abort is re-raised.
func runAttempt(rt *Runtime, d *Descriptor, crit func(*Descriptor)) (aborted bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*proto.Abort); ok {
				aborted = true
				return
			}
			panic(r)
		}
	}()
	crit(d)
	rt.Commit(d)
	return false
}
