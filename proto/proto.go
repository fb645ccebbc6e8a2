// Package proto defines the small set of types that let the algorithm
// packages (algo/lltamd64, algo/pipelineturbo, algo/cohorteager) and the
// root package agree on a contract without an import cycle: the Algorithm
// interface itself, the conflict-abort signal every algorithm raises
// instead of returning an error from deep inside a read, and the
// adaptivity-swap sentinel Pipeline-Turbo's spin loops watch.
package proto

import (
	"unsafe"

	"github.com/orecstm/gostm/internal/txn"
)

// ResumeMode tells instrumented caller code which version of a critical
// section to run after Begin returns.
type ResumeMode int

const (
	// ResumeInstrumented is the normal case: run the instrumented path,
	// calling back into ReadWord/WriteWord for every memory access.
	ResumeInstrumented ResumeMode = iota
	// ResumeUninstrumented is returned when the algorithm has made the
	// caller irrevocable; none of these three algorithms ever returns
	// this.
	ResumeUninstrumented
)

// BeginFlags are hints passed to Begin.
type BeginFlags uint32

const (
	// FlagReadOnly hints that the transaction will not write. Algorithms
	// are free to ignore it; none of read-only detection here depends on
	// the hint being accurate, since first Write always promotes a
	// transaction to read-write regardless.
	FlagReadOnly BeginFlags = 1 << iota
)

// Algorithm is the function-pointer set named in the external interfaces:
// every algorithm core in package algo implements this so the root
// package can dispatch through a single registry.
type Algorithm interface {
	// Name identifies the algorithm for Register/Use.
	Name() string
	// SupportsTurbo reports whether this algorithm ever runs a
	// transaction with relaxed, in-place instrumentation.
	SupportsTurbo() bool
	// OnSwitchTo is called once, immediately after this algorithm becomes
	// current, so it can restore whatever global invariants it depends
	// on (e.g. that the version clock is at least as large as any
	// previously-published version).
	OnSwitchTo(tsMax uint64)

	Begin(tx *txn.Descriptor, flags BeginFlags) ResumeMode
	ReadWord(tx *txn.Descriptor, addr unsafe.Pointer) uint64
	WriteWord(tx *txn.Descriptor, addr unsafe.Pointer, val, mask uint64)
	Commit(tx *txn.Descriptor)
	Rollback(tx *txn.Descriptor)

	IsIrrevocable(tx *txn.Descriptor) bool
	BecomeIrrevocable(tx *txn.Descriptor)
}

// CurrentProvider lets an algorithm ask, without importing the root
// package, which Algorithm is presently registered as current. Spin loops
// that might block indefinitely compare their own identity against this to
// detect an adaptivity swap and abort instead of waiting forever for
// coordination state nobody is advancing anymore.
type CurrentProvider interface {
	Current() Algorithm
}

// FatalSink lets an algorithm report a condition it cannot recover from or
// retry — e.g. a self-abort attempted from a mode that disallows it —
// without importing the root package. Implementations are expected to log
// and terminate the process; a call never returns.
type FatalSink interface {
	Fatal(algorithm, op string)
}

// Abort is panicked to unwind out of a transaction from arbitrary depth —
// the Go analog of the source's setjmp/longjmp-based tmabort. Only the
// package's own retry driver recovers it.
type Abort struct {
	Reason error
}

func (a *Abort) Error() string { return a.Reason.Error() }

// Raise unwinds the current transaction with reason.
func Raise(reason error) {
	panic(&Abort{Reason: reason})
}
