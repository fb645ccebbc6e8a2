/*
Package stm provides the core of a software transactional memory runtime:
the concurrency-control algorithms that let goroutines execute speculative
critical sections against shared memory with serializable semantics,
achieved through versioned orec metadata, private per-goroutine buffering,
and coordinated commit protocols.

Three algorithm cores are available, registered by name on a Runtime:

  - "lltamd64": a lazy-acquire orec STM using a tick-counter clock. Orecs
    are only acquired at commit time; reads are validated with a
    check-twice pattern.
  - "pipelineturbo": a totally-ordered pipeline. Transactions are assigned
    a begin-time order and must commit in that order; the transaction that
    becomes oldest may run in turbo mode, writing directly into memory.
  - "cohorteager": a cohort-batching scheduler. Transactions begin
    together in batches and a new batch can't start until the previous one
    drains; the transaction admitted last to a batch may claim the
    cohort's single turbo slot.

A Runtime owns one orec table and one set of registered algorithms. Each
goroutine that wants to run transactions calls Runtime.NewThread once to
obtain a *Descriptor, which it keeps and reuses across arbitrarily many
transactions — this is the explicit, idiomatic-Go stand-in for the
source's thread-local TxDescriptor pointer.

	rt := stm.NewRuntime()
	rt.Use("lltamd64")
	th := rt.NewThread()

	rt.Atomically(th, func(tx *stm.Descriptor) {
	    cur := rt.ReadUint64(tx, addr)
	    rt.WriteUint64(tx, addr, cur+1)
	})

Atomically is the convenience retry driver: it calls Begin, runs the
critical section, and on a conflict abort (raised from deep inside a read
or write as a typed panic carrying the abort reason) it rolls back and
tries again. Instrumented callers that drive Begin/Commit/Rollback
directly instead of going through Atomically are expected to implement the
same retry loop themselves; that loop is the compiler-generated part of a
real instrumentation pipeline and is out of scope here.

Reads and writes go through typed accessors (ReadUint64, WriteUint32,
ReadFloat64, ...) built on a single width-parameterized kernel, plus
MemcpyTransactional/MemmoveTransactional/MemsetTransactional for
byte-granular bulk operations — mirroring the per-width accessor table an
instrumentation generator would otherwise produce.
*/
package stm
