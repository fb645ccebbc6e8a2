// Package orec implements the ownership-record table shared by every
// algorithm: a hashed map from memory address to a versioned lock word,
// plus the acquire/release primitives that give it meaning.
//
// An orec is either unlocked, in which case V holds a version number, or
// locked, in which case V holds the owning transaction's lock id (its high
// bit set, so it can never be mistaken for a version — see the lock-id
// allocation in stm.Runtime.NewThread). Multiple addresses alias onto one
// orec by design: false sharing here is a throughput hazard, not a
// correctness bug.
package orec

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/cespare/xxhash"

	"github.com/orecstm/gostm/internal/padding"
)

// LockBit marks a V value as a lock-owner id rather than a version. Every
// Descriptor's MyLock carries this bit, and every clock-derived version
// number is small enough never to collide with it.
const LockBit = uint64(1) << 63

// Orec is one entry of the table. It is padded to a full cache line so
// that adjacent entries never false-share.
type Orec struct {
	V   uint64
	P   uint64
	pad [padding.CacheLineSize - 16]byte
}

// Table is a fixed-size array of orecs addressed by a hash of the aligned
// pointer.
type Table struct {
	buckets []Orec
	mask    uint64
}

// NewTable allocates a table with 2^bits entries.
func NewTable(bits uint) *Table {
	n := uint64(1) << bits
	return &Table{
		buckets: make([]Orec, n),
		mask:    n - 1,
	}
}

// Get returns the orec that addr hashes to. It is a pure function: calling
// it twice with the same address (or any address that aliases the same
// bucket) returns the same *Orec.
func (t *Table) Get(addr unsafe.Pointer) *Orec {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(uintptr(addr)))
	h := xxhash.Sum64(buf[:])
	return &t.buckets[h&t.mask]
}

// CFence documents the point in the "check-twice" read where the source
// inserts a compiler fence between the protected load and the orec
// re-read. Go's atomic loads/stores already carry the ordering this
// protects, so CFence is a no-op; it exists so the algorithm code reads the
// same shape as the source and the ordering-critical points stay visible.
func CFence() {}

// Load reads the current V with acquire semantics.
func Load(o *Orec) uint64 {
	return atomic.LoadUint64(&o.V)
}

// Acquire attempts to lock o on behalf of a transaction with the given
// start time and lock id. It returns acquired=true if the orec is now held
// by myLock (whether or not this call did the acquiring), and alreadyHeld
// to tell the caller whether to append o to its lock list.
//
// Acquisition only succeeds if the orec's current version is no newer than
// startTime: an orec that has moved past the transaction's snapshot can't
// be safely locked without invalidating the snapshot.
func Acquire(o *Orec, startTime, myLock uint64) (acquired, alreadyHeld bool) {
	ivt := atomic.LoadUint64(&o.V)
	if ivt == myLock {
		return true, true
	}
	if ivt > startTime {
		return false, false
	}
	if !atomic.CompareAndSwapUint64(&o.V, ivt, myLock) {
		return false, false
	}
	atomic.StoreUint64(&o.P, ivt)
	return true, false
}

// Release publishes version into o.V. Used both to unlock an orec this
// transaction acquired (version is then the new, post-commit version) and
// to mark an orec with a total order position in the pipelined algorithms,
// which never lock orecs at all.
func Release(o *Orec, version uint64) {
	atomic.StoreUint64(&o.V, version)
}

// ReleaseToSaved restores o to the version it held before this transaction
// acquired it, undoing a lock taken speculatively.
func ReleaseToSaved(o *Orec) {
	atomic.StoreUint64(&o.V, atomic.LoadUint64(&o.P))
}
