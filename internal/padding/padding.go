// Package padding provides cache-line padding used to keep the runtime's
// hot counters and orecs from false-sharing a cache line with their
// neighbors.
package padding

// CacheLineSize is the assumed size, in bytes, of a CPU cache line on the
// target architectures this runtime cares about (amd64/arm64 both use 64).
const CacheLineSize = 64

// Pad64 is dropped between or around hot fields to push them onto separate
// cache lines. It carries no data; its only purpose is size.
type Pad64 [CacheLineSize]byte
