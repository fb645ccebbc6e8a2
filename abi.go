package stm

import (
	"math"
	"unsafe"

	"github.com/orecstm/gostm/proto"
)

// ReadWord and WriteWord are the pointer-sized primitive accesses named in
// the transaction ABI. Every typed accessor below goes through the same
// algorithm ReadWord/WriteWord primitives these two call.
func (rt *Runtime) ReadWord(d *Descriptor, addr unsafe.Pointer) uint64 {
	alg := rt.activeAlgorithm(d)
	return alg.ReadWord(&d.tx, addr)
}

func (rt *Runtime) WriteWord(d *Descriptor, addr unsafe.Pointer, val uint64) {
	alg := rt.activeAlgorithm(d)
	alg.WriteWord(&d.tx, addr, val, ^uint64(0))
}

func (rt *Runtime) activeAlgorithm(d *Descriptor) proto.Algorithm {
	if d.alg != nil {
		return d.alg
	}
	return rt.mustCurrent()
}

// widthMask returns a mask covering the low n bytes of a word, for use by
// the sub-word typed accessors below. This is the "mechanical" per-width
// kernel the design notes call for: every narrower accessor is this one
// function parameterized by byte count.
func widthMask(bytes int) uint64 {
	if bytes >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * bytes)) - 1
}

// alignToWord rounds addr down to the 8-byte-aligned word the orec table
// actually hashes on, and returns the bit offset of addr within that word.
// Every sub-word accessor below goes through this so that two narrower
// fields whose 8-byte windows overlap land on the same orec instead of
// being independently (and incorrectly) hashed.
func alignToWord(addr unsafe.Pointer) (word unsafe.Pointer, shift uint) {
	return unsafe.Pointer(uintptr(addr) &^ 7), uint(uintptr(addr)&7) * 8
}

func (rt *Runtime) readN(d *Descriptor, addr unsafe.Pointer, bytes int) uint64 {
	wordAddr, shift := alignToWord(addr)
	word := rt.activeAlgorithm(d).ReadWord(&d.tx, wordAddr)
	return (word >> shift) & widthMask(bytes)
}

func (rt *Runtime) writeN(d *Descriptor, addr unsafe.Pointer, val uint64, bytes int) {
	wordAddr, shift := alignToWord(addr)
	mask := widthMask(bytes) << shift
	rt.activeAlgorithm(d).WriteWord(&d.tx, wordAddr, (val<<shift)&mask, mask)
}

func (rt *Runtime) ReadUint8(d *Descriptor, addr unsafe.Pointer) uint8 {
	return uint8(rt.readN(d, addr, 1))
}
func (rt *Runtime) WriteUint8(d *Descriptor, addr unsafe.Pointer, v uint8) {
	rt.writeN(d, addr, uint64(v), 1)
}

func (rt *Runtime) ReadUint16(d *Descriptor, addr unsafe.Pointer) uint16 {
	return uint16(rt.readN(d, addr, 2))
}
func (rt *Runtime) WriteUint16(d *Descriptor, addr unsafe.Pointer, v uint16) {
	rt.writeN(d, addr, uint64(v), 2)
}

func (rt *Runtime) ReadUint32(d *Descriptor, addr unsafe.Pointer) uint32 {
	return uint32(rt.readN(d, addr, 4))
}
func (rt *Runtime) WriteUint32(d *Descriptor, addr unsafe.Pointer, v uint32) {
	rt.writeN(d, addr, uint64(v), 4)
}

func (rt *Runtime) ReadUint64(d *Descriptor, addr unsafe.Pointer) uint64 {
	return rt.readN(d, addr, 8)
}
func (rt *Runtime) WriteUint64(d *Descriptor, addr unsafe.Pointer, v uint64) {
	rt.writeN(d, addr, v, 8)
}

func (rt *Runtime) ReadFloat32(d *Descriptor, addr unsafe.Pointer) float32 {
	return math.Float32frombits(uint32(rt.readN(d, addr, 4)))
}
func (rt *Runtime) WriteFloat32(d *Descriptor, addr unsafe.Pointer, v float32) {
	rt.writeN(d, addr, uint64(math.Float32bits(v)), 4)
}

func (rt *Runtime) ReadFloat64(d *Descriptor, addr unsafe.Pointer) float64 {
	return math.Float64frombits(rt.readN(d, addr, 8))
}
func (rt *Runtime) WriteFloat64(d *Descriptor, addr unsafe.Pointer, v float64) {
	rt.writeN(d, addr, math.Float64bits(v), 8)
}

// MemcpyTransactional, MemmoveTransactional and MemsetTransactional are
// the byte-granular bulk operations named in the external interfaces. All
// three are plain loops over the single-byte accessor, exactly as the
// design notes describe: "byte-granular loops dispatching to read/write".
func (rt *Runtime) MemcpyTransactional(d *Descriptor, dst, src unsafe.Pointer, n int) {
	for i := 0; i < n; i++ {
		b := rt.ReadUint8(d, unsafe.Add(src, i))
		rt.WriteUint8(d, unsafe.Add(dst, i), b)
	}
}

// MemmoveTransactional behaves like MemcpyTransactional but is safe when
// dst and src overlap, copying back-to-front when dst is ahead of src.
func (rt *Runtime) MemmoveTransactional(d *Descriptor, dst, src unsafe.Pointer, n int) {
	if uintptr(dst) <= uintptr(src) {
		rt.MemcpyTransactional(d, dst, src, n)
		return
	}
	for i := n - 1; i >= 0; i-- {
		b := rt.ReadUint8(d, unsafe.Add(src, i))
		rt.WriteUint8(d, unsafe.Add(dst, i), b)
	}
}

func (rt *Runtime) MemsetTransactional(d *Descriptor, dst unsafe.Pointer, val byte, n int) {
	for i := 0; i < n; i++ {
		rt.WriteUint8(d, unsafe.Add(dst, i), val)
	}
}
