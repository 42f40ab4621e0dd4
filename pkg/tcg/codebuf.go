package tcg

import "encoding/binary"

// CodeBuf is the write window of one region. Writes past the end set a
// sticky overflow flag instead of failing; the allocator checks it after
// every op and aborts the unit.
type CodeBuf struct {
	buf       []byte
	base      uintptr
	off       int
	highwater int
	overflow  bool
}

// NewCodeBuf wraps buf, whose first byte lives at host address base. Emission
// past highwater counts as overflow even while bytes still fit.
func NewCodeBuf(buf []byte, base uintptr, highwater int) *CodeBuf {
	b := &CodeBuf{}
	b.Reset(buf, base, highwater)
	return b
}

func (b *CodeBuf) Reset(buf []byte, base uintptr, highwater int) {
	if highwater > len(buf) || highwater < 0 {
		highwater = len(buf)
	}
	b.buf = buf
	b.base = base
	b.off = 0
	b.highwater = highwater
	b.overflow = false
}

func (b *CodeBuf) Emit(p ...byte) {
	if b.off+len(p) > len(b.buf) {
		b.overflow = true
		return
	}
	b.off += copy(b.buf[b.off:], p)
}

func (b *CodeBuf) Emit16(v uint16) {
	b.Emit(byte(v), byte(v>>8))
}

func (b *CodeBuf) Emit32(v uint32) {
	b.Emit(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (b *CodeBuf) Emit64(v uint64) {
	b.Emit32(uint32(v))
	b.Emit32(uint32(v >> 32))
}

// Offset is the number of bytes emitted so far.
func (b *CodeBuf) Offset() int { return b.off }

// Addr returns the host address of offset off.
func (b *CodeBuf) Addr(off int) uintptr { return b.base + uintptr(off) }

// Bytes returns the code emitted so far.
func (b *CodeBuf) Bytes() []byte { return b.buf[:b.off] }

// Overflowed reports whether the window or its highwater mark was crossed.
func (b *CodeBuf) Overflowed() bool { return b.overflow || b.off > b.highwater }

// Patch32 rewrites four already emitted bytes at off.
func (b *CodeBuf) Patch32(off int, v uint32) {
	binary.LittleEndian.PutUint32(b.buf[off:off+4], v)
}

// Patch8 rewrites one already emitted byte at off.
func (b *CodeBuf) Patch8(off int, v byte) {
	b.buf[off] = v
}
