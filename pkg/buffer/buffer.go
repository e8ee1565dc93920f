// Package buffer implements the pre-allocated packet buffer arena used by
// the fast path. All packet memory lives in one contiguous region owned by
// a Pool; a Buffer is a slot handle into that region. Header push/pop is
// offset arithmetic only, no data ever moves.
package buffer

// NoChain marks the end of a buffer chain.
const NoChain int32 = -1

// Buffer flag bits.
const (
	FlagChained uint16 = 1 << 0 // buffer is part of a multi-segment chain
	FlagCloned  uint16 = 1 << 1 // buffer has been reference-shared at least once
)

// Buffer is a handle to one fixed-capacity slot in a Pool's arena.
// Invariant: headroom + length + tailroom == frame capacity at all times.
type Buffer struct {
	pool     *Pool
	index    int32
	next     int32 // chained slot index, NoChain if none
	refcount int32
	headroom int
	length   int
	Flags    uint16
	Enqueued uint64 // monotonic nanoseconds at allocation
}

// Index returns the buffer's slot index within its pool.
func (b *Buffer) Index() int32 { return b.index }

// Capacity returns the fixed frame capacity of the slot.
func (b *Buffer) Capacity() int { return b.pool.frameSize }

// Len returns the current data length.
func (b *Buffer) Len() int { return b.length }

// Headroom returns the unused byte count before the data region.
func (b *Buffer) Headroom() int { return b.headroom }

// Tailroom returns the unused byte count after the data region.
func (b *Buffer) Tailroom() int { return b.pool.frameSize - b.headroom - b.length }

// Bytes returns the active data region. The slice is capped at the frame
// boundary so appends through it can never spill into a neighboring slot.
func (b *Buffer) Bytes() []byte {
	base := int(b.index) * b.pool.frameSize
	start := base + b.headroom
	return b.pool.arena[start : start+b.length : base+b.pool.frameSize]
}

// Prepend grows the data region into the headroom and returns a writable
// view of the newly exposed prefix. Returns nil, false when headroom < n.
func (b *Buffer) Prepend(n int) ([]byte, bool) {
	if n < 0 || b.headroom < n {
		return nil, false
	}
	b.headroom -= n
	b.length += n
	return b.Bytes()[:n], true
}

// Append grows the data region into the tailroom and returns a writable
// view of the newly exposed suffix. Returns nil, false when tailroom < n.
func (b *Buffer) Append(n int) ([]byte, bool) {
	if n < 0 || b.Tailroom() < n {
		return nil, false
	}
	old := b.length
	b.length += n
	return b.Bytes()[old:], true
}

// Pull removes n bytes from the head of the data region, returning them to
// headroom. Fails when the data region is shorter than n.
func (b *Buffer) Pull(n int) bool {
	if n < 0 || b.length < n {
		return false
	}
	b.headroom += n
	b.length -= n
	return true
}

// Trim removes n bytes from the tail of the data region, returning them to
// tailroom. Fails when the data region is shorter than n.
func (b *Buffer) Trim(n int) bool {
	if n < 0 || b.length < n {
		return false
	}
	b.length -= n
	return true
}

// Clone increments the reference count and returns the same handle. The
// underlying memory is shared; the slot returns to the free list only when
// the last holder calls Pool.Free.
func (b *Buffer) Clone() *Buffer {
	b.refcount++
	b.Flags |= FlagCloned
	return b
}

// RefCount returns the current holder count.
func (b *Buffer) RefCount() int { return int(b.refcount) }

// SetNext links another buffer from the same pool behind this one.
// Chains carry oversized frames across multiple fixed-size slots.
func (b *Buffer) SetNext(next *Buffer) {
	if next == nil {
		b.next = NoChain
		return
	}
	b.next = next.index
	b.Flags |= FlagChained
	next.Flags |= FlagChained
}

// Next returns the chained buffer, or nil at the end of the chain.
func (b *Buffer) Next() *Buffer {
	if b.next == NoChain {
		return nil
	}
	return &b.pool.slots[b.next]
}

// reset prepares a slot for reuse on allocation.
func (b *Buffer) reset(headroom int, now uint64) {
	b.refcount = 1
	b.headroom = headroom
	b.length = 0
	b.next = NoChain
	b.Flags = 0
	b.Enqueued = now
}
