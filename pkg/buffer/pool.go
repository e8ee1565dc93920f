package buffer

import (
	"fmt"

	"github.com/veloxsec/velox/pkg/clock"
)

const (
	// DefaultFrameSize is the per-slot capacity, sized for a full Ethernet
	// frame plus encapsulation overhead.
	DefaultFrameSize = 2048
	// DefaultHeadroom is reserved on every allocation so that tunnel and
	// transport headers can be pushed without moving the payload.
	DefaultHeadroom = 128
)

// Options configures a Pool.
type Options struct {
	FrameSize    int
	Headroom     int
	UseHugepages bool
}

// Pool is a fixed-size arena of packet buffers with an index free list.
// It is owned by exactly one worker; none of its methods are safe for
// concurrent use. Alloc never blocks and the arena never grows.
type Pool struct {
	arena     []byte
	slots     []Buffer
	free      []int32 // stack of free slot indexes
	frameSize int
	headroom  int
	hugepages bool
}

// NewPool allocates a pool of n frames in one contiguous region.
func NewPool(n int, opts Options) (*Pool, error) {
	if n <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", n)
	}
	frameSize := opts.FrameSize
	if frameSize == 0 {
		frameSize = DefaultFrameSize
	}
	headroom := opts.Headroom
	if headroom == 0 {
		headroom = DefaultHeadroom
	}
	if headroom >= frameSize {
		return nil, fmt.Errorf("headroom %d must be smaller than frame size %d", headroom, frameSize)
	}

	arena, huge, err := allocArena(n*frameSize, opts.UseHugepages)
	if err != nil {
		return nil, fmt.Errorf("allocate arena: %w", err)
	}

	p := &Pool{
		arena:     arena,
		slots:     make([]Buffer, n),
		free:      make([]int32, n),
		frameSize: frameSize,
		headroom:  headroom,
		hugepages: huge,
	}
	for i := range p.slots {
		p.slots[i] = Buffer{pool: p, index: int32(i), next: NoChain}
		// LIFO free list: lowest index on top so recently freed slots,
		// still warm in cache, are reused first.
		p.free[i] = int32(n - 1 - i)
	}
	return p, nil
}

// Alloc returns a buffer reset to default headroom and refcount 1, or nil
// when the pool is exhausted. It never blocks.
func (p *Pool) Alloc() *Buffer {
	if len(p.free) == 0 {
		return nil
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b := &p.slots[idx]
	b.reset(p.headroom, clock.Monotonic())
	return b
}

// Free drops one reference to b. The slot returns to the free list only
// when the last holder releases it. Clone raises only the head's count,
// so continuation slots live and die with their head: the chain is
// walked only once the head's last reference is gone. Freeing an
// already-free buffer is a no-op.
func (p *Pool) Free(b *Buffer) {
	if b == nil || b.refcount == 0 {
		return
	}
	if b.refcount > 1 {
		b.refcount--
		return
	}
	for b != nil {
		next := b.Next()
		if b.refcount > 0 {
			b.refcount--
		}
		if b.refcount == 0 {
			b.next = NoChain
			p.free = append(p.free, b.index)
		}
		b = next
	}
}

// Available returns the number of slots currently in the free list.
func (p *Pool) Available() int { return len(p.free) }

// Allocated returns the number of slots currently held by callers.
func (p *Pool) Allocated() int { return len(p.slots) - len(p.free) }

// Cap returns the total slot count.
func (p *Pool) Cap() int { return len(p.slots) }

// FrameSize returns the fixed per-slot capacity.
func (p *Pool) FrameSize() int { return p.frameSize }

// Hugepages reports whether the arena is backed by huge pages.
func (p *Pool) Hugepages() bool { return p.hugepages }

// Close releases the arena in one bulk deallocation.
func (p *Pool) Close() error {
	err := freeArena(p.arena, p.hugepages)
	p.arena = nil
	p.slots = nil
	p.free = nil
	return err
}
