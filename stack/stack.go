// Package stack manages segmented task stacks. A task starts on one base
// segment and grows by linking further segments on demand; compiled code
// compares its stack pointer against a published limit and calls into the
// runtime when a frame would not fit. The growth paths are called on every
// deep call chain, so they do not take locks, do not switch stacks and do
// not log.
package stack

import (
	"unsafe"

	"github.com/moss-lang/mossrt/mem"
	"github.com/moss-lang/mossrt/rtlog"
	"github.com/moss-lang/mossrt/rtopts"
)

// Written at the lowest address of every segment. A clobbered canary means
// the task ran past its limit.
const canaryWord uintptr = 0x670c1333

const ptrSize = unsafe.Sizeof(uintptr(0))

// Segment is one contiguous piece of a task stack. The usable range is
// [Base, End); frames grow downward from End. The word below Base holds the
// canary.
type Segment struct {
	prev  *Segment
	block mem.Block
	base  uintptr
	end   uintptr
}

// Base returns the lowest usable address.
func (s *Segment) Base() uintptr { return s.base }

// End returns one past the highest usable address.
func (s *Segment) End() uintptr { return s.end }

// Size returns the usable bytes of the segment.
func (s *Segment) Size() uintptr { return s.end - s.base }

// InitialSP returns the stack pointer a frame should start from, aligned
// down to the block alignment.
func (s *Segment) InitialSP() uintptr { return s.end &^ (mem.BlockAlign - 1) }

// Prev returns the segment below this one in the chain, or nil for the base
// segment.
func (s *Segment) Prev() *Segment { return s.prev }

func (s *Segment) contains(sp uintptr) bool { return sp >= s.base && sp <= s.end }

func (s *Segment) canary() *uintptr { return (*uintptr)(s.block.Ptr) }

// segStack is a LIFO of released segments kept for reuse, linked through
// their prev pointers.
type segStack struct {
	top *Segment
	n   int
}

func (s *segStack) push(seg *Segment) {
	seg.prev = s.top
	s.top = seg
	s.n++
}

func (s *segStack) pop() *Segment {
	seg := s.top
	if seg == nil {
		return nil
	}
	s.top = seg.prev
	seg.prev = nil
	s.n--
	return seg
}

// Stats counts segment traffic for one chain.
type Stats struct {
	Grown    uint64 // segments pushed by Grow
	Released uint64 // segments popped by Release or ResetLimit
	Reused   uint64 // grows served from the cache
	Freed    uint64 // segments returned to the provider
}

// Chain is the segment chain of a single task. It is owned by that task and
// is not synchronized.
type Chain struct {
	prov  mem.Provider
	opts  rtopts.Options
	log   rtlog.Logger
	name  string
	top   *Segment
	cache segStack
	total uintptr
	limit uintptr

	Stats Stats
}

// NewChain allocates the base segment of a task stack and publishes its
// limit.
func NewChain(prov mem.Provider, opts rtopts.Options, log rtlog.Logger, name string) (*Chain, error) {
	c := &Chain{
		prov: prov,
		opts: opts,
		log:  rtlog.Safe(log),
		name: name,
	}
	seg, err := c.allocate(opts.StackInitial)
	if err != nil {
		return nil, err
	}
	c.top = seg
	c.total = seg.block.Size
	c.publish()
	c.log.Logf(rtlog.Stack, c.name, "stack chain: base segment %d bytes at %#x", seg.Size(), seg.base)
	return c, nil
}

// Top returns the current top segment.
func (c *Chain) Top() *Segment { return c.top }

// Limit returns the published stack limit: the lowest address the stack
// pointer may reach before the next call must grow the stack.
func (c *Chain) Limit() uintptr { return c.limit }

// Total returns the bytes currently held by the chain, canary and alignment
// overhead included, cached segments excluded.
func (c *Chain) Total() uintptr { return c.total }

// Depth returns the number of linked segments.
func (c *Chain) Depth() int {
	n := 0
	for s := c.top; s != nil; s = s.prev {
		n++
	}
	return n
}

// Contains reports whether sp falls inside any linked segment.
func (c *Chain) Contains(sp uintptr) bool {
	for s := c.top; s != nil; s = s.prev {
		if s.contains(sp) {
			return true
		}
	}
	return false
}

// Grow links a segment able to hold a frame of the given size plus the
// configured red zone, copies the incoming argument block just below the
// new top so the callee can still read its parameters, republishes the
// limit and returns the relocated top of stack. The segment comes from the
// reuse cache when the cached one is big enough.
func (c *Chain) Grow(frame uintptr, args unsafe.Pointer, argsSize uintptr) uintptr {
	// The extra alignment covers the rounding of the relocated top, so the
	// frame still fits above the red zone afterwards.
	need := frame + argsSize + c.opts.RedZone + mem.BlockAlign
	seg := c.cache.pop()
	if seg != nil && seg.Size() < need {
		c.free(seg)
		seg = nil
	}
	if seg == nil {
		// One more alignment unit for the canary word and base rounding.
		size := need + mem.BlockAlign
		if size < c.opts.StackMin {
			size = c.opts.StackMin
		}
		if c.opts.StackMax != 0 && c.total+size > c.opts.StackMax {
			c.overflow()
			return 0
		}
		var err error
		seg, err = c.allocate(size)
		if err != nil {
			c.overflow()
			return 0
		}
	} else {
		if c.opts.StackMax != 0 && c.total+seg.block.Size > c.opts.StackMax {
			c.free(seg)
			c.overflow()
			return 0
		}
		c.Stats.Reused++
	}
	seg.prev = c.top
	c.top = seg
	c.total += seg.block.Size
	c.Stats.Grown++
	c.publish()

	sp := (seg.end - argsSize) &^ (mem.BlockAlign - 1)
	if argsSize > 0 {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(sp)), argsSize)
		src := unsafe.Slice((*byte)(args), argsSize)
		copy(dst, src)
	}
	return sp
}

// Release pops the top segment and republishes the limit for the one below.
// The popped segment goes to the reuse cache while there is room.
func (c *Chain) Release() {
	seg := c.top
	if seg == nil || seg.prev == nil {
		c.fatalf("released the base stack segment")
		return
	}
	c.pop(seg)
	c.publish()
}

// ResetLimit locates the segment containing sp, releases every segment
// above it and republishes the limit. A stack pointer outside the whole
// chain is a runtime bug.
func (c *Chain) ResetLimit(sp uintptr) {
	for c.top != nil && !c.top.contains(sp) {
		seg := c.top
		if seg.prev == nil {
			c.fatalf("stack pointer %#x outside any stack segment", sp)
			return
		}
		c.pop(seg)
	}
	c.publish()
}

// Destroy releases every segment and drains the reuse cache back to the
// provider.
func (c *Chain) Destroy() {
	for c.top != nil {
		seg := c.top
		c.top = seg.prev
		c.checkCanary(seg)
		c.total -= seg.block.Size
		c.free(seg)
	}
	for seg := c.cache.pop(); seg != nil; seg = c.cache.pop() {
		c.free(seg)
	}
	c.limit = 0
	c.log.Logf(rtlog.Stack, c.name, "stack chain destroyed: grown=%d reused=%d freed=%d",
		c.Stats.Grown, c.Stats.Reused, c.Stats.Freed)
}

func (c *Chain) pop(seg *Segment) {
	// Check whether the canary (the lowest address of the segment) is
	// still valid. If it is not, a stack overflow has occurred.
	c.checkCanary(seg)
	c.top = seg.prev
	seg.prev = nil
	c.total -= seg.block.Size
	c.Stats.Released++
	if c.cache.n < c.opts.StackCache {
		c.cache.push(seg)
	} else {
		c.free(seg)
	}
}

func (c *Chain) allocate(size uintptr) (*Segment, error) {
	block, err := c.prov.Alloc(mem.AlignUp(size, mem.BlockAlign))
	if err != nil {
		return nil, err
	}
	seg := &Segment{
		block: block,
		base:  mem.AlignUp(block.Base()+ptrSize, mem.BlockAlign),
		end:   block.End(),
	}
	*seg.canary() = canaryWord
	return seg, nil
}

func (c *Chain) free(seg *Segment) {
	c.prov.Free(seg.block)
	c.Stats.Freed++
}

func (c *Chain) checkCanary(seg *Segment) {
	if *seg.canary() != canaryWord {
		c.overflow()
	}
}

func (c *Chain) publish() {
	if c.top != nil {
		c.limit = c.top.base + c.opts.RedZone
	}
}

func (c *Chain) overflow() {
	c.fatalf("task '%s' has overflowed its stack", c.name)
}

func (c *Chain) fatalf(format string, args ...interface{}) {
	rtlog.Fatalf(c.log, c.name, format, args...)
}
