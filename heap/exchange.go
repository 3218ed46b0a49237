package heap

import (
	"sync"
	"unsafe"

	"github.com/moss-lang/mossrt/mem"
	"github.com/moss-lang/mossrt/rtlog"
)

// Exchange is the heap for boxes that move between tasks. Its boxes carry
// the untracked count and sit on no live chain, so ownership can cross task
// boundaries without the allocator's involvement. Unlike a Local heap it
// must tolerate concurrent callers: a box is routinely allocated on one
// task and freed on another.
type Exchange struct {
	prov    mem.Provider
	log     rtlog.Logger
	tracker Tracker
	poison  bool

	mu    sync.Mutex
	stats Stats
}

// NewExchange returns the process-wide exchange heap. tracker may be nil.
func NewExchange(prov mem.Provider, log rtlog.Logger, tracker Tracker, scribble bool) *Exchange {
	return &Exchange{
		prov:    prov,
		log:     rtlog.Safe(log),
		tracker: tracker,
		poison:  scribble,
	}
}

// Alloc creates an exchange box with a payload of the given size, described
// by td, and returns the box pointer. The payload is zeroed.
func (e *Exchange) Alloc(td *TypeDesc, size uintptr) (unsafe.Pointer, error) {
	if !td.valid() {
		return nil, ErrBadType
	}
	block, err := e.prov.Alloc(layoutRequest(td, size))
	if err != nil {
		return nil, err
	}
	hdr := (*BoxHeader)(block.Ptr)
	hdr.Count = CountUntracked
	hdr.Total = block.Size
	hdr.Handle = 0
	hdr.PayloadOff = uint16(payloadOffset(block.Base(), td))
	hdr.Kind = KindExchange
	hdr.Seal()

	e.mu.Lock()
	e.stats.note(uint64(block.Size))
	e.mu.Unlock()
	if e.tracker != nil {
		e.tracker.TrackAlloc(block.Ptr, td)
	}
	if e.log.Enabled(rtlog.Mem) {
		e.log.Logf(rtlog.Mem, "exchange", "malloc %s (%d bytes) = %#x", td.Name, size, block.Base())
	}
	return block.Ptr, nil
}

// Free releases an exchange box. Whoever holds the box owns it; there is no
// count to reach zero first.
func (e *Exchange) Free(box unsafe.Pointer) error {
	if box == nil {
		return nil
	}
	hdr := HeaderOf(box)
	if !hdr.Sealed() {
		return ErrNotABox
	}
	switch hdr.Kind {
	case KindExchange:
	case KindLocal:
		return ErrForeignBox
	case kindFreed:
		return ErrDoubleFree
	default:
		return ErrNotABox
	}
	if heapAsserts && hdr.Count != CountUntracked {
		return ErrNotABox
	}
	if e.tracker != nil {
		e.tracker.TrackFree(box, nil)
	}
	if e.log.Enabled(rtlog.Mem) {
		e.log.Logf(rtlog.Mem, "exchange", "free %#x", uintptr(box))
	}
	if e.poison {
		poison(Payload(box), hdr.Total-uintptr(hdr.PayloadOff))
	}
	block := mem.Block{Ptr: box, Size: hdr.Total}
	scrub(hdr)
	e.mu.Lock()
	e.stats.drop(uint64(block.Size))
	e.mu.Unlock()
	e.prov.Free(block)
	return nil
}

// Stats returns a copy of the allocator counters.
func (e *Exchange) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
