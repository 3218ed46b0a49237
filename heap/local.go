package heap

import (
	"unsafe"

	"github.com/moss-lang/mossrt/mem"
	"github.com/moss-lang/mossrt/rtlog"
)

// Local is the boxed heap of a single task. Live boxes are chained through
// registry handles so the task can reclaim every one of them at exit
// without trusting pointers found in freed memory. A Local belongs to its
// task and is not synchronized.
type Local struct {
	prov    mem.Provider
	log     rtlog.Logger
	name    string
	tracker Tracker
	poison  bool

	// Registry. Slot 0 is reserved so Handle zero stays invalid.
	slots []slot
	free  []Handle
	head  Handle
	live  int

	stats Stats
}

type slot struct {
	hdr   *BoxHeader
	td    *TypeDesc
	block mem.Block
	size  uintptr
	prev  Handle
	next  Handle
}

// NewLocal returns the boxed heap for one task. tracker may be nil. When
// scribble is set, freed payloads are poisoned before release.
func NewLocal(prov mem.Provider, log rtlog.Logger, name string, tracker Tracker, scribble bool) *Local {
	return &Local{
		prov:    prov,
		log:     rtlog.Safe(log),
		name:    name,
		tracker: tracker,
		poison:  scribble,
		slots:   make([]slot, 1),
	}
}

// Alloc creates a box with a payload of the given size, described by td,
// with a reference count of one, linked at the head of the live chain. The
// size is usually td.Size but may exceed it for values with trailing data.
// It returns the box pointer; the payload is zeroed.
func (l *Local) Alloc(td *TypeDesc, size uintptr) (unsafe.Pointer, error) {
	if !td.valid() {
		return nil, ErrBadType
	}
	block, err := l.prov.Alloc(layoutRequest(td, size))
	if err != nil {
		return nil, err
	}
	h := l.grab()
	hdr := (*BoxHeader)(block.Ptr)
	hdr.Count = 1
	hdr.Total = block.Size
	hdr.Handle = h
	hdr.PayloadOff = uint16(payloadOffset(block.Base(), td))
	hdr.Kind = KindLocal
	hdr.Seal()

	s := &l.slots[h]
	s.hdr = hdr
	s.td = td
	s.block = block
	s.size = size
	s.prev = 0
	s.next = l.head
	if l.head != 0 {
		l.slots[l.head].prev = h
	}
	l.head = h
	l.live++

	l.stats.note(uint64(block.Size))
	if l.tracker != nil {
		l.tracker.TrackAlloc(block.Ptr, td)
	}
	if l.log.Enabled(rtlog.Mem) {
		l.log.Logf(rtlog.Mem, l.name, "malloc %s (%d bytes) = %#x", td.Name, size, block.Base())
	}
	return block.Ptr, nil
}

// Free reclaims a box whose payload the caller has already dropped. The
// reference count is a precondition, not something Free checks: by the time
// compiled code calls here the last reference is gone.
func (l *Local) Free(box unsafe.Pointer) error {
	if box == nil {
		return nil
	}
	h, err := l.resolve(box)
	if err != nil {
		return err
	}
	s := &l.slots[h]
	size := uint64(s.block.Size)
	if l.tracker != nil {
		l.tracker.TrackFree(box, s.td)
	}
	if l.log.Enabled(rtlog.Mem) {
		l.log.Logf(rtlog.Mem, l.name, "free %s = %#x", s.td.Name, s.block.Base())
	}
	l.unlink(h)
	l.release(s)
	l.stats.drop(size)
	return nil
}

// ReleaseAll reclaims every live box, newest first, running Drop hooks on
// the payloads. Tasks call it once on the way out; it returns how many
// boxes were swept.
func (l *Local) ReleaseAll() int {
	n := 0
	for l.head != 0 {
		h := l.head
		s := &l.slots[h]
		size := uint64(s.block.Size)
		if s.td.Drop != nil {
			s.td.Drop(Payload(unsafe.Pointer(s.hdr)))
		}
		if l.tracker != nil {
			l.tracker.TrackFree(unsafe.Pointer(s.hdr), s.td)
		}
		l.unlink(h)
		l.release(s)
		l.stats.drop(size)
		n++
	}
	if n > 0 {
		l.log.Logf(rtlog.Mem, l.name, "reclaimed %d leaked boxes at exit", n)
	}
	return n
}

// Contains reports whether box is a live box of this heap.
func (l *Local) Contains(box unsafe.Pointer) bool {
	_, err := l.resolve(box)
	return err == nil
}

// Live returns the number of boxes currently on the chain.
func (l *Local) Live() int { return l.live }

// Stats returns a copy of the allocator counters.
func (l *Local) Stats() Stats { return l.stats }

// resolve maps a box pointer back to its registry slot, rejecting pointers
// that are not live boxes of this heap.
func (l *Local) resolve(box unsafe.Pointer) (Handle, error) {
	hdr := HeaderOf(box)
	if !hdr.Sealed() {
		return 0, ErrNotABox
	}
	switch hdr.Kind {
	case KindLocal:
	case KindExchange:
		return 0, ErrForeignBox
	case kindFreed:
		return 0, ErrDoubleFree
	default:
		return 0, ErrNotABox
	}
	h := hdr.Handle
	if h == 0 || int(h) >= len(l.slots) {
		return 0, ErrNotABox
	}
	s := &l.slots[h]
	if s.hdr == nil {
		return 0, ErrDoubleFree
	}
	if heapAsserts && s.hdr != hdr {
		return 0, ErrNotABox
	}
	return h, nil
}

func (l *Local) grab() Handle {
	if n := len(l.free); n > 0 {
		h := l.free[n-1]
		l.free = l.free[:n-1]
		return h
	}
	l.slots = append(l.slots, slot{})
	return Handle(len(l.slots) - 1)
}

func (l *Local) unlink(h Handle) {
	s := &l.slots[h]
	if s.prev != 0 {
		l.slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != 0 {
		l.slots[s.next].prev = s.prev
	}
	l.live--
}

// release scrubs the header, optionally poisons the payload and returns the
// block. The header is resealed with the freed kind so an immediate double
// free is recognized as such while the memory is still intact.
func (l *Local) release(s *slot) {
	if l.poison {
		poison(Payload(unsafe.Pointer(s.hdr)), s.size)
	}
	h := s.hdr.Handle
	scrub(s.hdr)
	block := s.block
	*s = slot{}
	l.free = append(l.free, h)
	l.prov.Free(block)
}
