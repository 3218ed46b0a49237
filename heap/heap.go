// Package heap implements the two box allocators of the runtime: the
// task-local heap, whose boxes are chained so an exiting task can reclaim
// everything it still owns, and the exchange heap, whose boxes move between
// tasks and belong to nobody until freed.
//
// Both allocators hand out box pointers. A box is a header followed by a
// payload aligned for its type; compiled code addresses the payload at the
// offset recorded in the header. Reference counts live in the header and
// are adjusted inline by compiled code, not through the allocator.
package heap

import (
	"errors"
	"unsafe"

	"github.com/sigurn/crc16"

	"github.com/moss-lang/mossrt/mem"
)

// Perform extra sanity checks if true.
const heapAsserts = true

// Box kinds, recorded in every header. kindFreed replaces the real kind
// when a box is released.
const (
	kindFreed    uint8 = 0
	KindLocal    uint8 = 1
	KindExchange uint8 = 2
)

// CountUntracked is the reference count of exchange boxes. They are never
// on a task's live chain, and a count that never reaches zero keeps inline
// release code from treating them as local garbage.
const CountUntracked int64 = -1

// Freed payloads are filled with this byte so a use after free reads
// obviously bad data.
const poisonByte = 0xcd

// Handle names a slot in a Local registry. Zero is never a live box.
type Handle uint32

// TypeDesc describes the payload of a box. The compiler emits one static
// descriptor per boxed type.
type TypeDesc struct {
	Size  uintptr
	Align uintptr
	Name  string

	// Drop, when non-nil, is run on the payload when the owning task
	// reclaims the box at exit. The ordinary free path never calls it;
	// compiled code has already dropped the payload by then.
	Drop func(p unsafe.Pointer)
}

func (td *TypeDesc) valid() bool {
	if td == nil || td.Align == 0 || td.Align&(td.Align-1) != 0 {
		return false
	}
	return td.Align <= maxAlign
}

// maxAlign bounds payload alignment so the header offset always fits its
// field.
const maxAlign = 4096

// BoxHeader sits at the start of every box. Compiled code reads Count and
// PayloadOff directly; everything else is allocator bookkeeping. Check
// covers the preceding fields so debug tooling can tell a live box from
// scribble.
type BoxHeader struct {
	Count      int64
	Total      uintptr
	Handle     Handle
	PayloadOff uint16
	Kind       uint8
	_          uint8
	Check      uint16
}

const headerSize = unsafe.Sizeof(BoxHeader{})
const checkOffset = unsafe.Offsetof(BoxHeader{}.Check)

var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

func (h *BoxHeader) sum() uint16 {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(h)), checkOffset)
	return crc16.Checksum(raw, crcTable)
}

// Seal recomputes the header checksum. Every field above Check is covered,
// Count included, so inline count updates must be followed by a Seal before
// the box can validate again.
func (h *BoxHeader) Seal() { h.Check = h.sum() }

// Sealed reports whether the checksum matches the fields.
func (h *BoxHeader) Sealed() bool { return h.Check == h.sum() }

// HeaderOf returns the header of a box pointer.
func HeaderOf(box unsafe.Pointer) *BoxHeader {
	return (*BoxHeader)(box)
}

// Payload returns the typed payload of a box.
func Payload(box unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(box, int(HeaderOf(box).PayloadOff))
}

// Allocation failures and caller bugs surface as these errors.
var (
	ErrBadType    = errors.New("heap: malformed type descriptor")
	ErrNotABox    = errors.New("heap: pointer does not address a live box")
	ErrDoubleFree = errors.New("heap: box already freed")
	ErrForeignBox = errors.New("heap: box belongs to the other heap")
)

// Tracker observes allocator traffic. The debug build wires one in to keep
// allocation origins; everything else leaves it nil.
type Tracker interface {
	TrackAlloc(box unsafe.Pointer, td *TypeDesc)
	TrackFree(box unsafe.Pointer, td *TypeDesc)
}

// Validate checks that box points at a plausible live box of either heap:
// the checksum must match and the kind and count must agree.
func Validate(box unsafe.Pointer) error {
	if box == nil {
		return ErrNotABox
	}
	h := HeaderOf(box)
	if !h.Sealed() {
		return ErrNotABox
	}
	switch h.Kind {
	case KindLocal:
		if h.Count <= 0 {
			return ErrNotABox
		}
	case KindExchange:
		if h.Count != CountUntracked {
			return ErrNotABox
		}
	case kindFreed:
		return ErrDoubleFree
	default:
		return ErrNotABox
	}
	if h.PayloadOff < uint16(headerSize) || uintptr(h.PayloadOff) > h.Total {
		return ErrNotABox
	}
	return nil
}

// layoutRequest returns the block size to request for a payload of the
// given size, so that the payload can be aligned wherever the block lands.
func layoutRequest(td *TypeDesc, size uintptr) uintptr {
	return headerSize + size + td.Align
}

// payloadOffset places the payload above the header, absolutely aligned for
// the type.
func payloadOffset(base uintptr, td *TypeDesc) uintptr {
	return mem.AlignUp(base+headerSize, td.Align) - base
}

func poison(p unsafe.Pointer, n uintptr) {
	if n == 0 {
		return
	}
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = poisonByte
	}
}

// scrub marks a header freed and reseals it, leaving the rest of the fields
// for post-mortem inspection.
func scrub(h *BoxHeader) {
	h.Count = 0
	h.Kind = kindFreed
	h.Seal()
}
