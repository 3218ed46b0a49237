// Package mem is the raw memory boundary of the runtime. Both heap
// allocators and the stack manager obtain their backing memory through a
// Provider owned by the scheduler, never from each other.
package mem

import (
	"errors"
	"sync"
	"unsafe"
)

// BlockAlign is the minimum base alignment of every block handed out by a
// Provider. Allocators may rely on it when computing payload offsets.
const BlockAlign = 16

// Block is one raw allocation. The memory is zeroed when handed out and must
// be returned to the same provider it came from.
type Block struct {
	Ptr  unsafe.Pointer
	Size uintptr
}

// Base returns the lowest address of the block.
func (b Block) Base() uintptr {
	return uintptr(b.Ptr)
}

// End returns the address one past the block.
func (b Block) End() uintptr {
	return uintptr(b.Ptr) + b.Size
}

// Provider hands out zeroed memory blocks. Implementations must tolerate
// concurrent use: the exchange heap allocates on one task and frees on
// another.
type Provider interface {
	Alloc(size uintptr) (Block, error)
	Free(b Block)
}

// ErrLimit is returned when an allocation would push a provider past its
// configured ceiling.
var ErrLimit = errors.New("mem: allocation limit exceeded")

// AlignUp rounds n up to the next multiple of align, which must be a power
// of two.
func AlignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// HeapProvider backs blocks with the regular Go heap. It is the portable
// fallback and the default in tests. Blocks are retained internally until
// freed so the garbage collector never reclaims them early.
type HeapProvider struct {
	// Limit caps the total outstanding bytes. Zero means no limit.
	Limit uintptr

	mu       sync.Mutex
	used     uintptr
	retained map[uintptr][]byte
}

func (p *HeapProvider) Alloc(size uintptr) (Block, error) {
	if size == 0 {
		size = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Limit != 0 && p.used+size > p.Limit {
		return Block{}, ErrLimit
	}
	// Over-allocate so the base can be aligned no matter where the slice
	// lands.
	buf := make([]byte, size+BlockAlign)
	base := AlignUp(uintptr(unsafe.Pointer(&buf[0])), BlockAlign)
	if p.retained == nil {
		p.retained = make(map[uintptr][]byte)
	}
	p.retained[base] = buf
	p.used += size
	return Block{Ptr: unsafe.Pointer(base), Size: size}, nil
}

func (p *HeapProvider) Free(b Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.retained[b.Base()]; !ok {
		// Freeing a block we never handed out is a caller bug, but the
		// provider has nothing sane to do about it here.
		return
	}
	delete(p.retained, b.Base())
	p.used -= b.Size
}

// Outstanding returns the number of bytes currently allocated and not freed.
func (p *HeapProvider) Outstanding() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}
