//go:build linux || darwin || freebsd

package mem

import (
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SysProvider backs blocks with anonymous memory mappings. With Guard set,
// every block carries an inaccessible page below its base so that a runaway
// stack faults instead of silently corrupting a neighbour. Used bytes are
// tracked without the guard pages.
type SysProvider struct {
	// Guard requests an inaccessible page below each block.
	Guard bool

	// Limit caps the total outstanding bytes. Zero means no limit.
	Limit uintptr

	mu   sync.Mutex
	used uintptr
}

func (p *SysProvider) Alloc(size uintptr) (Block, error) {
	if size == 0 {
		size = 1
	}
	page := uintptr(os.Getpagesize())
	mapLen := AlignUp(size, page)

	p.mu.Lock()
	if p.Limit != 0 && p.used+mapLen > p.Limit {
		p.mu.Unlock()
		return Block{}, ErrLimit
	}
	p.used += mapLen
	p.mu.Unlock()

	total := mapLen
	if p.Guard {
		total += page
	}
	data, err := unix.Mmap(-1, 0, int(total),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		p.release(mapLen)
		return Block{}, err
	}
	base := unsafe.Pointer(&data[0])
	if p.Guard {
		if err := unix.Mprotect(data[:page], unix.PROT_NONE); err != nil {
			unix.Munmap(data)
			p.release(mapLen)
			return Block{}, err
		}
		base = unsafe.Pointer(&data[page])
	}
	return Block{Ptr: base, Size: mapLen}, nil
}

func (p *SysProvider) Free(b Block) {
	page := uintptr(os.Getpagesize())
	base := b.Base()
	total := b.Size
	if p.Guard {
		base -= page
		total += page
	}
	// Rebuild the original mapping slice. Munmap wants exactly what Mmap
	// returned.
	data := unsafe.Slice((*byte)(unsafe.Pointer(base)), total)
	unix.Munmap(data)
	p.release(b.Size)
}

func (p *SysProvider) release(n uintptr) {
	p.mu.Lock()
	p.used -= n
	p.mu.Unlock()
}

// Outstanding returns the number of bytes currently mapped, guard pages
// excluded.
func (p *SysProvider) Outstanding() uintptr {
	p.mu.Lock()
	used := p.used
	p.mu.Unlock()
	return used
}

// NewSysProvider returns the platform's memory-mapped provider.
func NewSysProvider(guard bool) Provider {
	return &SysProvider{Guard: guard}
}
