package mem

import (
	"testing"
	"unsafe"
)

func blockBytes(b Block) []byte {
	return unsafe.Slice((*byte)(b.Ptr), b.Size)
}

func TestHeapProviderAlignment(t *testing.T) {
	p := &HeapProvider{}
	for _, size := range []uintptr{1, 7, 16, 100, 4096} {
		b, err := p.Alloc(size)
		if err != nil {
			t.Fatalf("Alloc(%d) returned error %v", size, err)
		}
		if b.Base()%BlockAlign != 0 {
			t.Errorf("Alloc(%d) base %#x not aligned to %d", size, b.Base(), BlockAlign)
		}
		if b.Size != size {
			t.Errorf("Alloc(%d) size = %d", size, b.Size)
		}
		p.Free(b)
	}
	if got := p.Outstanding(); got != 0 {
		t.Errorf("Outstanding after frees = %d, want 0", got)
	}
}

func TestHeapProviderZeroed(t *testing.T) {
	p := &HeapProvider{}
	b, err := p.Alloc(64)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Free(b)
	bytes := blockBytes(b)
	for i, c := range bytes {
		if c != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, c)
		}
	}
}

func TestHeapProviderLimit(t *testing.T) {
	p := &HeapProvider{Limit: 128}
	b1, err := p.Alloc(100)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Alloc(100); err != ErrLimit {
		t.Errorf("Alloc past limit returned %v, want ErrLimit", err)
	}
	p.Free(b1)
	b2, err := p.Alloc(100)
	if err != nil {
		t.Errorf("Alloc after Free returned error %v", err)
	} else {
		p.Free(b2)
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		n, align, want uintptr
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{17, 16, 32},
		{100, 64, 128},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.n, tt.align); got != tt.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tt.n, tt.align, got, tt.want)
		}
	}
}
