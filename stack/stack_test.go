package stack

import (
	"bytes"
	"strings"
	"testing"
	"unsafe"

	"github.com/moss-lang/mossrt/mem"
	"github.com/moss-lang/mossrt/rtlog"
	"github.com/moss-lang/mossrt/rtopts"
)

func testOpts() rtopts.Options {
	o := rtopts.Default()
	o.StackInitial = 4096
	o.StackMin = 1024
	o.StackMax = 0
	o.RedZone = 256
	o.StackCache = 2
	return o
}

func newTestChain(t *testing.T, o rtopts.Options) (*Chain, *mem.HeapProvider) {
	t.Helper()
	prov := &mem.HeapProvider{}
	c, err := NewChain(prov, o, rtlog.Discard, "worker")
	if err != nil {
		t.Fatal(err)
	}
	return c, prov
}

type exitCode int

// trapExit turns rtlog.Exit into a panic so a fatal path stops executing in
// tests the way it stops the process in production.
func trapExit(t *testing.T) {
	t.Helper()
	prev := rtlog.Exit
	rtlog.Exit = func(code int) { panic(exitCode(code)) }
	t.Cleanup(func() { rtlog.Exit = prev })
}

func wantFatal(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a fatal exit")
		}
		if _, ok := r.(exitCode); !ok {
			panic(r)
		}
	}()
	fn()
}

func TestChainBase(t *testing.T) {
	c, _ := newTestChain(t, testOpts())
	defer c.Destroy()

	if c.Depth() != 1 {
		t.Fatalf("depth: got %d, want 1", c.Depth())
	}
	top := c.Top()
	if got, want := c.Limit(), top.Base()+testOpts().RedZone; got != want {
		t.Errorf("limit: got %#x, want %#x", got, want)
	}
	if *top.canary() != canaryWord {
		t.Error("canary not written at segment base")
	}
	if sp := top.InitialSP(); sp < top.Base() || sp > top.End() {
		t.Errorf("initial sp %#x outside segment [%#x, %#x]", sp, top.Base(), top.End())
	}
	if sp := top.InitialSP(); sp%mem.BlockAlign != 0 {
		t.Errorf("initial sp %#x not aligned", sp)
	}
}

func TestGrowRelease(t *testing.T) {
	o := testOpts()
	c, _ := newTestChain(t, o)
	defer c.Destroy()

	base := c.Top()
	sp := c.Grow(512, nil, 0)
	seg := c.Top()
	if c.Depth() != 2 {
		t.Fatalf("depth after grow: got %d, want 2", c.Depth())
	}
	if seg == base || seg.Prev() != base {
		t.Fatal("grown segment not linked on top of the base segment")
	}
	if seg.Size() < 512+o.RedZone {
		t.Errorf("segment too small for the frame: %d", seg.Size())
	}
	if sp < seg.Base() || sp > seg.End() || sp%mem.BlockAlign != 0 {
		t.Errorf("top of stack %#x unusable in [%#x, %#x]", sp, seg.Base(), seg.End())
	}
	if got, want := c.Limit(), seg.Base()+o.RedZone; got != want {
		t.Errorf("limit after grow: got %#x, want %#x", got, want)
	}

	c.Release()
	if c.Depth() != 1 {
		t.Fatalf("depth after release: got %d, want 1", c.Depth())
	}
	if got, want := c.Limit(), base.Base()+o.RedZone; got != want {
		t.Errorf("limit after release: got %#x, want %#x", got, want)
	}
	if c.Stats.Grown != 1 || c.Stats.Released != 1 {
		t.Errorf("stats: %+v", c.Stats)
	}
}

func TestGrowRelocatesArgs(t *testing.T) {
	c, _ := newTestChain(t, testOpts())
	defer c.Destroy()

	var args [24]byte
	for i := range args {
		args[i] = byte(i + 1)
	}
	sp := c.Grow(512, unsafe.Pointer(&args[0]), uintptr(len(args)))
	seg := c.Top()
	if sp%mem.BlockAlign != 0 {
		t.Errorf("relocated top %#x not aligned", sp)
	}
	if sp < seg.Base() || sp+uintptr(len(args)) > seg.End() {
		t.Fatalf("relocated args [%#x, %#x) outside segment [%#x, %#x)",
			sp, sp+uintptr(len(args)), seg.Base(), seg.End())
	}
	got := unsafe.Slice((*byte)(unsafe.Pointer(sp)), len(args))
	for i := range args {
		if got[i] != args[i] {
			t.Fatalf("arg byte %d: got %#x, want %#x", i, got[i], args[i])
		}
	}
}

func TestGrowReusesCache(t *testing.T) {
	c, _ := newTestChain(t, testOpts())
	defer c.Destroy()

	c.Grow(512, nil, 0)
	firstBase := c.Top().Base()
	c.Release()
	c.Grow(512, nil, 0)
	if c.Stats.Reused != 1 {
		t.Errorf("reused: got %d, want 1", c.Stats.Reused)
	}
	if c.Top().Base() != firstBase {
		t.Errorf("cache returned a different segment: %#x vs %#x", c.Top().Base(), firstBase)
	}
}

func TestGrowCacheTooSmall(t *testing.T) {
	o := testOpts()
	c, _ := newTestChain(t, o)
	defer c.Destroy()

	c.Grow(512, nil, 0)
	c.Release()
	c.Grow(8*o.StackMin, nil, 0)
	if c.Stats.Reused != 0 {
		t.Errorf("undersized cached segment was reused")
	}
	if c.Stats.Freed == 0 {
		t.Errorf("undersized cached segment was not freed")
	}
}

func TestCacheBound(t *testing.T) {
	o := testOpts()
	o.StackCache = 1
	c, _ := newTestChain(t, o)
	defer c.Destroy()

	c.Grow(512, nil, 0)
	c.Grow(512, nil, 0)
	c.Release()
	c.Release()
	if c.Stats.Freed != 1 {
		t.Errorf("freed: got %d, want 1", c.Stats.Freed)
	}
}

func TestResetLimit(t *testing.T) {
	o := testOpts()
	c, _ := newTestChain(t, o)
	defer c.Destroy()

	base := c.Top()
	c.Grow(512, nil, 0)
	c.Grow(512, nil, 0)
	sp := base.InitialSP() - 64

	c.ResetLimit(sp)
	if c.Depth() != 1 {
		t.Fatalf("depth after reset: got %d, want 1", c.Depth())
	}
	if got, want := c.Limit(), base.Base()+o.RedZone; got != want {
		t.Errorf("limit after reset: got %#x, want %#x", got, want)
	}
	if c.Stats.Released != 2 {
		t.Errorf("released: got %d, want 2", c.Stats.Released)
	}
}

func TestResetLimitSameSegment(t *testing.T) {
	c, _ := newTestChain(t, testOpts())
	defer c.Destroy()

	sp := c.Grow(512, nil, 0)
	before := c.Limit()
	c.ResetLimit(sp - 16)
	if c.Depth() != 2 || c.Limit() != before {
		t.Error("reset inside the top segment must not pop it")
	}
}

func TestResetLimitOutsideChain(t *testing.T) {
	trapExit(t)
	c, _ := newTestChain(t, testOpts())
	wantFatal(t, func() { c.ResetLimit(1) })
}

func TestReleaseBaseSegment(t *testing.T) {
	trapExit(t)
	c, _ := newTestChain(t, testOpts())
	wantFatal(t, func() { c.Release() })
}

func TestOverflowMessage(t *testing.T) {
	trapExit(t)
	var buf bytes.Buffer
	o := testOpts()
	o.StackMax = o.StackInitial + 512

	prov := &mem.HeapProvider{}
	c, err := NewChain(prov, o, rtlog.NewWithWriter(&buf, 0), "snapdragon")
	if err != nil {
		t.Fatal(err)
	}
	wantFatal(t, func() { c.Grow(4096, nil, 0) })
	if !strings.Contains(buf.String(), "task 'snapdragon' has overflowed its stack") {
		t.Errorf("overflow diagnostic missing, got %q", buf.String())
	}
}

func TestCanaryClobberDetected(t *testing.T) {
	trapExit(t)
	c, _ := newTestChain(t, testOpts())
	c.Grow(512, nil, 0)
	*c.Top().canary() = 0
	wantFatal(t, func() { c.Release() })
}

func TestDestroyReturnsMemory(t *testing.T) {
	c, prov := newTestChain(t, testOpts())
	c.Grow(512, nil, 0)
	c.Grow(512, nil, 0)
	c.Release()
	c.Destroy()
	if prov.Outstanding() != 0 {
		t.Errorf("provider still holds %d bytes after destroy", prov.Outstanding())
	}
}

func TestProviderFailureIsOverflow(t *testing.T) {
	trapExit(t)
	prov := &mem.HeapProvider{Limit: 8 * 1024}
	c, err := NewChain(prov, testOpts(), rtlog.Discard, "worker")
	if err != nil {
		t.Fatal(err)
	}
	wantFatal(t, func() {
		for i := 0; i < 64; i++ {
			c.Grow(1024, nil, 0)
		}
	})
}
