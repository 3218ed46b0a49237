// Package rtdebug holds the optional debugging collaborators of the
// runtime: an allocation origin tracker for hunting leaked boxes and a
// crash log that survives the process. Nothing here sits on a fast path.
package rtdebug

import (
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"
	"sync"
	"unsafe"

	"github.com/moss-lang/mossrt/heap"
	"github.com/moss-lang/mossrt/rtlog"
)

// originFrames is how many call frames are kept per allocation.
const originFrames = 16

// Origins records the call stack behind every live box. It implements
// heap.Tracker; wire one in through task.Config.Tracker. One Origins may
// serve several heaps at once.
type Origins struct {
	log rtlog.Logger

	mu      sync.Mutex
	live    map[uintptr]origin
	allocs  uint64
	frees   uint64
	foreign uint64
}

type origin struct {
	td  *heap.TypeDesc
	pcs []uintptr
}

func NewOrigins(log rtlog.Logger) *Origins {
	return &Origins{log: rtlog.Safe(log), live: make(map[uintptr]origin)}
}

func (o *Origins) TrackAlloc(box unsafe.Pointer, td *heap.TypeDesc) {
	pcs := make([]uintptr, originFrames)
	n := runtime.Callers(2, pcs)
	o.mu.Lock()
	o.live[uintptr(box)] = origin{td: td, pcs: pcs[:n]}
	o.allocs++
	o.mu.Unlock()
}

func (o *Origins) TrackFree(box unsafe.Pointer, td *heap.TypeDesc) {
	o.mu.Lock()
	if _, ok := o.live[uintptr(box)]; ok {
		delete(o.live, uintptr(box))
		o.frees++
	} else {
		// An exchange box freed by a task whose tracker never saw the
		// allocation lands here.
		o.foreign++
		o.log.Logf(rtlog.Mem, "origins", "free of untracked box %#x", box)
	}
	o.mu.Unlock()
}

// Origin formats the allocation site of a live box, one frame per line.
// The second result is false if the box is not live in this tracker.
func (o *Origins) Origin(box unsafe.Pointer) (string, bool) {
	o.mu.Lock()
	org, ok := o.live[uintptr(box)]
	o.mu.Unlock()
	if !ok {
		return "", false
	}
	return formatFrames(org.pcs), true
}

// Live returns the number of boxes allocated through this tracker and not
// yet freed.
func (o *Origins) Live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

// Stats reports the traffic counters: allocations, frees of tracked boxes,
// and frees of boxes this tracker never saw.
func (o *Origins) Stats() (allocs, frees, foreign uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.allocs, o.frees, o.foreign
}

// ReportLeaks writes one record per live box to w, lowest address first,
// and returns how many there were.
func (o *Origins) ReportLeaks(w io.Writer) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	addrs := make([]uintptr, 0, len(o.live))
	for a := range o.live {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, a := range addrs {
		org := o.live[a]
		fmt.Fprintf(w, "leaked box %#x, type %s, allocated at:\n%s", a, typeName(org.td), formatFrames(org.pcs))
	}
	return len(addrs)
}

func typeName(td *heap.TypeDesc) string {
	if td == nil || td.Name == "" {
		return "unknown"
	}
	return td.Name
}

func formatFrames(pcs []uintptr) string {
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	for {
		f, more := frames.Next()
		if f.Function != "" {
			fmt.Fprintf(&b, "    %s\n        %s:%d\n", f.Function, f.File, f.Line)
		}
		if !more {
			break
		}
	}
	return b.String()
}
