// Package upcall is the entry surface compiled code calls into. Every
// operation here takes the calling task explicitly and, except for the
// stack growth paths, transfers to the task's system context before doing
// anything of substance. Results travel back through the transfer record;
// the pointer-typed wrappers exist for the runtime's own callers.
//
// Entry names are ABI: compiled call stubs bind them by name and layout,
// and they must stay stable. A few are additionally reachable under an
// Rt-prefixed alias so independently generated stubs cannot collide; the
// aliases are plain forwarders and behave identically.
package upcall

import (
	"runtime"
	"unsafe"

	"github.com/moss-lang/mossrt/heap"
	"github.com/moss-lang/mossrt/rtlog"
	"github.com/moss-lang/mossrt/task"
	"github.com/moss-lang/mossrt/unwind"
)

// entry emits the standard upcall entry record: operation, task identity
// and the caller's return address. Best effort; skipped entirely when the
// category is off.
func entry(t *task.Task, name string) {
	log := t.Logger()
	if !log.Enabled(rtlog.Upcall) {
		return
	}
	var ret uintptr
	if pc, _, _, ok := runtime.Caller(2); ok {
		ret = pc
	}
	log.Logf(rtlog.Upcall, t.Name, "upcall %s, ret %#x", name, ret)
}

// Malloc allocates a box of the given payload size on the task's boxed
// heap and returns the box pointer. Exhaustion and descriptor misuse are
// not survivable.
func Malloc(t *task.Task, td *heap.TypeDesc, size uintptr) unsafe.Pointer {
	entry(t, "malloc")
	var box unsafe.Pointer
	rec := task.Record{Task: t}
	task.Dispatch(&rec, func(r *task.Record) {
		b, err := t.Heap.Alloc(td, size)
		if err != nil {
			rtlog.Fatalf(t.Logger(), t.Name, "malloc of %d bytes: %v", size, err)
			return
		}
		box = b
		r.Ret = uintptr(b)
	})
	return box
}

// Free reclaims a boxed allocation whose count the caller has already
// brought to zero. Handing it anything but a live box of this task's heap
// is not survivable.
func Free(t *task.Task, box unsafe.Pointer) {
	entry(t, "free")
	rec := task.Record{Task: t, Args: box}
	task.Dispatch(&rec, func(r *task.Record) {
		if err := t.Heap.Free(r.Args); err != nil {
			rtlog.Fatalf(t.Logger(), t.Name, "free %#x: %v", uintptr(r.Args), err)
		}
	})
}

// ExchangeMalloc allocates a box on the exchange heap. The box belongs to
// whoever holds it, and any task may free it.
func ExchangeMalloc(t *task.Task, td *heap.TypeDesc, size uintptr) unsafe.Pointer {
	entry(t, "exchange_malloc")
	var box unsafe.Pointer
	rec := task.Record{Task: t}
	task.Dispatch(&rec, func(r *task.Record) {
		b, err := t.Exchange.Alloc(td, size)
		if err != nil {
			rtlog.Fatalf(t.Logger(), t.Name, "exchange malloc of %d bytes: %v", size, err)
			return
		}
		box = b
		r.Ret = uintptr(b)
	})
	return box
}

// ExchangeFree releases an exchange box.
func ExchangeFree(t *task.Task, box unsafe.Pointer) {
	entry(t, "exchange_free")
	rec := task.Record{Task: t, Args: box}
	task.Dispatch(&rec, func(r *task.Record) {
		if err := t.Exchange.Free(r.Args); err != nil {
			rtlog.Fatalf(t.Logger(), t.Name, "exchange free %#x: %v", uintptr(r.Args), err)
		}
	})
}

// ValidateBox checks that box addresses a plausible live box of either
// heap. Compiled code emits calls to it under debug settings; a box that
// fails validation means memory corruption, which is not survivable.
func ValidateBox(t *task.Task, box unsafe.Pointer) {
	entry(t, "validate_box")
	rec := task.Record{Task: t, Args: box}
	task.Dispatch(&rec, func(r *task.Record) {
		if err := heap.Validate(r.Args); err != nil {
			rtlog.Fatalf(t.Logger(), t.Name, "validate box %#x: %v", uintptr(r.Args), err)
		}
	})
}

// Fail reports an invariant violation at a source location and hands the
// failure to the task's fail handler on the system context. The diagnostic
// is logged before the handler sees control. Fail is not expected to
// return in the common case: the default handler arms an unwind, which
// begins on the way back to the task context. But nothing here forces
// non-return; that is the handler's call.
func Fail(t *task.Task, expr, file string, line int) {
	entry(t, "fail")
	t.Logger().Errorf(t.Name, "task failed at '%s', %s:%d", expr, file, line)
	rec := task.Record{Task: t}
	task.Dispatch(&rec, func(*task.Record) {
		t.OnFail(t, expr, file, line)
	})
}

// Trace logs diagnostic text with its call site and returns normally. No
// effect on control flow.
func Trace(t *task.Task, msg, file string, line int) {
	entry(t, "trace")
	rec := task.Record{Task: t}
	task.Dispatch(&rec, func(*task.Record) {
		t.Logger().Logf(rtlog.Trace, t.Name, "%s, %s:%d", msg, file, line)
	})
}

// NewStack grows the task stack for a frame of the given size, relocating
// the incoming argument block below the new top, and returns the new top
// of stack. Runs on effectively every deep call chain: no stack switch, no
// logging here.
func NewStack(t *task.Task, frame uintptr, args unsafe.Pointer, argsSize uintptr) uintptr {
	return t.Stack.Grow(frame, args, argsSize)
}

// DelStack pops the active stack segment on return through a segment
// boundary. Same fast-path rules as NewStack.
func DelStack(t *task.Task) {
	t.Stack.Release()
}

// ResetStackLimit republishes the stack limit for the segment containing
// sp, after an unwind has skipped the usual segment epilogues. Must be
// called with the task's live stack pointer, on the task context.
func ResetStackLimit(t *task.Task, sp uintptr) {
	t.Stack.ResetLimit(sp)
}

// CallShimOnSystemStack runs fn(args) on the task's system context. This
// is the raw dispatch entry compiled stubs use when they need a privileged
// context without a dedicated upcall.
func CallShimOnSystemStack(t *task.Task, args unsafe.Pointer, fn func(unsafe.Pointer)) {
	entry(t, "call_shim_on_system_stack")
	t.CallOnSystemStack(func() { fn(args) })
}

// CallShimOnTaskStack runs fn(args) back on the task context from a
// privileged one, for the rare paths where runtime code re-enters compiled
// code.
func CallShimOnTaskStack(t *task.Task, args unsafe.Pointer, fn func(unsafe.Pointer)) {
	entry(t, "call_shim_on_task_stack")
	t.CallOnTaskStack(func() { fn(args) })
}

// Personality forwards one unwinder callback through the shim. The
// unwinder may stop on either stack; the shim sorts that out and the
// verdict comes back untouched.
func Personality(t *task.Task, s *unwind.Shim, version int, actions unwind.Action, class unwind.Class, exc *unwind.Exception, cx *unwind.Context) unwind.Verdict {
	return s.Personality(t, version, actions, class, exc, cx)
}
