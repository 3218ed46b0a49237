package task

import (
	"unsafe"

	"github.com/moss-lang/mossrt/rtlog"
)

// Record is the argument/result block of one dispatched operation. It lives
// in the caller's frame for exactly one dispatch: the handler reads Args
// and leaves its result in Ret, and nothing else crosses the switch.
type Record struct {
	Task *Task
	Args unsafe.Pointer
	Ret  uintptr
}

// Dispatch runs h on the task's system context with rec as its transfer
// record.
func Dispatch(rec *Record, h func(*Record)) {
	rec.Task.CallOnSystemStack(func() { h(rec) })
}

// OnSystemStack reports whether the task's system context currently holds
// control. The unwind shim keys off this to decide whether a switch is
// needed.
func (t *Task) OnSystemStack() bool { return t.onSystem }

// CallOnSystemStack runs fn on the task's system context and returns when
// it completes. Called while already on the system context it just invokes
// fn. The switch is a bounded synchronous call, not a scheduling point: the
// task context stays parked except to service re-entry from fn. If fn armed
// a failure, unwinding begins here, on the task side of the switch.
func (t *Task) CallOnSystemStack(fn func()) {
	if t.state == StateDead {
		rtlog.Fatalf(t.log, t.Name, "upcall on a dead task")
		return
	}
	if t.onSystem {
		fn()
		return
	}
	t.sysCalls <- fn
	for {
		select {
		case g := <-t.taskCalls:
			t.serveTask(g)
		case <-t.sysDone:
			t.raisePending()
			return
		}
	}
}

// CallOnTaskStack is the inverse switch: from the system context it runs g
// back on the task context, nested inside whatever task frames are parked.
// Calling it anywhere but the system context is a runtime bug.
func (t *Task) CallOnTaskStack(g func()) {
	if !t.onSystem {
		rtlog.Fatalf(t.log, t.Name, "re-entry to task context from foreign control")
		return
	}
	t.taskCalls <- g
	for {
		select {
		case fn := <-t.sysCalls:
			t.serveSystem(fn)
		case <-t.taskDone:
			return
		}
	}
}

// systemLoop embodies the system context while no switch is in progress.
func (t *Task) systemLoop() {
	for fn := range t.sysCalls {
		t.serveSystem(fn)
	}
}

func (t *Task) serveSystem(fn func()) {
	t.onSystem = true
	t.invoke(fn, "unwinding across a stack switch")
	t.onSystem = false
	t.sysDone <- struct{}{}
}

func (t *Task) serveTask(g func()) {
	t.onSystem = false
	t.invoke(g, "unwinding across a task re-entry")
	t.onSystem = true
	t.taskDone <- struct{}{}
}

// invoke runs fn and turns any escaping panic into a process abort. An
// unwind that reaches a switch boundary would leave the handoff state
// inconsistent, so there is no recovery from it.
func (t *Task) invoke(fn func(), what string) {
	defer func() {
		if r := recover(); r != nil {
			rtlog.Fatalf(t.log, t.Name, "%s: %v", what, r)
		}
	}()
	fn()
}

func (t *Task) raisePending() {
	if u := t.pending; u != nil {
		t.pending = nil
		t.state = StateUnwinding
		panic(u)
	}
}
