package task

import (
	"fmt"

	"github.com/moss-lang/mossrt/rtlog"
)

// Unwind tears down a failing task. It travels as a panic value from the
// dispatch boundary where the failure was armed up to Run, which recovers
// it. Nothing else should catch one.
type Unwind struct {
	Task   *Task
	Reason string
}

func (u *Unwind) String() string {
	return fmt.Sprintf("task '%s' failed: %s", u.Task.Name, u.Reason)
}

// FailHandler decides what a task's failure does. It runs on the system
// context with the failure already logged. The default keeps failure
// task-scoped by arming an unwind; an embedder whose policy is process exit
// substitutes its own.
type FailHandler func(t *Task, expr, file string, line int)

// DefaultFailHandler arms unwinding with the failure's source context.
func DefaultFailHandler(t *Task, expr, file string, line int) {
	t.BeginUnwind(fmt.Sprintf("%s, %s:%d", expr, file, line))
}

// BeginUnwind marks the task failed and arms its teardown. The unwind
// itself starts at the next return from a stack switch; the caller,
// typically a fail handler on the system context, returns normally. A
// second failure while the first is already tearing the task down is not
// survivable.
func (t *Task) BeginUnwind(reason string) {
	if t.state == StateUnwinding {
		rtlog.Fatalf(t.log, t.Name, "task failed during unwinding")
		return
	}
	t.failed = true
	if t.pending == nil {
		t.pending = &Unwind{Task: t, Reason: reason}
	}
}
