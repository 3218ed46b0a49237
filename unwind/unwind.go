// Package unwind adapts platform stack unwinding to tasks. The platform
// unwinder calls a personality routine once per frame while it walks a
// failing task's stack; those frames may live on the lean task stack, where
// running the full routine is not safe. The shim here inspects which
// context the unwinder stopped in and gets the routine onto the system
// context when needed, without ever touching its decision.
package unwind

import (
	"github.com/moss-lang/mossrt/rtlog"
	"github.com/moss-lang/mossrt/task"
)

// Action carries the unwinder's phase flags. Opaque to this package.
type Action int

// Class tags the in-flight exception's origin language and vendor. Opaque.
type Class uint64

// Verdict is a personality routine's answer to the unwinder. The shim
// returns the delegate's verdict unchanged, whatever it is.
type Verdict int

// Exception is the in-flight exception header. The unwinder owns it; the
// shim only carries the pointer through.
type Exception struct {
	Class   Class
	Private [2]uintptr
}

// Context is the unwinder's view of the frame under inspection. Opaque.
type Context struct {
	IP  uintptr
	CFA uintptr
}

// Personality is a platform personality routine, called by the unwinder
// with its standard parameters.
type Personality func(version int, actions Action, class Class, exc *Exception, cx *Context) Verdict

// frame is one delegated call: the unwinder's parameters in, the verdict
// out.
type frame struct {
	version int
	actions Action
	class   Class
	exc     *Exception
	cx      *Context
	verdict Verdict
}

// stackOrigin runs one delegated personality call appropriately for the
// context the unwinder stopped in.
type stackOrigin interface {
	invoke(t *task.Task, d Personality, f *frame)
}

// taskStackOrigin handles frames on the task stack: too lean for the
// platform routine, so the call transfers to the system context first.
type taskStackOrigin struct{}

func (taskStackOrigin) invoke(t *task.Task, d Personality, f *frame) {
	t.CallOnSystemStack(func() {
		f.verdict = d(f.version, f.actions, f.class, f.exc, f.cx)
	})
}

// systemStackOrigin handles frames already on the system context; the
// routine runs in place.
type systemStackOrigin struct{}

func (systemStackOrigin) invoke(t *task.Task, d Personality, f *frame) {
	f.verdict = d(f.version, f.actions, f.class, f.exc, f.cx)
}

func originFor(t *task.Task) stackOrigin {
	if t.OnSystemStack() {
		return systemStackOrigin{}
	}
	return taskStackOrigin{}
}

// Shim wraps the platform personality routine for use on task stacks.
type Shim struct {
	delegate Personality
	log      rtlog.Logger
}

// NewShim returns a shim delegating to the platform routine d.
func NewShim(d Personality, log rtlog.Logger) *Shim {
	return &Shim{delegate: d, log: rtlog.Safe(log)}
}

// Personality is invoked by the unwinder on whichever stack it is
// unwinding. The delegate always ends up running on the system context:
// directly when the unwinder is already there, via one switch when it
// stopped on the task stack. Parameters and verdict pass through
// unmodified.
func (s *Shim) Personality(t *task.Task, version int, actions Action, class Class, exc *Exception, cx *Context) Verdict {
	f := frame{version: version, actions: actions, class: class, exc: exc, cx: cx}
	if s.log.Enabled(rtlog.Unwind) {
		s.log.Logf(rtlog.Unwind, t.Name, "personality: class %#x actions %#x", uint64(class), int(actions))
	}
	originFor(t).invoke(t, s.delegate, &f)
	return f.verdict
}
