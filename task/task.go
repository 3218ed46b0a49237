// Package task holds the execution units of the runtime and the stack-switch
// dispatcher that privileged operations funnel through. Each task runs
// compiled code on its own segmented stack and owns a boxed heap; whenever
// that code needs the runtime, control transfers to the task's system
// context, a full-sized stack where arbitrary calls are safe.
package task

import (
	"sync/atomic"

	"github.com/moss-lang/mossrt/heap"
	"github.com/moss-lang/mossrt/mem"
	"github.com/moss-lang/mossrt/rtlog"
	"github.com/moss-lang/mossrt/rtopts"
	"github.com/moss-lang/mossrt/stack"
)

// State of a task through its life.
type State uint8

const (
	StateNew State = iota
	StateRunning
	StateUnwinding
	StateDead
)

// Task counter. The number here is not really significant, but it is useful
// for telling tasks apart in logs.
var taskID uintptr

// Task is one cooperatively scheduled execution unit.
type Task struct {
	Name string
	ID   uintptr

	// Stack is the segment chain compiled code runs on.
	Stack *stack.Chain

	// Heap is the task's boxed heap.
	Heap *heap.Local

	// Exchange is the exchange heap, shared with every other task.
	Exchange *heap.Exchange

	// OnFail receives control when the task fails, on the system context,
	// after the failure is logged. The default arms unwinding; embedders
	// that want a different disposition replace it before Run.
	OnFail FailHandler

	log    rtlog.Logger
	state  State
	failed bool

	// onSystem tracks which context currently holds control. It is only
	// touched at handoff points, which order every access.
	onSystem bool
	pending  *Unwind

	sysCalls  chan func()
	sysDone   chan struct{}
	taskCalls chan func()
	taskDone  chan struct{}
}

// Config carries what a task needs from its scheduler.
type Config struct {
	Opts rtopts.Options

	// Provider backs the task's stack segments and boxes. Defaults to a
	// HeapProvider.
	Provider mem.Provider

	// Exchange is the shared exchange heap. When nil the task gets a
	// private one, which is only useful in tests.
	Exchange *heap.Exchange

	// Log defaults to a stderr logger filtered by MOSSRT_LOG.
	Log rtlog.Logger

	// Tracker, when set, observes the task's allocator traffic.
	Tracker heap.Tracker
}

func (c *Config) fill() {
	if c.Provider == nil {
		c.Provider = &mem.HeapProvider{Limit: c.Opts.HeapLimit}
	}
	if c.Log == nil {
		c.Log = rtlog.New(rtlog.EnvFilter())
	}
	if c.Exchange == nil {
		c.Exchange = heap.NewExchange(c.Provider, c.Log, c.Tracker, c.Opts.TrackOrigins)
	}
}

// New creates a task with a fresh base stack segment and an empty boxed
// heap, and starts its system context. Callers own the result and must
// Destroy it.
func New(name string, cfg Config) (*Task, error) {
	cfg.fill()
	t := &Task{
		Name:      name,
		ID:        atomic.AddUintptr(&taskID, 1),
		Exchange:  cfg.Exchange,
		OnFail:    DefaultFailHandler,
		log:       rtlog.Safe(cfg.Log),
		sysCalls:  make(chan func()),
		sysDone:   make(chan struct{}),
		taskCalls: make(chan func()),
		taskDone:  make(chan struct{}),
	}
	chain, err := stack.NewChain(cfg.Provider, cfg.Opts, cfg.Log, name)
	if err != nil {
		return nil, err
	}
	t.Stack = chain
	t.Heap = heap.NewLocal(cfg.Provider, cfg.Log, name, cfg.Tracker, cfg.Opts.TrackOrigins)
	go t.systemLoop()
	t.log.Logf(rtlog.Task, t.Name, "task %d created", t.ID)
	return t, nil
}

// Run executes body as the task's code; the caller's goroutine becomes the
// task context for the duration. It reports whether the task completed
// without failing.
//
// This is the only recover boundary in the runtime: a failure armed
// anywhere below lands here, already logged, and ends the task cleanly.
// Panics that are not task failures keep propagating.
func (t *Task) Run(body func()) (ok bool) {
	if t.state != StateNew {
		rtlog.Fatalf(t.log, t.Name, "task run twice")
		return false
	}
	t.state = StateRunning
	defer func() {
		switch r := recover().(type) {
		case nil:
			t.state = StateDead
			t.log.Logf(rtlog.Task, t.Name, "task finished")
		case *Unwind:
			if r.Task != t {
				panic(r)
			}
			t.state = StateDead
			t.log.Logf(rtlog.Task, t.Name, "task unwound: %s", r.Reason)
		default:
			t.state = StateDead
			panic(r)
		}
	}()
	body()
	return true
}

// Failed reports whether the task has failed.
func (t *Task) Failed() bool { return t.failed }

// Logger returns the task's logger.
func (t *Task) Logger() rtlog.Logger { return t.log }

// State returns the task's lifecycle state.
func (t *Task) State() State { return t.state }

// Destroy reclaims everything the task still owns and stops its system
// context. Live boxes are swept with their drop hooks; the stack chain goes
// back to the provider. A task must not be destroyed while it runs.
func (t *Task) Destroy() {
	if t.sysCalls == nil {
		return
	}
	if leaked := t.Heap.ReleaseAll(); leaked > 0 {
		t.log.Logf(rtlog.Task, t.Name, "destroy: %d boxes were still live", leaked)
	}
	t.log.Logf(rtlog.Mem, t.Name, "heap at exit: %s", t.Heap.Stats())
	t.Stack.Destroy()
	close(t.sysCalls)
	t.sysCalls = nil
	t.state = StateDead
	t.log.Logf(rtlog.Task, t.Name, "task %d destroyed", t.ID)
}
