package task

import (
	"strings"
	"testing"
	"unsafe"

	"github.com/moss-lang/mossrt/heap"
	"github.com/moss-lang/mossrt/mem"
	"github.com/moss-lang/mossrt/rtlog"
	"github.com/moss-lang/mossrt/rtopts"
)

func newTestTask(t *testing.T) *Task {
	t.Helper()
	tk, err := New("worker", Config{Opts: rtopts.Default(), Log: rtlog.Discard})
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

// captureExit records the code of the first fatal exit instead of
// terminating, so tests can assert on abort paths. The fatal call then
// returns, which only a test setup survives.
func captureExit(t *testing.T) *int {
	t.Helper()
	code := new(int)
	*code = -1
	prev := rtlog.Exit
	rtlog.Exit = func(c int) {
		if *code == -1 {
			*code = c
		}
	}
	t.Cleanup(func() { rtlog.Exit = prev })
	return code
}

func TestDispatchRoundTrip(t *testing.T) {
	tk := newTestTask(t)
	defer tk.Destroy()

	ok := tk.Run(func() {
		payload := uint64(0xfeedface)
		rec := Record{Task: tk, Args: unsafe.Pointer(&payload)}
		Dispatch(&rec, func(r *Record) {
			if !tk.OnSystemStack() {
				t.Error("handler ran off the system context")
			}
			r.Ret = uintptr(*(*uint64)(r.Args) + 1)
		})
		if rec.Ret != 0xfeedfacf {
			t.Errorf("record result: got %#x, want 0xfeedfacf", rec.Ret)
		}
		if tk.OnSystemStack() {
			t.Error("task context still flagged as system after the switch")
		}
	})
	if !ok {
		t.Fatal("task failed")
	}
}

func TestDispatchIsSequential(t *testing.T) {
	tk := newTestTask(t)
	defer tk.Destroy()

	var trace []string
	tk.Run(func() {
		trace = append(trace, "before")
		tk.CallOnSystemStack(func() {
			trace = append(trace, "system")
		})
		trace = append(trace, "after")
	})
	want := "before,system,after"
	if got := strings.Join(trace, ","); got != want {
		t.Errorf("order: got %s, want %s", got, want)
	}
}

func TestDirectCallWhenAlreadyOnSystem(t *testing.T) {
	tk := newTestTask(t)
	defer tk.Destroy()

	tk.Run(func() {
		tk.CallOnSystemStack(func() {
			ran := false
			tk.CallOnSystemStack(func() { ran = true })
			if !ran {
				t.Error("nested system call did not run")
			}
			if !tk.OnSystemStack() {
				t.Error("context flag lost after nested direct call")
			}
		})
	})
}

func TestNestedReentry(t *testing.T) {
	tk := newTestTask(t)
	defer tk.Destroy()

	var trace []string
	tk.Run(func() {
		trace = append(trace, "task")
		tk.CallOnSystemStack(func() {
			trace = append(trace, "sys1")
			tk.CallOnTaskStack(func() {
				trace = append(trace, "reentry")
				if tk.OnSystemStack() {
					t.Error("re-entered code thinks it is on the system context")
				}
				tk.CallOnSystemStack(func() {
					trace = append(trace, "sys2")
					if !tk.OnSystemStack() {
						t.Error("nested switch lost the system context flag")
					}
				})
			})
			if !tk.OnSystemStack() {
				t.Error("system context flag lost after re-entry returned")
			}
		})
	})
	want := "task,sys1,reentry,sys2"
	if got := strings.Join(trace, ","); got != want {
		t.Errorf("order: got %s, want %s", got, want)
	}
}

func TestFailureUnwindsToRun(t *testing.T) {
	tk := newTestTask(t)
	defer tk.Destroy()

	reached := false
	ok := tk.Run(func() {
		tk.CallOnSystemStack(func() {
			tk.OnFail(tk, "x > 0", "foo.src", 42)
		})
		reached = true
	})
	if ok {
		t.Fatal("failed task reported success")
	}
	if reached {
		t.Error("task code continued past an armed failure")
	}
	if !tk.Failed() {
		t.Error("task not marked failed")
	}
	if tk.State() != StateDead {
		t.Errorf("state: got %d, want dead", tk.State())
	}
}

func TestFailHandlerMayDecline(t *testing.T) {
	tk := newTestTask(t)
	defer tk.Destroy()

	tk.OnFail = func(*Task, string, string, int) {}
	ok := tk.Run(func() {
		tk.CallOnSystemStack(func() {
			tk.OnFail(tk, "soft", "foo.src", 7)
		})
	})
	if !ok {
		t.Error("declined failure still unwound the task")
	}
	if tk.Failed() {
		t.Error("declined failure marked the task failed")
	}
}

func TestRunReportsSuccess(t *testing.T) {
	tk := newTestTask(t)
	defer tk.Destroy()

	ran := false
	if ok := tk.Run(func() { ran = true }); !ok || !ran {
		t.Fatalf("run: ok=%v ran=%v", ok, ran)
	}
	if tk.State() != StateDead {
		t.Errorf("state after run: got %d", tk.State())
	}
}

func TestForeignPanicPropagates(t *testing.T) {
	tk := newTestTask(t)
	defer tk.Destroy()

	defer func() {
		if r := recover(); r != "boom" {
			t.Fatalf("recovered %v, want boom", r)
		}
	}()
	tk.Run(func() { panic("boom") })
	t.Fatal("panic did not propagate out of Run")
}

func TestEscapeOnSystemContextAborts(t *testing.T) {
	code := captureExit(t)
	tk := newTestTask(t)
	defer tk.Destroy()

	tk.Run(func() {
		tk.CallOnSystemStack(func() { panic("handler bug") })
	})
	if *code != 2 {
		t.Errorf("exit code: got %d, want 2", *code)
	}
}

func TestUnwindAcrossReentryAborts(t *testing.T) {
	code := captureExit(t)
	tk := newTestTask(t)
	defer tk.Destroy()

	tk.Run(func() {
		tk.CallOnSystemStack(func() {
			tk.CallOnTaskStack(func() {
				tk.CallOnSystemStack(func() {
					tk.OnFail(tk, "deep", "foo.src", 9)
				})
			})
		})
	})
	if *code != 2 {
		t.Errorf("exit code: got %d, want 2", *code)
	}
}

func TestForeignReentryAborts(t *testing.T) {
	code := captureExit(t)
	tk := newTestTask(t)
	defer tk.Destroy()

	tk.CallOnTaskStack(func() {})
	if *code != 2 {
		t.Errorf("exit code: got %d, want 2", *code)
	}
}

func TestSecondFailureDuringUnwindAborts(t *testing.T) {
	code := captureExit(t)
	tk := newTestTask(t)
	defer tk.Destroy()

	tk.Run(func() {
		defer func() {
			if r := recover(); r != nil {
				tk.BeginUnwind("second")
				panic(r)
			}
		}()
		tk.CallOnSystemStack(func() {
			tk.OnFail(tk, "first", "foo.src", 1)
		})
	})
	if *code != 2 {
		t.Errorf("exit code: got %d, want 2", *code)
	}
}

func TestRunTwiceAborts(t *testing.T) {
	code := captureExit(t)
	tk := newTestTask(t)
	defer tk.Destroy()

	tk.Run(func() {})
	tk.Run(func() {})
	if *code != 2 {
		t.Errorf("exit code: got %d, want 2", *code)
	}
}

func TestUpcallOnDestroyedTaskAborts(t *testing.T) {
	code := captureExit(t)
	tk := newTestTask(t)
	tk.Run(func() {})
	tk.Destroy()

	tk.CallOnSystemStack(func() {})
	if *code != 2 {
		t.Errorf("exit code: got %d, want 2", *code)
	}
}

func TestDestroySweepsHeap(t *testing.T) {
	prov := &mem.HeapProvider{}
	tk, err := New("worker", Config{Opts: rtopts.Default(), Provider: prov, Log: rtlog.Discard})
	if err != nil {
		t.Fatal(err)
	}
	dropped := 0
	td := &heap.TypeDesc{Size: 16, Align: 8, Name: "leaky",
		Drop: func(unsafe.Pointer) { dropped++ }}
	tk.Run(func() {
		for i := 0; i < 3; i++ {
			if _, err := tk.Heap.Alloc(td, td.Size); err != nil {
				t.Error(err)
			}
		}
	})
	tk.Destroy()
	if dropped != 3 {
		t.Errorf("drop hooks: got %d, want 3", dropped)
	}
	if prov.Outstanding() != 0 {
		t.Errorf("provider still holds %d bytes", prov.Outstanding())
	}
	tk.Destroy()
}

func TestTaskIDsDistinct(t *testing.T) {
	a := newTestTask(t)
	defer a.Destroy()
	b := newTestTask(t)
	defer b.Destroy()
	if a.ID == b.ID {
		t.Errorf("tasks share id %d", a.ID)
	}
}
