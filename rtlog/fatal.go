package rtlog

import (
	"fmt"
	"os"
)

// Exit is called by Fatalf once the diagnostic is out. Embedders that need
// to flush their own sinks may replace it; tests stub it. It must not
// return.
var Exit func(code int) = os.Exit

// Fatalf reports an unrecoverable runtime defect and terminates the
// process. This is the sink for every anomaly the core cannot express as a
// task-scoped failure: handler escapes across a stack switch, allocator
// exhaustion, stack corruption, improper foreign re-entry. The diagnostic
// is written both through the logger and directly to standard error, since
// the logger itself may be part of the problem.
func Fatalf(l Logger, task string, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l != nil {
		Safe(l).Errorf(task, "fatal: %s", msg)
	}
	fmt.Fprintf(os.Stderr, "mossrt: fatal: %s: %s\n", task, msg)
	Exit(2)
}
