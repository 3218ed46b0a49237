package rtdebug

import (
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/moss-lang/mossrt/task"
)

// CrashLog appends one record per task failure to a file, so a failure
// that brings the process down still leaves a trace on disk. The file is
// guarded by an advisory lock beside it and may be shared by several
// runtime processes.
type CrashLog struct {
	path string
	now  func() time.Time
}

func NewCrashLog(path string) *CrashLog {
	return &CrashLog{path: path, now: time.Now}
}

// Note appends a failure record.
func (c *CrashLog) Note(taskName, expr, file string, line int) error {
	lock := flock.New(c.path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	stamp := c.now().UTC().Format(time.RFC3339)
	_, werr := fmt.Fprintf(f, "%s task '%s' failed at '%s', %s:%d\n", stamp, taskName, expr, file, line)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

// Handler wraps next so every failure is noted before next runs. A problem
// writing the record is logged through the failing task's logger and must
// not displace the failure itself.
func (c *CrashLog) Handler(next task.FailHandler) task.FailHandler {
	return func(t *task.Task, expr, file string, line int) {
		if err := c.Note(t.Name, expr, file, line); err != nil {
			t.Logger().Errorf(t.Name, "crash log: %v", err)
		}
		if next != nil {
			next(t, expr, file, line)
		}
	}
}
