// Package rtlog is the logging collaborator of the runtime core. Operations
// emit category-tagged debug records and always-on error records through a
// Logger; the core treats every record as best effort and never lets a
// logging problem alter control flow.
package rtlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
)

// Category selects which subsystem a debug record belongs to. Filters are
// bitmasks so several categories can be enabled at once.
type Category uint

const (
	Task Category = 1 << iota
	Stack
	Mem
	Upcall
	Unwind
	Trace

	// All enables every category.
	All Category = Task | Stack | Mem | Upcall | Unwind | Trace
)

var categoryNames = map[Category]string{
	Task:   "task",
	Stack:  "stack",
	Mem:    "mem",
	Upcall: "upcall",
	Unwind: "unwind",
	Trace:  "trace",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	var parts []string
	for bit, name := range categoryNames {
		if c&bit != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseCategories turns a comma-separated list ("upcall,mem") into a filter
// mask. "all" enables everything. Unknown names are ignored so that a stale
// environment variable cannot break startup.
func ParseCategories(s string) Category {
	var mask Category
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		if name == "all" {
			return All
		}
		for bit, known := range categoryNames {
			if name == known {
				mask |= bit
			}
		}
	}
	return mask
}

// EnvFilter reads the category filter from the MOSSRT_LOG environment
// variable.
func EnvFilter() Category {
	return ParseCategories(os.Getenv("MOSSRT_LOG"))
}

// Logger is what the core logs through. Logf records are filtered by
// category; Errorf records always appear. Implementations must not assume
// they are called from any particular goroutine.
type Logger interface {
	Enabled(c Category) bool
	Logf(c Category, task string, format string, args ...interface{})
	Errorf(task string, format string, args ...interface{})
}

// Log is the default Logger. It writes one line per record, prefixed with
// the category and the task identity, with ANSI colors when enabled.
type Log struct {
	mu    sync.Mutex
	w     io.Writer
	mask  Category
	color bool
}

// New returns a Log writing colorized records to standard error.
func New(mask Category) *Log {
	return &Log{w: colorable.NewColorableStderr(), mask: mask, color: true}
}

// NewWithWriter returns a Log writing plain records to w.
func NewWithWriter(w io.Writer, mask Category) *Log {
	return &Log{w: w, mask: mask}
}

func (l *Log) Enabled(c Category) bool {
	return l.mask&c != 0
}

func (l *Log) Logf(c Category, task string, format string, args ...interface{}) {
	if !l.Enabled(c) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.color {
		fmt.Fprintf(l.w, "mossrt: \x1b[36m[%s]\x1b[0m %s: %s\n", c, task, msg)
	} else {
		fmt.Fprintf(l.w, "mossrt: [%s] %s: %s\n", c, task, msg)
	}
}

func (l *Log) Errorf(task string, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.color {
		fmt.Fprintf(l.w, "mossrt: \x1b[31m%s: %s\x1b[0m\n", task, msg)
	} else {
		fmt.Fprintf(l.w, "mossrt: %s: %s\n", task, msg)
	}
}

// Discard drops every record. Useful for embedders that wire their own
// observability and for benchmarks.
var Discard Logger = discard{}

type discard struct{}

func (discard) Enabled(Category) bool                         { return false }
func (discard) Logf(Category, string, string, ...interface{}) {}
func (discard) Errorf(string, string, ...interface{})         {}

// Safe wraps l so that a panicking Logger implementation cannot take the
// runtime down with it. The core wraps every externally supplied logger.
func Safe(l Logger) Logger {
	if l == nil {
		return Discard
	}
	if _, ok := l.(safeLogger); ok {
		return l
	}
	return safeLogger{l}
}

type safeLogger struct{ l Logger }

func (s safeLogger) Enabled(c Category) (on bool) {
	defer func() { _ = recover() }()
	return s.l.Enabled(c)
}

func (s safeLogger) Logf(c Category, task string, format string, args ...interface{}) {
	defer func() { _ = recover() }()
	s.l.Logf(c, task, format, args...)
}

func (s safeLogger) Errorf(task string, format string, args ...interface{}) {
	defer func() { _ = recover() }()
	s.l.Errorf(task, format, args...)
}
