// Package rtopts holds the tunable knobs of the runtime: stack sizing, heap
// ceilings, log categories and debug facilities. Options come from an
// optional YAML file with human-readable sizes, overridden by environment
// variables, so embedders and operators can reshape a deployment without a
// rebuild.
package rtopts

import (
	"fmt"
	"os"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/moss-lang/mossrt/rtlog"
)

// Options configures one runtime instance. The zero value is not useful;
// start from Default.
type Options struct {
	// StackInitial is the size of a task's base stack segment.
	StackInitial uintptr

	// StackMin is the smallest segment Grow will allocate, whatever the
	// requested frame size.
	StackMin uintptr

	// StackMax caps the total bytes of a task's segment chain. Growth past
	// it is a stack overflow. Zero means unbounded.
	StackMax uintptr

	// RedZone is the gap kept between a segment's base and its published
	// limit, so that overflow handling itself has room to run.
	RedZone uintptr

	// StackCache is how many released segments a task keeps for reuse.
	StackCache int

	// HeapLimit caps the memory provider backing the allocators. Zero
	// means unbounded.
	HeapLimit uintptr

	// LogCategories names the enabled debug log categories.
	LogCategories []string

	// TrackOrigins enables the allocation origin tracker.
	TrackOrigins bool

	// CrashLog, when non-empty, is the file task failures are appended to.
	CrashLog string
}

// Default returns the options the runtime starts from.
func Default() Options {
	return Options{
		StackInitial: 32 * 1024,
		StackMin:     16 * 1024,
		StackMax:     64 * 1024 * 1024,
		RedZone:      4 * 1024,
		StackCache:   4,
	}
}

// Filter converts the configured category names into an rtlog mask.
func (o Options) Filter() rtlog.Category {
	var mask rtlog.Category
	for _, name := range o.LogCategories {
		mask |= rtlog.ParseCategories(name)
	}
	return mask
}

// optsFile is the YAML schema. Sizes are strings so "32KB" and friends
// parse.
type optsFile struct {
	Stack struct {
		Initial string `yaml:"initial"`
		Min     string `yaml:"min"`
		Max     string `yaml:"max"`
		RedZone string `yaml:"red-zone"`
		Cache   *int   `yaml:"cache"`
	} `yaml:"stack"`
	Heap struct {
		Limit string `yaml:"limit"`
	} `yaml:"heap"`
	Log   []string `yaml:"log"`
	Debug struct {
		TrackOrigins bool   `yaml:"track-origins"`
		CrashLog     string `yaml:"crash-log"`
	} `yaml:"debug"`
}

// Parse merges a YAML document over the defaults. Environment overrides are
// not applied here; see ApplyEnv.
func Parse(data []byte) (Options, error) {
	o := Default()
	var f optsFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return o, fmt.Errorf("rtopts: %w", err)
	}
	if err := setSize(&o.StackInitial, "stack.initial", f.Stack.Initial); err != nil {
		return o, err
	}
	if err := setSize(&o.StackMin, "stack.min", f.Stack.Min); err != nil {
		return o, err
	}
	if err := setSize(&o.StackMax, "stack.max", f.Stack.Max); err != nil {
		return o, err
	}
	if err := setSize(&o.RedZone, "stack.red-zone", f.Stack.RedZone); err != nil {
		return o, err
	}
	if f.Stack.Cache != nil {
		o.StackCache = *f.Stack.Cache
	}
	if err := setSize(&o.HeapLimit, "heap.limit", f.Heap.Limit); err != nil {
		return o, err
	}
	if f.Log != nil {
		o.LogCategories = f.Log
	}
	o.TrackOrigins = f.Debug.TrackOrigins
	if f.Debug.CrashLog != "" {
		o.CrashLog = f.Debug.CrashLog
	}
	return o, o.validate()
}

// Load reads a YAML options file and applies environment overrides on top.
func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), err
	}
	o, err := Parse(data)
	if err != nil {
		return o, err
	}
	if err := o.ApplyEnv(); err != nil {
		return o, err
	}
	return o, nil
}

// ApplyEnv overrides options from the environment:
//
//	MOSSRT_MIN_STACK   smallest grown segment ("64KB" forms accepted)
//	MOSSRT_MAX_STACK   stack chain ceiling
//	MOSSRT_LOG         log category list, see rtlog
//	MOSSRT_CRASH_LOG   crash log path
func (o *Options) ApplyEnv() error {
	if v := os.Getenv("MOSSRT_MIN_STACK"); v != "" {
		if err := setSize(&o.StackMin, "MOSSRT_MIN_STACK", v); err != nil {
			return err
		}
	}
	if v := os.Getenv("MOSSRT_MAX_STACK"); v != "" {
		if err := setSize(&o.StackMax, "MOSSRT_MAX_STACK", v); err != nil {
			return err
		}
	}
	if v := os.Getenv("MOSSRT_LOG"); v != "" {
		o.LogCategories = []string{v}
	}
	if v := os.Getenv("MOSSRT_CRASH_LOG"); v != "" {
		o.CrashLog = v
	}
	return o.validate()
}

func (o Options) validate() error {
	if o.StackMin > o.StackInitial {
		return fmt.Errorf("rtopts: stack.min (%s) larger than stack.initial (%s)",
			bytesize.New(float64(o.StackMin)), bytesize.New(float64(o.StackInitial)))
	}
	if o.StackMax != 0 && o.StackMax < o.StackInitial {
		return fmt.Errorf("rtopts: stack.max (%s) smaller than stack.initial (%s)",
			bytesize.New(float64(o.StackMax)), bytesize.New(float64(o.StackInitial)))
	}
	if o.RedZone >= o.StackInitial {
		return fmt.Errorf("rtopts: red zone (%s) swallows the whole initial segment",
			bytesize.New(float64(o.RedZone)))
	}
	return nil
}

func setSize(dst *uintptr, what, value string) error {
	if value == "" {
		return nil
	}
	size, err := bytesize.Parse(value)
	if err != nil {
		return fmt.Errorf("rtopts: %s: %w", what, err)
	}
	*dst = uintptr(size)
	return nil
}
