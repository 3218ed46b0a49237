package upcall

import (
	"unsafe"

	"github.com/moss-lang/mossrt/heap"
	"github.com/moss-lang/mossrt/task"
)

// Alternate entry names. Stubs generated for separately compiled crates
// bind these to avoid colliding with the primary symbols; each is a plain
// forwarder and must keep behaving exactly like its counterpart.

func RtMalloc(t *task.Task, td *heap.TypeDesc, size uintptr) unsafe.Pointer {
	return Malloc(t, td, size)
}

func RtFree(t *task.Task, box unsafe.Pointer) {
	Free(t, box)
}

func RtExchangeMalloc(t *task.Task, td *heap.TypeDesc, size uintptr) unsafe.Pointer {
	return ExchangeMalloc(t, td, size)
}

func RtExchangeFree(t *task.Task, box unsafe.Pointer) {
	ExchangeFree(t, box)
}

func RtFail(t *task.Task, expr, file string, line int) {
	Fail(t, expr, file, line)
}
