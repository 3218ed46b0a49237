package heap

import (
	"fmt"

	"github.com/inhies/go-bytesize"
)

// Stats counts allocator traffic in block bytes, overhead included. Local
// heaps keep their own; the exchange heap aggregates across tasks.
type Stats struct {
	TotalAlloc uint64 // cumulative bytes handed out
	Mallocs    uint64
	Frees      uint64
	InUse      uint64 // bytes currently live
	Peak       uint64 // high-water mark of InUse
}

func (s *Stats) note(n uint64) {
	s.TotalAlloc += n
	s.Mallocs++
	s.InUse += n
	if s.InUse > s.Peak {
		s.Peak = s.InUse
	}
}

func (s *Stats) drop(n uint64) {
	s.Frees++
	if s.InUse >= n {
		s.InUse -= n
	} else {
		s.InUse = 0
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("in use %s (peak %s), %s over %d boxes, %d freed",
		bytesize.New(float64(s.InUse)),
		bytesize.New(float64(s.Peak)),
		bytesize.New(float64(s.TotalAlloc)),
		s.Mallocs, s.Frees)
}
