package batch

import (
	"errors"
	"fmt"
)

// Width is the number of scenes one orchestrator call produces.
const Width = 3

// ErrStepComplete means the requested batch starts past the last scene.
var ErrStepComplete = errors.New("batch: step complete")

// Range is an inclusive, 1-based scene range.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// RangeFor returns the range of the 0-based batch index. ok is false when the
// range would start past total.
func RangeFor(batchIndex, total int) (Range, bool) {
	if batchIndex < 0 || total < 1 {
		return Range{}, false
	}
	start := batchIndex*Width + 1
	if start > total {
		return Range{}, false
	}
	return Range{Start: start, End: min(start+Width-1, total)}, true
}

// Count is the number of batches needed for total scenes.
func Count(total int) int {
	if total < 1 {
		return 0
	}
	return (total + Width - 1) / Width
}

func (r Range) Contains(i int) bool {
	return i >= r.Start && i <= r.End
}

func (r Range) Indices() []int {
	out := make([]int, 0, r.End-r.Start+1)
	for i := r.Start; i <= r.End; i++ {
		out = append(out, i)
	}
	return out
}

func (r Range) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}
