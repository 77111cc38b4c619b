package scene

import (
	"fmt"
	"strings"
)

// Window is an inclusive word-count range. A literal Window spans
// [Target-Tolerance, Target+Tolerance]; WindowFromRange keeps the configured
// bounds exactly and derives Target and Tolerance for prompts only.
type Window struct {
	Target    int `json:"target"`
	Tolerance int `json:"tolerance"`

	lo, hi  int
	bounded bool
}

// WindowFromRange builds the window for the inclusive range [min, max].
func WindowFromRange(min, max int) Window {
	return Window{
		Target:    (min + max) / 2,
		Tolerance: (max - min) / 2,
		lo:        min,
		hi:        max,
		bounded:   true,
	}
}

func (w Window) Min() int {
	if w.bounded {
		return w.lo
	}
	return w.Target - w.Tolerance
}

func (w Window) Max() int {
	if w.bounded {
		return w.hi
	}
	return w.Target + w.Tolerance
}

func (w Window) Contains(n int) bool {
	return n >= w.Min() && n <= w.Max()
}

// Deviation is zero inside the window, n-Max above it and n-Min below it.
func (w Window) Deviation(n int) int {
	switch {
	case n > w.Max():
		return n - w.Max()
	case n < w.Min():
		return n - w.Min()
	default:
		return 0
	}
}

func (w Window) String() string {
	if w.Min() != w.Target-w.Tolerance || w.Max() != w.Target+w.Tolerance {
		return fmt.Sprintf("%d-%d", w.Min(), w.Max())
	}
	return fmt.Sprintf("%d±%d", w.Target, w.Tolerance)
}

type WarningKind string

const (
	WarningTooLong  WarningKind = "too_long"
	WarningTooShort WarningKind = "too_short"
	WarningEmpty    WarningKind = "empty"
)

// Warning records a scene accepted outside the window.
type Warning struct {
	SceneIndex int         `json:"sceneIndex"`
	Actual     int         `json:"actual"`
	Target     int         `json:"target"`
	Tolerance  int         `json:"tolerance"`
	Diff       int         `json:"diff"`
	Kind       WarningKind `json:"kind"`
	Min        int         `json:"min,omitempty"`
	Max        int         `json:"max,omitempty"`
}

func (w Warning) window() string {
	if w.Max > 0 {
		return fmt.Sprintf("%d-%d", w.Min, w.Max)
	}
	return fmt.Sprintf("%d±%d", w.Target, w.Tolerance)
}

func (w Warning) String() string {
	switch w.Kind {
	case WarningEmpty:
		return fmt.Sprintf("Scene %d: voiceover is empty (window %s)", w.SceneIndex, w.window())
	case WarningTooLong:
		return fmt.Sprintf("Scene %d: %d words, %d too long (window %s)", w.SceneIndex, w.Actual, w.Diff, w.window())
	default:
		return fmt.Sprintf("Scene %d: %d words, %d too short (window %s)", w.SceneIndex, w.Actual, -w.Diff, w.window())
	}
}

// Check returns a warning when the scene's count falls outside the window.
// An empty voiceover yields the maximal deviation, -Min.
func (w Window) Check(s Scene) *Warning {
	if strings.TrimSpace(s.Voiceover) == "" {
		return &Warning{
			SceneIndex: s.Index,
			Actual:     0,
			Target:     w.Target,
			Tolerance:  w.Tolerance,
			Diff:       -w.Min(),
			Kind:       WarningEmpty,
			Min:        w.Min(),
			Max:        w.Max(),
		}
	}
	if w.Contains(s.WordCount) {
		return nil
	}
	kind := WarningTooShort
	if s.WordCount > w.Max() {
		kind = WarningTooLong
	}
	return &Warning{
		SceneIndex: s.Index,
		Actual:     s.WordCount,
		Target:     w.Target,
		Tolerance:  w.Tolerance,
		Diff:       w.Deviation(s.WordCount),
		Kind:       kind,
		Min:        w.Min(),
		Max:        w.Max(),
	}
}
