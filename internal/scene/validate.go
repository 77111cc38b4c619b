package scene

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// MinVisualLength is the shortest visual description accepted, in runes.
const MinVisualLength = 20

type IssueKind string

const (
	IssueMissingVoiceover IssueKind = "missing_voiceover"
	IssueShortVisual      IssueKind = "short_visual"
	IssueWordCount        IssueKind = "word_count"
)

type Issue struct {
	Kind   IssueKind `json:"kind"`
	Detail string    `json:"detail"`
}

// InvalidScene is a present scene that failed at least one check.
type InvalidScene struct {
	Scene   Scene    `json:"scene"`
	Issues  []Issue  `json:"issues"`
	Warning *Warning `json:"warning,omitempty"`
}

// Minor reports whether the only problem is the word count.
func (s InvalidScene) Minor() bool {
	return len(s.Issues) == 1 && s.Issues[0].Kind == IssueWordCount
}

func (s InvalidScene) Describe() string {
	details := make([]string, 0, len(s.Issues))
	for _, is := range s.Issues {
		details = append(details, is.Detail)
	}
	return fmt.Sprintf("Scene %d: %s", s.Scene.Index, strings.Join(details, "; "))
}

// Report is the result of Validate.
type Report struct {
	Valid          []Scene        `json:"valid"`
	Invalid        []InvalidScene `json:"invalid"`
	Missing        []int          `json:"missing"`
	Warnings       []Warning      `json:"warnings"`
	CompletionRate float64        `json:"completionRate"`
	Text           string         `json:"text"`
}

// Validate checks scenes 1..expected in text. Scenes past expected are
// ignored; duplicated indices keep the last occurrence. Text is the
// reconstructed script with recomputed annotations.
func Validate(text string, expected int, w Window, p Profile) Report {
	byIndex := ByIndex(Parse(text, p))

	var r Report
	present := make([]Scene, 0, expected)
	for i := 1; i <= expected; i++ {
		s, ok := byIndex[i]
		if !ok {
			r.Missing = append(r.Missing, i)
			continue
		}
		present = append(present, s)

		if inv, bad := Inspect(s, w); bad {
			r.Invalid = append(r.Invalid, inv)
			if inv.Warning != nil {
				r.Warnings = append(r.Warnings, *inv.Warning)
			}
			continue
		}
		r.Valid = append(r.Valid, s)
	}

	if expected > 0 {
		r.CompletionRate = float64(len(present)) / float64(expected)
	}
	r.Text = Assemble(present, p)
	return r
}

// Inspect runs the per-scene checks.
func Inspect(s Scene, w Window) (InvalidScene, bool) {
	inv := InvalidScene{Scene: s}
	if strings.TrimSpace(s.Voiceover) == "" {
		inv.Issues = append(inv.Issues, Issue{Kind: IssueMissingVoiceover, Detail: "voiceover section is missing"})
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(s.Visual)); n < MinVisualLength {
		inv.Issues = append(inv.Issues, Issue{
			Kind:   IssueShortVisual,
			Detail: fmt.Sprintf("visual description too short (%d of %d characters)", n, MinVisualLength),
		})
	}
	if warn := w.Check(s); warn != nil {
		inv.Warning = warn
		if warn.Kind != WarningEmpty {
			inv.Issues = append(inv.Issues, Issue{Kind: IssueWordCount, Detail: warn.String()})
		}
	}
	return inv, len(inv.Issues) > 0
}

// Present returns the sorted indices found in text.
func Present(text string, p Profile) []int {
	byIndex := ByIndex(Parse(text, p))
	out := make([]int, 0, len(byIndex))
	for i := range byIndex {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
