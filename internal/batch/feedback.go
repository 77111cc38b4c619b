package batch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MimeLyc/scriptbatch/internal/scene"
)

// Feedback builds the corrective note for the next attempt. Missing scenes
// are the primary instruction; length problems follow as secondary notes.
func Feedback(missing []int, warnings []scene.Warning, w scene.Window, p scene.Profile) string {
	var b strings.Builder
	if len(missing) > 0 {
		fmt.Fprintf(&b, "- Missing %s: %s. Write %s in full, each starting with \"%s N:\".",
			plural(len(missing), "scene", "scenes"), joinInts(missing), pronoun(len(missing)), p.SceneLabel)
		if len(warnings) > 0 {
			b.WriteString("\nSecondary notes, only after the missing scenes are present:")
		}
	}
	for _, warn := range warnings {
		b.WriteString("\n- ")
		b.WriteString(warningNote(warn, w, p))
	}
	return strings.TrimSpace(b.String())
}

func warningNote(warn scene.Warning, w scene.Window, p scene.Profile) string {
	switch warn.Kind {
	case scene.WarningEmpty:
		return fmt.Sprintf("%s %d has no %s; add one of %d-%d %s.",
			p.SceneLabel, warn.SceneIndex, p.VoiceoverLabels[0], w.Min(), w.Max(), p.Unit)
	case scene.WarningTooLong:
		return fmt.Sprintf("%s %d is too long (%d %s); shorten it to %d-%d %s.",
			p.SceneLabel, warn.SceneIndex, warn.Actual, p.Unit, w.Min(), w.Max(), p.Unit)
	default:
		return fmt.Sprintf("%s %d is too short (%d %s); lengthen it to %d-%d %s.",
			p.SceneLabel, warn.SceneIndex, warn.Actual, p.Unit, w.Min(), w.Max(), p.Unit)
	}
}

func joinInts(items []int) string {
	parts := make([]string, len(items))
	for i, n := range items {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func pronoun(n int) string {
	if n == 1 {
		return "it"
	}
	return "them"
}
