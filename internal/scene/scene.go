package scene

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Scene is one parsed unit. WordCount is always computed from Voiceover,
// never taken from the text.
type Scene struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	Visual    string `json:"visual"`
	Voiceover string `json:"voiceover"`
	WordCount int    `json:"wordCount"`
}

// block is the raw line span of one scene inside a text.
type block struct {
	index int
	lines []string
}

// split cuts text at scene headers. Lines before the first header are
// returned as the preamble.
func split(text string, p Profile) (preamble []string, blocks []block) {
	text = norm.NFC.String(strings.ReplaceAll(text, "\r\n", "\n"))
	for _, line := range strings.Split(text, "\n") {
		if m := p.header.FindStringSubmatch(line); m != nil {
			idx, err := strconv.Atoi(m[1])
			if err == nil && idx > 0 {
				blocks = append(blocks, block{index: idx, lines: []string{line}})
				continue
			}
		}
		if len(blocks) == 0 {
			preamble = append(preamble, line)
			continue
		}
		last := &blocks[len(blocks)-1]
		last.lines = append(last.lines, line)
	}
	return preamble, blocks
}

// Parse extracts scenes in text order. Duplicated indices are all returned;
// callers merge by index.
func Parse(text string, p Profile) []Scene {
	_, blocks := split(text, p)
	scenes := make([]Scene, 0, len(blocks))
	for _, b := range blocks {
		scenes = append(scenes, parseBlock(b, p))
	}
	return scenes
}

func parseBlock(b block, p Profile) Scene {
	s := Scene{Index: b.index}
	m := p.header.FindStringSubmatch(b.lines[0])
	s.Title = cleanInline(m[2])

	var visual, voice []string
	var current *[]string
	for _, line := range b.lines[1:] {
		if lm := p.label.FindStringSubmatch(line); lm != nil {
			switch {
			case p.isVisual(lm[1]):
				current = &visual
			case p.isVoiceover(lm[1]):
				current = &voice
			default:
				current = nil
			}
			if current != nil {
				*current = append(*current, lm[2])
			}
			continue
		}
		if current != nil {
			*current = append(*current, line)
		}
	}

	s.Visual = cleanSection(visual)
	s.Voiceover = cleanSection(voice)
	s.Voiceover = strings.TrimSpace(p.annotation.ReplaceAllString(s.Voiceover, " "))
	s.Voiceover = strings.Join(strings.Fields(s.Voiceover), " ")
	s.WordCount = CountWords(s.Voiceover, p)
	return s
}

func cleanInline(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "*_"))
}

func cleanSection(lines []string) string {
	var parts []string
	for _, l := range lines {
		l = cleanInline(l)
		if l == "" || l == "---" {
			continue
		}
		parts = append(parts, l)
	}
	return strings.Join(parts, " ")
}

// Render writes the scene in canonical form with a recomputed annotation.
func (s Scene) Render(p Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d:", p.SceneLabel, s.Index)
	if s.Title != "" {
		b.WriteString(" ")
		b.WriteString(s.Title)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s: %s\n", p.VisualLabels[0], s.Visual)
	fmt.Fprintf(&b, "%s: %s (%d %s)", p.VoiceoverLabels[0], s.Voiceover, CountWords(s.Voiceover, p), p.Unit)
	return b.String()
}

// Assemble renders scenes ordered by index. Later duplicates win.
func Assemble(scenes []Scene, p Profile) string {
	byIndex := ByIndex(scenes)
	indices := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	parts := make([]string, 0, len(indices))
	for _, i := range indices {
		parts = append(parts, byIndex[i].Render(p))
	}
	return strings.Join(parts, "\n\n")
}

// ByIndex maps scenes by index; later entries overwrite earlier ones.
func ByIndex(scenes []Scene) map[int]Scene {
	out := make(map[int]Scene, len(scenes))
	for _, s := range scenes {
		out[s.Index] = s
	}
	return out
}

// Splice replaces the blocks whose index appears in replacements and keeps
// every other block verbatim. Replacements without a block are inserted
// before the first block with a higher index.
func Splice(text string, replacements map[int]Scene, p Profile) string {
	preamble, blocks := split(text, p)

	pending := make([]int, 0, len(replacements))
	for i := range replacements {
		pending = append(pending, i)
	}
	sort.Ints(pending)
	used := make(map[int]bool, len(replacements))

	var out []string
	if pre := strings.TrimSpace(strings.Join(preamble, "\n")); pre != "" {
		out = append(out, pre)
	}
	flush := func(upTo int) {
		for len(pending) > 0 && pending[0] < upTo {
			if !used[pending[0]] {
				out = append(out, replacements[pending[0]].Render(p))
				used[pending[0]] = true
			}
			pending = pending[1:]
		}
	}
	for _, b := range blocks {
		flush(b.index)
		if r, ok := replacements[b.index]; ok {
			if !used[b.index] {
				out = append(out, r.Render(p))
				used[b.index] = true
			}
			continue
		}
		out = append(out, strings.TrimSpace(strings.Join(b.lines, "\n")))
	}
	flush(int(^uint(0) >> 1))
	return strings.Join(out, "\n\n")
}
