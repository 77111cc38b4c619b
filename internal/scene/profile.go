package scene

import (
	"regexp"
	"sort"
	"strings"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Profile holds everything that differs between script languages: labels,
// the count unit and the tokenization rule. The first label of each list is
// the one Render writes.
type Profile struct {
	Name            string
	Tag             language.Tag
	SceneLabel      string
	VisualLabels    []string
	VoiceoverLabels []string
	Unit            string
	// KeepJoiners keeps intra-word hyphens and apostrophes so that
	// "well-known" or "don't" count once.
	KeepJoiners bool

	header     *regexp.Regexp
	label      *regexp.Regexp
	annotation *regexp.Regexp
}

var (
	English = newProfile(Profile{
		Name:            "en",
		Tag:             language.English,
		SceneLabel:      "Scene",
		VisualLabels:    []string{"Visual", "Visual description", "Visuals", "Image", "Shot"},
		VoiceoverLabels: []string{"Voiceover", "Voice-over", "Voice over", "Narration", "VO"},
		Unit:            "words",
		KeepJoiners:     true,
	})

	// Vietnamese counts whitespace separated syllables, which tracks
	// voiceover duration.
	Vietnamese = newProfile(Profile{
		Name:            "vi",
		Tag:             language.Vietnamese,
		SceneLabel:      "Cảnh",
		VisualLabels:    []string{"Hình ảnh", "Mô tả hình ảnh", "Visual"},
		VoiceoverLabels: []string{"Lời dẫn", "Lời thoại", "Thuyết minh", "Voiceover"},
		Unit:            "từ",
	})
)

func newProfile(p Profile) Profile {
	p.header = regexp.MustCompile(`(?i)^[\s#*_>]*(?:` + regexp.QuoteMeta(p.SceneLabel) + `|Scene)\s*(\d+)\s*(?:[:：.\-–—)]\s*)?(.*?)\s*$`)
	p.label = regexp.MustCompile(`(?i)^[\s*_\-•>]*(` + alternation(p.VisualLabels) + `|` + alternation(p.VoiceoverLabels) + `)[\s*_]*(?:\([^)]*\))?[\s*_]*[:：][\s*_]*(.*)$`)
	p.annotation = regexp.MustCompile(`(?i)[\s*_]*[(\[]\s*~?\s*\d+\s*(?:words?|từ|tu|syllables?)\s*[)\]][\s*_]*`)
	return p
}

// alternation lists longer labels first so "Visual description" wins over "Visual".
func alternation(labels []string) string {
	sorted := append([]string(nil), labels...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	quoted := make([]string, len(sorted))
	for i, l := range sorted {
		quoted[i] = regexp.QuoteMeta(l)
	}
	return strings.Join(quoted, "|")
}

func (p Profile) isVisual(label string) bool {
	return containsFold(p.VisualLabels, label)
}

func (p Profile) isVoiceover(label string) bool {
	return containsFold(p.VoiceoverLabels, label)
}

func containsFold(list []string, s string) bool {
	for _, l := range list {
		if strings.EqualFold(l, s) {
			return true
		}
	}
	return false
}

// ProfileFor maps a configured language ("en", "vi", "auto") to a Profile.
// "auto" and unknown values detect the language from sample.
func ProfileFor(lang, sample string) Profile {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "vi":
		return Vietnamese
	case "en":
		return English
	default:
		return DetectProfile(sample)
	}
}

// DetectProfile picks the Vietnamese profile when the text is detected as
// Vietnamese and English otherwise.
func DetectProfile(text string) Profile {
	if strings.TrimSpace(text) == "" {
		return English
	}
	info := whatlanggo.Detect(text)
	if info.Lang == whatlanggo.Vie {
		return Vietnamese
	}
	return English
}

// LanguageName is the English name of the profile language, used in prompts.
func (p Profile) LanguageName() string {
	return display.English.Tags().Name(p.Tag)
}
