package autofix

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MimeLyc/scriptbatch/internal/prompts"
	"github.com/MimeLyc/scriptbatch/internal/provider"
	"github.com/MimeLyc/scriptbatch/internal/scene"
	"github.com/MimeLyc/scriptbatch/internal/telemetry"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

const (
	DefaultGroupSize = 5
	DefaultTimeout   = 30 * time.Second
	DefaultPasses    = 3
)

// Result of Fix. Fixed and StillInvalid hold scene indices.
type Result struct {
	Text         string `json:"text"`
	Fixed        []int  `json:"fixed"`
	StillInvalid []int  `json:"stillInvalid"`
	Passes       int    `json:"passes"`
}

// Engine rewrites structurally broken scenes. Scenes whose only problem is
// the word count are left alone.
type Engine struct {
	provider  provider.Provider
	library   *prompts.Library
	groupSize int
	timeout   time.Duration
	passes    int
}

type Option func(*Engine)

func WithGroupSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.groupSize = n
		}
	}
}

// WithTimeout bounds each group call.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithPasses(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.passes = n
		}
	}
}

func NewEngine(p provider.Provider, library *prompts.Library, opts ...Option) *Engine {
	e := &Engine{
		provider:  p,
		library:   library,
		groupSize: DefaultGroupSize,
		timeout:   DefaultTimeout,
		passes:    DefaultPasses,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fix repairs scenes 1..expected of text and splices the accepted rewrites
// back by index. A failed group call is logged and skipped; only
// cancellation of ctx is returned as an error.
func (e *Engine) Fix(ctx context.Context, text string, expected int, w scene.Window, p scene.Profile) (*Result, error) {
	res := &Result{Text: text}
	fixed := make(map[int]bool)

	for pass := 1; pass <= e.passes; pass++ {
		targets := structural(scene.Validate(res.Text, expected, w, p).Invalid)
		if len(targets) == 0 {
			break
		}
		res.Passes = pass

		replacements := make(map[int]scene.Scene)
		for _, group := range chunk(targets, e.groupSize) {
			rewritten, err := e.fixGroup(ctx, group, expected, w, p)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				log.Warn("autofix pass %d: group %v skipped: %v", pass, indices(group), err)
				continue
			}
			for _, s := range rewritten {
				inv, bad := scene.Inspect(s, w)
				if bad && !inv.Minor() {
					continue
				}
				replacements[s.Index] = s
				fixed[s.Index] = true
			}
		}
		if len(replacements) == 0 {
			break
		}
		res.Text = scene.Splice(res.Text, replacements, p)
	}

	for _, inv := range structural(scene.Validate(res.Text, expected, w, p).Invalid) {
		res.StillInvalid = append(res.StillInvalid, inv.Scene.Index)
		delete(fixed, inv.Scene.Index)
	}
	for i := range fixed {
		res.Fixed = append(res.Fixed, i)
	}
	sort.Ints(res.Fixed)

	telemetry.AutoFixResults.WithLabelValues("fixed").Add(float64(len(res.Fixed)))
	telemetry.AutoFixResults.WithLabelValues("still_invalid").Add(float64(len(res.StillInvalid)))
	if res.Passes > 0 {
		log.Info("autofix: %d fixed, %d still invalid after %d passes", len(res.Fixed), len(res.StillInvalid), res.Passes)
	}
	return res, nil
}

// fixGroup returns the rewritten scenes of group; indices outside the group
// are dropped.
func (e *Engine) fixGroup(ctx context.Context, group []scene.InvalidScene, total int, w scene.Window, p scene.Profile) ([]scene.Scene, error) {
	problems := make([]string, 0, len(group))
	originals := make([]scene.Scene, 0, len(group))
	want := make(map[int]bool, len(group))
	for _, inv := range group {
		problems = append(problems, "- "+inv.Describe())
		originals = append(originals, inv.Scene)
		want[inv.Scene.Index] = true
	}

	system, user, err := e.library.Render(prompts.SceneFix, prompts.Data{
		Language:       p.LanguageName(),
		Total:          total,
		Indices:        indices(group),
		Target:         w.Target,
		Tolerance:      w.Tolerance,
		Min:            w.Min(),
		Max:            w.Max(),
		SceneLabel:     p.SceneLabel,
		VisualLabel:    p.VisualLabels[0],
		VoiceoverLabel: p.VoiceoverLabels[0],
		Unit:           p.Unit,
		Feedback:       strings.Join(problems, "\n"),
		Scenes:         scene.Assemble(originals, p),
	})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.provider.Generate(callCtx, provider.Request{SystemInstruction: system, UserMessage: user})
	if err != nil {
		return nil, fmt.Errorf("fix call: %w", err)
	}

	var out []scene.Scene
	for _, s := range scene.Parse(resp.Content, p) {
		if want[s.Index] {
			out = append(out, s)
		}
	}
	return out, nil
}

func structural(invalid []scene.InvalidScene) []scene.InvalidScene {
	var out []scene.InvalidScene
	for _, inv := range invalid {
		if !inv.Minor() {
			out = append(out, inv)
		}
	}
	return out
}

func chunk(items []scene.InvalidScene, size int) [][]scene.InvalidScene {
	var out [][]scene.InvalidScene
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}

func indices(group []scene.InvalidScene) []int {
	out := make([]int, len(group))
	for i, inv := range group {
		out[i] = inv.Scene.Index
	}
	return out
}
