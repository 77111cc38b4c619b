package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MimeLyc/scriptbatch/internal/prompts"
	"github.com/MimeLyc/scriptbatch/internal/provider"
	"github.com/MimeLyc/scriptbatch/internal/scene"
	"github.com/MimeLyc/scriptbatch/internal/telemetry"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

const (
	DefaultMaxAttempts = 5
	DefaultContextTail = 1200
)

// State is the position of a batch in its lifecycle.
type State string

const (
	StateDrafting   State = "drafting"
	StateValidating State = "validating"
	StateAccepted   State = "accepted"
	StateRetrying   State = "retrying"
	StateRecovering State = "recovering"
	StateExhausted  State = "exhausted"
)

// Progress is emitted on every state change.
type Progress struct {
	JobID   string `json:"jobId"`
	Step    int    `json:"step"`
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
}

type ProgressFunc func(Progress)

// Request describes one batch.
type Request struct {
	JobID   string
	Step    int
	Range   Range
	Total   int
	Input   string
	Outline string
	// Context is the script written so far; only its tail reaches the prompt.
	Context string
	Window  scene.Window
	Profile scene.Profile
}

// Result is the outcome of a batch. Missing is non-empty only when the
// batch is exhausted.
type Result struct {
	Range     Range           `json:"range"`
	Scenes    []scene.Scene   `json:"scenes"`
	Text      string          `json:"text"`
	Warnings  []scene.Warning `json:"warnings"`
	Missing   []int           `json:"missing"`
	Attempts  int             `json:"attempts"`
	Recovered []int           `json:"recovered"`
	State     State           `json:"state"`
}

// Orchestrator drives the generate, validate and feedback loop for batches.
type Orchestrator struct {
	provider    provider.Provider
	library     *prompts.Library
	maxAttempts int
	delay       time.Duration
	contextTail int
	progress    ProgressFunc
	sleep       func(context.Context, time.Duration) error
}

type Option func(*Orchestrator)

func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithDelay sets the pause between attempts and between batches.
func WithDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.delay = d
		}
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) {
		o.progress = fn
	}
}

// WithContextTail limits how many characters of prior script go into the prompt.
func WithContextTail(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.contextTail = n
		}
	}
}

func NewOrchestrator(p provider.Provider, library *prompts.Library, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:    p,
		library:     library,
		maxAttempts: DefaultMaxAttempts,
		contextTail: DefaultContextTail,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run produces the scenes of req.Range. Content problems never fail the
// batch: after the retry budget and one recovery call the best merge is
// accepted with warnings. Only provider and context errors are returned.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Range.Start < 1 || req.Range.End < req.Range.Start {
		return nil, fmt.Errorf("batch: invalid range %s", req.Range)
	}
	if req.Total > 0 && req.Range.Start > req.Total {
		return nil, ErrStepComplete
	}

	p := req.Profile
	merged := make(map[int]scene.Scene, Width)
	res := &Result{Range: req.Range}
	feedback := ""

	var missing []int
	var warnings []scene.Warning
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := o.sleep(ctx, o.delay); err != nil {
				return nil, err
			}
		}
		res.Attempts = attempt
		o.emit(req, attempt, StateDrafting, "scenes %s of %d", req.Range, req.Total)

		data := o.data(req)
		data.Indices = req.Range.Indices()
		data.Feedback = feedback
		content, err := o.call(ctx, prompts.SceneBatch, data)
		if err != nil {
			return nil, fmt.Errorf("batch %s attempt %d: %w", req.Range, attempt, err)
		}

		o.emit(req, attempt, StateValidating, "scenes %s", req.Range)
		for _, s := range scene.Parse(content, p) {
			if req.Range.Contains(s.Index) {
				merged[s.Index] = s
			}
		}

		missing, warnings = evaluate(merged, req.Range, req.Window)
		if len(missing) == 0 && len(warnings) == 0 {
			break
		}
		if attempt == o.maxAttempts {
			break
		}
		feedback = Feedback(missing, warnings, req.Window, p)
		o.emit(req, attempt, StateRetrying, "missing %v, %d out of range", missing, len(warnings))
	}

	if len(missing) > 0 {
		recovered, err := o.recover(ctx, req, missing, merged, res.Attempts)
		if err != nil {
			return nil, err
		}
		res.Recovered = recovered
		missing, warnings = evaluate(merged, req.Range, req.Window)
	}

	res.Missing = missing
	res.Warnings = warnings
	res.State = StateAccepted
	if len(missing) > 0 {
		res.State = StateExhausted
		log.Warn("job %s step %d: scenes %v still missing after %d attempts", req.JobID, req.Step, missing, res.Attempts)
	}
	res.Scenes = sorted(merged)
	res.Text = scene.Assemble(res.Scenes, p)

	telemetry.BatchOutcomes.WithLabelValues(string(res.State)).Inc()
	telemetry.BatchAttempts.Observe(float64(res.Attempts))
	telemetry.SceneWarnings.Add(float64(len(warnings)))
	o.emit(req, res.Attempts, res.State, "scenes %s, %d warnings", req.Range, len(warnings))
	return res, nil
}

// recover asks once for the missing indices and fills only absent slots.
func (o *Orchestrator) recover(ctx context.Context, req Request, missing []int, merged map[int]scene.Scene, attempt int) ([]int, error) {
	o.emit(req, attempt, StateRecovering, "scenes %v", missing)

	data := o.data(req)
	data.Indices = missing
	content, err := o.call(ctx, prompts.SceneRecovery, data)
	if err != nil {
		return nil, fmt.Errorf("batch %s recovery: %w", req.Range, err)
	}

	want := make(map[int]bool, len(missing))
	for _, i := range missing {
		want[i] = true
	}
	var recovered []int
	for _, s := range scene.Parse(content, req.Profile) {
		if !want[s.Index] {
			continue
		}
		if _, ok := merged[s.Index]; ok {
			continue
		}
		merged[s.Index] = s
		recovered = append(recovered, s.Index)
	}
	sort.Ints(recovered)
	return recovered, nil
}

func (o *Orchestrator) call(ctx context.Context, id string, data prompts.Data) (string, error) {
	system, user, err := o.library.Render(id, data)
	if err != nil {
		return "", err
	}
	resp, err := o.provider.Generate(ctx, provider.Request{
		SystemInstruction: system,
		UserMessage:       user,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (o *Orchestrator) data(req Request) prompts.Data {
	p := req.Profile
	return prompts.Data{
		Input:          req.Input,
		Outline:        req.Outline,
		Language:       p.LanguageName(),
		Total:          req.Total,
		Target:         req.Window.Target,
		Tolerance:      req.Window.Tolerance,
		Min:            req.Window.Min(),
		Max:            req.Window.Max(),
		SceneLabel:     p.SceneLabel,
		VisualLabel:    p.VisualLabels[0],
		VoiceoverLabel: p.VoiceoverLabels[0],
		Unit:           p.Unit,
		Context:        tail(req.Context, o.contextTail),
	}
}

func (o *Orchestrator) emit(req Request, attempt int, state State, format string, args ...any) {
	msg := fmt.Sprintf("%s: %s", state, fmt.Sprintf(format, args...))
	log.Debug("job %s step %d attempt %d %s", req.JobID, req.Step, attempt, msg)
	if o.progress != nil {
		o.progress(Progress{JobID: req.JobID, Step: req.Step, Message: msg, Attempt: attempt})
	}
}

// StepRequest describes every remaining batch of one step.
type StepRequest struct {
	JobID      string
	Step       int
	Input      string
	Outline    string
	Total      int
	Window     scene.Window
	Profile    scene.Profile
	StartBatch int
	// Existing holds the scenes of batches completed before StartBatch.
	Existing string
}

// StepResult is the assembled step output, validated over 1..Total.
type StepResult struct {
	Text     string          `json:"text"`
	Warnings []scene.Warning `json:"warnings"`
	Missing  []int           `json:"missing"`
	Batches  int             `json:"batches"`
}

// DoneFunc is called after every batch with the script so far. Returning an
// error stops the step.
type DoneFunc func(batchIndex int, text string, res *Result) error

// RunStep runs batches from req.StartBatch until the range passes Total.
func (o *Orchestrator) RunStep(ctx context.Context, req StepRequest, done DoneFunc) (*StepResult, error) {
	text := req.Existing
	ran := 0
	for idx := max(req.StartBatch, 0); ; idx++ {
		r, ok := RangeFor(idx, req.Total)
		if !ok {
			break
		}
		if ran > 0 {
			if err := o.sleep(ctx, o.delay); err != nil {
				return nil, err
			}
		}
		res, err := o.Run(ctx, Request{
			JobID:   req.JobID,
			Step:    req.Step,
			Range:   r,
			Total:   req.Total,
			Input:   req.Input,
			Outline: req.Outline,
			Context: text,
			Window:  req.Window,
			Profile: req.Profile,
		})
		if errors.Is(err, ErrStepComplete) {
			break
		}
		if err != nil {
			return nil, err
		}
		ran++
		text = scene.Splice(text, scene.ByIndex(res.Scenes), req.Profile)
		if done != nil {
			if err := done(idx, text, res); err != nil {
				return nil, err
			}
		}
	}

	report := scene.Validate(text, req.Total, req.Window, req.Profile)
	return &StepResult{
		Text:     report.Text,
		Warnings: report.Warnings,
		Missing:  report.Missing,
		Batches:  ran,
	}, nil
}

func evaluate(merged map[int]scene.Scene, r Range, w scene.Window) (missing []int, warnings []scene.Warning) {
	for i := r.Start; i <= r.End; i++ {
		s, ok := merged[i]
		if !ok {
			missing = append(missing, i)
			continue
		}
		if warn := w.Check(s); warn != nil {
			warnings = append(warnings, *warn)
		}
	}
	return missing, warnings
}

func sorted(m map[int]scene.Scene) []scene.Scene {
	out := make([]scene.Scene, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "..." + string(r[len(r)-n:])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
