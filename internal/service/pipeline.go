package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MimeLyc/scriptbatch/internal/autofix"
	"github.com/MimeLyc/scriptbatch/internal/batch"
	"github.com/MimeLyc/scriptbatch/internal/config"
	"github.com/MimeLyc/scriptbatch/internal/export"
	"github.com/MimeLyc/scriptbatch/internal/jobs"
	"github.com/MimeLyc/scriptbatch/internal/prompts"
	"github.com/MimeLyc/scriptbatch/internal/provider"
	"github.com/MimeLyc/scriptbatch/internal/scene"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

const maxTitleRunes = 100

// pipeline runs steps 2..6 of one job. It is the scheduler's executor and
// mutates the job in place; progress is handed to checkpoint after every
// batch and every step.
type pipeline struct {
	provider     provider.Provider
	library      *prompts.Library
	gen          config.GenerationConfig
	orchestrator *batch.Orchestrator
	fixer        *autofix.Engine
	exporter     *export.Exporter
	emit         batch.ProgressFunc
	checkpoint   func(job *jobs.Job)
	sleep        func(context.Context, time.Duration) error
	now          func() time.Time
}

func newPipeline(
	p provider.Provider,
	library *prompts.Library,
	gen config.GenerationConfig,
	exporter *export.Exporter,
	emit batch.ProgressFunc,
	checkpoint func(job *jobs.Job),
) *pipeline {
	return &pipeline{
		provider: p,
		library:  library,
		gen:      gen,
		orchestrator: batch.NewOrchestrator(p, library,
			batch.WithMaxAttempts(gen.BatchMaxAttempts),
			batch.WithDelay(gen.BatchDelay),
			batch.WithProgress(emit),
		),
		fixer: autofix.NewEngine(p, library,
			autofix.WithPasses(gen.AutoFixPasses),
			autofix.WithGroupSize(gen.AutoFixGroupSize),
			autofix.WithTimeout(gen.AutoFixTimeout),
		),
		exporter:   exporter,
		emit:       emit,
		checkpoint: checkpoint,
		sleep:      sleepContext,
		now:        time.Now,
	}
}

// Execute satisfies jobs.Executor.
func (p *pipeline) Execute(ctx context.Context, job *jobs.Job) error {
	if p.gen.SceneCount < 1 || p.gen.WordMin < 1 || p.gen.WordMax < p.gen.WordMin {
		return newPipelineError(job, fmt.Errorf("%w: scenes=%d words=%d-%d",
			ErrInvalidConfig, p.gen.SceneCount, p.gen.WordMin, p.gen.WordMax))
	}
	err := safeExecute(func() error { return p.execute(ctx, job) })
	if err != nil {
		pe := newPipelineError(job, err)
		logFailure(pe)
		return pe
	}
	return nil
}

func (p *pipeline) execute(ctx context.Context, job *jobs.Job) error {
	prof := scene.ProfileFor(p.gen.Language, job.Input)
	w := scene.WindowFromRange(p.gen.WordMin, p.gen.WordMax)

	if job.CurrentStep < jobs.FirstStep {
		job.CurrentStep = jobs.FirstStep
		job.LastCompletedBatch = -1
	}
	for !job.Done() {
		step := job.CurrentStep
		p.progress(job, "%s: started", step)
		out, err := p.runStep(ctx, job, prof, w)
		if err != nil {
			return err
		}
		job.Advance(out)
		p.checkpoint(job)
		p.progress(job, "%s: done", step)
		if !job.Done() {
			if err := p.sleep(ctx, p.gen.StepDelay); err != nil {
				return err
			}
		}
	}

	if p.exporter.Enabled() {
		if _, err := p.exporter.Export(ctx, job); err != nil {
			log.Warn("Job %s export failed: %v", job.ID, err)
		}
	}

	// Inter-job pause; an interrupted pause does not undo a finished job.
	_ = p.sleep(ctx, time.Duration(p.gen.DelaySeconds*float64(time.Second)))
	return nil
}

func (p *pipeline) runStep(ctx context.Context, job *jobs.Job, prof scene.Profile, w scene.Window) (string, error) {
	switch job.CurrentStep {
	case jobs.StepOutline:
		return p.outline(ctx, job, prof)
	case jobs.StepScript:
		return p.script(ctx, job, prof, w)
	case jobs.StepImagePrompts:
		return p.imagePrompts(ctx, job, prof)
	case jobs.StepMetadata:
		return p.metadata(ctx, job, prof)
	case jobs.StepReport:
		return p.report(job, prof, w)
	default:
		return "", fmt.Errorf("unknown step %d", int(job.CurrentStep))
	}
}

func (p *pipeline) outline(ctx context.Context, job *jobs.Job, prof scene.Profile) (string, error) {
	req, err := p.request(prompts.Outline, prompts.Data{
		Input:    job.Input,
		Language: prof.LanguageName(),
		Total:    p.gen.SceneCount,
	})
	if err != nil {
		return "", err
	}
	out, err := provider.GenerateStructured[Outline](ctx, p.provider, req)
	if err != nil {
		return "", fmt.Errorf("outline: %w", err)
	}
	if strings.TrimSpace(out.Title) == "" {
		return "", fmt.Errorf("outline: %w", &provider.ParseError{Stage: provider.StageStrict, Err: fmt.Errorf("missing title")})
	}
	return marshal(out)
}

func (p *pipeline) script(ctx context.Context, job *jobs.Job, prof scene.Profile, w scene.Window) (string, error) {
	total := p.gen.SceneCount
	res, err := p.orchestrator.RunStep(ctx, batch.StepRequest{
		JobID:      job.ID,
		Step:       int(jobs.StepScript),
		Input:      job.Input,
		Outline:    outlineText(job.Output(jobs.StepOutline)),
		Total:      total,
		Window:     w,
		Profile:    prof,
		StartBatch: job.LastCompletedBatch + 1,
		Existing:   job.Output(jobs.StepScript),
	}, func(idx int, text string, _ *batch.Result) error {
		job.LastCompletedBatch = idx
		setOutput(job, jobs.StepScript, text)
		p.checkpoint(job)
		return nil
	})
	if err != nil {
		return "", err
	}

	fixed, err := p.fixer.Fix(ctx, res.Text, total, w, prof)
	if err != nil {
		return "", err
	}
	final := scene.Validate(fixed.Text, total, w, prof)
	job.Warnings = final.Warnings
	job.StillInvalid = fixed.StillInvalid
	p.progress(job, "script: %d/%d scenes, %d warnings, %d still invalid",
		len(final.Valid)+len(final.Invalid), total, len(final.Warnings), len(fixed.StillInvalid))
	return final.Text, nil
}

func (p *pipeline) imagePrompts(ctx context.Context, job *jobs.Job, prof scene.Profile) (string, error) {
	total := p.gen.SceneCount
	scenes := scene.ByIndex(scene.Parse(job.Output(jobs.StepScript), prof))

	var collected []ImagePrompt
	if partial := job.Output(jobs.StepImagePrompts); partial != "" && job.LastCompletedBatch >= 0 {
		if err := json.Unmarshal([]byte(partial), &collected); err != nil {
			log.Warn("Job %s: discarding unreadable partial image prompts: %v", job.ID, err)
			collected = nil
			job.LastCompletedBatch = -1
		}
	}

	ran := 0
	for idx := job.LastCompletedBatch + 1; ; idx++ {
		r, ok := batch.RangeFor(idx, total)
		if !ok {
			break
		}
		var group []scene.Scene
		for _, i := range r.Indices() {
			if s, ok := scenes[i]; ok {
				group = append(group, s)
			}
		}
		if len(group) > 0 {
			if ran > 0 {
				if err := p.sleep(ctx, p.gen.BatchDelay); err != nil {
					return "", err
				}
			}
			ran++
			items, err := p.imagePromptBatch(ctx, group, prof)
			if err != nil {
				return "", fmt.Errorf("image prompts %s: %w", r, err)
			}
			collected = mergePrompts(collected, items, r)
		}
		job.LastCompletedBatch = idx
		partial, err := marshal(collected)
		if err != nil {
			return "", err
		}
		setOutput(job, jobs.StepImagePrompts, partial)
		p.checkpoint(job)
		p.progress(job, "image_prompts: batch %s done", r)
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].Scene < collected[j].Scene })
	if collected == nil {
		collected = []ImagePrompt{}
	}
	return marshal(collected)
}

func (p *pipeline) imagePromptBatch(ctx context.Context, group []scene.Scene, prof scene.Profile) ([]ImagePrompt, error) {
	req, err := p.request(prompts.ImagePrompts, prompts.Data{
		Language: prof.LanguageName(),
		Scenes:   scene.Assemble(group, prof),
	})
	if err != nil {
		return nil, err
	}
	return provider.GenerateStructured[[]ImagePrompt](ctx, p.provider, req)
}

// mergePrompts keeps one non-empty prompt per scene of r, the newest winning.
func mergePrompts(collected, items []ImagePrompt, r batch.Range) []ImagePrompt {
	for _, item := range items {
		item.Prompt = strings.TrimSpace(item.Prompt)
		if !r.Contains(item.Scene) || item.Prompt == "" {
			continue
		}
		replaced := false
		for i := range collected {
			if collected[i].Scene == item.Scene {
				collected[i] = item
				replaced = true
				break
			}
		}
		if !replaced {
			collected = append(collected, item)
		}
	}
	return collected
}

func (p *pipeline) metadata(ctx context.Context, job *jobs.Job, prof scene.Profile) (string, error) {
	req, err := p.request(prompts.Metadata, prompts.Data{
		Input:    job.Input,
		Language: prof.LanguageName(),
		Scenes:   job.Output(jobs.StepScript),
	})
	if err != nil {
		return "", err
	}
	meta, err := provider.GenerateStructured[Metadata](ctx, p.provider, req)
	if err != nil {
		return "", fmt.Errorf("metadata: %w", err)
	}
	meta.Title = strings.TrimSpace(meta.Title)
	if utf8.RuneCountInString(meta.Title) > maxTitleRunes {
		meta.Title = string([]rune(meta.Title)[:maxTitleRunes])
	}
	meta.Description = strings.TrimSpace(meta.Description)
	tags := make([]string, 0, len(meta.Tags))
	seen := make(map[string]bool, len(meta.Tags))
	for _, tag := range meta.Tags {
		tag = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
		key := strings.ToLower(tag)
		if tag == "" || seen[key] {
			continue
		}
		seen[key] = true
		tags = append(tags, tag)
	}
	meta.Tags = tags
	return marshal(meta)
}

func (p *pipeline) report(job *jobs.Job, prof scene.Profile, w scene.Window) (string, error) {
	out, err := buildReport(job, p.gen.SceneCount, w, prof, p.now())
	if err != nil {
		return "", err
	}
	p.progress(job, "report: quality %d", job.QualityScore)
	return out, nil
}

// buildReport scores the stored script and sets job.QualityScore.
func buildReport(job *jobs.Job, total int, w scene.Window, prof scene.Profile, now time.Time) (string, error) {
	rep := scene.Validate(job.Output(jobs.StepScript), total, w, prof)

	var images []ImagePrompt
	if raw := job.Output(jobs.StepImagePrompts); raw != "" {
		_ = json.Unmarshal([]byte(raw), &images)
	}

	score := QualityScore(rep.CompletionRate, len(job.Warnings), len(job.StillInvalid))
	job.QualityScore = score
	out := Report{
		SceneCount:     total,
		ValidScenes:    len(rep.Valid),
		Missing:        nonNil(rep.Missing),
		WarningCount:   len(job.Warnings),
		StillInvalid:   nonNil(job.StillInvalid),
		ImagePrompts:   len(images),
		CompletionRate: rep.CompletionRate,
		QualityScore:   score,
		GeneratedAt:    now.UTC(),
	}
	return marshal(out)
}

func (p *pipeline) request(id string, data prompts.Data) (provider.Request, error) {
	system, user, err := p.library.Render(id, data)
	if err != nil {
		return provider.Request{}, fmt.Errorf("%w: prompt %s: %v", ErrInvalidConfig, id, err)
	}
	return provider.Request{SystemInstruction: system, UserMessage: user}, nil
}

func (p *pipeline) progress(job *jobs.Job, format string, args ...any) {
	if p.emit == nil {
		return
	}
	p.emit(batch.Progress{
		JobID:   job.ID,
		Step:    int(job.CurrentStep),
		Message: fmt.Sprintf(format, args...),
		Attempt: job.Attempts,
	})
}

// outlineText renders a stored outline for prompts, falling back to the raw value.
func outlineText(raw string) string {
	if raw == "" {
		return ""
	}
	var o Outline
	if err := json.Unmarshal([]byte(raw), &o); err != nil || o.Title == "" {
		return raw
	}
	return o.PromptText()
}

func setOutput(job *jobs.Job, step jobs.Step, value string) {
	if job.Outputs == nil {
		job.Outputs = make(map[jobs.Step]string)
	}
	job.Outputs[step] = value
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nonNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
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
