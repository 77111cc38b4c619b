package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/scriptbatch/internal/jobs"
	"github.com/MimeLyc/scriptbatch/internal/scene"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobInProgress   = errors.New("job is in progress")
	ErrJobNotCompleted = errors.New("job is not completed")
	ErrInvalidScene    = errors.New("invalid scene edit")
)

// SceneEdit replaces parts of one scene. Empty fields keep the stored value.
type SceneEdit struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	Visual    string `json:"visual"`
	Voiceover string `json:"voiceover"`
}

// EditScenes rewrites scenes of a completed job, then recomputes its warnings,
// report and exported documents.
func (s *Service) EditScenes(ctx context.Context, id string, edits []SceneEdit) (*jobs.Job, error) {
	job, ok := s.queue.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	switch job.Status {
	case jobs.StatusPending, jobs.StatusProcessing:
		return nil, fmt.Errorf("%w: %s", ErrJobInProgress, id)
	case jobs.StatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrJobNotCompleted, id)
	}

	cfg := s.Config()
	prof := scene.ProfileFor(cfg.Generation.Language, job.Input)
	w := scene.WindowFromRange(cfg.Generation.WordMin, cfg.Generation.WordMax)
	current := scene.ByIndex(scene.Parse(job.Output(jobs.StepScript), prof))
	total := cfg.Generation.SceneCount
	for idx := range current {
		total = max(total, idx)
	}

	replacements := make(map[int]scene.Scene, len(edits))
	for _, e := range edits {
		if e.Index < 1 || e.Index > total {
			return nil, fmt.Errorf("%w: scene %d out of range 1-%d", ErrInvalidScene, e.Index, total)
		}
		sc, ok := current[e.Index]
		if !ok {
			sc = scene.Scene{Index: e.Index}
		}
		if v := strings.TrimSpace(e.Title); v != "" {
			sc.Title = v
		}
		if v := strings.TrimSpace(e.Visual); v != "" {
			sc.Visual = v
		}
		if v := strings.TrimSpace(e.Voiceover); v != "" {
			sc.Voiceover = strings.Join(strings.Fields(v), " ")
		}
		if sc.Voiceover == "" {
			return nil, fmt.Errorf("%w: scene %d has no voiceover", ErrInvalidScene, e.Index)
		}
		sc.WordCount = scene.CountWords(sc.Voiceover, prof)
		replacements[e.Index] = sc
	}

	rep := scene.Validate(scene.Splice(job.Output(jobs.StepScript), replacements, prof), total, w, prof)
	setOutput(job, jobs.StepScript, rep.Text)
	job.Warnings = rep.Warnings
	var still []int
	for _, inv := range rep.Invalid {
		if !inv.Minor() {
			still = append(still, inv.Scene.Index)
		}
	}
	job.StillInvalid = still

	report, err := buildReport(job, total, w, prof, time.Now())
	if err != nil {
		return nil, err
	}
	setOutput(job, jobs.StepReport, report)
	s.queue.Update(job)
	s.Checkpoint(s.queue.Pending(), s.queue.Processed())
	log.Info("Job %s: %d scene(s) edited, quality %d", job.ID, len(replacements), job.QualityScore)

	if s.exporter.Enabled() {
		if _, err := s.exporter.Export(ctx, job); err != nil {
			log.Warn("Job %s export failed: %v", job.ID, err)
		}
	}
	updated, _ := s.queue.Get(id)
	return updated, nil
}
