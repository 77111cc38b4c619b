package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/MimeLyc/scriptbatch/internal/jobs"
)

// Outline is the step 2 result.
type Outline struct {
	Title      string   `json:"title"`
	Logline    string   `json:"logline"`
	Characters []string `json:"characters"`
	Beats      []string `json:"beats"`
}

// PromptText renders the outline for the scene prompts.
func (o Outline) PromptText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", o.Title)
	if o.Logline != "" {
		fmt.Fprintf(&b, "Logline: %s\n", o.Logline)
	}
	if len(o.Characters) > 0 {
		fmt.Fprintf(&b, "Characters: %s\n", strings.Join(o.Characters, ", "))
	}
	for i, beat := range o.Beats {
		fmt.Fprintf(&b, "%d. %s\n", i+1, beat)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ImagePrompt is one step 4 entry.
type ImagePrompt struct {
	Scene  int    `json:"scene"`
	Prompt string `json:"prompt"`
}

// Metadata is the step 5 result.
type Metadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// Report is the step 6 result, computed locally.
type Report struct {
	SceneCount     int       `json:"sceneCount"`
	ValidScenes    int       `json:"validScenes"`
	Missing        []int     `json:"missing"`
	WarningCount   int       `json:"warningCount"`
	StillInvalid   []int     `json:"stillInvalid"`
	ImagePrompts   int       `json:"imagePrompts"`
	CompletionRate float64   `json:"completionRate"`
	QualityScore   int       `json:"qualityScore"`
	GeneratedAt    time.Time `json:"generatedAt"`
}

// QualityScore is 100·completion − 2·warnings − 5·stillInvalid, clamped to 0..100.
func QualityScore(completion float64, warnings, stillInvalid int) int {
	score := int(100*completion+0.5) - 2*warnings - 5*stillInvalid
	return min(max(score, 0), 100)
}

// Session describes the stored checkpoint for the presentation layer.
type Session struct {
	Resumable     bool      `json:"resumable"`
	PendingJobs   int       `json:"pendingJobs"`
	ProcessedJobs int       `json:"processedJobs"`
	LastUpdated   time.Time `json:"lastUpdated,omitzero"`
	Age           string    `json:"age,omitempty"`
	Running       bool      `json:"running"`
	NextRun       time.Time `json:"nextRun,omitzero"`
}

// RunResult is what Run and Resume return.
type RunResult struct {
	Summary *jobs.Summary `json:"summary"`
	Shared  bool          `json:"shared"`
}
