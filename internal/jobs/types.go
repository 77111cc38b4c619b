package jobs

import (
	"fmt"
	"time"

	"github.com/MimeLyc/scriptbatch/internal/scene"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the job left the pending set for good.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Step is a pipeline stage. Step 1 is intake and never runs.
type Step int

const (
	StepOutline      Step = 2
	StepScript       Step = 3
	StepImagePrompts Step = 4
	StepMetadata     Step = 5
	StepReport       Step = 6

	FirstStep = StepOutline
	LastStep  = StepReport
)

var stepNames = map[Step]string{
	StepOutline:      "outline",
	StepScript:       "script",
	StepImagePrompts: "image_prompts",
	StepMetadata:     "metadata",
	StepReport:       "report",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("step-%d", int(s))
}

type EnqueueRequest struct {
	Source    string
	DedupeKey string
	Input     string
}

// Job is one input flowing through steps 2..6. LastCompletedBatch is -1
// until the first batch of CurrentStep is stored.
type Job struct {
	ID                 string          `json:"id"`
	Source             string          `json:"source,omitempty"`
	DedupeKey          string          `json:"dedupeKey,omitempty"`
	Input              string          `json:"input"`
	Status             Status          `json:"status"`
	CurrentStep        Step            `json:"currentStep"`
	LastCompletedBatch int             `json:"lastCompletedBatch"`
	Outputs            map[Step]string `json:"outputs,omitempty"`
	Warnings           []scene.Warning `json:"warnings,omitempty"`
	QualityScore       int             `json:"qualityScore"`
	StillInvalid       []int           `json:"stillInvalid,omitempty"`
	Error              string          `json:"error,omitempty"`
	Attempts           int             `json:"attempts"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Output returns the stored result of step.
func (j *Job) Output(step Step) string {
	if j.Outputs == nil {
		return ""
	}
	return j.Outputs[step]
}

// Advance stores the output of the current step and moves to the next one.
func (j *Job) Advance(output string) {
	if j.Outputs == nil {
		j.Outputs = make(map[Step]string)
	}
	j.Outputs[j.CurrentStep] = output
	j.CurrentStep++
	j.LastCompletedBatch = -1
}

// Done reports whether every step has run.
func (j *Job) Done() bool {
	return j.CurrentStep > LastStep
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	if job.Outputs != nil {
		tmp.Outputs = make(map[Step]string, len(job.Outputs))
		for k, v := range job.Outputs {
			tmp.Outputs[k] = v
		}
	}
	tmp.Warnings = append([]scene.Warning(nil), job.Warnings...)
	tmp.StillInvalid = append([]int(nil), job.StillInvalid...)
	return &tmp
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	return cloneJob(j)
}
