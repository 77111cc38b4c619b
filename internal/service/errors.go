package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MimeLyc/scriptbatch/internal/jobs"
	"github.com/MimeLyc/scriptbatch/internal/provider"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

type ErrorType int

const (
	ErrProvider ErrorType = iota
	ErrCredential
	ErrParse
	ErrCancelled
	ErrConfig
	ErrUnknown
)

// ErrInvalidConfig marks settings the pipeline cannot run with.
var ErrInvalidConfig = errors.New("invalid generation config")

// PipelineError is a job-level failure with enough context to resume or diagnose.
type PipelineError struct {
	Type    ErrorType
	JobID   string
	Step    jobs.Step
	Attempt int
	Cause   error
}

func newPipelineError(job *jobs.Job, cause error) *PipelineError {
	return &PipelineError{
		Type:    classify(cause),
		JobID:   job.ID,
		Step:    job.CurrentStep,
		Attempt: job.Attempts,
		Cause:   cause,
	}
}

func (e *PipelineError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] job %s step %s attempt %d", e.Type, e.JobID, e.Step, e.Attempt))
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " | ")
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

func (t ErrorType) String() string {
	switch t {
	case ErrProvider:
		return "Provider"
	case ErrCredential:
		return "Credential"
	case ErrParse:
		return "Parse"
	case ErrCancelled:
		return "Cancelled"
	case ErrConfig:
		return "Config"
	default:
		return "Unknown"
	}
}

func classify(err error) ErrorType {
	var perr *provider.Error
	var parseErr *provider.ParseError
	switch {
	case err == nil:
		return ErrUnknown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrCancelled
	case errors.Is(err, ErrInvalidConfig):
		return ErrConfig
	case errors.Is(err, provider.ErrNoCredential):
		return ErrCredential
	case errors.As(err, &parseErr):
		return ErrParse
	case errors.As(err, &perr):
		if perr.Kind == provider.KindInvalidCredential {
			return ErrCredential
		}
		return ErrProvider
	default:
		return ErrUnknown
	}
}

// Advice is the operator hint logged next to a failed job.
func Advice(err error) string {
	switch classifyAny(err) {
	case ErrCredential:
		return "Add working credentials through POST /api/credentials, then resume the session"
	case ErrProvider:
		return "The provider kept failing; check its status page or lower MAX_CONCURRENCY, then resume"
	case ErrParse:
		return "The model answered in an unexpected format; try another model or adjust PROMPTS_FILE"
	case ErrCancelled:
		return "The run was interrupted; resume the session to continue from the last batch"
	case ErrConfig:
		return "Check environment variables and the runtime settings file"
	default:
		return "Review the error details and the job output"
	}
}

func classifyAny(err error) ErrorType {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Type
	}
	return classify(err)
}

func IsErrorType(err error, errorType ErrorType) bool {
	return err != nil && classifyAny(err) == errorType
}

// logFailure reports err with its advice. It returns false for errors that
// carry no pipeline context.
func logFailure(err error) bool {
	var pe *PipelineError
	if !errors.As(err, &pe) {
		log.Error("Unknown Error: %v", err)
		return false
	}
	log.Error("Error Detail: %v\n advice: %s", err, Advice(err))
	return true
}

// safeExecute turns a panic inside fn into an error so one job cannot take
// the scheduler down.
func safeExecute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runtime error: %v", r)
		}
	}()
	return fn()
}
