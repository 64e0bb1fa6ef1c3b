package engine

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/kbukum/etlkit/dag"
	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/executor"
)

// Status is the state of a run.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusRunning         Status = "RUNNING"
	StatusPaused          Status = "PAUSED"
	StatusCancelRequested Status = "CANCEL_REQUESTED"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
	StatusTimeout         Status = "TIMEOUT"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// RunMetrics aggregates step metrics for a run.
type RunMetrics struct {
	Steps map[string]executor.StepMetrics `json:"steps"`
	// RecordsIn counts records entering the pipeline at TRIGGER and
	// EXTRACT steps.
	RecordsIn int `json:"recordsIn"`
	// RecordsOut counts records accepted by terminal steps.
	RecordsOut              int           `json:"recordsOut"`
	TotalRecordsProcessed   int           `json:"totalRecordsProcessed"`
	TotalRecordsSucceeded   int           `json:"totalRecordsSucceeded"`
	TotalRecordsFailed      int           `json:"totalRecordsFailed"`
	TotalRecordsFiltered    int           `json:"totalRecordsFiltered"`
	TotalRecordsQuarantined int           `json:"totalRecordsQuarantined"`
	TotalRetries            int           `json:"totalRetries"`
	Duration                time.Duration `json:"duration"`
}

func (m *RunMetrics) clone() RunMetrics {
	out := *m
	out.Steps = maps.Clone(m.Steps)
	return out
}

// Problem is one entry of a run's error or warning list.
type Problem struct {
	StepKey string `json:"stepKey,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	var b strings.Builder
	if p.Code != "" {
		b.WriteString(p.Code)
		b.WriteString(": ")
	}
	if p.StepKey != "" {
		fmt.Fprintf(&b, "step %s: ", p.StepKey)
	}
	b.WriteString(p.Message)
	return b.String()
}

func problemOf(stepKey string, err error) Problem {
	return Problem{StepKey: stepKey, Code: string(apperrors.CodeOf(err)), Message: err.Error()}
}

// RunResult is the final report of a run.
type RunResult struct {
	RunID        string                          `json:"runId"`
	PipelineID   string                          `json:"pipelineId"`
	PipelineCode string                          `json:"pipelineCode"`
	Status       Status                          `json:"status"`
	Steps        map[string]*executor.StepResult `json:"-"`
	Metrics      RunMetrics                      `json:"metrics"`
	Errors       []Problem                       `json:"errors,omitempty"`
	Warnings     []Problem                       `json:"warnings,omitempty"`
	// Skipped lists steps that never ran because a step they depend on
	// failed under CONTINUE.
	Skipped []string `json:"skipped,omitempty"`
	// Issues lists validation problems when the definition was rejected.
	Issues []dag.Issue `json:"issues,omitempty"`
	// Checkpoints is the checkpoint state at the end of the run.
	Checkpoints map[string]json.RawMessage `json:"checkpoints,omitempty"`
	StartedAt   time.Time                  `json:"startedAt"`
	FinishedAt  time.Time                  `json:"finishedAt"`
}

// Err summarizes why the run did not complete, nil when it did.
func (r *RunResult) Err() error {
	if r.Status == StatusCompleted {
		return nil
	}
	code := apperrors.ErrCodeInternal
	switch r.Status {
	case StatusCancelled:
		code = apperrors.ErrCodeCancelled
	case StatusTimeout:
		code = apperrors.ErrCodeTimeout
	default:
		if len(r.Issues) > 0 {
			code = apperrors.ErrCodeValidationFailed
		} else if len(r.Errors) > 0 && r.Errors[0].Code != "" {
			code = apperrors.ErrorCode(r.Errors[0].Code)
		}
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, p := range r.Errors {
		msgs = append(msgs, p.String())
	}
	msg := fmt.Sprintf("run %s %s", r.RunID, strings.ToLower(string(r.Status)))
	if len(msgs) > 0 {
		msg += ": " + strings.Join(msgs, "; ")
	}
	return apperrors.New(code, msg).WithDetail("run_id", r.RunID)
}
