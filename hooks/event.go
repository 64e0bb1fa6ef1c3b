package hooks

import (
	"strings"
	"time"

	"github.com/kbukum/etlkit/record"
)

// EventType names a lifecycle signal.
type EventType string

const (
	PipelineStarted   EventType = "PIPELINE_STARTED"
	PipelineCompleted EventType = "PIPELINE_COMPLETED"
	PipelineFailed    EventType = "PIPELINE_FAILED"
	PipelineCancelled EventType = "PIPELINE_CANCELLED"
	OnError           EventType = "ON_ERROR"
	OnRetry           EventType = "ON_RETRY"
	OnDeadLetter      EventType = "ON_DEAD_LETTER"
)

// Before returns the event published before a step of the given stage runs,
// e.g. Before("EXTRACT") is BEFORE_EXTRACT.
func Before(stage string) EventType {
	return EventType("BEFORE_" + strings.ToUpper(stage))
}

// After returns the event published once a step of the given stage finishes.
func After(stage string) EventType {
	return EventType("AFTER_" + strings.ToUpper(stage))
}

// Event is the payload handed to handlers.
type Event struct {
	Type       EventType `json:"type"`
	PipelineID string    `json:"pipelineId"`
	RunID      string    `json:"runId"`
	// Stage is the step type for step events, empty for pipeline events.
	Stage   string `json:"stage,omitempty"`
	StepKey string `json:"stepKey,omitempty"`
	// Records is a copy of the batch the event refers to, when there is one.
	Records []*record.Record `json:"records,omitempty"`
	Error   string           `json:"error,omitempty"`
	Attempt int              `json:"attempt,omitempty"`
	At      time.Time        `json:"at"`
}
