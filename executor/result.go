package executor

import (
	"time"

	"github.com/kbukum/etlkit/adapter"
	"github.com/kbukum/etlkit/definition"
	"github.com/kbukum/etlkit/record"
)

// Status is the step-level verdict.
type Status string

const (
	// StatusSuccess means no record failed.
	StatusSuccess Status = "success"
	// StatusWarning means records failed but the failures were handled.
	StatusWarning Status = "warning"
	// StatusError means the step failed.
	StatusError Status = "error"
)

// OutcomeKind classifies what happened to one record.
type OutcomeKind string

const (
	OutcomeExtracted   OutcomeKind = "extracted"
	OutcomeTransformed OutcomeKind = "transformed"
	OutcomeFiltered    OutcomeKind = "filtered"
	OutcomeErrored     OutcomeKind = "errored"
	OutcomeCreated     OutcomeKind = "created"
	OutcomeUpdated     OutcomeKind = "updated"
	OutcomeSkipped     OutcomeKind = "skipped"
	OutcomeWritten     OutcomeKind = "written"
	OutcomeRouted      OutcomeKind = "routed"
	OutcomeDropped     OutcomeKind = "dropped"
	OutcomeQuarantined OutcomeKind = "quarantined"
)

// Succeeded reports whether the record made it through the step.
func (k OutcomeKind) Succeeded() bool {
	switch k {
	case OutcomeExtracted, OutcomeTransformed, OutcomeCreated, OutcomeUpdated, OutcomeWritten, OutcomeRouted:
		return true
	}
	return false
}

// Failed reports whether the record counts as an error.
func (k OutcomeKind) Failed() bool {
	return k == OutcomeErrored || k == OutcomeQuarantined
}

// Outcome is the final verdict for one record.
type Outcome struct {
	Kind     OutcomeKind `json:"kind"`
	RecordID string      `json:"recordId,omitempty"`
	// EntityID is the external entity a loader created or updated.
	EntityID string `json:"entityId,omitempty"`
	// Branch is the branch a ROUTE step sent the record to.
	Branch   string `json:"branch,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Error    error  `json:"-"`
	Attempts int    `json:"attempts,omitempty"`
}

// StepMetrics counts the records a step handled.
type StepMetrics struct {
	RecordsIn   int           `json:"recordsIn"`
	RecordsOut  int           `json:"recordsOut"`
	Processed   int           `json:"processed"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Filtered    int           `json:"filtered"`
	Skipped     int           `json:"skipped"`
	Quarantined int           `json:"quarantined"`
	Retries     int           `json:"retries"`
	Duration    time.Duration `json:"duration"`
}

func (m *StepMetrics) count(o Outcome) {
	m.Processed++
	switch {
	case o.Kind.Succeeded():
		m.Succeeded++
	case o.Kind == OutcomeFiltered, o.Kind == OutcomeDropped:
		m.Filtered++
	case o.Kind == OutcomeSkipped:
		m.Skipped++
	}
	if o.Kind.Failed() {
		m.Failed++
	}
	if o.Kind == OutcomeQuarantined {
		m.Quarantined++
	}
}

// StepResult is what Execute reports for one step.
type StepResult struct {
	StepKey string
	Type    definition.StepType
	// Output is the batch handed to successors.
	Output []*record.Record
	// Branches holds a ROUTE step's output grouped by branch name.
	Branches map[string][]*record.Record
	Outcomes []Outcome
	Metrics  StepMetrics
	Status   Status
	// Err is the step-fatal error, nil when only records failed.
	Err error
	// Quarantined lists the records sent to the dead-letter sink.
	Quarantined []*record.Record
	// Write aggregates writer results for EXPORT, FEED and SINK steps.
	Write *adapter.WriteResult
}

// Counts returns the number of outcomes of each kind.
func (r *StepResult) Counts() map[OutcomeKind]int {
	counts := make(map[OutcomeKind]int)
	for _, o := range r.Outcomes {
		counts[o.Kind]++
	}
	return counts
}

func (r *StepResult) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	r.Metrics.count(o)
}
