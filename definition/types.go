package definition

import "slices"

// StepType is the kind of work a step performs.
type StepType string

const (
	StepTrigger   StepType = "TRIGGER"
	StepExtract   StepType = "EXTRACT"
	StepTransform StepType = "TRANSFORM"
	StepValidate  StepType = "VALIDATE"
	StepEnrich    StepType = "ENRICH"
	StepRoute     StepType = "ROUTE"
	StepLoad      StepType = "LOAD"
	StepExport    StepType = "EXPORT"
	StepFeed      StepType = "FEED"
	StepSink      StepType = "SINK"
)

// StepTypes lists every step type in pipeline order.
var StepTypes = []StepType{
	StepTrigger, StepExtract, StepTransform, StepValidate, StepEnrich,
	StepRoute, StepLoad, StepExport, StepFeed, StepSink,
}

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool { return slices.Contains(StepTypes, t) }

// IsBuiltin reports whether the engine executes t itself, without an adapter.
func (t StepType) IsBuiltin() bool { return t == StepTrigger || t == StepRoute }

// IsTerminal reports whether t writes records out of the pipeline.
func (t StepType) IsTerminal() bool {
	switch t {
	case StepLoad, StepExport, StepFeed, StepSink:
		return true
	}
	return false
}

// IsOperator reports whether t applies a per-record operator.
func (t StepType) IsOperator() bool {
	return t == StepTransform || t == StepValidate || t == StepEnrich
}

// RunMode selects whether stored checkpoints are honoured.
type RunMode string

const (
	RunModeFull        RunMode = "FULL"
	RunModeIncremental RunMode = "INCREMENTAL"
)

// ErrorPolicy governs the run when a step fails under parallel execution.
type ErrorPolicy string

const (
	PolicyFailFast   ErrorPolicy = "FAIL_FAST"
	PolicyContinue   ErrorPolicy = "CONTINUE"
	PolicyBestEffort ErrorPolicy = "BEST_EFFORT"
)

// Valid reports whether p is a known policy.
func (p ErrorPolicy) Valid() bool {
	return p == PolicyFailFast || p == PolicyContinue || p == PolicyBestEffort
}

// ErrorStrategy decides what happens to records a step failed on.
type ErrorStrategy string

const (
	StrategySkip       ErrorStrategy = "SKIP"
	StrategyAbort      ErrorStrategy = "ABORT"
	StrategyQuarantine ErrorStrategy = "QUARANTINE"
	StrategyRetry      ErrorStrategy = "RETRY"
)

// Valid reports whether s is a known strategy.
func (s ErrorStrategy) Valid() bool {
	switch s {
	case StrategySkip, StrategyAbort, StrategyQuarantine, StrategyRetry:
		return true
	}
	return false
}
