package definition

import (
	"github.com/kbukum/etlkit/route"
)

// Definition is a versioned pipeline graph.
type Definition struct {
	ID           string        `yaml:"id" json:"id"`
	Code         string        `yaml:"code" json:"code"`
	Version      int           `yaml:"version" json:"version"`
	Steps        []Step        `yaml:"steps" json:"steps"`
	Edges        []Edge        `yaml:"edges" json:"edges"`
	Capabilities *Capabilities `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Context      Context       `yaml:"context" json:"context"`
}

// Capabilities declares what a pipeline is allowed to touch.
type Capabilities struct {
	RequiredPermissions []string `yaml:"requiredPermissions,omitempty" json:"requiredPermissions,omitempty"`
	WriteDomains        []string `yaml:"writeDomains,omitempty" json:"writeDomains,omitempty"`
}

// Step is one typed unit of work.
type Step struct {
	Key             string        `yaml:"key" json:"key"`
	Type            StepType      `yaml:"type" json:"type"`
	Config          StepConfig    `yaml:"config" json:"config"`
	Async           bool          `yaml:"async,omitempty" json:"async,omitempty"`
	Concurrency     int           `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	Retries         int           `yaml:"retries,omitempty" json:"retries,omitempty"`
	RetryDelayMs    int           `yaml:"retryDelayMs,omitempty" json:"retryDelayMs,omitempty"`
	TimeoutMs       int           `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	ContinueOnError bool          `yaml:"continueOnError,omitempty" json:"continueOnError,omitempty"`
	BatchSize       int           `yaml:"batchSize,omitempty" json:"batchSize,omitempty"`
	ErrorStrategy   ErrorStrategy `yaml:"errorStrategy,omitempty" json:"errorStrategy,omitempty"`
	RateLimit       *RateLimit    `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`
}

// StepConfig names the adapter a step uses and carries its settings. ROUTE
// steps carry branches instead.
type StepConfig struct {
	AdapterCode   string         `yaml:"adapterCode,omitempty" json:"adapterCode,omitempty"`
	Settings      map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
	Branches      []route.Branch `yaml:"branches,omitempty" json:"branches,omitempty"`
	DefaultBranch string         `yaml:"defaultBranch,omitempty" json:"defaultBranch,omitempty"`
}

// RateLimit throttles a step's adapter calls.
type RateLimit struct {
	MaxRequests int `yaml:"maxRequests" json:"maxRequests"`
	WindowMs    int `yaml:"windowMs" json:"windowMs"`
}

// Edge connects two steps. Branch is only valid when Source is a ROUTE step.
type Edge struct {
	Source string `yaml:"source" json:"source"`
	Target string `yaml:"target" json:"target"`
	Branch string `yaml:"branch,omitempty" json:"branch,omitempty"`
}

// Context is the execution policy of a pipeline.
type Context struct {
	Channel           string            `yaml:"channel,omitempty" json:"channel,omitempty"`
	RunMode           RunMode           `yaml:"runMode,omitempty" json:"runMode,omitempty"`
	ParallelExecution ParallelExecution `yaml:"parallelExecution" json:"parallelExecution"`
	ErrorHandling     ErrorHandling     `yaml:"errorHandling" json:"errorHandling"`
	Checkpointing     Checkpointing     `yaml:"checkpointing" json:"checkpointing"`
}

// ParallelExecution bounds concurrent step execution.
type ParallelExecution struct {
	Enabled            bool        `yaml:"enabled" json:"enabled"`
	MaxConcurrentSteps int         `yaml:"maxConcurrentSteps,omitempty" json:"maxConcurrentSteps,omitempty"`
	ErrorPolicy        ErrorPolicy `yaml:"errorPolicy,omitempty" json:"errorPolicy,omitempty"`
}

// ErrorHandling is the pipeline-wide fallback for failed records.
type ErrorHandling struct {
	Strategy          ErrorStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	MaxAttempts       int           `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty"`
	InitialDelayMs    int           `yaml:"initialDelayMs,omitempty" json:"initialDelayMs,omitempty"`
	MaxDelayMs        int           `yaml:"maxDelayMs,omitempty" json:"maxDelayMs,omitempty"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier,omitempty" json:"backoffMultiplier,omitempty"`
}

// Checkpointing controls extractor checkpoints.
type Checkpointing struct {
	Enabled         *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	ClearOnComplete bool  `yaml:"clearOnComplete,omitempty" json:"clearOnComplete,omitempty"`
}

// IsEnabled defaults to true when unset.
func (c Checkpointing) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// Defaults for unset context values.
const (
	DefaultMaxConcurrentSteps = 4
	DefaultMaxAttempts        = 3
	DefaultInitialDelayMs     = 1000
	DefaultMaxDelayMs         = 30000
	DefaultBackoffMultiplier  = 2.0
	DefaultBatchSize          = 100
)

// ApplyDefaults fills unset context values. It does not touch steps.
func (d *Definition) ApplyDefaults() {
	c := &d.Context
	if c.RunMode == "" {
		c.RunMode = RunModeIncremental
	}
	if c.ParallelExecution.MaxConcurrentSteps <= 0 {
		c.ParallelExecution.MaxConcurrentSteps = DefaultMaxConcurrentSteps
	}
	if c.ParallelExecution.ErrorPolicy == "" {
		c.ParallelExecution.ErrorPolicy = PolicyFailFast
	}
	eh := &c.ErrorHandling
	if eh.Strategy == "" {
		eh.Strategy = StrategySkip
	}
	if eh.MaxAttempts <= 0 {
		eh.MaxAttempts = DefaultMaxAttempts
	}
	if eh.InitialDelayMs <= 0 {
		eh.InitialDelayMs = DefaultInitialDelayMs
	}
	if eh.MaxDelayMs <= 0 {
		eh.MaxDelayMs = DefaultMaxDelayMs
	}
	if eh.BackoffMultiplier <= 0 {
		eh.BackoffMultiplier = DefaultBackoffMultiplier
	}
}

// Step returns the step with the given key.
func (d *Definition) Step(key string) (Step, bool) {
	for _, s := range d.Steps {
		if s.Key == key {
			return s, true
		}
	}
	return Step{}, false
}

// EffectiveStrategy returns the step override or the pipeline strategy.
// continueOnError downgrades ABORT to SKIP.
func (d *Definition) EffectiveStrategy(s Step) ErrorStrategy {
	strategy := d.Context.ErrorHandling.Strategy
	if s.ErrorStrategy != "" {
		strategy = s.ErrorStrategy
	}
	if strategy == StrategyAbort && s.ContinueOnError {
		return StrategySkip
	}
	return strategy
}

// BatchSizeOrDefault returns the step's sub-batch size.
func (s Step) BatchSizeOrDefault() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return DefaultBatchSize
}

// ConcurrencyOrDefault returns the number of sub-batches run at once.
func (s Step) ConcurrencyOrDefault() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return 1
}

// BranchNames returns the declared branch names of a ROUTE step.
func (s Step) BranchNames() []string {
	names := make([]string, 0, len(s.Config.Branches))
	for _, b := range s.Config.Branches {
		names = append(names, b.Name)
	}
	return names
}
