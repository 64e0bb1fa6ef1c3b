package dag

import (
	"fmt"
	"slices"
	"strings"

	"github.com/kbukum/etlkit/adapter"
	"github.com/kbukum/etlkit/definition"
	apperrors "github.com/kbukum/etlkit/errors"
)

// Code identifies one kind of validation issue.
type Code string

const (
	CodeDuplicateStepKey        Code = "DUPLICATE_STEP_KEY"
	CodeUnknownStepType         Code = "UNKNOWN_STEP_TYPE"
	CodeMissingConfig           Code = "MISSING_CONFIG"
	CodeInvalidConcurrency      Code = "INVALID_CONCURRENCY"
	CodeInvalidStepOption       Code = "INVALID_STEP_OPTION"
	CodeInvalidContext          Code = "INVALID_CONTEXT"
	CodeUnknownEdgeSource       Code = "UNKNOWN_EDGE_SOURCE"
	CodeUnknownEdgeTarget       Code = "UNKNOWN_EDGE_TARGET"
	CodeSelfLoop                Code = "SELF_LOOP"
	CodeBranchOnNonRoute        Code = "BRANCH_ON_NON_ROUTE"
	CodeUndeclaredBranch        Code = "UNDECLARED_BRANCH"
	CodeRouteNoBranches         Code = "ROUTE_NO_BRANCHES"
	CodeInvalidBranchName       Code = "INVALID_BRANCH_NAME"
	CodeDuplicateBranchName     Code = "DUPLICATE_BRANCH_NAME"
	CodeUndeclaredDefaultBranch Code = "UNDECLARED_DEFAULT_BRANCH"
	CodeInvalidCondition        Code = "INVALID_CONDITION"
	CodeNoRoot                  Code = "NO_ROOT"
	CodeMultipleRoots           Code = "MULTIPLE_ROOTS"
	CodeCycleDetected           Code = "CYCLE_DETECTED"
	CodeUnreachableStep         Code = "UNREACHABLE_STEP"
	CodeUnknownAdapter          Code = "UNKNOWN_ADAPTER"
	CodeInvalidConfig           Code = "INVALID_CONFIG"
	CodeUndeclaredWriteDomain   Code = "UNDECLARED_WRITE_DOMAIN"
)

// Issue is one problem found in a definition.
type Issue struct {
	Code    Code             `json:"code"`
	StepKey string           `json:"stepKey,omitempty"`
	Edge    *definition.Edge `json:"edge,omitempty"`
	Message string           `json:"message"`
}

func (i Issue) String() string {
	var b strings.Builder
	b.WriteString(string(i.Code))
	if i.StepKey != "" {
		fmt.Fprintf(&b, " [%s]", i.StepKey)
	}
	if i.Edge != nil {
		fmt.Fprintf(&b, " [%s->%s]", i.Edge.Source, i.Edge.Target)
	}
	if i.Message != "" {
		b.WriteString(": ")
		b.WriteString(i.Message)
	}
	return b.String()
}

// Result is the outcome of Validate.
type Result struct {
	Valid  bool    `json:"valid"`
	Errors []Issue `json:"errors,omitempty"`
}

// Has reports whether any issue carries code.
func (r Result) Has(code Code) bool {
	return slices.ContainsFunc(r.Errors, func(i Issue) bool { return i.Code == code })
}

// Codes returns the code of every issue in report order.
func (r Result) Codes() []Code {
	codes := make([]Code, len(r.Errors))
	for i, issue := range r.Errors {
		codes[i] = issue.Code
	}
	return codes
}

// Err returns nil for a valid result. Otherwise it returns an AppError
// listing every issue under the "issues" detail. The code is
// CYCLE_DETECTED or UNREACHABLE_STEP when all issues share it, and
// VALIDATION_FAILED otherwise.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	code := apperrors.ErrCodeValidationFailed
	switch {
	case r.all(CodeCycleDetected):
		code = apperrors.ErrCodeCycleDetected
	case r.all(CodeUnreachableStep):
		code = apperrors.ErrCodeUnreachableStep
	}
	msgs := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		msgs[i] = issue.String()
	}
	return apperrors.New(code, "pipeline definition is invalid: "+strings.Join(msgs, "; ")).
		WithDetail("issues", r.Errors)
}

func (r Result) all(code Code) bool {
	for _, i := range r.Errors {
		if i.Code != code {
			return false
		}
	}
	return len(r.Errors) > 0
}

// Option configures Validate.
type Option func(*validator)

// WithRegistry also resolves every adapter step against reg, reporting
// unknown adapters, config that fails the adapter's schema and loaders
// writing outside the pipeline's declared write domains.
func WithRegistry(reg *adapter.Registry) Option {
	return func(v *validator) { v.registry = reg }
}

type validator struct {
	def      *definition.Definition
	registry *adapter.Registry
	issues   []Issue

	steps map[string]definition.Step
	// adj holds targets of valid edges in declaration order.
	adj      map[string][]string
	incoming map[string]int
}

// Validate checks def and returns every issue found. def is not modified.
func Validate(def *definition.Definition, opts ...Option) Result {
	v := &validator{
		def:      def,
		steps:    make(map[string]definition.Step, len(def.Steps)),
		adj:      make(map[string][]string),
		incoming: make(map[string]int),
	}
	for _, opt := range opts {
		opt(v)
	}

	v.checkContext()
	v.checkSteps()
	v.checkEdges()
	roots := v.checkRoots()
	v.checkCycles()
	v.checkReachability(roots)
	if v.registry != nil {
		v.checkAdapters()
	}
	return Result{Valid: len(v.issues) == 0, Errors: v.issues}
}

func (v *validator) add(code Code, stepKey string, edge *definition.Edge, format string, args ...any) {
	issue := Issue{Code: code, StepKey: stepKey, Message: fmt.Sprintf(format, args...)}
	if edge != nil {
		e := *edge
		issue.Edge = &e
	}
	v.issues = append(v.issues, issue)
}

func (v *validator) checkContext() {
	c := v.def.Context
	if c.RunMode != "" && c.RunMode != definition.RunModeFull && c.RunMode != definition.RunModeIncremental {
		v.add(CodeInvalidContext, "", nil, "unknown run mode %q", c.RunMode)
	}
	if p := c.ParallelExecution; p.ErrorPolicy != "" && !p.ErrorPolicy.Valid() {
		v.add(CodeInvalidContext, "", nil, "unknown error policy %q", p.ErrorPolicy)
	}
	if c.ParallelExecution.MaxConcurrentSteps < 0 {
		v.add(CodeInvalidContext, "", nil, "maxConcurrentSteps must not be negative")
	}
	eh := c.ErrorHandling
	if eh.Strategy != "" && !eh.Strategy.Valid() {
		v.add(CodeInvalidContext, "", nil, "unknown error strategy %q", eh.Strategy)
	}
	if eh.MaxAttempts < 0 || eh.InitialDelayMs < 0 || eh.MaxDelayMs < 0 || eh.BackoffMultiplier < 0 {
		v.add(CodeInvalidContext, "", nil, "error handling values must not be negative")
	}
}

func (v *validator) checkSteps() {
	for _, s := range v.def.Steps {
		if s.Key == "" {
			v.add(CodeMissingConfig, "", nil, "step of type %s has no key", s.Type)
		} else if _, dup := v.steps[s.Key]; dup {
			v.add(CodeDuplicateStepKey, s.Key, nil, "step key %q is declared more than once", s.Key)
		} else {
			v.steps[s.Key] = s
		}

		if !s.Type.Valid() {
			v.add(CodeUnknownStepType, s.Key, nil, "unknown step type %q", s.Type)
		} else if !s.Type.IsBuiltin() && s.Config.AdapterCode == "" {
			v.add(CodeMissingConfig, s.Key, nil, "%s step requires config.adapterCode", s.Type)
		}
		v.checkOptions(s)
		if s.Type == definition.StepRoute {
			v.checkBranches(s)
		}
	}
}

func (v *validator) checkOptions(s definition.Step) {
	if s.Concurrency < 0 {
		v.add(CodeInvalidConcurrency, s.Key, nil, "concurrency must not be negative, got %d", s.Concurrency)
	}
	for _, opt := range []struct {
		name  string
		value int
	}{
		{"retries", s.Retries},
		{"retryDelayMs", s.RetryDelayMs},
		{"timeoutMs", s.TimeoutMs},
		{"batchSize", s.BatchSize},
	} {
		if opt.value < 0 {
			v.add(CodeInvalidStepOption, s.Key, nil, "%s must not be negative, got %d", opt.name, opt.value)
		}
	}
	if s.ErrorStrategy != "" && !s.ErrorStrategy.Valid() {
		v.add(CodeInvalidStepOption, s.Key, nil, "unknown error strategy %q", s.ErrorStrategy)
	}
	if rl := s.RateLimit; rl != nil && (rl.MaxRequests <= 0 || rl.WindowMs <= 0) {
		v.add(CodeInvalidStepOption, s.Key, nil, "rateLimit needs positive maxRequests and windowMs")
	}
}

func (v *validator) checkBranches(s definition.Step) {
	if len(s.Config.Branches) == 0 {
		v.add(CodeRouteNoBranches, s.Key, nil, "ROUTE step declares no branches")
		return
	}
	seen := make(map[string]bool, len(s.Config.Branches))
	for i, b := range s.Config.Branches {
		switch {
		case strings.TrimSpace(b.Name) == "":
			v.add(CodeInvalidBranchName, s.Key, nil, "branch %d has an empty name", i)
		case seen[b.Name]:
			v.add(CodeDuplicateBranchName, s.Key, nil, "branch %q is declared more than once", b.Name)
		}
		seen[b.Name] = true
		if err := b.Validate(); err != nil {
			v.add(CodeInvalidCondition, s.Key, nil, "%v", err)
		}
	}
	if d := s.Config.DefaultBranch; d != "" && !seen[d] {
		v.add(CodeUndeclaredDefaultBranch, s.Key, nil, "default branch %q is not declared", d)
	}
}

func (v *validator) checkEdges() {
	for i := range v.def.Edges {
		e := &v.def.Edges[i]
		src, srcOK := v.steps[e.Source]
		_, dstOK := v.steps[e.Target]
		if !srcOK {
			v.add(CodeUnknownEdgeSource, "", e, "edge source %q is not a step", e.Source)
		}
		if !dstOK {
			v.add(CodeUnknownEdgeTarget, "", e, "edge target %q is not a step", e.Target)
		}
		if !srcOK || !dstOK {
			continue
		}
		if e.Source == e.Target {
			v.add(CodeSelfLoop, e.Source, e, "step %q has an edge to itself", e.Source)
			continue
		}
		if e.Branch != "" {
			if src.Type != definition.StepRoute {
				v.add(CodeBranchOnNonRoute, e.Source, e, "branch %q on edge from %s step", e.Branch, src.Type)
			} else if !slices.Contains(src.BranchNames(), e.Branch) {
				v.add(CodeUndeclaredBranch, e.Source, e, "branch %q is not declared by %q", e.Branch, e.Source)
			}
		}
		v.adj[e.Source] = append(v.adj[e.Source], e.Target)
		v.incoming[e.Target]++
	}
}

// checkRoots returns the TRIGGER steps without incoming edges.
func (v *validator) checkRoots() []string {
	var roots []string
	for _, s := range v.def.Steps {
		if s.Type == definition.StepTrigger && s.Key != "" && v.incoming[s.Key] == 0 && !slices.Contains(roots, s.Key) {
			roots = append(roots, s.Key)
		}
	}
	switch {
	case len(roots) == 0:
		v.add(CodeNoRoot, "", nil, "pipeline needs one TRIGGER step without incoming edges")
	case len(roots) > 1:
		v.add(CodeMultipleRoots, "", nil, "pipeline has %d roots: %s", len(roots), strings.Join(roots, ", "))
	}
	return roots
}

const (
	white = iota
	gray
	black
)

// checkCycles runs a three-colour depth-first search. Each edge into a
// gray step is a back edge and is reported once.
func (v *validator) checkCycles() {
	color := make(map[string]int, len(v.steps))
	var visit func(key string)
	visit = func(key string) {
		color[key] = gray
		for _, next := range v.adj[key] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				v.add(CodeCycleDetected, key, &definition.Edge{Source: key, Target: next},
					"edge %s -> %s closes a cycle", key, next)
			}
		}
		color[key] = black
	}
	for _, s := range v.def.Steps {
		if _, ok := v.steps[s.Key]; ok && color[s.Key] == white {
			visit(s.Key)
		}
	}
}

// checkReachability walks forward from the roots. Without a root every
// step would be reported, so the walk is skipped and NO_ROOT stands alone.
func (v *validator) checkReachability(roots []string) {
	if len(roots) == 0 {
		return
	}
	reached := make(map[string]bool, len(v.steps))
	queue := slices.Clone(roots)
	for _, r := range roots {
		reached[r] = true
	}
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		for _, next := range v.adj[key] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, s := range v.def.Steps {
		if s.Key == "" || reached[s.Key] {
			continue
		}
		if s.Type == definition.StepTrigger && v.incoming[s.Key] == 0 {
			continue
		}
		v.add(CodeUnreachableStep, s.Key, nil, "%s step %q can never run", s.Type, s.Key)
	}
}

func (v *validator) checkAdapters() {
	var declared []string
	if v.def.Capabilities != nil {
		declared = v.def.Capabilities.WriteDomains
	}
	for _, s := range v.def.Steps {
		if s.Config.AdapterCode == "" {
			continue
		}
		role, ok := adapter.RoleForStep(s.Type)
		if !ok {
			continue
		}
		reg, err := v.registry.Resolve(role, s.Config.AdapterCode)
		if err != nil {
			v.add(CodeUnknownAdapter, s.Key, nil, "no %s adapter registered as %q", role, s.Config.AdapterCode)
			continue
		}
		if _, err := v.registry.ResolveConfig(role, s.Config.AdapterCode, s.Config.Settings); err != nil {
			code := CodeInvalidConfig
			if apperrors.CodeOf(err) == apperrors.ErrCodeMissingConfig {
				code = CodeMissingConfig
			}
			v.add(code, s.Key, nil, "%v", err)
		}
		if len(declared) == 0 || role != adapter.RoleLoader {
			continue
		}
		for _, domain := range reg.Definition.WriteDomains {
			if !slices.Contains(declared, domain) {
				v.add(CodeUndeclaredWriteDomain, s.Key, nil,
					"loader %q writes to %q which the pipeline does not declare", s.Config.AdapterCode, domain)
			}
		}
	}
}
