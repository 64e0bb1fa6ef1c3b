package dag

import (
	"fmt"
	"slices"

	"github.com/kbukum/etlkit/definition"
	apperrors "github.com/kbukum/etlkit/errors"
)

// ExecutionPlan is the static schedule of a validated definition.
type ExecutionPlan struct {
	// Levels groups step keys by dependency depth. Level 0 holds the roots.
	Levels [][]string
	// Order is Levels flattened: a topological order of every step.
	Order []string
	// Preds and Succs list distinct neighbours in declaration order.
	Preds map[string][]string
	Succs map[string][]string
	// Incoming and Outgoing keep every edge, branch labels included.
	Incoming map[string][]definition.Edge
	Outgoing map[string][]definition.Edge

	steps map[string]definition.Step
	index map[string]int
}

// Step returns the step with the given key.
func (p *ExecutionPlan) Step(key string) (definition.Step, bool) {
	s, ok := p.steps[key]
	return s, ok
}

// Index returns the declaration position of key, or -1.
func (p *ExecutionPlan) Index(key string) int {
	if i, ok := p.index[key]; ok {
		return i
	}
	return -1
}

// Roots returns the steps without predecessors.
func (p *ExecutionPlan) Roots() []string {
	if len(p.Levels) == 0 {
		return nil
	}
	return p.Levels[0]
}

// Plan builds the execution plan of def with Kahn's algorithm. Within a
// level, steps keep their declaration order so plans are deterministic.
// A cycle yields a CYCLE_DETECTED error.
func Plan(def *definition.Definition) (*ExecutionPlan, error) {
	p := &ExecutionPlan{
		Preds:    make(map[string][]string, len(def.Steps)),
		Succs:    make(map[string][]string, len(def.Steps)),
		Incoming: make(map[string][]definition.Edge, len(def.Steps)),
		Outgoing: make(map[string][]definition.Edge, len(def.Steps)),
		steps:    make(map[string]definition.Step, len(def.Steps)),
		index:    make(map[string]int, len(def.Steps)),
	}
	for i, s := range def.Steps {
		if _, dup := p.steps[s.Key]; dup {
			return nil, apperrors.Validation(fmt.Sprintf("duplicate step key %q", s.Key))
		}
		p.steps[s.Key] = s
		p.index[s.Key] = i
	}

	inDegree := make(map[string]int, len(def.Steps))
	for _, e := range def.Edges {
		if _, ok := p.steps[e.Source]; !ok {
			return nil, apperrors.Validation(fmt.Sprintf("edge references unknown step %q", e.Source))
		}
		if _, ok := p.steps[e.Target]; !ok {
			return nil, apperrors.Validation(fmt.Sprintf("edge references unknown step %q", e.Target))
		}
		p.Outgoing[e.Source] = append(p.Outgoing[e.Source], e)
		p.Incoming[e.Target] = append(p.Incoming[e.Target], e)
		if !slices.Contains(p.Succs[e.Source], e.Target) {
			p.Succs[e.Source] = append(p.Succs[e.Source], e.Target)
			p.Preds[e.Target] = append(p.Preds[e.Target], e.Source)
			inDegree[e.Target]++
		}
	}

	var queue []string
	for _, s := range def.Steps {
		if inDegree[s.Key] == 0 {
			queue = append(queue, s.Key)
		}
	}

	visited := 0
	for len(queue) > 0 {
		p.Levels = append(p.Levels, queue)
		p.Order = append(p.Order, queue...)
		visited += len(queue)

		var next []string
		for _, key := range queue {
			for _, succ := range p.Succs[key] {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		slices.SortFunc(next, func(a, b string) int { return p.index[a] - p.index[b] })
		queue = next
	}

	if visited != len(def.Steps) {
		return nil, apperrors.New(apperrors.ErrCodeCycleDetected,
			fmt.Sprintf("cycle detected: planned %d of %d steps", visited, len(def.Steps)))
	}
	return p, nil
}
