package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/executor"
)

// Run is the handle of a started pipeline run. Its methods are safe for
// concurrent use.
type Run struct {
	id           string
	pipelineID   string
	pipelineCode string

	mu      sync.Mutex
	status  Status
	metrics RunMetrics
	// pause is non-nil while a pause is requested; Resume closes it.
	pause  chan struct{}
	result *RunResult

	cancelRequested atomic.Bool
	done            chan struct{}
}

func newRun(id, pipelineID, pipelineCode string) *Run {
	return &Run{
		id:           id,
		pipelineID:   pipelineID,
		pipelineCode: pipelineCode,
		status:       StatusPending,
		metrics:      RunMetrics{Steps: make(map[string]executor.StepMetrics)},
		done:         make(chan struct{}),
	}
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// PipelineID returns the id of the pipeline being run.
func (r *Run) PipelineID() string { return r.pipelineID }

// PipelineCode returns the code of the pipeline being run.
func (r *Run) PipelineCode() string { return r.pipelineCode }

// Status returns the current state.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Metrics returns a snapshot of the metrics of the steps finished so far.
func (r *Run) Metrics() RunMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics.clone()
}

// Done is closed once the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result returns the final report, or nil while the run is in progress.
func (r *Run) Result() *RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Wait blocks until the run finishes or ctx is done. Cancelling ctx does
// not cancel the run.
func (r *Run) Wait(ctx context.Context) (*RunResult, error) {
	select {
	case <-r.done:
		return r.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cooperative cancellation. In-flight adapter calls finish;
// no further step or sub-batch starts. A paused run is woken so it can end.
func (r *Run) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.cancelRequested.Store(true)
	r.status = StatusCancelRequested
	if r.pause != nil {
		close(r.pause)
		r.pause = nil
	}
}

// Pause stops the run from starting further steps. Steps already running
// finish; the run reports PAUSED once it is idle.
func (r *Run) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() || r.status == StatusCancelRequested {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "run %s cannot be paused in state %s", r.id, r.status)
	}
	if r.pause == nil {
		r.pause = make(chan struct{})
	}
	return nil
}

// Resume lifts a pause.
func (r *Run) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() || r.status == StatusCancelRequested {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "run %s cannot be resumed in state %s", r.id, r.status)
	}
	if r.pause != nil {
		close(r.pause)
		r.pause = nil
	}
	return nil
}

func (r *Run) cancelled() bool { return r.cancelRequested.Load() }

func (r *Run) pauseRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pause != nil
}

// gate blocks while a pause is requested, until Resume, Cancel or ctx ends.
func (r *Run) gate(ctx context.Context) {
	r.mu.Lock()
	for r.pause != nil && ctx.Err() == nil {
		ch := r.pause
		r.status = StatusPaused
		r.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
		}
		r.mu.Lock()
	}
	if r.status == StatusPaused {
		r.status = StatusRunning
	}
	r.mu.Unlock()
}

// begin moves a pending run to RUNNING. It reports false when the run was
// cancelled before it started.
func (r *Run) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusPending {
		return false
	}
	r.status = StatusRunning
	return true
}

func (r *Run) record(key string, m executor.StepMetrics, in, out bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.Steps[key] = m
	if in {
		r.metrics.RecordsIn += m.RecordsOut
	}
	if out {
		r.metrics.RecordsOut += m.RecordsOut
	}
	r.metrics.TotalRecordsProcessed += m.Processed
	r.metrics.TotalRecordsSucceeded += m.Succeeded
	r.metrics.TotalRecordsFailed += m.Failed
	r.metrics.TotalRecordsFiltered += m.Filtered
	r.metrics.TotalRecordsQuarantined += m.Quarantined
	r.metrics.TotalRetries += m.Retries
}

func (r *Run) finish(res *RunResult, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.Duration = elapsed
	res.Metrics = r.metrics.clone()
	r.status = res.Status
	r.result = res
	if r.pause != nil {
		close(r.pause)
		r.pause = nil
	}
}
