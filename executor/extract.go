package executor

import (
	"context"
	"encoding/json"

	"github.com/kbukum/etlkit/adapter"
	"github.com/kbukum/etlkit/logger"
)

// extract pulls pages until the extractor reports no more data. Each page's
// checkpoint fragment is stored before the next page is requested. A failed
// page is step-fatal; records of earlier pages stay in the output.
func (e *Executor) extract(ctx context.Context, s *stepRun, ext adapter.Extractor, res *StepResult) {
	store := s.rc.Checkpoints
	var cp json.RawMessage
	if store != nil && !s.rc.IgnoreCheckpoints {
		stored, err := store.Get(ctx, s.step.Key)
		if err != nil {
			res.Err = err
			return
		}
		cp = stored
	}
	if cp != nil {
		s.log.Info("resuming from checkpoint", logger.Fields("checkpoint", string(cp)))
	}

	paginated := s.adapter.Definition.Capabilities.Paginated
	pulled := 0
	defer func() { res.Metrics.RecordsIn = pulled }()

	for page := 0; ; page++ {
		if s.rc.cancelled() || ctx.Err() != nil {
			res.Err = cancellation(ctx, s.step.Key)
			return
		}
		req := adapter.PullRequest{Checkpoint: cp, Page: page}
		out, err := call(ctx, e, s, func(ctx context.Context, attempt int) (adapter.PullResult, error) {
			return ext.Pull(ctx, s.cfg, req, s.exec(attempt))
		})
		if err != nil {
			res.Err = err
			return
		}

		pulled += len(out.Records)
		for _, rec := range out.Records {
			res.Output = append(res.Output, rec)
			res.add(Outcome{Kind: OutcomeExtracted, RecordID: rec.Identity()})
		}
		if out.Checkpoint != nil {
			cp = out.Checkpoint
			if store != nil {
				if err := store.Set(ctx, s.step.Key, cp); err != nil {
					res.Err = err
					return
				}
			}
		}
		s.log.Debug("page extracted", logger.Fields("page", page, logger.FieldRecords, len(out.Records), "has_more", out.HasMore))
		if !out.HasMore || !paginated {
			return
		}
	}
}
