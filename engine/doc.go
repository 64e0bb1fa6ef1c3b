// Package engine orchestrates pipeline runs.
//
// A run validates a frozen copy of the definition, plans its steps once and
// executes them in dependency order, either one at a time or in parallel
// up to the pipeline's maxConcurrentSteps. Records flow along edges; edges
// leaving a ROUTE step carry only the records routed to their branch. The
// pipeline error policy decides what a failed step does to the rest of the
// run, and every run ends in a terminal status with its errors and
// warnings listed.
//
//	eng := engine.New(reg, engine.Config{}, engine.WithHooks(bus))
//	res, err := eng.Run(ctx, def, nil)
//	if err != nil {
//	    return err // the run was never started
//	}
//	if res.Status != engine.StatusCompleted {
//	    return res.Err()
//	}
//
// Start returns a handle instead of waiting, so callers can poll status and
// metrics, pause, resume or cancel the run cooperatively.
package engine
