// Package dag checks pipeline graphs and turns them into execution plans.
//
// Validate inspects a definition without mutating it and reports every
// structural problem in a single pass, so callers can surface all of them
// at once. Plan groups steps into dependency levels with Kahn's algorithm;
// steps within a level have no edges between them and may run in parallel.
//
//	res := dag.Validate(def, dag.WithRegistry(reg))
//	if !res.Valid {
//	    return res.Err()
//	}
//	plan, err := dag.Plan(def)
package dag
