// Package logger provides structured logging for the pipeline engine
// using zerolog.
//
// It supports JSON and console output, level configuration, and loggers
// scoped to a component, a run or a single step.
//
// # Configuration
//
//	logging:
//	  level: "info"
//	  format: "json"
//
// # Usage
//
//	log := logger.Get("executor").ForRun("catalog-sync", runID)
//	log.Info("step finished", logger.Fields(logger.FieldStepKey, "load"))
package logger
