// Package definition models a declarative pipeline: its typed steps, the
// edges between them and the execution context (parallelism, error
// handling, checkpointing). Definitions load from YAML or JSON and are
// frozen with Clone before a run starts.
package definition
