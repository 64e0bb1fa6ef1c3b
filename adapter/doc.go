// Package adapter defines the contract between the engine and the pluggable
// extractors, operators, loaders and writers that steps reference by code.
//
// Roles are a closed set. Each role maps to one Go interface, and Register
// checks the implementation against it, so a mismatched adapter fails at
// startup rather than mid-run. Every adapter declares a Schema for its
// settings and may also supply a typed config struct; ResolveConfig
// validates both before a step executes.
//
//	reg := adapter.NewRegistry()
//	err := reg.Register(adapter.Definition{
//	    Role: adapter.RoleOperator,
//	    Code: "drop-free",
//	    Capabilities: adapter.Capabilities{Pure: true},
//	}, dropFree)
package adapter
