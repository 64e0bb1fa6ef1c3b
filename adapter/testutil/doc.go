// Package testutil provides configurable mock adapters for exercising the
// executor and engine in tests.
//
//	src := testutil.NewExtractor(testutil.Page(recs...))
//	reg := adapter.NewRegistry()
//	reg.MustRegister(testutil.ExtractorDef("fixture", true), src)
package testutil
