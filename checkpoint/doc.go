// Package checkpoint stores the resume position of each extract step.
//
// A Buffer holds one JSON fragment per step key for a single scope (the
// pipeline id). Steps write through the Store interface after every page;
// the owner of the Buffer decides when to Flush the dirty fragments to a
// Persister so a later run can Load them and resume.
//
//	buf := checkpoint.NewBuffer("catalog-sync", checkpoint.NewRedisPersister(store, 24*time.Hour))
//	_ = buf.Load(ctx)
//	_ = buf.Set(ctx, "extract", json.RawMessage(`{"offset":42}`))
//	_ = buf.Flush(ctx)
package checkpoint
