// Package deadletter stores records the executor gave up on: records
// quarantined by the QUARANTINE strategy and records whose RETRY attempts
// ran out.
//
// Sinks:
//   - MemorySink: in-process, for tests and single-run inspection
//   - GormSink: the dead_letters table through the database component
//   - KafkaSink: one JSON message per entry, keyed by record id
//   - Fanout: writes every entry to several sinks
package deadletter
