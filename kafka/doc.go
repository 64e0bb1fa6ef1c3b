// Package kafka provides the Kafka producer component used by the
// dead-letter sink. It wraps segmentio/kafka-go with TLS/SASL transport
// setup, retrying writes, writer metrics and component lifecycle.
//
//	comp := kafka.NewComponent(kafka.Config{Enabled: true, Brokers: []string{"localhost:9092"}}, log)
//	_ = registry.Register(comp)
//	_ = comp.Producer().SendJSON(ctx, "etl.dead-letters", recordID, entry)
package kafka
