package deadletter

import (
	"context"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kbukum/etlkit/kafka"
)

// DefaultTopic is used when KafkaSink is created without a topic.
const DefaultTopic = "etlkit.dead-letters"

// KafkaSink publishes each entry as a JSON message keyed by record id, so
// entries for the same record land on the same partition.
type KafkaSink struct {
	producer *kafka.Producer
	topic    string
}

// NewKafkaSink creates a sink publishing to topic.
func NewKafkaSink(producer *kafka.Producer, topic string) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaSink{producer: producer, topic: topic}
}

// Write implements Sink.
func (s *KafkaSink) Write(ctx context.Context, e Entry) error {
	key := e.RecordID
	if key == "" {
		key = e.ID
	}
	return s.producer.SendJSON(ctx, s.topic, key, e,
		kafkago.Header{Key: "pipeline-id", Value: []byte(e.PipelineID)},
		kafkago.Header{Key: "run-id", Value: []byte(e.RunID)},
		kafkago.Header{Key: "error-code", Value: []byte(e.Code)},
	)
}
