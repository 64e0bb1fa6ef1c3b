package kafka

import (
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
)

// ProducerStats summarizes what the producer has delivered since the last
// call. kafka-go resets its counters on every Stats read.
type ProducerStats struct {
	Messages   int64   `json:"messages"`
	Errors     int64   `json:"errors"`
	Retries    int64   `json:"retries"`
	AvgWriteMs float64 `json:"avg_write_ms"`
}

func statsOf(s kafkago.WriterStats) ProducerStats {
	return ProducerStats{
		Messages:   s.Messages,
		Errors:     s.Errors,
		Retries:    s.Retries,
		AvgWriteMs: float64(s.WriteTime.Avg) / 1e6,
	}
}

func (s ProducerStats) String() string {
	return fmt.Sprintf("%d messages, %d errors, %d retries", s.Messages, s.Errors, s.Retries)
}
