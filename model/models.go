package model

import (
	"fmt"
	"time"
)

// TopicPartition identifies a single partition of a Kafka topic.
type TopicPartition struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// SinkRecord is a raw record pulled from a source topic, before schema conversion.
type SinkRecord struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// TopicPartition returns the partition the record was read from.
func (r SinkRecord) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// Row is a record converted against a table schema, keyed by field name.
type Row map[string]any
