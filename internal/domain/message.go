package domain

import (
	"context"
	"time"
)

// RawMessage is an unprocessed message from the report topic.
type RawMessage struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// OutboundMessage is the serialized form of a report destined for the report topic.
type OutboundMessage struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}
