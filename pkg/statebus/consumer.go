// Package statebus moves evidence and engine events over Kafka.
package statebus

import "context"

const (
	// HeaderEventType names the models.EventType of a bridged event.
	HeaderEventType = "qshield-event"
	// HeaderSource names the evidence source of an ingested record.
	HeaderSource = "qshield-source"
)

// Message is a bus record. Offset identifies it for Commit.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
	Offset  int64
	raw     any
}

// Consumer delivers at least once: a message fetched but never committed is
// redelivered after a restart.
type Consumer interface {
	FetchMessage(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...Message) error
	Close() error
}
