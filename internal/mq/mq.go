// Package mq moves training progress events from the scheduler to stream
// consumers, one topic per job. The in-memory backend is the default and
// serves a single daemon; Pulsar fans the same topics out across processes
// when configured.
package mq

import (
	"context"
	"errors"

	"github.com/evermind-ai/persona-server/internal/config"
)

var (
	ErrTopicNotExists = errors.New("topic does not exist")
	ErrQueueFull      = errors.New("queue is full")
	ErrQueueClosed    = errors.New("queue closed")
	ErrTopicClosed    = errors.New("topic closed")
	ErrInvalidMessage = errors.New("invalid message type for this backend")
)

// MQ is the progress event bus. Messages are opaque byte payloads;
// GetMessageData unwraps the backend's message type. Receive blocks until a
// message arrives, the topic closes, or ctx is done. A topic closed and
// drained reports ErrTopicClosed, which is how stream consumers learn a job
// reached its terminal event.
type MQ interface {
	Publish(ctx context.Context, topic string, message []byte) error
	Receive(ctx context.Context, topic string) (interface{}, error)
	GetMessageData(message interface{}) ([]byte, error)
	Ack(topic string, message interface{}) error
	CloseTopic(topic string) error
	Close() error
}

// NewMQ selects the backend: Pulsar when configured, in-memory otherwise.
// The in-memory buffer holds 64 events per topic; a full topic refuses the
// publish so a slow consumer costs events, never training throughput.
func NewMQ(cfg *config.Config) (MQ, error) {
	if cfg != nil && cfg.Pulsar != nil {
		return NewPulsarMQ(cfg.Pulsar)
	}

	return NewInMemoryMQ(64)
}
