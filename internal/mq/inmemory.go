package mq

import (
	"context"
	"sync"
)

// InMemoryMQ is the default backend: one buffered channel per topic, no
// durability. Suited to a single-process deployment, which is the normal
// mode for this daemon.
type InMemoryMQ struct {
	maxSize int
	topics  sync.Map
	closeCh chan struct{}
	once    sync.Once
}

func NewInMemoryMQ(maxSize int) (*InMemoryMQ, error) {
	return &InMemoryMQ{
		maxSize: maxSize,
		closeCh: make(chan struct{}),
	}, nil
}

func (q *InMemoryMQ) topic(name string) chan []byte {
	value, _ := q.topics.LoadOrStore(name, make(chan []byte, q.maxSize))
	return value.(chan []byte)
}

func (q *InMemoryMQ) Publish(ctx context.Context, topic string, message []byte) error {
	ch := q.topic(topic)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeCh:
		return ErrQueueClosed
	case ch <- message:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *InMemoryMQ) Receive(ctx context.Context, topic string) (interface{}, error) {
	ch := q.topic(topic)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closeCh:
		return nil, ErrQueueClosed
	case data, ok := <-ch:
		if !ok {
			q.topics.Delete(topic)
			return nil, ErrTopicClosed
		}
		return data, nil
	}
}

func (q *InMemoryMQ) GetMessageData(message interface{}) ([]byte, error) {
	data, ok := message.([]byte)
	if !ok {
		return nil, ErrInvalidMessage
	}

	return data, nil
}

// Ack is a no-op: channel delivery already removed the message.
func (q *InMemoryMQ) Ack(topic string, message interface{}) error {
	return nil
}

// CloseTopic closes the topic's channel. Receivers drain any buffered
// messages and then get ErrTopicClosed.
func (q *InMemoryMQ) CloseTopic(topic string) error {
	value, ok := q.topics.Load(topic)
	if !ok {
		return ErrTopicNotExists
	}

	close(value.(chan []byte))
	return nil
}

func (q *InMemoryMQ) Close() error {
	q.once.Do(func() {
		close(q.closeCh)
	})

	return nil
}
