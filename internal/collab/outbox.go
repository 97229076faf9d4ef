package collab

import (
	"context"
	"errors"
	"sync"
)

var errOutboxFull = errors.New("outbox full")

const defaultOutboxSize = 256

// Outbox is the per-connection FIFO of outbound messages. Publishers
// never block on it: a full outbox rejects the message and the caller
// decides what to do with the lagging connection.
type Outbox struct {
	mu     sync.RWMutex
	ch     chan Message
	closed bool
	done   chan struct{}
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = defaultOutboxSize
	}
	return &Outbox{
		ch:   make(chan Message, capacity),
		done: make(chan struct{}),
	}
}

func (q *Outbox) TryEnqueue(msg Message) error {
	if q == nil {
		return ErrClosed
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return errOutboxFull
	}
}

// Dequeue blocks until a message is available, the outbox is closed or
// ctx is done. Messages still buffered at close are discarded.
func (q *Outbox) Dequeue(ctx context.Context) (Message, bool) {
	if q == nil {
		return Message{}, false
	}
	select {
	case <-q.done:
		return Message{}, false
	default:
	}
	select {
	case msg := <-q.ch:
		return msg, true
	case <-q.done:
		return Message{}, false
	case <-ctx.Done():
		return Message{}, false
	}
}

func (q *Outbox) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *Outbox) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

// Done is closed once the outbox stops accepting messages.
func (q *Outbox) Done() <-chan struct{} {
	return q.done
}

func (q *Outbox) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
