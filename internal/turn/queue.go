// Package turn turns finalized transcript fragments into user turns and
// serializes their processing.
//
// The [Coalescer] merges the rapid fragments a caller's first utterance often
// arrives in; every later fragment becomes a turn of its own. Turns are handed
// to a bounded [Queue] drained by exactly one consumer, so at most one
// dialogue round-trip is in flight per call.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultQueueSize bounds the number of turns waiting behind the one in flight.
const DefaultQueueSize = 3

// ErrConsumerRunning is returned when a second consumer tries to drain a queue.
var ErrConsumerRunning = errors.New("turn: queue already has a consumer")

// Pending is one user turn awaiting the dialogue orchestrator.
type Pending struct {
	Text string

	// FinalizedAt is when the recognizer finalized the last fragment.
	FinalizedAt time.Time

	// First is set on the coalesced opening turn of a call.
	First bool
}

// QueueOption configures a [Queue].
type QueueOption func(*Queue)

// WithLogger sets the logger used for overflow warnings.
func WithLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.log = l
	}
}

// WithDropHook registers fn to be called for every turn evicted on overflow.
func WithDropHook(fn func(Pending)) QueueOption {
	return func(q *Queue) {
		q.onDrop = fn
	}
}

// Queue is a bounded FIFO of pending turns that drops its oldest entry when
// full. All methods are safe for concurrent use.
type Queue struct {
	size   int
	log    *slog.Logger
	onDrop func(Pending)

	mu      sync.Mutex
	items   []Pending
	closed  bool
	running bool
	ready   chan struct{}
	done    chan struct{}
}

// NewQueue returns a queue holding at most size turns. size <= 0 uses
// [DefaultQueueSize].
func NewQueue(size int, opts ...QueueOption) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{
		size:  size,
		log:   slog.Default(),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Push enqueues p. When the queue is full the oldest waiting turn is dropped
// and Push reports true. Pushing to a closed queue is a no-op.
func (q *Queue) Push(p Pending) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	var evicted Pending
	if len(q.items) >= q.size {
		evicted = q.items[0]
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, p)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}

	if dropped {
		q.log.Warn("turn: queue full, dropped oldest turn", "dropped_text", evicted.Text, "size", q.size)
		if q.onDrop != nil {
			q.onDrop(evicted)
		}
	}
	return dropped
}

// Len returns the number of waiting turns.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards all waiting turns and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// Close discards waiting turns and stops the consumer after its current turn.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}

// Run drains the queue, calling handle for one turn at a time until the
// queue is closed or ctx is cancelled. handle returns before the next turn is
// taken. Only one Run may be active per queue.
func (q *Queue) Run(ctx context.Context, handle func(context.Context, Pending)) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrConsumerRunning
	}
	q.running = true
	q.mu.Unlock()

	for {
		p, ok := q.next(ctx)
		if !ok {
			return nil
		}
		handle(ctx, p)
	}
}

func (q *Queue) next(ctx context.Context) (Pending, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Pending{}, false
		}
		if len(q.items) > 0 {
			p := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return p, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
			return Pending{}, false
		case <-ctx.Done():
			return Pending{}, false
		}
	}
}
