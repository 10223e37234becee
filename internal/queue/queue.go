package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-ais-forwarder/internal/sentence"
)

// Policy selects what Enqueue does when the queue is full.
type Policy int

const (
	// PolicyDropOldest evicts the head so the freshest data survives an outage.
	PolicyDropOldest Policy = iota
	// PolicyDropNewest discards the incoming sentence.
	PolicyDropNewest
	// PolicyBlock makes the producer wait for room.
	PolicyBlock
)

var policyNames = map[Policy]string{
	PolicyDropOldest: "drop-oldest",
	PolicyDropNewest: "drop-newest",
	PolicyBlock:      "block",
}

func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy maps a configuration string onto a Policy. "drop" is accepted
// as an alias of drop-oldest.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop-oldest", "drop", "":
		return PolicyDropOldest, nil
	case "drop-newest":
		return PolicyDropNewest, nil
	case "block":
		return PolicyBlock, nil
	default:
		return 0, fmt.Errorf("unknown queue policy %q (use drop-oldest|drop-newest|block)", s)
	}
}

// Result tells the producer whether its sentence was kept.
type Result int

const (
	Accepted Result = iota
	// Dropped means a sentence was discarded to honour the capacity. Under
	// PolicyDropOldest the discarded one is the previous head, not the argument.
	Dropped
)

var (
	ErrClosed  = errors.New("queue closed")
	ErrCorrupt = errors.New("queue invariant violated")
)

// Hooks customize Queue behavior.
type Hooks struct {
	// OnDrop is called, outside the lock, with every discarded sentence.
	OnDrop func(sentence.Sentence)
	// OnDepth is called, under the lock, with the new length after every
	// change, so successive calls are never out of order.
	OnDepth func(n int)
}

// Queue is a bounded FIFO of sentences for exactly one producer and one
// consumer. Waiting is done on single-slot notification channels so both
// sides can also give up when their context ends.
type Queue struct {
	mu     sync.Mutex
	buf    []sentence.Sentence
	head   int
	n      int
	closed bool
	policy Policy
	hooks  Hooks

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}

	dropped atomic.Uint64
}

// New creates a queue holding at most capacity sentences.
func New(capacity int, policy Policy, hooks Hooks) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		buf:      make([]sentence.Sentence, capacity),
		policy:   policy,
		hooks:    hooks,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Enqueue appends s according to the overflow policy.
func (q *Queue) Enqueue(ctx context.Context, s sentence.Sentence) (Result, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Accepted, ErrClosed
		}
		if q.n > len(q.buf) {
			q.mu.Unlock()
			return Accepted, fmt.Errorf("%w: len %d > cap %d", ErrCorrupt, q.n, len(q.buf))
		}
		if q.n < len(q.buf) {
			q.push(s)
			q.depth()
			q.mu.Unlock()
			signal(q.notEmpty)
			return Accepted, nil
		}
		switch q.policy {
		case PolicyDropOldest:
			old := q.pop()
			q.push(s)
			q.mu.Unlock()
			q.drop(old)
			signal(q.notEmpty)
			return Dropped, nil
		case PolicyDropNewest:
			q.mu.Unlock()
			q.drop(s)
			return Dropped, nil
		}
		q.mu.Unlock()
		select {
		case <-q.notFull:
		case <-q.done:
		case <-ctx.Done():
			return Accepted, ctx.Err()
		}
	}
}

// Dequeue removes the head, waiting until one is available. Once the queue is
// closed and empty it returns ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (sentence.Sentence, error) {
	for {
		if s, ok, closed := q.take(); ok {
			return s, nil
		} else if closed {
			return nil, ErrClosed
		}
		select {
		case <-q.notEmpty:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryDequeue removes the head without waiting.
func (q *Queue) TryDequeue() (sentence.Sentence, bool) {
	s, ok, _ := q.take()
	return s, ok
}

func (q *Queue) take() (s sentence.Sentence, ok, closed bool) {
	q.mu.Lock()
	if q.n == 0 {
		closed = q.closed
		q.mu.Unlock()
		return nil, false, closed
	}
	s = q.pop()
	q.depth()
	q.mu.Unlock()
	signal(q.notFull)
	return s, true, false
}

// Close wakes every waiter. Sentences still queued can be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) Len() int { q.mu.Lock(); defer q.mu.Unlock(); return q.n }
func (q *Queue) Cap() int { return len(q.buf) }

// Dropped returns the number of sentences discarded on overflow so far.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

func (q *Queue) Policy() Policy { return q.policy }

func (q *Queue) push(s sentence.Sentence) {
	q.buf[(q.head+q.n)%len(q.buf)] = s
	q.n++
}

func (q *Queue) pop() sentence.Sentence {
	s := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return s
}

func (q *Queue) depth() {
	if q.hooks.OnDepth != nil {
		q.hooks.OnDepth(q.n)
	}
}

func (q *Queue) drop(s sentence.Sentence) {
	q.dropped.Add(1)
	if q.hooks.OnDrop != nil {
		q.hooks.OnDrop(s)
	}
}
