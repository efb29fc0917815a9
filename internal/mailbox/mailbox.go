// Package mailbox implements a bounded, ordered per-activation queue, with
// four overflow policies (block, drop-oldest, drop-newest, error), plus an explicit
// dead-letter sink callback.
//
// Enqueue order defines dispatch order (FIFO); at most one envelope is
// in-flight at a time per non-re-entrant activation, but that single-writer
// guarantee is enforced by the activation dispatcher (internal/activation),
// not by Mailbox itself — Mailbox only guarantees ordering and backpressure.
package mailbox

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btclog/v2"
)

// log is this package's subsystem logger, wired via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// OverflowPolicy selects what happens when Post is called against a full
// mailbox. internal/stream names the same policy vocabulary for streams.
type OverflowPolicy int

const (
	// PolicyBlock suspends Post until space frees up, the context is
	// cancelled, or the mailbox is stopped.
	PolicyBlock OverflowPolicy = iota

	// PolicyDropOldest discards the oldest queued envelope to make room
	// for the new one. The discarded envelope is sent to the dead-letter
	// sink.
	PolicyDropOldest

	// PolicyDropNewest discards the envelope being posted, leaving the
	// existing queue untouched. The discarded envelope is sent to the
	// dead-letter sink.
	PolicyDropNewest

	// PolicyError rejects the post immediately with an error instead of
	// blocking or silently dropping.
	PolicyError
)

func (p OverflowPolicy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDropOldest:
		return "drop-oldest"
	case PolicyDropNewest:
		return "drop-newest"
	case PolicyError:
		return "error"
	default:
		return "unknown"
	}
}

// PostResult reports the outcome of Post: accepted, dropped by policy, or
// an error if the mailbox has shut down.
type PostResult int

const (
	Accepted PostResult = iota
	DroppedByPolicy
)

// ErrShutdown is returned by Post once the mailbox has been stopped.
var ErrShutdown = fmt.Errorf("mailbox: shut down")

// ErrFull is returned by Post under PolicyError when the queue has no room.
var ErrFull = fmt.Errorf("mailbox: full (policy=error)")

// DeadLetterFunc receives an envelope that could not be delivered, along
// with the reason. It is called synchronously from Post or from the drain
// path in Stop, so implementations must not block for long.
type DeadLetterFunc[T any] func(env T, cause error)

// Mailbox is a generic, bounded, ordered envelope queue with pluggable
// overflow policy and dead-letter capture. T is typically
// internal/activation.Envelope, but the type is left generic so
// internal/reminder's synthetic tick envelopes and internal/stream's
// implicit-consumer enqueues can reuse the same primitive.
type Mailbox[T any] struct {
	policy     OverflowPolicy
	capacity   int
	deadLetter DeadLetterFunc[T]

	ch     chan T
	depth  atomic.Int64
	closed atomic.Bool

	mu        sync.RWMutex
	closeOnce sync.Once
}

// New constructs a Mailbox with the given capacity (minimum 1) and overflow
// policy. deadLetter may be nil, in which case dropped/undeliverable
// envelopes are simply discarded (logged at debug level).
func New[T any](capacity int, policy OverflowPolicy, deadLetter DeadLetterFunc[T]) *Mailbox[T] {
	if capacity <= 0 {
		capacity = 1
	}

	return &Mailbox[T]{
		policy:     policy,
		capacity:   capacity,
		deadLetter: deadLetter,
		ch:         make(chan T, capacity),
	}
}

// Post attempts to enqueue env according to the configured overflow policy.
// It returns (Accepted, nil) on success. Under PolicyBlock it suspends until
// space is available, ctx is cancelled, or the mailbox is stopped.
func (m *Mailbox[T]) Post(ctx context.Context, env T) (PostResult, error) {
	if m.closed.Load() {
		return DroppedByPolicy, ErrShutdown
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return DroppedByPolicy, ErrShutdown
	}

	switch m.policy {
	case PolicyBlock:
		select {
		case m.ch <- env:
			m.depth.Add(1)
			return Accepted, nil
		case <-ctx.Done():
			return DroppedByPolicy, ctx.Err()
		}

	case PolicyError:
		select {
		case m.ch <- env:
			m.depth.Add(1)
			return Accepted, nil
		default:
			return DroppedByPolicy, ErrFull
		}

	case PolicyDropNewest:
		select {
		case m.ch <- env:
			m.depth.Add(1)
			return Accepted, nil
		default:
			m.captureDeadLetter(env, fmt.Errorf(
				"dropped by drop-newest overflow policy"))
			return DroppedByPolicy, nil
		}

	case PolicyDropOldest:
		for {
			select {
			case m.ch <- env:
				m.depth.Add(1)
				return Accepted, nil
			default:
			}

			// Queue is full: evict the oldest entry to make room,
			// then retry the send. Another goroutine may race us
			// for the freed slot, so loop rather than assume a
			// single eviction always suffices.
			select {
			case old := <-m.ch:
				m.depth.Add(-1)
				m.captureDeadLetter(old, fmt.Errorf(
					"evicted by drop-oldest overflow policy"))
			default:
				// Someone else drained it first; just retry
				// the send.
			}
		}

	default:
		return DroppedByPolicy, fmt.Errorf("unknown overflow policy %v", m.policy)
	}
}

func (m *Mailbox[T]) captureDeadLetter(env T, cause error) {
	log.Debugf("mailbox dropping envelope: %v", cause)
	if m.deadLetter != nil {
		m.deadLetter(env, cause)
	}
}

// DeadLetter routes env to the configured dead-letter sink with the given
// cause, exposed so callers outside Post (e.g. the activation dispatcher,
// after a handler panics) can reuse the same sink.
func (m *Mailbox[T]) DeadLetter(env T, cause error) {
	m.captureDeadLetter(env, cause)
}

// CurrentDepth returns the number of envelopes currently queued.
func (m *Mailbox[T]) CurrentDepth() int {
	return int(m.depth.Load())
}

// Receive returns an iterator over envelopes in the mailbox, in FIFO order.
// It stops when ctx is cancelled or the mailbox is closed and drained.
func (m *Mailbox[T]) Receive(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			if ctx.Err() != nil {
				return
			}

			select {
			case env, ok := <-m.ch:
				if !ok {
					return
				}
				m.depth.Add(-1)

				if !yield(env) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// IsClosed reports whether Stop has been called.
func (m *Mailbox[T]) IsClosed() bool {
	return m.closed.Load()
}

// Stop closes the mailbox, preventing further Posts. If drain is true, any
// envelopes already queued are routed to the dead-letter sink with cause
// "mailbox stopped" before Stop returns; otherwise they are silently
// dropped (CurrentDepth will report them gone either way).
func (m *Mailbox[T]) Stop(drain bool) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed.Store(true)
		close(m.ch)
		m.mu.Unlock()

		for env := range m.ch {
			m.depth.Add(-1)
			if drain {
				m.captureDeadLetter(env, fmt.Errorf("mailbox stopped"))
			}
		}
	})
}
