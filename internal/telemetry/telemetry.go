// Package telemetry defines the observability hook contract, keyed by
// stable span/counter identifiers, so any collaborator
// (internal/activation, internal/reminder, internal/stream,
// internal/transport) can emit events without depending on a concrete
// metrics backend. The default Hooks implementation is a no-op; a host
// process wires in a real backend (statsd, prometheus, otel) by
// implementing the interface.
package telemetry

import "time"

// Span names are stable across releases; dashboards and alerts key off
// these exact strings.
const (
	SpanActorActivate   = "actor.activate"
	SpanActorInvoke      = "actor.invoke"
	SpanActorDeactivate  = "actor.deactivate"
	SpanStateLoad        = "state.load"
	SpanStateSave        = "state.save"
	SpanReminderTick     = "reminder.tick"
	SpanStreamPublish    = "stream.publish"
	SpanStreamConsume    = "stream.consume"
	SpanTransportInvoke  = "transport.invoke"
)

// Hooks is the observability contract. Each method is called synchronously
// around the named operation; implementations must not block for long.
type Hooks interface {
	// Span records that a named operation ran for duration, succeeding or
	// failing per err (nil on success).
	Span(name string, duration time.Duration, err error)

	// Count increments a named counter by delta, with optional tag
	// key/value pairs (e.g. "actor_type", "Counter").
	Count(name string, delta int64, tags ...string)

	// Gauge records the current value of a named gauge (e.g. mailbox
	// depth, active-activation count).
	Gauge(name string, value float64, tags ...string)
}

// NoOp is the default Hooks implementation: every method is a no-op.
type NoOp struct{}

func (NoOp) Span(string, time.Duration, error)    {}
func (NoOp) Count(string, int64, ...string)       {}
func (NoOp) Gauge(string, float64, ...string)     {}

// Timer returns a function that, when called, records a Span with the
// elapsed time since Timer was called. This is the common call-site
// pattern: `defer telemetry.Timer(hooks, telemetry.SpanActorInvoke)(&err)`
// on a function with a named error return.
func Timer(hooks Hooks, name string) func(errPtr *error) {
	start := time.Now()
	return func(errPtr *error) {
		var err error
		if errPtr != nil {
			err = *errPtr
		}
		hooks.Span(name, time.Since(start), err)
	}
}
