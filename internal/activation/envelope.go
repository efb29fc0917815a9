// Package activation implements the Activation Manager: resolving an
// ActorKey to a live, in-memory activation (constructing one on demand),
// dispatching invocations through its mailbox, and reclaiming idle or
// orphaned activations. Construction is per-key and registry-driven, with
// double-checked per-key locking so concurrent first-touch Resolve calls
// for the same key converge on one activation.
package activation

import (
	"time"

	"github.com/roasbeef/meridian/internal/identity"
	"github.com/roasbeef/meridian/internal/registry"
)

// Envelope is one method invocation routed to an activation: a target
// key, the method/payload to run, a correlation id for tracing, and an
// optional deadline.
type Envelope struct {
	Key           identity.ActorKey
	Invocation    registry.Invocation
	CorrelationID string
	Deadline      time.Time
}

// HasDeadline reports whether Deadline is set.
func (e Envelope) HasDeadline() bool {
	return !e.Deadline.IsZero()
}

// Response is the result of dispatching an Envelope.
type Response struct {
	Payload []byte
	Err     error
}
