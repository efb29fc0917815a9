// Package transport defines how one silo hands an Envelope to another silo
// for dispatch. It is the boundary that makes a cluster a cluster rather
// than a single process: every call the gateway makes to a non-local silo
// goes through a Transport. The reminder ticker only fires reminders for
// keys this silo owns, through the local activation manager.
//
// Two implementations live under this package: inproc, which dispatches
// directly to an in-process activation.Manager (used by the in-process test
// cluster and by single-binary deployments that still want the same code
// path), and grpctransport, which carries the same Envelope/Response pair
// over a real network connection.
package transport

import (
	"context"

	"github.com/roasbeef/meridian/internal/activation"
)

// Transport delivers an Envelope to whichever silo owns its target key and
// returns the Response that silo's activation produced.
type Transport interface {
	// Invoke routes env to targetSilo and waits for its Response. The
	// caller has already resolved targetSilo from the hash ring; Invoke
	// does not re-resolve ownership.
	Invoke(ctx context.Context, targetSilo string, env activation.Envelope) (activation.Response, error)

	// Start brings the transport up: for a server-backed implementation
	// this opens a listener, for inproc it is a no-op.
	Start(ctx context.Context) error

	// Stop tears the transport down. If drain is true, in-flight Invoke
	// calls are allowed to finish before Stop returns; if false, they are
	// abandoned.
	Stop(ctx context.Context, drain bool) error
}
