// Package inproc is the in-memory Transport used by the in-process test
// cluster and by any deployment that runs multiple silos inside one
// process. It skips serialization entirely: Invoke hands the Envelope
// straight to the target silo's activation.Manager.
package inproc

import (
	"context"
	"sync"

	"github.com/roasbeef/meridian/internal/activation"
	"github.com/roasbeef/meridian/internal/errs"
	"github.com/roasbeef/meridian/internal/telemetry"
)

// Transport routes by silo ID to a set of locally registered
// activation.Managers. A test harness constructs one shared Transport and
// registers each simulated silo's Manager against its ID.
type Transport struct {
	hooks telemetry.Hooks

	mu       sync.RWMutex
	managers map[string]*activation.Manager
}

// New constructs an empty inproc Transport. Use RegisterSilo to add peers.
// hooks may be nil, in which case Invoke telemetry is a no-op.
func New(hooks telemetry.Hooks) *Transport {
	if hooks == nil {
		hooks = telemetry.NoOp{}
	}
	return &Transport{
		hooks:    hooks,
		managers: make(map[string]*activation.Manager),
	}
}

// RegisterSilo makes siloID's activation.Manager reachable via Invoke.
// Re-registering a siloID replaces its Manager, which is how the test
// harness simulates a silo restarting.
func (t *Transport) RegisterSilo(siloID string, mgr *activation.Manager) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.managers[siloID] = mgr
}

// UnregisterSilo removes siloID, simulating a permanent departure. Future
// Invoke calls targeting it fail with errs.KindUnreachable.
func (t *Transport) UnregisterSilo(siloID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.managers, siloID)
}

// Invoke implements transport.Transport.
func (t *Transport) Invoke(ctx context.Context, targetSilo string, env activation.Envelope) (resp activation.Response, err error) {
	defer telemetry.Timer(t.hooks, telemetry.SpanTransportInvoke)(&err)

	t.mu.RLock()
	mgr, ok := t.managers[targetSilo]
	t.mu.RUnlock()

	if !ok {
		err = errs.New(
			errs.KindUnreachable, "inproc: no silo registered for %q", targetSilo,
		)
		return activation.Response{}, err
	}

	resp, err = mgr.Invoke(ctx, env)
	return resp, err
}

// Start implements transport.Transport; inproc needs no setup.
func (t *Transport) Start(ctx context.Context) error { return nil }

// Stop implements transport.Transport; inproc holds no resources of its own
// to release, the registered Managers are stopped by their owning silo.
func (t *Transport) Stop(ctx context.Context, drain bool) error { return nil }
