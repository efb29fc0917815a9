// Package supervision implements the activation-failure policy and
// reentrancy-guard machinery: supervisor directives after a handler
// failure, and call-chain tracking so internal/activation can detect
// reentrant cycles across actor-to-actor calls.
package supervision

import (
	"context"

	"github.com/roasbeef/meridian/internal/errs"
	"github.com/roasbeef/meridian/internal/identity"
)

// Directive is what a supervisor decides to do about an activation after a
// handler invocation fails.
type Directive int

const (
	// DirectiveResume leaves the activation's state untouched and
	// resumes processing its mailbox; appropriate for transient errors
	// the caller will itself retry (timeout, unreachable, throttled).
	DirectiveResume Directive = iota

	// DirectiveRestart discards the activation's in-memory state and
	// reconstructs it fresh via the registry Factory on the next
	// invocation, reloading durable state from the state store.
	DirectiveRestart

	// DirectiveStop deactivates the activation outright; further
	// invocations against the key will construct a brand new one.
	DirectiveStop

	// DirectiveEscalate propagates the failure up to the silo itself,
	// which logs it at error level and deactivates the activation, as
	// for DirectiveStop. meridian does not implement a parent-actor hierarchy
	// (spec's actor model is flat, not a supervision tree), so
	// "escalate" terminates at the silo rather than a parent activation.
	DirectiveEscalate
)

func (d Directive) String() string {
	switch d {
	case DirectiveResume:
		return "resume"
	case DirectiveRestart:
		return "restart"
	case DirectiveStop:
		return "stop"
	case DirectiveEscalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// Supervisor decides what to do with an activation after a handler
// invocation returns an error (including a recovered panic, converted to
// an *errs.Error by the activation dispatcher before reaching here).
type Supervisor interface {
	Decide(err error) Directive
}

// DefaultSupervisor maps the tagged error vocabulary in internal/errs to
// directives. It is deliberately conservative: any kind not handled
// explicitly below is treated as a reason to rebuild the activation from
// scratch, rather than risk running further invocations against state that
// may be inconsistent.
type DefaultSupervisor struct{}

// Decide implements Supervisor.
func (DefaultSupervisor) Decide(err error) Directive {
	if err == nil {
		return DirectiveResume
	}

	switch errs.KindOf(err) {
	case errs.KindTimeout, errs.KindUnreachable, errs.KindThrottled,
		errs.KindNotOwner, errs.KindRingRefreshNeeded:
		return DirectiveResume

	case errs.KindConcurrencyConflict:
		// The caller lost an optimistic-concurrency race; the
		// activation's in-memory view may now be stale, but the next
		// Save will re-read the current version, so resuming is
		// safe.
		return DirectiveResume

	case errs.KindReentrancy:
		return DirectiveStop

	case errs.KindStoreCorrupted:
		return DirectiveEscalate

	default:
		return DirectiveRestart
	}
}

// CallChain tracks the sequence of actor keys an invocation has passed
// through, used to detect reentrant cycles: a chain of calls returning to
// an activation already on the call stack.
type CallChain []identity.ActorKey

// Contains reports whether key already appears in the chain.
func (c CallChain) Contains(key identity.ActorKey) bool {
	for _, k := range c {
		if k == key {
			return true
		}
	}
	return false
}

type callChainKey struct{}

// WithCallChain attaches chain to ctx, replacing any chain already
// present.
func WithCallChain(ctx context.Context, chain CallChain) context.Context {
	return context.WithValue(ctx, callChainKey{}, chain)
}

// ChainFrom returns the call chain carried by ctx, or nil if ctx carries
// none (the root of a call, e.g. a client gateway invocation).
func ChainFrom(ctx context.Context) CallChain {
	chain, _ := ctx.Value(callChainKey{}).(CallChain)
	return chain
}

// Extend appends key to the chain carried by ctx. If key is already present
// in that chain, ok is false: the activation manager must reject the call
// as reentrant unless the target type's registry.Attributes.Reentrant flag
// opts in. On success, the returned context carries the lengthened chain
// for any further nested calls the handler makes.
func Extend(ctx context.Context, key identity.ActorKey) (out context.Context, chain CallChain, ok bool) {
	current := ChainFrom(ctx)
	if current.Contains(key) {
		return ctx, current, false
	}

	next := make(CallChain, len(current)+1)
	copy(next, current)
	next[len(current)] = key

	return WithCallChain(ctx, next), next, true
}

// MergeContexts combines a long-lived lifecycle context (cancelled when an
// activation is deactivated or the silo shuts down) with a short-lived
// caller context (cancelled on request timeout or client disconnect), so a
// handler invocation stops as soon as either source says to stop.
func MergeContexts(lifecycle, caller context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(caller)

	go func() {
		select {
		case <-lifecycle.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
