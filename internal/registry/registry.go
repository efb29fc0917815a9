// Package registry is an explicit, init-time actor-type table: actor
// types, their method tables, and their attributes (reentrant?
// stateless-worker? max-instances?) are registered explicitly at process
// start, not discovered via reflection over exported methods.
// internal/activation looks up a TypeDef here whenever it needs to
// construct a new activation or dispatch an invocation against one.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/roasbeef/meridian/internal/mailbox"
)

// Invocation is one method call against an activation: a method name plus
// codec-opaque serialized arguments, the same payload an Envelope carries.
type Invocation struct {
	Method  string
	Payload []byte
}

// Handler executes one Invocation against actor state and returns the
// serialized result. state is whatever Factory returned for this
// activation; handlers type-assert it to their concrete state type.
type Handler func(ctx context.Context, state any, inv Invocation) ([]byte, error)

// Factory constructs a fresh, zero-valued actor state instance for a new
// activation. Called at most once per activation: construction runs
// under a per-key lock so the factory runs exactly once.
type Factory func() any

// Attributes describes placement and dispatch characteristics of an actor
// type.
type Attributes struct {
	// Reentrant allows a nested invocation to run on this activation
	// while an outer invocation on the same call chain is awaiting a
	// downstream result, instead of deadlocking behind the single-writer
	// mailbox.
	Reentrant bool

	// StatelessWorker marks this type as carrying no durable
	// identity-bound state: the activation manager may construct several
	// concurrent instances behind one key and round-robin across them.
	StatelessWorker bool

	// MaxInstances bounds concurrent stateless-worker instances per key.
	// Ignored when StatelessWorker is false. Zero means "use the
	// manager's default".
	MaxInstances int

	// MailboxCapacity overrides the manager's default per-activation
	// mailbox depth. Zero means "use the manager's default".
	MailboxCapacity int

	// OverflowPolicy overrides the manager's default mailbox overflow
	// policy for this type. The zero value is mailbox.PolicyBlock, which
	// is also the manager's own default, so an unset field is
	// indistinguishable from an explicit choice of PolicyBlock.
	OverflowPolicy mailbox.OverflowPolicy

	// IdleTTL overrides the manager's default idle-deactivation timeout.
	// Zero means "use the manager's default".
	IdleTTL int64 // nanoseconds; time.Duration, kept as int64 to avoid importing time here
}

// TypeDef binds an actor type name to its construction and dispatch
// behavior.
type TypeDef struct {
	Name    string
	New     Factory
	Methods map[string]Handler
	Attrs   Attributes

	// Persist serializes the actor's current state for durable storage.
	// Leave nil for a purely in-memory type: persistence is opt-in per
	// actor type, not assumed for every activation.
	Persist func(state any) ([]byte, error)

	// Hydrate deserializes a payload previously produced by Persist back
	// into the state object a Handler expects. Required whenever Persist
	// is set.
	Hydrate func(payload []byte) (any, error)
}

// Registry is the process-wide table of known actor types. It must be
// fully populated before a silo starts serving traffic; Register is not
// safe to call concurrently with Lookup/Dispatch in the hot path, though
// the internal map is still mutex-guarded defensively.
type Registry struct {
	mu    sync.RWMutex
	types map[string]TypeDef
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{types: make(map[string]TypeDef)}
}

// Register adds a TypeDef, failing if the name is already taken or the
// definition is incomplete.
func (r *Registry) Register(def TypeDef) error {
	if def.Name == "" {
		return fmt.Errorf("registry: type name must not be empty")
	}
	if def.New == nil {
		return fmt.Errorf("registry: type %q missing a Factory", def.Name)
	}
	if len(def.Methods) == 0 {
		return fmt.Errorf("registry: type %q has no registered methods", def.Name)
	}
	if (def.Persist == nil) != (def.Hydrate == nil) {
		return fmt.Errorf("registry: type %q must set both Persist and Hydrate, or neither", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[def.Name]; exists {
		return fmt.Errorf("registry: type %q already registered", def.Name)
	}
	r.types[def.Name] = def

	return nil
}

// Lookup returns the TypeDef for actorType, if registered.
func (r *Registry) Lookup(actorType string) (TypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.types[actorType]
	return def, ok
}

// Dispatch looks up the method within actorType's TypeDef and invokes it
// against state. It is a convenience wrapper around Lookup used by
// internal/activation's per-activation dispatch loop.
func (r *Registry) Dispatch(ctx context.Context, state any, actorType string, inv Invocation) ([]byte, error) {
	def, ok := r.Lookup(actorType)
	if !ok {
		return nil, fmt.Errorf("registry: unknown actor type %q", actorType)
	}

	handler, ok := def.Methods[inv.Method]
	if !ok {
		return nil, fmt.Errorf("registry: type %q has no method %q", actorType, inv.Method)
	}

	return handler(ctx, state, inv)
}

// Types returns the names of every registered actor type, order
// unspecified.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	return out
}
