package gateway

import (
	"context"

	"github.com/roasbeef/meridian/internal/identity"
)

// ActorType is the constraint GetActor's type parameter must satisfy: a
// zero-sized marker type naming the registry.TypeDef it addresses. Actor
// packages typically declare one alongside their registry.TypeDef, e.g.
//
//	type Order struct{}
//	func (Order) ActorTypeName() string { return "Order" }
//
// and never construct a value of it; GetActor only ever needs its zero
// value to read the type name back out.
type ActorType interface {
	ActorTypeName() string
}

// ActorRef is a typed client handle bound to one actor instance. It carries
// no live connection; Call/CallIdempotent resolve placement fresh on every
// invocation so the ref stays valid across activation moves and silo
// failures.
type ActorRef[T ActorType] struct {
	key identity.ActorKey
	gw  *Gateway
}

// GetActor builds a typed handle addressing the instance of actor type T
// with the given id. It does not contact the cluster; no activation is
// created until the first Call.
func GetActor[T ActorType](gw *Gateway, id string) ActorRef[T] {
	var zero T
	return ActorRef[T]{
		key: identity.New(zero.ActorTypeName(), id),
		gw:  gw,
	}
}

// Key returns the ActorKey this handle addresses.
func (r ActorRef[T]) Key() identity.ActorKey {
	return r.key
}

// Call invokes method with req (serialized with the Gateway's Codec) and,
// if resp is non-nil, decodes the result into it. A failure is never
// silently retried past a transient kind unless the caller used
// CallIdempotent.
func (r ActorRef[T]) Call(ctx context.Context, method string, req, resp any) error {
	return r.gw.call(ctx, r.key, method, req, resp, false)
}

// CallIdempotent is Call, but additionally permits retrying a request whose
// response timed out: the caller is asserting that running method twice for
// the same input has no observably different effect than running it once.
func (r ActorRef[T]) CallIdempotent(ctx context.Context, method string, req, resp any) error {
	return r.gw.call(ctx, r.key, method, req, resp, true)
}
