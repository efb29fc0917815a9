// Package gateway is the client-facing entry point into a meridian cluster:
// given an actor type and id it resolves the owning silo from the hash
// ring, dispatches either locally or through a Transport, and retries
// transient failures within a bounded budget, refreshing its membership
// view whenever a silo tells it "not owner" instead of serving the
// request. This is the collaborator a caller outside the cluster (a CLI, an
// HTTP handler, another actor's client-side code) talks to instead of
// reaching into internal/activation directly.
package gateway

import (
	"context"
	"math/rand"
	"time"

	"github.com/btcsuite/btclog/v2"

	"github.com/roasbeef/meridian/internal/activation"
	"github.com/roasbeef/meridian/internal/codec"
	"github.com/roasbeef/meridian/internal/errs"
	"github.com/roasbeef/meridian/internal/identity"
	"github.com/roasbeef/meridian/internal/membership"
	"github.com/roasbeef/meridian/internal/registry"
	"github.com/roasbeef/meridian/internal/ring"
)

// log is this package's subsystem logger, wired via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// localInvoker is satisfied by activation.Manager; kept as a narrow
// interface so tests can substitute a stub.
type localInvoker interface {
	Invoke(ctx context.Context, env activation.Envelope) (activation.Response, error)
}

// remoteInvoker is satisfied by transport.Transport, narrowed to the one
// method gateway actually calls.
type remoteInvoker interface {
	Invoke(ctx context.Context, targetSilo string, env activation.Envelope) (activation.Response, error)
}

// Config configures a Gateway.
type Config struct {
	// SelfSiloID identifies this process. When the ring names SelfSiloID
	// as an ActorKey's owner and Local is set, the Gateway dispatches
	// in-process instead of going over Remote.
	SelfSiloID string

	Ring       *ring.Ring
	Membership membership.Provider
	Remote     remoteInvoker
	Local      localInvoker
	Codec      codec.Codec

	// RetryBudget bounds how many additional attempts a call gets after
	// its first try fails with a transient errs.Kind. Zero disables
	// retries entirely.
	RetryBudget int

	// BaseRetryDelay seeds the exponential backoff between retries.
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
}

// DefaultConfig returns sane retry tuning and the JSON codec, leaving the
// caller-specific fields (SelfSiloID, Ring, Membership, Remote, Local)
// zero for the caller to fill in.
func DefaultConfig() Config {
	return Config{
		RetryBudget:    3,
		BaseRetryDelay: 50 * time.Millisecond,
		MaxRetryDelay:  time.Second,
		Codec:          codec.JSON{},
	}
}

// Gateway is the typed client entry point described above.
type Gateway struct {
	cfg Config
}

// New constructs a Gateway from cfg.
func New(cfg Config) *Gateway {
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON{}
	}
	return &Gateway{cfg: cfg}
}

// InvokeByKey is the dynamic counterpart to ActorRef.Call/CallIdempotent,
// for callers (introspection tools, CLIs) that only have an ActorKey at
// runtime rather than a compile-time ActorType.
func (g *Gateway) InvokeByKey(ctx context.Context, key identity.ActorKey, method string, req, resp any, idempotent bool) error {
	return g.call(ctx, key, method, req, resp, idempotent)
}

func (g *Gateway) refreshRing(ctx context.Context) error {
	if g.cfg.Membership == nil {
		return nil
	}

	infos, err := g.cfg.Membership.List(ctx)
	if err != nil {
		return err
	}

	active := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Status == membership.StatusActive {
			active = append(active, info.SiloID)
		}
	}

	g.cfg.Ring.Rebuild(active)
	return nil
}

func backoff(attempt int, base, max time.Duration) time.Duration {
	wait := base * time.Duration(1<<uint(attempt))
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait) + 1))
	return wait/2 + jitter/2
}

// call is the shared retry loop behind ActorRef.Call and CallIdempotent. req
// is serialized with the Gateway's Codec before the first attempt; resp, if
// non-nil, receives the deserialized result payload on success. idempotent
// additionally allows retrying a KindTimeout, since a timed-out call may or
// may not have already executed remotely; a non-idempotent method must not
// be retried after a timeout because that risks a duplicate side effect.
func (g *Gateway) call(ctx context.Context, key identity.ActorKey, method string, req, resp any, idempotent bool) error {
	var reqPayload []byte
	if req != nil {
		var err error
		reqPayload, err = g.cfg.Codec.Serialize(req)
		if err != nil {
			return errs.Wrap(errs.KindMarshallingFailed, err, "gateway: encoding request for %s.%s", key, method)
		}
	}

	respPayload, err := g.invoke(ctx, key, method, reqPayload, idempotent)
	if err != nil {
		return err
	}

	if resp != nil && len(respPayload) > 0 {
		if err := g.cfg.Codec.Deserialize(respPayload, resp); err != nil {
			return errs.Wrap(errs.KindMarshallingFailed, err, "gateway: decoding response from %s.%s", key, method)
		}
	}

	return nil
}

// invoke runs the resolve/dispatch/retry loop and returns the raw response
// payload.
func (g *Gateway) invoke(ctx context.Context, key identity.ActorKey, method string, reqPayload []byte, idempotent bool) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= g.cfg.RetryBudget; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt-1, g.cfg.BaseRetryDelay, g.cfg.MaxRetryDelay)):
			case <-ctx.Done():
				return nil, errs.Wrap(errs.KindCancelled, ctx.Err(), "gateway: waiting to retry %s", key)
			}
		}

		owner, ok := g.cfg.Ring.Owner(key.Fingerprint())
		if !ok {
			if err := g.refreshRing(ctx); err != nil {
				lastErr = errs.Wrap(errs.KindUnreachable, err, "gateway: refreshing membership")
				continue
			}
			owner, ok = g.cfg.Ring.Owner(key.Fingerprint())
			if !ok {
				lastErr = errs.New(errs.KindRingRefreshNeeded, "gateway: no silo owns %s yet", key)
				continue
			}
		}

		env := activation.Envelope{
			Key:        key,
			Invocation: registry.Invocation{Method: method, Payload: reqPayload},
		}

		var resp activation.Response
		var err error
		if g.cfg.Local != nil && owner == g.cfg.SelfSiloID {
			resp, err = g.cfg.Local.Invoke(ctx, env)
		} else if g.cfg.Remote != nil {
			resp, err = g.cfg.Remote.Invoke(ctx, owner, env)
		} else {
			return nil, errs.New(errs.KindUnreachable, "gateway: no transport configured to reach %q", owner)
		}

		if err == nil && resp.Err != nil {
			err = resp.Err
		}

		if err == nil {
			return resp.Payload, nil
		}

		lastErr = err
		kind := errs.KindOf(err)

		switch {
		case kind == errs.KindNotOwner || kind == errs.KindRingRefreshNeeded:
			if rerr := g.refreshRing(ctx); rerr != nil {
				log.Warnf("gateway: refreshing membership after not-owner from %q: %v", owner, rerr)
			}
			continue

		case kind == errs.KindTimeout:
			// A timed-out call may have already executed remotely
			// before the response was lost; only an
			// idempotent-annotated method may safely be retried.
			if idempotent {
				continue
			}
			return nil, lastErr

		case kind.Transient():
			continue

		default:
			return nil, lastErr
		}
	}

	return nil, errs.Wrap(errs.KindUnreachable, lastErr, "gateway: retry budget exhausted invoking %s.%s", key, method)
}
