package activation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/roasbeef/meridian/internal/errs"
	"github.com/roasbeef/meridian/internal/identity"
	"github.com/roasbeef/meridian/internal/mailbox"
	"github.com/roasbeef/meridian/internal/registry"
)

// work is one envelope in flight through an activation's mailbox, paired
// with the caller's context and a channel to deliver the result back.
type work struct {
	ctx      context.Context
	env      Envelope
	resultCh chan Response
}

// Activation is one live, in-memory instance of an actor type bound to a
// specific key. Non-reentrant activations process their mailbox with a
// single goroutine (single-writer per activation); reentrant activations
// instead spawn one goroutine per invocation, trading the single-writer
// guarantee for deadlock freedom on call cycles (see DESIGN.md's
// reentrancy decision). Reentrant handlers are responsible for their own
// internal consistency.
type Activation struct {
	key     identity.ActorKey
	typeDef registry.TypeDef
	state   any

	mgr *Manager
	mb  *mailbox.Mailbox[work]

	// version is the state store's optimistic-concurrency version for
	// this key's durable state, 0 until first saved.
	version int64

	lastActive atomic.Int64 // unix nanoseconds

	lifecycleCtx    context.Context
	cancelLifecycle context.CancelFunc

	done chan struct{}
}

func newActivation(mgr *Manager, key identity.ActorKey, typeDef registry.TypeDef) *Activation {
	capacity := typeDef.Attrs.MailboxCapacity
	if capacity <= 0 {
		capacity = mgr.cfg.DefaultMailboxCapacity
	}

	lifecycleCtx, cancel := context.WithCancel(context.Background())

	act := &Activation{
		key:             key,
		typeDef:         typeDef,
		state:           typeDef.New(),
		mgr:             mgr,
		lifecycleCtx:    lifecycleCtx,
		cancelLifecycle: cancel,
		done:            make(chan struct{}),
	}
	act.lastActive.Store(time.Now().UnixNano())

	act.mb = mailbox.New[work](capacity, typeDef.Attrs.OverflowPolicy, func(w work, cause error) {
		mgr.deadLetter(key, w.env, cause)
		select {
		case w.resultCh <- Response{Err: errs.Wrap(errs.KindUnknown, cause, "envelope dropped")}:
		default:
		}
	})

	if typeDef.Attrs.Reentrant {
		go act.runReentrant()
	} else {
		go act.runSerial()
	}

	return act
}

// hydrate loads durable state before an activation's first invocation: a
// freshly-constructed activation starts from whatever the state store has
// persisted, not from the zero-valued Factory result alone.
func (a *Activation) hydrate(ctx context.Context) {
	if a.mgr.store == nil {
		return
	}

	payload, version, ok, err := a.mgr.store.LoadWithVersion(ctx, a.key)
	if err != nil {
		log.Warnf("activation %s: failed to hydrate from state store: %v", a.key, err)
		return
	}
	if !ok {
		return
	}

	decoded, err := a.typeDef.Hydrate(payload)
	if err != nil {
		log.Warnf("activation %s: failed to decode persisted state: %v", a.key, err)
		return
	}

	a.state = decoded
	a.version = version
}

// runSerial processes the mailbox one envelope at a time, preserving the
// single-writer guarantee non-reentrant types rely on.
func (a *Activation) runSerial() {
	defer close(a.done)

	a.hydrate(a.lifecycleCtx)

	for w := range a.mb.Receive(a.lifecycleCtx) {
		resp := a.invoke(w.ctx, w.env)
		a.deliver(w, resp)
	}
}

// runReentrant spawns one goroutine per envelope so a call chain that loops
// back into this activation does not deadlock behind its own outstanding
// invocation.
func (a *Activation) runReentrant() {
	defer close(a.done)

	a.hydrate(a.lifecycleCtx)

	var inFlight atomic.Int64
	idle := make(chan struct{}, 1)

	for w := range a.mb.Receive(a.lifecycleCtx) {
		inFlight.Add(1)
		go func(w work) {
			defer func() {
				if inFlight.Add(-1) == 0 {
					select {
					case idle <- struct{}{}:
					default:
					}
				}
			}()

			resp := a.invoke(w.ctx, w.env)
			a.deliver(w, resp)
		}(w)
	}
}

// invoke runs one envelope against the activation's registry handler,
// recovering from panics and consulting the supervisor on failure. ctx
// already carries whatever call chain Manager.Invoke extended it with
// before posting this envelope; the reentrancy guard itself lives there,
// not here, so a cycle is rejected in the calling goroutine before it
// ever reaches this activation's mailbox (see Manager.Invoke).
func (a *Activation) invoke(ctx context.Context, env Envelope) (resp Response) {
	a.lastActive.Store(time.Now().UnixNano())

	defer func() {
		if p := recover(); p != nil {
			err := errs.New(errs.KindUnknown, "activation %s panicked: %v", a.key, p)
			resp = Response{Err: err}
			a.mgr.superviseFailure(a, err)
		}
	}()

	payload, err := a.mgr.registry.Dispatch(ctx, a.state, a.typeDef.Name, env.Invocation)
	if err != nil {
		// A handler that called back into another activation (e.g. a
		// nested Manager.Invoke) may already be returning a tagged
		// *errs.Error, such as the reentrancy rejection from a cycle
		// one hop further down the chain. Preserve that Kind instead
		// of flattening it to KindUnknown; only an untagged error
		// straight from handler logic gets classified here.
		tagged := err
		if errs.KindOf(err) == errs.KindUnknown {
			tagged = errs.Wrap(errs.KindUnknown, err, "invoking %s.%s", a.typeDef.Name, env.Invocation.Method)
		}
		a.mgr.superviseFailure(a, tagged)
		return Response{Err: tagged}
	}

	if err := a.persist(ctx); err != nil {
		return Response{Err: err}
	}

	return Response{Payload: payload}
}

// persist saves the activation's current state if the type opted into
// durability (i.e. registered a Persist function on its TypeDef).
func (a *Activation) persist(ctx context.Context) error {
	if a.mgr.store == nil || a.typeDef.Persist == nil {
		return nil
	}

	payload, err := a.typeDef.Persist(a.state)
	if err != nil {
		return errs.Wrap(errs.KindMarshallingFailed, err, "serializing %s state", a.key)
	}

	newVersion, err := a.mgr.store.SaveWithVersion(ctx, a.key, a.version, payload)
	if err != nil {
		return err
	}
	a.version = newVersion

	return nil
}

func (a *Activation) deliver(w work, resp Response) {
	select {
	case w.resultCh <- resp:
	case <-w.ctx.Done():
	}
}

// IdleFor reports how long this activation has gone without an invocation.
func (a *Activation) IdleFor() time.Duration {
	last := time.Unix(0, a.lastActive.Load())
	return time.Since(last)
}

// LastActive reports the wall-clock time of this activation's most recent
// invocation.
func (a *Activation) LastActive() time.Time {
	return time.Unix(0, a.lastActive.Load())
}

// deactivate stops the dispatch loop and drains any queued envelopes to the
// dead-letter sink.
func (a *Activation) deactivate(drain bool) {
	a.cancelLifecycle()
	a.mb.Stop(drain)
	<-a.done
}

func (a *Activation) restart() {
	a.state = a.typeDef.New()
	a.version = 0
}
