package activation

import (
	"context"
	"sync"
	"time"

	"github.com/roasbeef/meridian/internal/errs"
	"github.com/roasbeef/meridian/internal/identity"
	"github.com/roasbeef/meridian/internal/registry"
	"github.com/roasbeef/meridian/internal/ring"
	"github.com/roasbeef/meridian/internal/statestore"
	"github.com/roasbeef/meridian/internal/supervision"
	"github.com/roasbeef/meridian/internal/telemetry"
)

// Config tunes a Manager.
type Config struct {
	// SiloID is this process's own silo-id, used to decide whether an
	// ActorKey is locally owned (Resolve(key) resolves to a local
	// activation, or returns a not-owner error so the caller can forward).
	SiloID string

	DefaultMailboxCapacity       int
	DefaultIdleTTL               time.Duration
	DefaultStatelessMaxInstances int
	SweepInterval                time.Duration

	// Hooks receives activate/invoke/deactivate telemetry. Defaults to
	// telemetry.NoOp.
	Hooks telemetry.Hooks
}

// DefaultConfig returns sane defaults for siloID.
func DefaultConfig(siloID string) Config {
	return Config{
		SiloID:                       siloID,
		DefaultMailboxCapacity:       256,
		DefaultIdleTTL:               10 * time.Minute,
		DefaultStatelessMaxInstances: 4,
		SweepInterval:                30 * time.Second,
	}
}

// DeadLetterFunc is invoked whenever an envelope cannot be delivered or
// processed for dead-lettering.
type DeadLetterFunc func(key identity.ActorKey, env Envelope, cause error)

// entry is a single-instance activation slot, with a latch so concurrent
// Resolve calls for a brand new key block on the same in-flight
// construction instead of racing to build two activations (adapted from
// other_examples's virtual-activations invoke() double-checked-locking
// pattern: RLock-check-RUnlock, then Lock-recheck-construct-Unlock; here
// the map lock is only held long enough to install the latch, not for the
// full construction, so unrelated keys never block behind a slow Factory
// or state-store hydrate).
type entry struct {
	ready chan struct{}
	act   *Activation
}

// workerPool holds the live instances behind a stateless-worker key,
// load-balanced round robin (a stateless worker).
type workerPool struct {
	mu        sync.Mutex
	instances []*Activation
	next      int
}

// Manager is the Activation Manager: it resolves ActorKeys
// to live activations, constructing them on demand, enforces single-silo
// ownership via the hash ring, and reclaims idle or orphaned activations.
type Manager struct {
	cfg        Config
	registry   *registry.Registry
	ring       *ring.Ring
	store      *statestore.Store
	supervisor supervision.Supervisor
	onDeadLetter DeadLetterFunc

	mu      sync.RWMutex
	entries map[identity.ActorKey]*entry
	workers map[identity.ActorKey]*workerPool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Manager. store and onDeadLetter may be nil (no
// persistence / dead letters are just logged).
func New(cfg Config, reg *registry.Registry, r *ring.Ring, store *statestore.Store, supervisor supervision.Supervisor, onDeadLetter DeadLetterFunc) *Manager {
	if supervisor == nil {
		supervisor = supervision.DefaultSupervisor{}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Hooks == nil {
		cfg.Hooks = telemetry.NoOp{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:          cfg,
		registry:     reg,
		ring:         r,
		store:        store,
		supervisor:   supervisor,
		onDeadLetter: onDeadLetter,
		entries:      make(map[identity.ActorKey]*entry),
		workers:      make(map[identity.ActorKey]*workerPool),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	go m.sweepLoop()

	return m
}

// Invoke resolves env.Key to a local activation and dispatches env through
// its mailbox, blocking until a result arrives or ctx is done. If this
// silo does not own the key, it returns an *errs.Error tagged
// errs.KindNotOwner; the caller (internal/gateway or internal/transport)
// is responsible for forwarding to the owning silo.
//
// The reentrancy guard is applied here, in the calling goroutine, before
// env is ever posted to the target activation's mailbox: a non-reentrant
// activation whose own dispatch goroutine is the one making this call (an
// A-calls-B-calls-A cycle) would otherwise sit forever behind its own
// still-running invocation, since nothing else ever drains its mailbox.
// Rejecting the cycle up front, using the call chain ctx already carries,
// means the caller gets an error back immediately instead of the two
// activations deadlocking on each other.
func (m *Manager) Invoke(ctx context.Context, env Envelope) (resp Response, err error) {
	defer telemetry.Timer(m.cfg.Hooks, telemetry.SpanActorInvoke)(&err)

	owner, ok := m.ring.Owner(env.Key.Fingerprint())
	if !ok {
		return Response{}, errs.New(errs.KindRingRefreshNeeded, "no silos known for %s", env.Key)
	}
	if owner != m.cfg.SiloID {
		return Response{}, errs.New(errs.KindNotOwner, "owner of %s is %s, not %s", env.Key, owner, m.cfg.SiloID)
	}

	typeDef, ok := m.registry.Lookup(env.Key.Type)
	if !ok {
		return Response{}, errs.New(errs.KindNotFound, "unknown actor type %q", env.Key.Type)
	}

	chainCtx, _, extended := supervision.Extend(ctx, env.Key)
	if !extended && !typeDef.Attrs.Reentrant {
		return Response{}, errs.New(errs.KindReentrancy,
			"call chain re-enters non-reentrant activation %s", env.Key)
	}

	var act *Activation
	if typeDef.Attrs.StatelessWorker {
		act = m.resolveWorker(env.Key, typeDef)
	} else {
		act = m.resolve(env.Key, typeDef)
	}

	resultCh := make(chan Response, 1)
	if _, err := act.mb.Post(ctx, work{ctx: chainCtx, env: env, resultCh: resultCh}); err != nil {
		return Response{}, errs.Wrap(errs.KindUnknown, err, "posting to mailbox for %s", env.Key)
	}

	select {
	case resp := <-resultCh:
		return resp, resp.Err
	case <-ctx.Done():
		return Response{}, errs.New(errs.KindCancelled, "invocation of %s cancelled", env.Key)
	}
}

// resolve implements the single-instance double-checked-locking construction
// described on entry.
func (m *Manager) resolve(key identity.ActorKey, typeDef registry.TypeDef) *Activation {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		<-e.ready
		return e.act
	}

	m.mu.Lock()
	e, ok = m.entries[key]
	if ok {
		m.mu.Unlock()
		<-e.ready
		return e.act
	}
	e = &entry{ready: make(chan struct{})}
	m.entries[key] = e
	m.mu.Unlock()

	e.act = newActivation(m, key, typeDef)
	close(e.ready)

	m.cfg.Hooks.Count(telemetry.SpanActorActivate, 1, "actor_type", typeDef.Name)

	return e.act
}

// resolveWorker load-balances across a stateless-worker key's instance
// pool, constructing new instances up to its MaxInstances bound.
func (m *Manager) resolveWorker(key identity.ActorKey, typeDef registry.TypeDef) *Activation {
	max := typeDef.Attrs.MaxInstances
	if max <= 0 {
		max = m.cfg.DefaultStatelessMaxInstances
	}

	m.mu.Lock()
	pool, ok := m.workers[key]
	if !ok {
		pool = &workerPool{}
		m.workers[key] = pool
	}
	m.mu.Unlock()

	pool.mu.Lock()
	defer pool.mu.Unlock()

	if len(pool.instances) < max {
		act := newActivation(m, key, typeDef)
		pool.instances = append(pool.instances, act)
		return act
	}

	act := pool.instances[pool.next%len(pool.instances)]
	pool.next++

	return act
}

// superviseFailure consults the supervisor after a handler failure and acts
// on the resulting supervisor Directive.
func (m *Manager) superviseFailure(act *Activation, err error) {
	switch m.supervisor.Decide(err) {
	case supervision.DirectiveResume:
		// No action: the mailbox loop keeps running.

	case supervision.DirectiveRestart:
		act.restart()

	case supervision.DirectiveStop:
		go m.evict(act.key, true)

	case supervision.DirectiveEscalate:
		log.Errorf("activation %s escalated to silo: %v", act.key, err)
		go m.evict(act.key, true)
	}
}

func (m *Manager) deadLetter(key identity.ActorKey, env Envelope, cause error) {
	if m.onDeadLetter != nil {
		m.onDeadLetter(key, env, cause)
		return
	}
	log.Warnf("dead letter for %s: %v", key, cause)
}

// evict deactivates and removes the activation for key, if any, from
// whichever table (single-instance or worker pool) holds it.
func (m *Manager) evict(key identity.ActorKey, drain bool) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	pool, poolOK := m.workers[key]
	if poolOK {
		delete(m.workers, key)
	}
	m.mu.Unlock()

	if ok {
		<-e.ready
		e.act.deactivate(drain)
		m.cfg.Hooks.Count(telemetry.SpanActorDeactivate, 1, "actor_type", e.act.typeDef.Name)
	}
	if poolOK {
		pool.mu.Lock()
		instances := pool.instances
		pool.mu.Unlock()
		for _, act := range instances {
			act.deactivate(drain)
			m.cfg.Hooks.Count(telemetry.SpanActorDeactivate, 1, "actor_type", act.typeDef.Name)
		}
	}
}

// HandleMembershipChange re-checks every locally-held activation against
// the (already-rebuilt) ring and evicts any whose key the ring now assigns
// to a different silo: a membership-change-triggered drain and evict.
func (m *Manager) HandleMembershipChange() {
	m.mu.RLock()
	keys := make([]identity.ActorKey, 0, len(m.entries)+len(m.workers))
	for k := range m.entries {
		keys = append(keys, k)
	}
	for k := range m.workers {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	for _, key := range keys {
		owner, ok := m.ring.Owner(key.Fingerprint())
		if !ok || owner != m.cfg.SiloID {
			m.evict(key, true)
		}
	}
}

// sweepLoop periodically reclaims activations that have been idle longer
// than their type's IdleTTL (idle-TTL collection).
func (m *Manager) sweepLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	m.cfg.Hooks.Gauge("actor.active_count", float64(m.ActiveCount()))

	m.mu.RLock()
	var stale []identity.ActorKey
	for k, e := range m.entries {
		select {
		case <-e.ready:
			ttl := m.cfg.DefaultIdleTTL
			if typeTTL := time.Duration(e.act.typeDef.Attrs.IdleTTL); typeTTL > 0 {
				ttl = typeTTL
			}
			if ttl > 0 && e.act.IdleFor() > ttl {
				stale = append(stale, k)
			}
		default:
		}
	}
	m.mu.RUnlock()

	for _, k := range stale {
		m.evict(k, true)
	}
}

// Stop halts the sweep loop and deactivates every live activation, draining
// their mailboxes to the dead-letter sink.
func (m *Manager) Stop() {
	m.cancel()
	<-m.done

	m.mu.Lock()
	keys := make([]identity.ActorKey, 0, len(m.entries)+len(m.workers))
	for k := range m.entries {
		keys = append(keys, k)
	}
	for k := range m.workers {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.evict(k, true)
	}
}

// ActiveCount returns the number of locally-resolved single-instance
// activations plus stateless-worker instances, for metrics/tests.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := len(m.entries)
	for _, pool := range m.workers {
		pool.mu.Lock()
		count += len(pool.instances)
		pool.mu.Unlock()
	}
	return count
}

// ActivationInfo describes one live activation for introspection tooling.
type ActivationInfo struct {
	Key        identity.ActorKey
	StatelessWorker bool
	Instances  int
	LastActive time.Time
}

// Snapshot lists every locally-resolved key this Manager currently holds an
// activation or worker pool for. It is a point-in-time read; callers that
// need a consistent view across a fast-moving cluster should treat it as
// advisory.
func (m *Manager) Snapshot() []ActivationInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ActivationInfo, 0, len(m.entries)+len(m.workers))
	for k, e := range m.entries {
		select {
		case <-e.ready:
			out = append(out, ActivationInfo{
				Key:        k,
				LastActive: e.act.LastActive(),
			})
		default:
			// Still under construction; nothing meaningful to report
			// yet.
		}
	}
	for k, pool := range m.workers {
		pool.mu.Lock()
		info := ActivationInfo{Key: k, StatelessWorker: true, Instances: len(pool.instances)}
		var newest time.Time
		for _, inst := range pool.instances {
			if t := inst.LastActive(); t.After(newest) {
				newest = t
			}
		}
		pool.mu.Unlock()
		info.LastActive = newest
		out = append(out, info)
	}
	return out
}

// Describe reports whether key has a live local activation and, if so, its
// ActivationInfo.
func (m *Manager) Describe(key identity.ActorKey) (ActivationInfo, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	if !ok {
		pool, ok := m.workers[key]
		if !ok {
			m.mu.RUnlock()
			return ActivationInfo{}, false
		}
		pool.mu.Lock()
		info := ActivationInfo{Key: key, StatelessWorker: true, Instances: len(pool.instances)}
		for _, inst := range pool.instances {
			if t := inst.LastActive(); t.After(info.LastActive) {
				info.LastActive = t
			}
		}
		pool.mu.Unlock()
		m.mu.RUnlock()
		return info, true
	}
	m.mu.RUnlock()

	select {
	case <-e.ready:
		return ActivationInfo{Key: key, LastActive: e.act.LastActive()}, true
	default:
		return ActivationInfo{Key: key}, true
	}
}
