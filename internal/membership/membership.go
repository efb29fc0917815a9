// Package membership implements the cluster-membership external
// collaborator: a silo set with status {joining, active, draining, dead}
// and change notifications. The runtime assumes an eventually
// consistent global view, so Provider implementations are free to disagree
// briefly; the activation manager (internal/activation) is built to tolerate
// the resulting short windows of duplicate ownership.
//
// The reference implementation here, Local, is a heartbeat-driven state
// machine loosely modeled on SWIM-style gossip failure detectors
// (missed-heartbeat threshold; there is no separate suspect state, so a
// silo past the threshold is marked dead directly) without implementing full gossip
// dissemination — single-process and small test clusters exchange heartbeats
// directly rather than through an infection-style protocol.
package membership

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btclog/v2"
)

// Status is a silo's membership state.
type Status int

const (
	StatusJoining Status = iota
	StatusActive
	StatusDraining
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusJoining:
		return "joining"
	case StatusActive:
		return "active"
	case StatusDraining:
		return "draining"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// SiloInfo describes one cluster member.
type SiloInfo struct {
	SiloID    string
	Endpoint  string
	Status    Status
	JoinEpoch int64
}

// ChangeEvent is delivered to subscribers whenever the active-silo set
// changes membership (join, leave, status transition).
type ChangeEvent struct {
	Active []SiloInfo
}

// Provider is the external collaborator contract consumed by the runtime.
// Any implementation (gossip, etcd-backed, k8s-informer-driven, ...) can
// stand in for Local as long as it honors this contract.
type Provider interface {
	// Join announces a silo joining the cluster.
	Join(ctx context.Context, info SiloInfo) error

	// Leave announces a silo's intent to depart gracefully.
	Leave(ctx context.Context, siloID string) error

	// List returns the current membership snapshot.
	List(ctx context.Context) ([]SiloInfo, error)

	// Subscribe registers a listener for membership change events. The
	// returned function unsubscribes.
	Subscribe(listener func(ChangeEvent)) (unsubscribe func())
}

// Config tunes the heartbeat-driven failure detector.
type Config struct {
	// HeartbeatInterval is how often a joined silo refreshes its
	// liveness.
	HeartbeatInterval time.Duration

	// MissedHeartbeatsSuspect is the number of missed heartbeat
	// intervals before a silo is marked dead. Default is 2, i.e.
	// 2*heartbeat-interval of silence before declaring death.
	MissedHeartbeatsSuspect int
}

// DefaultConfig returns sane defaults for a test or small production
// cluster.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:       time.Second,
		MissedHeartbeatsSuspect: 2,
	}
}

// Local is an in-process Provider: all silos in the test/demo cluster share
// one Local instance (or, in a real deployment, talk to the same process
// hosting it over the transport layer). It tracks each silo's last
// heartbeat and periodically sweeps for silos that have gone quiet.
type Local struct {
	cfg Config
	log btclog.Logger

	mu        sync.Mutex
	members   map[string]*memberState
	listeners map[int]func(ChangeEvent)
	nextID    int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type memberState struct {
	info          SiloInfo
	lastHeartbeat time.Time
}

// NewLocal constructs a Local provider and starts its background failure
// detector sweep. Call Stop to release the goroutine.
func NewLocal(cfg Config, log btclog.Logger) *Local {
	ctx, cancel := context.WithCancel(context.Background())

	l := &Local{
		cfg:       cfg,
		log:       log,
		members:   make(map[string]*memberState),
		listeners: make(map[int]func(ChangeEvent)),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	go l.sweepLoop()

	return l
}

// Join implements Provider.
func (l *Local) Join(_ context.Context, info SiloInfo) error {
	l.mu.Lock()
	info.Status = StatusActive
	l.members[info.SiloID] = &memberState{
		info:          info,
		lastHeartbeat: time.Now(),
	}
	l.mu.Unlock()

	l.log.Infof("silo %s joined at %s", info.SiloID, info.Endpoint)
	l.notify()

	return nil
}

// Heartbeat refreshes a silo's liveness timestamp. Local-specific: most
// Provider implementations would derive liveness from the transport layer
// itself rather than an explicit call, but the in-memory reference keeps it
// simple and caller-driven.
func (l *Local) Heartbeat(siloID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.members[siloID]
	if !ok {
		return
	}
	m.lastHeartbeat = time.Now()

	// A silo that was suspect-dead but is still heartbeating flaps back
	// to active. This keeps the eventually-consistent guarantee honest:
	// we don't permanently write off a silo on one missed beat.
	if m.info.Status == StatusDead {
		m.info.Status = StatusActive
		go l.notify()
	}
}

// Leave implements Provider.
func (l *Local) Leave(_ context.Context, siloID string) error {
	l.mu.Lock()
	if m, ok := l.members[siloID]; ok {
		m.info.Status = StatusDraining
	}
	l.mu.Unlock()

	l.log.Infof("silo %s leaving", siloID)
	l.notify()

	return nil
}

// Kill immediately marks a silo dead without a graceful Leave, simulating a
// crash for tests.
func (l *Local) Kill(siloID string) {
	l.mu.Lock()
	if m, ok := l.members[siloID]; ok {
		m.info.Status = StatusDead
	}
	l.mu.Unlock()

	l.notify()
}

// List implements Provider.
func (l *Local) List(_ context.Context) ([]SiloInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]SiloInfo, 0, len(l.members))
	for _, m := range l.members {
		out = append(out, m.info)
	}
	return out, nil
}

// Subscribe implements Provider.
func (l *Local) Subscribe(listener func(ChangeEvent)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = listener
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

// Active returns only the SiloInfo entries currently active, the snapshot
// used for ring placement.
func (l *Local) Active() []SiloInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]SiloInfo, 0, len(l.members))
	for _, m := range l.members {
		if m.info.Status == StatusActive {
			out = append(out, m.info)
		}
	}
	return out
}

// notify snapshots the active set and fans it out to all subscribers.
func (l *Local) notify() {
	l.mu.Lock()
	active := make([]SiloInfo, 0, len(l.members))
	for _, m := range l.members {
		if m.info.Status == StatusActive {
			active = append(active, m.info)
		}
	}
	listeners := make([]func(ChangeEvent), 0, len(l.listeners))
	for _, fn := range l.listeners {
		listeners = append(listeners, fn)
	}
	l.mu.Unlock()

	evt := ChangeEvent{Active: active}
	for _, fn := range listeners {
		fn(evt)
	}
}

// sweepLoop marks silos dead once they've missed
// MissedHeartbeatsSuspect*HeartbeatInterval worth of heartbeats.
func (l *Local) sweepLoop() {
	defer close(l.done)

	interval := l.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	threshold := time.Duration(l.cfg.MissedHeartbeatsSuspect) * interval
	if threshold <= 0 {
		threshold = 2 * interval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.sweepOnce(threshold)
		}
	}
}

func (l *Local) sweepOnce(threshold time.Duration) {
	now := time.Now()

	l.mu.Lock()
	changed := false
	for _, m := range l.members {
		if m.info.Status != StatusActive {
			continue
		}
		if now.Sub(m.lastHeartbeat) > threshold {
			m.info.Status = StatusDead
			changed = true

			l.log.Warnf("silo %s marked dead, last heartbeat %s ago",
				m.info.SiloID, now.Sub(m.lastHeartbeat))
		}
	}
	l.mu.Unlock()

	if changed {
		l.notify()
	}
}

// Stop halts the background sweep goroutine.
func (l *Local) Stop() {
	l.cancel()
	<-l.done
}
