// Package silo wires the standalone collaborator packages (ring, membership,
// statestore, activation, reminder, dlq, stream, gateway, transport) into
// one runnable cluster member. internal/activation, internal/ring, and the
// rest are deliberately free of any dependency on each other's concrete
// types beyond narrow interfaces; Silo is where that wiring actually
// happens, gathering every subsystem together at process start.
package silo

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btclog/v2"

	"github.com/roasbeef/meridian/internal/activation"
	"github.com/roasbeef/meridian/internal/codec"
	"github.com/roasbeef/meridian/internal/dlq"
	"github.com/roasbeef/meridian/internal/gateway"
	"github.com/roasbeef/meridian/internal/membership"
	"github.com/roasbeef/meridian/internal/registry"
	"github.com/roasbeef/meridian/internal/reminder"
	"github.com/roasbeef/meridian/internal/ring"
	"github.com/roasbeef/meridian/internal/statestore"
	"github.com/roasbeef/meridian/internal/stream"
	"github.com/roasbeef/meridian/internal/supervision"
	"github.com/roasbeef/meridian/internal/telemetry"
	"github.com/roasbeef/meridian/internal/transport"
)

// log is this package's subsystem logger, wired via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Config assembles everything one silo process needs. The fields a caller
// must always set are SiloID, Endpoint, Registry, and Membership; everything
// else has a workable default, following a pattern of layered *Config
// structs with a DefaultConfig constructor per subsystem.
type Config struct {
	SiloID   string
	Endpoint string

	Registry   *registry.Registry
	Membership membership.Provider

	// Transport carries Invoke calls to other silos. Leave nil for a
	// silo that never needs to forward (e.g. a single-silo test).
	Transport transport.Transport

	Codec codec.Codec

	// StatePath is the sqlite path for this silo's StateStore. Empty
	// uses an ephemeral in-memory database.
	StatePath string

	VirtualNodes      int
	HeartbeatInterval time.Duration
	ReminderInterval  time.Duration
	MembershipSweep   time.Duration

	// HeartbeatFunc, if set, is called every HeartbeatInterval so the
	// owning test harness or production agent can refresh this silo's
	// liveness against whatever concrete Provider implementation sits
	// behind Membership (e.g. *membership.Local.Heartbeat).
	HeartbeatFunc func()

	Supervisor supervision.Supervisor

	ActivationConfig *activation.Config
	OutboxConfig     *dlq.OutboxConfig
	InboxRetention   time.Duration

	// Hooks receives observability events from the activation manager,
	// reminder ticker, and stream broker. A Transport takes its own hooks
	// when it is constructed. Defaults to telemetry.NoOp.
	Hooks telemetry.Hooks
}

func (c *Config) setDefaults() {
	if c.Codec == nil {
		c.Codec = codec.JSON{}
	}
	if c.VirtualNodes <= 0 {
		c.VirtualNodes = ring.DefaultVirtualNodes
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.ReminderInterval <= 0 {
		c.ReminderInterval = time.Second
	}
	if c.Supervisor == nil {
		c.Supervisor = supervision.DefaultSupervisor{}
	}
	if c.InboxRetention <= 0 {
		c.InboxRetention = 24 * time.Hour
	}
	if c.Hooks == nil {
		c.Hooks = telemetry.NoOp{}
	}
}

// localInvokerSetter is implemented by Transport values that can accept
// their local activation.Manager after construction (grpctransport.Server
// and grpctransport.Transport both do). Transport has to be supplied
// through Config before Start builds the Manager, so a transport that
// needs to dispatch inbound Invoke calls locally has to learn about it
// late.
type localInvokerSetter interface {
	SetLocalInvoker(*activation.Manager)
}

// Silo is one running cluster member: it owns a slice of the hash ring (in
// the sense of being one candidate owner), a local StateStore, an
// activation Manager, and the reminder/dlq/stream collaborators that ride
// on top of it.
type Silo struct {
	cfg Config

	ring  *ring.Ring
	store *statestore.Store

	activationMgr *activation.Manager
	dlqStore      *dlq.Store
	outbox        *dlq.Outbox
	inbox         *dlq.Inbox
	reminderStore *reminder.Store
	reminderTick  *reminder.Ticker
	broker        *stream.Broker
	gateway       *gateway.Gateway

	unsubscribe func()

	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
}

// New constructs a Silo from cfg without starting it. Call Start to bring it
// up.
func New(cfg Config) *Silo {
	cfg.setDefaults()
	return &Silo{cfg: cfg}
}

// Start opens this silo's state store, builds its initial ring view from
// the current membership snapshot, joins the cluster, and brings up every
// subordinate collaborator. It returns once the silo is ready to serve
// Invoke calls.
func (s *Silo) Start(ctx context.Context) error {
	store, err := statestore.Open(statestore.Config{Path: s.cfg.StatePath})
	if err != nil {
		return fmt.Errorf("silo %s: opening state store: %w", s.cfg.SiloID, err)
	}
	s.store = store

	s.ring = ring.New(s.cfg.VirtualNodes)

	s.dlqStore = dlq.NewStore(store.DB())
	s.reminderStore = reminder.NewStore(store.DB())
	s.inbox = dlq.NewInbox(store.DB(), s.cfg.InboxRetention)

	actCfg := activation.DefaultConfig(s.cfg.SiloID)
	if s.cfg.ActivationConfig != nil {
		actCfg = *s.cfg.ActivationConfig
		actCfg.SiloID = s.cfg.SiloID
	}
	actCfg.Hooks = s.cfg.Hooks

	s.activationMgr = activation.New(
		actCfg, s.cfg.Registry, s.ring, store, s.cfg.Supervisor,
		s.dlqStore.Callback(),
	)

	s.broker = stream.NewBroker(s.activationMgr, s.cfg.Hooks)

	outboxCfg := dlq.DefaultOutboxConfig()
	if s.cfg.OutboxConfig != nil {
		outboxCfg = *s.cfg.OutboxConfig
	}
	s.outbox = dlq.NewOutbox(store.DB(), outboxCfg, func(ctx context.Context, subject string, payload []byte) error {
		return s.broker.Publish(ctx, subject, payload)
	})

	s.reminderTick = reminder.NewTicker(
		s.reminderStore, s.ring, s.cfg.SiloID, s.activationMgr, s.cfg.ReminderInterval,
		s.cfg.Hooks,
	)

	if err := s.refreshRing(ctx); err != nil {
		return fmt.Errorf("silo %s: building initial ring: %w", s.cfg.SiloID, err)
	}

	s.unsubscribe = s.cfg.Membership.Subscribe(func(membership.ChangeEvent) {
		if err := s.refreshRing(context.Background()); err != nil {
			log.Warnf("silo %s: refreshing ring on membership change: %v", s.cfg.SiloID, err)
			return
		}
		s.activationMgr.HandleMembershipChange()
	})

	if err := s.cfg.Membership.Join(ctx, membership.SiloInfo{
		SiloID:   s.cfg.SiloID,
		Endpoint: s.cfg.Endpoint,
	}); err != nil {
		return fmt.Errorf("silo %s: joining cluster: %w", s.cfg.SiloID, err)
	}

	if s.cfg.Transport != nil {
		// Some Transport implementations (grpctransport) can be built
		// before the activation Manager exists, since the Transport
		// itself is supplied through Config before Start runs. Wire
		// the now-built Manager in if the Transport supports late
		// binding.
		if setter, ok := s.cfg.Transport.(localInvokerSetter); ok {
			setter.SetLocalInvoker(s.activationMgr)
		}

		if err := s.cfg.Transport.Start(ctx); err != nil {
			return fmt.Errorf("silo %s: starting transport: %w", s.cfg.SiloID, err)
		}
	}

	s.gateway = gateway.New(gateway.Config{
		SelfSiloID: s.cfg.SiloID,
		Ring:       s.ring,
		Membership: s.cfg.Membership,
		Remote:     s.cfg.Transport,
		Local:      s.activationMgr,
		Codec:      s.cfg.Codec,
	})

	s.startHeartbeat()

	log.Infof("silo %s started at %s", s.cfg.SiloID, s.cfg.Endpoint)

	return nil
}

func (s *Silo) refreshRing(ctx context.Context) error {
	infos, err := s.cfg.Membership.List(ctx)
	if err != nil {
		return err
	}

	active := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Status == membership.StatusActive {
			active = append(active, info.SiloID)
		}
	}
	s.ring.Rebuild(active)
	return nil
}

func (s *Silo) startHeartbeat() {
	if s.cfg.HeartbeatFunc == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.heartbeatCancel = cancel
	s.heartbeatDone = make(chan struct{})

	go func() {
		defer close(s.heartbeatDone)

		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cfg.HeartbeatFunc()
			}
		}
	}()
}

// Stop tears every subordinate collaborator down in reverse dependency
// order. If drain is true, in-flight Invoke calls are given a chance to
// finish before the activation manager and transport are shut down.
func (s *Silo) Stop(ctx context.Context, drain bool) error {
	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
		<-s.heartbeatDone
	}

	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	if err := s.cfg.Membership.Leave(ctx, s.cfg.SiloID); err != nil {
		log.Warnf("silo %s: leaving cluster: %v", s.cfg.SiloID, err)
	}

	if s.reminderTick != nil {
		s.reminderTick.Stop()
	}
	if s.outbox != nil {
		s.outbox.Stop()
	}
	if s.broker != nil {
		_ = s.broker.Close()
	}
	if s.cfg.Transport != nil {
		if err := s.cfg.Transport.Stop(ctx, drain); err != nil {
			log.Warnf("silo %s: stopping transport: %v", s.cfg.SiloID, err)
		}
	}
	if s.activationMgr != nil {
		s.activationMgr.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return fmt.Errorf("silo %s: closing state store: %w", s.cfg.SiloID, err)
		}
	}

	log.Infof("silo %s stopped", s.cfg.SiloID)

	return nil
}

// Gateway returns this silo's client entry point, usable by in-process
// callers that want typed ActorRef handles without a network hop for
// locally owned keys.
func (s *Silo) Gateway() *gateway.Gateway { return s.gateway }

// Ring exposes the silo's hash ring, mostly for test assertions.
func (s *Silo) Ring() *ring.Ring { return s.ring }

// ActivationManager exposes the silo's activation Manager, mostly for test
// assertions and for wiring into an inproc Transport.
func (s *Silo) ActivationManager() *activation.Manager { return s.activationMgr }

// Broker exposes the silo's stream Broker so callers can Publish/Subscribe
// or register implicit bindings.
func (s *Silo) Broker() *stream.Broker { return s.broker }

// Reminders exposes the silo's durable reminder Store for registering new
// reminders.
func (s *Silo) Reminders() *reminder.Store { return s.reminderStore }

// ReminderTicker exposes the silo's reminder tick loop so a host process
// can retune its interval (e.g. from a live config reload) without
// restarting the silo.
func (s *Silo) ReminderTicker() *reminder.Ticker { return s.reminderTick }

// DeadLetters exposes the silo's dead-letter Store.
func (s *Silo) DeadLetters() *dlq.Store { return s.dlqStore }

// Outbox exposes the silo's reliable-publish Outbox.
func (s *Silo) Outbox() *dlq.Outbox { return s.outbox }

// Inbox exposes the silo's inbound-dedup Inbox.
func (s *Silo) Inbox() *dlq.Inbox { return s.inbox }

// Membership exposes the cluster membership provider this silo joined,
// mostly for introspection tooling.
func (s *Silo) Membership() membership.Provider { return s.cfg.Membership }

// SiloID returns this silo's own identifier.
func (s *Silo) SiloID() string { return s.cfg.SiloID }
