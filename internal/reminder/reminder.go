// Package reminder implements a durable, at-least-once reminder
// collaborator: a sqlite-backed registration table plus a silo-owned tick
// loop that fires due reminders
// as synthetic envelopes into internal/activation. Ownership of a given
// reminder's tick is decided the same way actor-invocation ownership is:
// whichever silo the hash ring currently assigns the target key to is the
// one responsible for firing it, so reminders move with their actor on
// membership change without any separate leader-election scheme.
package reminder

import (
	"context"
	"database/sql"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/google/uuid"

	"github.com/roasbeef/meridian/internal/activation"
	"github.com/roasbeef/meridian/internal/identity"
	"github.com/roasbeef/meridian/internal/registry"
	"github.com/roasbeef/meridian/internal/ring"
	"github.com/roasbeef/meridian/internal/telemetry"
)

// log is this package's subsystem logger, wired via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Registration is one durable reminder: fire Method
// against Key with Payload at DueAt, and if Period is non-zero, keep
// refiring every Period thereafter until explicitly unregistered.
type Registration struct {
	Key     identity.ActorKey
	Name    string
	Method  string
	Payload []byte
	DueAt   time.Time
	Period  time.Duration
}

// Store is the durable reminder table, sharing the sqlite database
// internal/statestore migrates.
type Store struct {
	db *sql.DB
}

// NewStore wraps db (typically (*statestore.Store).DB()).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Register upserts a reminder registration, replacing any existing
// registration with the same (Key, Name).
func (s *Store) Register(ctx context.Context, reg Registration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (actor_type, actor_id, name, due_at, period_ns, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_type, actor_id, name) DO UPDATE SET
			due_at = excluded.due_at,
			period_ns = excluded.period_ns,
			payload = excluded.payload`,
		reg.Key.Type, reg.Key.ID, reg.Name, reg.DueAt.UnixNano(), reg.Period.Nanoseconds(), reg.Payload)
	return err
}

// Unregister removes a reminder registration.
func (s *Store) Unregister(ctx context.Context, key identity.ActorKey, name string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM reminders WHERE actor_type = ? AND actor_id = ? AND name = ?`,
		key.Type, key.ID, name)
	return err
}

// List returns every reminder registered against key.
func (s *Store) List(ctx context.Context, key identity.ActorKey) ([]Registration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT actor_type, actor_id, name, due_at, period_ns, payload
		FROM reminders
		WHERE actor_type = ? AND actor_id = ?`, key.Type, key.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRegistrations(rows)
}

func (s *Store) dueBefore(ctx context.Context, t time.Time) ([]Registration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT actor_type, actor_id, name, due_at, period_ns, payload
		FROM reminders
		WHERE due_at <= ?`, t.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRegistrations(rows)
}

func scanRegistrations(rows *sql.Rows) ([]Registration, error) {
	var out []Registration
	for rows.Next() {
		var (
			actorType string
			actorID   string
			dueAt     int64
			periodNS  int64
			reg       Registration
		)
		if err := rows.Scan(&actorType, &actorID, &reg.Name, &dueAt, &periodNS, &reg.Payload); err != nil {
			return nil, err
		}
		reg.Key = identity.New(actorType, actorID)
		reg.DueAt = time.Unix(0, dueAt)
		reg.Period = time.Duration(periodNS)
		out = append(out, reg)
	}
	return out, rows.Err()
}

// reschedule advances a periodic reminder's next due time, or removes a
// one-shot reminder once it has fired.
func (s *Store) reschedule(ctx context.Context, reg Registration) error {
	if reg.Period <= 0 {
		return s.Unregister(ctx, reg.Key, reg.Name)
	}

	next := reg.DueAt.Add(reg.Period)
	for !next.After(time.Now()) {
		next = next.Add(reg.Period)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET due_at = ?
		WHERE actor_type = ? AND actor_id = ? AND name = ?`,
		next.UnixNano(), reg.Key.Type, reg.Key.ID, reg.Name)
	return err
}

// Ticker is the silo-owned tick loop: on each interval it scans for due
// reminders this silo currently owns (per the hash ring) and fires them
// as synthetic invocations against internal/activation. Reminders are
// at-least-once: a fire that crashes before rescheduling refires on the
// next tick.
type Ticker struct {
	store    *Store
	ring     *ring.Ring
	siloID   string
	manager  *activation.Manager
	interval time.Duration
	hooks    telemetry.Hooks

	resetCh chan time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTicker constructs and starts a Ticker. Call Stop to halt it. hooks may
// be nil, in which case tick telemetry is a no-op.
func NewTicker(store *Store, r *ring.Ring, siloID string, manager *activation.Manager, interval time.Duration, hooks telemetry.Hooks) *Ticker {
	if interval <= 0 {
		interval = time.Second
	}
	if hooks == nil {
		hooks = telemetry.NoOp{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Ticker{
		store:    store,
		ring:     r,
		siloID:   siloID,
		manager:  manager,
		interval: interval,
		hooks:    hooks,
		resetCh:  make(chan time.Duration, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go t.loop()

	return t
}

// SetInterval changes the tick period of an already-running Ticker,
// taking effect on the next tick. Used to pick up config-file edits to
// the tick interval without a restart.
func (t *Ticker) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	select {
	case t.resetCh <- interval:
	case <-t.ctx.Done():
	}
}

func (t *Ticker) loop() {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.tickOnce()
		case interval := <-t.resetCh:
			t.interval = interval
			ticker.Reset(interval)
		}
	}
}

func (t *Ticker) tickOnce() {
	var err error
	defer telemetry.Timer(t.hooks, telemetry.SpanReminderTick)(&err)

	var due []Registration
	due, err = t.store.dueBefore(t.ctx, time.Now())
	if err != nil {
		log.Errorf("reminder: scanning due reminders: %v", err)
		return
	}

	for _, reg := range due {
		owner, ok := t.ring.Owner(reg.Key.Fingerprint())
		if !ok || owner != t.siloID {
			// Another silo (or no silo yet) owns this key; leave
			// the row untouched so whoever does own it fires it on
			// their own next tick.
			continue
		}

		t.fire(reg)
	}
}

func (t *Ticker) fire(reg Registration) {
	env := activation.Envelope{
		Key:           reg.Key,
		Invocation:    registry.Invocation{Method: reg.Method, Payload: reg.Payload},
		CorrelationID: uuid.NewString(),
	}

	ctx, cancel := context.WithTimeout(t.ctx, 30*time.Second)
	defer cancel()

	if _, err := t.manager.Invoke(ctx, env); err != nil {
		log.Warnf("reminder: firing %s/%s against %s: %v", reg.Name, reg.Method, reg.Key, err)
	}

	if err := t.store.reschedule(t.ctx, reg); err != nil {
		log.Errorf("reminder: rescheduling %s/%s for %s: %v", reg.Name, reg.Method, reg.Key, err)
	}
}

// Stop halts the tick loop.
func (t *Ticker) Stop() {
	t.cancel()
	<-t.done
}
