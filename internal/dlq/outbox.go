package dlq

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"
)

// ErrTerminallyFailed marks an outbox row that exhausted its retry budget.
var ErrTerminallyFailed = errors.New("dlq: outbox entry permanently failed")

// Publisher delivers one outbox payload to subject. It is typically
// internal/stream's publish path, but the outbox does not import
// internal/stream to avoid a dependency cycle (stream's implicit-consumer
// path itself may need dlq's inbox for dedup); callers wire Publisher in.
type Publisher func(ctx context.Context, subject string, payload []byte) error

// OutboxConfig tunes the retry/backoff schedule for outbound delivery:
// enqueue, drain worker, exponential backoff, terminal failure marker.
type OutboxConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration
}

// DefaultOutboxConfig returns sane retry tuning.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		MaxAttempts:  8,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     time.Minute,
		PollInterval: time.Second,
	}
}

// Outbox is the reliable-publish side of the durability layer: callers
// Enqueue a message once, and a background drain worker retries delivery with
// exponential backoff until it succeeds or the retry budget is exhausted.
type Outbox struct {
	db        *sql.DB
	cfg       OutboxConfig
	publish   Publisher

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox constructs an Outbox and starts its drain worker. Call Stop to
// halt it.
func NewOutbox(db *sql.DB, cfg OutboxConfig, publish Publisher) *Outbox {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		db:      db,
		cfg:     cfg,
		publish: publish,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go o.drainLoop()

	return o
}

// Enqueue records a message for reliable delivery, keyed by an
// idempotency-key so retried Enqueue calls after a crash don't duplicate
// the send.
func (o *Outbox) Enqueue(ctx context.Context, idempotencyKey, subject string, payload []byte) error {
	_, err := o.db.ExecContext(ctx, `
		INSERT INTO outbox (idempotency_key, subject, payload, attempts, next_attempt_at, terminal_failed, created_at)
		VALUES (?, ?, ?, 0, ?, 0, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		idempotencyKey, subject, payload, time.Now().UnixNano(), time.Now().UnixNano())
	return err
}

type outboxRow struct {
	id       int64
	subject  string
	payload  []byte
	attempts int
}

func (o *Outbox) drainLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.drainOnce()
		}
	}
}

func (o *Outbox) drainOnce() {
	rows, err := o.db.QueryContext(o.ctx, `
		SELECT id, subject, payload, attempts FROM outbox
		WHERE terminal_failed = 0 AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT 50`, time.Now().UnixNano())
	if err != nil {
		log.Errorf("outbox: querying due entries: %v", err)
		return
	}

	var due []outboxRow
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.id, &r.subject, &r.payload, &r.attempts); err != nil {
			log.Errorf("outbox: scanning entry: %v", err)
			continue
		}
		due = append(due, r)
	}
	rows.Close()

	for _, r := range due {
		o.attemptDelivery(r)
	}
}

func (o *Outbox) attemptDelivery(r outboxRow) {
	err := o.publish(o.ctx, r.subject, r.payload)
	if err == nil {
		if _, delErr := o.db.ExecContext(o.ctx, `DELETE FROM outbox WHERE id = ?`, r.id); delErr != nil {
			log.Errorf("outbox: removing delivered entry %d: %v", r.id, delErr)
		}
		return
	}

	attempts := r.attempts + 1
	if attempts >= o.cfg.MaxAttempts {
		_, updErr := o.db.ExecContext(o.ctx, `
			UPDATE outbox SET attempts = ?, terminal_failed = 1 WHERE id = ?`,
			attempts, r.id)
		if updErr != nil {
			log.Errorf("outbox: marking entry %d terminally failed: %v", r.id, updErr)
		}
		log.Warnf("outbox: entry %d for subject %q terminally failed after %d attempts: %v",
			r.id, r.subject, attempts, err)
		return
	}

	delay := backoff(attempts, o.cfg.InitialDelay, o.cfg.MaxDelay)
	next := time.Now().Add(delay).UnixNano()

	_, updErr := o.db.ExecContext(o.ctx, `
		UPDATE outbox SET attempts = ?, next_attempt_at = ? WHERE id = ?`,
		attempts, next, r.id)
	if updErr != nil {
		log.Errorf("outbox: scheduling retry for entry %d: %v", r.id, updErr)
	}
}

func backoff(attempt int, initial, max time.Duration) time.Duration {
	wait := initial * time.Duration(uint64(1)<<uint(attempt))
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

// Stop halts the drain worker.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
}
