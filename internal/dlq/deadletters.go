// Package dlq implements the three durability collaborators for handling
// undeliverable or at-least-once work: a bounded dead-letter queue, an
// outbox for reliable outbound publication, and an inbox for inbound
// deduplication. All three share the sqlite schema internal/statestore
// migrates and follow the same payload/idempotency-key shape (a payload
// blob plus an idempotency key), against hand-written SQL rather than a
// query builder.
package dlq

import (
	"context"
	"database/sql"
	"time"

	"github.com/btcsuite/btclog/v2"

	"github.com/roasbeef/meridian/internal/activation"
	"github.com/roasbeef/meridian/internal/identity"
)

// log is this package's subsystem logger, wired via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Entry is one dead-lettered envelope.
type Entry struct {
	ID        int64
	Key       identity.ActorKey
	Reason    string
	Payload   []byte
	CreatedAt time.Time
}

// Store is the bounded dead-letter queue backed by the shared sqlite
// database. It is the default activation.DeadLetterFunc sink wired into
// internal/silo.
type Store struct {
	db *sql.DB

	// MaxEntries bounds the queue; once exceeded, the oldest rows are
	// pruned on every Enqueue. Zero means unbounded.
	MaxEntries int
}

// NewStore wraps db, the shared *sql.DB handle from a statestore.Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, MaxEntries: 10_000}
}

// Callback adapts Store into an activation.DeadLetterFunc.
func (s *Store) Callback() activation.DeadLetterFunc {
	return func(key identity.ActorKey, env activation.Envelope, cause error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.Enqueue(ctx, key, cause.Error(), env.Invocation.Payload); err != nil {
			log.Errorf("failed to persist dead letter for %s: %v", key, err)
		}
	}
}

// Enqueue records a dead letter.
func (s *Store) Enqueue(ctx context.Context, key identity.ActorKey, reason string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (actor_type, actor_id, reason, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		key.Type, key.ID, reason, payload, time.Now().UnixNano())
	if err != nil {
		return err
	}

	if s.MaxEntries > 0 {
		_, err = s.db.ExecContext(ctx, `
			DELETE FROM dead_letters WHERE id IN (
				SELECT id FROM dead_letters
				ORDER BY id DESC
				LIMIT -1 OFFSET ?
			)`, s.MaxEntries)
		if err != nil {
			return err
		}
	}

	return nil
}

// List returns up to limit dead letters, most recent first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_type, actor_id, reason, payload, created_at
		FROM dead_letters
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetByActor returns dead letters for one actor key, most recent first.
func (s *Store) GetByActor(ctx context.Context, key identity.ActorKey) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_type, actor_id, reason, payload, created_at
		FROM dead_letters
		WHERE actor_type = ? AND actor_id = ?
		ORDER BY id DESC`, key.Type, key.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Remove deletes a single dead letter by id.
func (s *Store) Remove(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	return err
}

// Clear deletes every dead letter.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters`)
	return err
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			actorTyp string
			actorID  string
			created  int64
		)
		if err := rows.Scan(&e.ID, &actorTyp, &actorID, &e.Reason, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.Key = identity.New(actorTyp, actorID)
		e.CreatedAt = time.Unix(0, created)
		out = append(out, e)
	}
	return out, rows.Err()
}
