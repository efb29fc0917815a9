package dlq

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/roasbeef/meridian/internal/identity"
)

// Inbox deduplicates inbound messages by (actor, message-id) so an
// at-least-once redelivery is a silent no-op on the receiving side
// instead of double-processing.
type Inbox struct {
	db        *sql.DB
	retention time.Duration
}

// NewInbox wraps db with a retention window: rows older than retention are
// eligible for Sweep to reclaim, bounding the inbox's size.
func NewInbox(db *sql.DB, retention time.Duration) *Inbox {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Inbox{db: db, retention: retention}
}

// Seen records that messageID has been processed for key, returning
// alreadySeen=true (without error) if it was already recorded.
func (i *Inbox) Seen(ctx context.Context, key identity.ActorKey, messageID string) (alreadySeen bool, err error) {
	_, err = i.db.ExecContext(ctx, `
		INSERT INTO inbox (actor_type, actor_id, message_id, seen_at)
		VALUES (?, ?, ?, ?)`,
		key.Type, key.ID, messageID, time.Now().UnixNano())
	if err == nil {
		return false, nil
	}

	// sqlite surfaces a primary-key violation as a generic error; since
	// inbox rows are never updated, any insert failure on this exact
	// table is overwhelmingly a duplicate message-id, so treat it as
	// "already seen" rather than threading statestore's sqlite-specific
	// classifier into this package.
	var exists bool
	checkErr := i.db.QueryRowContext(ctx, `
		SELECT 1 FROM inbox WHERE actor_type = ? AND actor_id = ? AND message_id = ?`,
		key.Type, key.ID, messageID).Scan(&exists)
	if checkErr == nil {
		return true, nil
	}
	if errors.Is(checkErr, sql.ErrNoRows) {
		return false, err
	}

	return false, err
}

// Sweep deletes inbox rows older than the configured retention window,
// meant to be called periodically by the owning silo.
func (i *Inbox) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-i.retention).UnixNano()

	res, err := i.db.ExecContext(ctx, `DELETE FROM inbox WHERE seen_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
