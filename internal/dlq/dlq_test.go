package dlq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/meridian/internal/identity"
	"github.com/roasbeef/meridian/internal/statestore"
)

func openTestDB(t *testing.T) *statestore.Store {
	t.Helper()
	s, err := statestore.Open(statestore.Config{Path: ":memory:", MigrationTarget: statestore.TargetLatest()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDeadLetterEnqueueAndList(t *testing.T) {
	store := openTestDB(t)
	dl := NewStore(store.DB())

	ctx := context.Background()
	key := identity.New("Counter", "c1")

	require.NoError(t, dl.Enqueue(ctx, key, "boom", []byte("payload")))
	require.NoError(t, dl.Enqueue(ctx, key, "boom again", []byte("payload2")))

	entries, err := dl.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "boom again", entries[0].Reason)

	byActor, err := dl.GetByActor(ctx, key)
	require.NoError(t, err)
	require.Len(t, byActor, 2)

	require.NoError(t, dl.Remove(ctx, entries[0].ID))
	entries, err = dl.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, dl.Clear(ctx))
	entries, err = dl.List(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDeadLetterEnqueuePrunesOverMax(t *testing.T) {
	store := openTestDB(t)
	dl := NewStore(store.DB())
	dl.MaxEntries = 2

	ctx := context.Background()
	key := identity.New("Counter", "c1")

	for i := 0; i < 5; i++ {
		require.NoError(t, dl.Enqueue(ctx, key, "reason", nil))
	}

	entries, err := dl.List(ctx, 100)
	require.NoError(t, err)
	require.LessOrEqual(t, len(entries), 2)
}

func TestOutboxDeliversAndRemoves(t *testing.T) {
	store := openTestDB(t)

	var mu sync.Mutex
	var delivered []string

	cfg := DefaultOutboxConfig()
	cfg.PollInterval = 10 * time.Millisecond

	ob := NewOutbox(store.DB(), cfg, func(ctx context.Context, subject string, payload []byte) error {
		mu.Lock()
		delivered = append(delivered, subject)
		mu.Unlock()
		return nil
	})
	t.Cleanup(ob.Stop)

	ctx := context.Background()
	require.NoError(t, ob.Enqueue(ctx, "key-1", "subject.a", []byte("hello")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1 && delivered[0] == "subject.a"
	}, time.Second, 10*time.Millisecond)

	var remaining int
	row := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`)
	require.NoError(t, row.Scan(&remaining))
	require.Zero(t, remaining)
}

func TestOutboxIdempotentEnqueueDoesNotDuplicate(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	cfg := DefaultOutboxConfig()
	cfg.PollInterval = time.Hour // don't let the drain loop race the assertion
	ob := NewOutbox(store.DB(), cfg, func(ctx context.Context, subject string, payload []byte) error {
		return nil
	})
	t.Cleanup(ob.Stop)

	require.NoError(t, ob.Enqueue(ctx, "dup-key", "subject.a", []byte("1")))
	require.NoError(t, ob.Enqueue(ctx, "dup-key", "subject.a", []byte("2")))

	var count int
	row := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`)
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 1, count)
}

func TestOutboxTerminalFailureMarker(t *testing.T) {
	store := openTestDB(t)

	cfg := OutboxConfig{
		MaxAttempts:  1,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}
	ob := NewOutbox(store.DB(), cfg, func(ctx context.Context, subject string, payload []byte) error {
		return errAlwaysFails
	})
	t.Cleanup(ob.Stop)

	ctx := context.Background()
	require.NoError(t, ob.Enqueue(ctx, "fail-key", "subject.a", []byte("x")))

	require.Eventually(t, func() bool {
		var terminal int
		row := store.DB().QueryRowContext(ctx, `SELECT terminal_failed FROM outbox WHERE idempotency_key = ?`, "fail-key")
		if err := row.Scan(&terminal); err != nil {
			return false
		}
		return terminal == 1
	}, time.Second, 10*time.Millisecond)
}

func TestInboxDedup(t *testing.T) {
	store := openTestDB(t)
	inbox := NewInbox(store.DB(), time.Hour)

	ctx := context.Background()
	key := identity.New("Counter", "c1")

	seen, err := inbox.Seen(ctx, key, "msg-1")
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = inbox.Seen(ctx, key, "msg-1")
	require.NoError(t, err)
	require.True(t, seen)

	seen, err = inbox.Seen(ctx, key, "msg-2")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestInboxSweepRemovesOldRows(t *testing.T) {
	store := openTestDB(t)
	inbox := NewInbox(store.DB(), time.Millisecond)

	ctx := context.Background()
	key := identity.New("Counter", "c1")

	_, err := inbox.Seen(ctx, key, "msg-1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	removed, err := inbox.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
}

var errAlwaysFails = &staticError{"always fails"}

type staticError struct{ msg string }

func (e *staticError) Error() string { return e.msg }
