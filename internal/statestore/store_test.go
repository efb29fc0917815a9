package statestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/meridian/internal/errs"
	"github.com/roasbeef/meridian/internal/identity"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(Config{Path: ":memory:", MigrationTarget: TargetLatest()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestLoadMissingActorReturnsNotOK(t *testing.T) {
	s := openTestStore(t)
	key := identity.New("Counter", "c1")

	payload, version, ok, err := s.LoadWithVersion(context.Background(), key)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, payload)
	require.Zero(t, version)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := identity.New("Counter", "c1")

	newVersion, err := s.SaveWithVersion(ctx, key, 0, []byte("v1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), newVersion)

	payload, version, ok, err := s.LoadWithVersion(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), payload)
	require.Equal(t, int64(1), version)

	newVersion, err = s.SaveWithVersion(ctx, key, version, []byte("v2"))
	require.NoError(t, err)
	require.Equal(t, int64(2), newVersion)

	payload, version, ok, err = s.LoadWithVersion(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), payload)
	require.Equal(t, int64(2), version)
}

func TestSaveWithStaleVersionConflicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := identity.New("Counter", "c1")

	_, err := s.SaveWithVersion(ctx, key, 0, []byte("v1"))
	require.NoError(t, err)

	// Someone else updates in between.
	_, err = s.SaveWithVersion(ctx, key, 1, []byte("v2"))
	require.NoError(t, err)

	// Our stale writer still thinks the version is 1.
	_, err = s.SaveWithVersion(ctx, key, 1, []byte("v3-stale"))
	require.Error(t, err)
	require.Equal(t, errs.KindConcurrencyConflict, errs.KindOf(err))
}

func TestSaveFirstWriteConflictsIfAlreadyExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := identity.New("Counter", "c1")

	_, err := s.SaveWithVersion(ctx, key, 0, []byte("v1"))
	require.NoError(t, err)

	_, err = s.SaveWithVersion(ctx, key, 0, []byte("v1-again"))
	require.Error(t, err)
	require.Equal(t, errs.KindConcurrencyConflict, errs.KindOf(err))
}

func TestDeleteRequiresMatchingVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := identity.New("Counter", "c1")

	_, err := s.SaveWithVersion(ctx, key, 0, []byte("v1"))
	require.NoError(t, err)

	err = s.Delete(ctx, key, 2)
	require.Error(t, err)
	require.Equal(t, errs.KindConcurrencyConflict, errs.KindOf(err))

	err = s.Delete(ctx, key, 1)
	require.NoError(t, err)

	_, _, ok, err := s.LoadWithVersion(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}
