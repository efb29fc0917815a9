package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/meridian/internal/errs"
	"github.com/roasbeef/meridian/internal/identity"
	"github.com/roasbeef/meridian/internal/registry"
	"github.com/roasbeef/meridian/internal/ring"
	"github.com/roasbeef/meridian/internal/statestore"
)

type counterState struct {
	Count int `json:"count"`
}

func counterTypeDef() registry.TypeDef {
	return registry.TypeDef{
		Name: "Counter",
		New:  func() any { return &counterState{} },
		Methods: map[string]registry.Handler{
			"Increment": func(ctx context.Context, state any, inv registry.Invocation) ([]byte, error) {
				s := state.(*counterState)
				s.Count++
				return json.Marshal(s)
			},
			"Fail": func(ctx context.Context, state any, inv registry.Invocation) ([]byte, error) {
				return nil, fmt.Errorf("boom")
			},
		},
		Persist: func(state any) ([]byte, error) {
			return json.Marshal(state.(*counterState))
		},
		Hydrate: func(payload []byte) (any, error) {
			var s counterState
			if err := json.Unmarshal(payload, &s); err != nil {
				return nil, err
			}
			return &s, nil
		},
	}
}

func workerTypeDef() registry.TypeDef {
	return registry.TypeDef{
		Name: "Worker",
		New:  func() any { return &struct{}{} },
		Methods: map[string]registry.Handler{
			"Ping": func(ctx context.Context, state any, inv registry.Invocation) ([]byte, error) {
				return []byte("pong"), nil
			},
		},
		Attrs: registry.Attributes{StatelessWorker: true, MaxInstances: 2},
	}
}

func newTestManager(t *testing.T, store *statestore.Store, defs ...registry.TypeDef) *Manager {
	t.Helper()

	reg := registry.New()
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}

	r := ring.New(50)
	r.Rebuild([]string{"silo-a"})

	mgr := New(DefaultConfig("silo-a"), reg, r, store, nil, nil)
	t.Cleanup(mgr.Stop)

	return mgr
}

func TestInvokeConstructsAndDispatches(t *testing.T) {
	mgr := newTestManager(t, nil, counterTypeDef())

	key := identity.New("Counter", "c1")
	env := Envelope{Key: key, Invocation: registry.Invocation{Method: "Increment"}}

	resp, err := mgr.Invoke(context.Background(), env)
	require.NoError(t, err)

	var s counterState
	require.NoError(t, json.Unmarshal(resp.Payload, &s))
	require.Equal(t, 1, s.Count)

	resp, err = mgr.Invoke(context.Background(), env)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp.Payload, &s))
	require.Equal(t, 2, s.Count)

	require.Equal(t, 1, mgr.ActiveCount())
}

func TestInvokeUnknownOwnerReturnsNotOwner(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(counterTypeDef()))

	r := ring.New(50)
	r.Rebuild([]string{"silo-a", "silo-b"})

	mgr := New(DefaultConfig("silo-a"), reg, r, nil, nil, nil)
	t.Cleanup(mgr.Stop)

	// Find a key this silo does not own.
	var foreignKey identity.ActorKey
	for i := 0; i < 1000; i++ {
		k := identity.New("Counter", fmt.Sprintf("k-%d", i))
		owner, ok := r.Owner(k.Fingerprint())
		require.True(t, ok)
		if owner != "silo-a" {
			foreignKey = k
			break
		}
	}
	require.False(t, foreignKey.IsZero())

	_, err := mgr.Invoke(context.Background(), Envelope{
		Key:        foreignKey,
		Invocation: registry.Invocation{Method: "Increment"},
	})
	require.Error(t, err)
	require.Equal(t, errs.KindNotOwner, errs.KindOf(err))
}

func TestInvokeUnknownTypeReturnsNotFound(t *testing.T) {
	mgr := newTestManager(t, nil, counterTypeDef())

	_, err := mgr.Invoke(context.Background(), Envelope{
		Key:        identity.New("Ghost", "g1"),
		Invocation: registry.Invocation{Method: "Anything"},
	})
	require.Error(t, err)
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestStatelessWorkerRoundRobinsUpToMaxInstances(t *testing.T) {
	mgr := newTestManager(t, nil, workerTypeDef())

	key := identity.New("Worker", "shared")
	for i := 0; i < 10; i++ {
		_, err := mgr.Invoke(context.Background(), Envelope{
			Key:        key,
			Invocation: registry.Invocation{Method: "Ping"},
		})
		require.NoError(t, err)
	}

	require.Equal(t, 2, mgr.ActiveCount())
}

func TestPersistedStateSurvivesEviction(t *testing.T) {
	store, err := statestore.Open(statestore.Config{Path: ":memory:", MigrationTarget: statestore.TargetLatest()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr := newTestManager(t, store, counterTypeDef())

	key := identity.New("Counter", "c1")
	env := Envelope{Key: key, Invocation: registry.Invocation{Method: "Increment"}}

	_, err = mgr.Invoke(context.Background(), env)
	require.NoError(t, err)
	_, err = mgr.Invoke(context.Background(), env)
	require.NoError(t, err)

	mgr.evict(key, true)
	require.Equal(t, 0, mgr.ActiveCount())

	resp, err := mgr.Invoke(context.Background(), env)
	require.NoError(t, err)

	var s counterState
	require.NoError(t, json.Unmarshal(resp.Payload, &s))
	require.Equal(t, 3, s.Count)
}

func TestHandlerFailureRestartsActivation(t *testing.T) {
	mgr := newTestManager(t, nil, counterTypeDef())

	key := identity.New("Counter", "c1")

	_, err := mgr.Invoke(context.Background(), Envelope{
		Key:        key,
		Invocation: registry.Invocation{Method: "Increment"},
	})
	require.NoError(t, err)

	_, err = mgr.Invoke(context.Background(), Envelope{
		Key:        key,
		Invocation: registry.Invocation{Method: "Fail"},
	})
	require.Error(t, err)

	// DefaultSupervisor restarts on an unrecognized error kind, so the
	// in-memory counter should have reset to zero before this increment.
	resp, err := mgr.Invoke(context.Background(), Envelope{
		Key:        key,
		Invocation: registry.Invocation{Method: "Increment"},
	})
	require.NoError(t, err)

	var s counterState
	require.NoError(t, json.Unmarshal(resp.Payload, &s))
	require.Equal(t, 1, s.Count)
}

func TestMembershipChangeEvictsOrphanedActivations(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(counterTypeDef()))

	r := ring.New(50)
	r.Rebuild([]string{"silo-a"})

	mgr := New(DefaultConfig("silo-a"), reg, r, nil, nil, nil)
	t.Cleanup(mgr.Stop)

	key := identity.New("Counter", "c1")
	_, err := mgr.Invoke(context.Background(), Envelope{
		Key:        key,
		Invocation: registry.Invocation{Method: "Increment"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, mgr.ActiveCount())

	// Membership changes: a new silo joins and the ring is rebuilt
	// elsewhere (the silo package's responsibility); simulate that here
	// and confirm the manager notices ownership moved away.
	for {
		r.Rebuild([]string{"silo-a", "silo-b", "silo-c"})
		owner, ok := r.Owner(key.Fingerprint())
		require.True(t, ok)
		if owner != "silo-a" {
			break
		}
		// Extremely unlikely with 50 virtual nodes and 3 silos, but
		// guard against flakiness by trying a different key instead
		// of looping forever.
		key = identity.New("Counter", key.ID+"x")
		_, err := mgr.Invoke(context.Background(), Envelope{
			Key:        key,
			Invocation: registry.Invocation{Method: "Increment"},
		})
		require.NoError(t, err)
	}

	mgr.HandleMembershipChange()
	require.Equal(t, 0, mgr.ActiveCount())
}

// TestReentrantCallChainFailsWithoutDeadlock registers two non-reentrant
// actor types, A and B, where A's handler calls into B and B's handler
// calls back into A using the same carried context. The inner call must
// fail with errs.KindReentrancy rather than hang: A's single dispatch
// goroutine is the one blocked inside the call to B, so nothing would
// ever drain a second envelope sitting in A's mailbox if the cycle were
// only caught post-dequeue (see Manager.Invoke).
func TestReentrantCallChainFailsWithoutDeadlock(t *testing.T) {
	reg := registry.New()

	var mgr *Manager

	require.NoError(t, reg.Register(registry.TypeDef{
		Name: "A",
		New:  func() any { return new(int) },
		Methods: map[string]registry.Handler{
			"CallB": func(ctx context.Context, state any, inv registry.Invocation) ([]byte, error) {
				_, err := mgr.Invoke(ctx, Envelope{
					Key:        identity.New("B", "b1"),
					Invocation: registry.Invocation{Method: "CallA"},
				})
				if err != nil {
					return nil, err
				}
				return []byte("a-done"), nil
			},
		},
	}))

	require.NoError(t, reg.Register(registry.TypeDef{
		Name: "B",
		New:  func() any { return new(int) },
		Methods: map[string]registry.Handler{
			"CallA": func(ctx context.Context, state any, inv registry.Invocation) ([]byte, error) {
				_, err := mgr.Invoke(ctx, Envelope{
					Key:        identity.New("A", "a1"),
					Invocation: registry.Invocation{Method: "CallB"},
				})
				return nil, err
			},
		},
	}))

	r := ring.New(50)
	r.Rebuild([]string{"silo-a"})

	mgr = New(DefaultConfig("silo-a"), reg, r, nil, nil, nil)
	t.Cleanup(mgr.Stop)

	resultCh := make(chan error, 1)
	go func() {
		_, err := mgr.Invoke(context.Background(), Envelope{
			Key:        identity.New("A", "a1"),
			Invocation: registry.Invocation{Method: "CallB"},
		})
		resultCh <- err
	}()

	select {
	case err := <-resultCh:
		require.Error(t, err)
		require.Equal(t, errs.KindReentrancy, errs.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("A -> B -> A call chain deadlocked instead of failing with a reentrancy error")
	}
}

func TestIdleSweepEvictsStaleActivations(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(counterTypeDef()))

	r := ring.New(50)
	r.Rebuild([]string{"silo-a"})

	cfg := DefaultConfig("silo-a")
	cfg.DefaultIdleTTL = 20 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond

	mgr := New(cfg, reg, r, nil, nil, nil)
	t.Cleanup(mgr.Stop)

	key := identity.New("Counter", "c1")
	_, err := mgr.Invoke(context.Background(), Envelope{
		Key:        key,
		Invocation: registry.Invocation{Method: "Increment"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, mgr.ActiveCount())

	require.Eventually(t, func() bool {
		return mgr.ActiveCount() == 0
	}, time.Second, 10*time.Millisecond)
}
