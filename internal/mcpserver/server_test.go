package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/stretchr/testify/require"

	"github.com/roasbeef/meridian/internal/membership"
	"github.com/roasbeef/meridian/internal/registry"
	"github.com/roasbeef/meridian/internal/silo"
)

func newTestSilo(t *testing.T) *silo.Silo {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.Register(registry.TypeDef{
		Name: "Counter",
		New:  func() any { return new(int) },
		Methods: map[string]registry.Handler{
			"Incr": func(ctx context.Context, state any, inv registry.Invocation) ([]byte, error) {
				c := state.(*int)
				*c++
				return json.Marshal(*c)
			},
		},
	}))

	mp := membership.NewLocal(membership.Config{
		HeartbeatInterval:       20 * time.Millisecond,
		MissedHeartbeatsSuspect: 2,
	}, btclog.Disabled)

	s := silo.New(silo.Config{
		SiloID:            "silo-a",
		Endpoint:          "silo-a",
		Registry:          reg,
		Membership:        mp,
		HeartbeatInterval: 10 * time.Millisecond,
		ReminderInterval:  20 * time.Millisecond,
		HeartbeatFunc:     func() { mp.Heartbeat("silo-a") },
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop(context.Background(), false) })

	return s
}

func TestNewServerRegistersToolsWithoutPanicking(t *testing.T) {
	s := newTestSilo(t)

	srv := NewServer(Config{Silo: s})
	require.NotNil(t, srv)
}

func TestListSilosReportsSelf(t *testing.T) {
	s := newTestSilo(t)
	srv := NewServer(Config{Silo: s})

	_, result, err := srv.handleListSilos(context.Background(), nil, ListSilosArgs{})
	require.NoError(t, err)
	require.Len(t, result.Silos, 1)
	require.Equal(t, "silo-a", result.Silos[0].SiloID)
	require.Equal(t, "active", result.Silos[0].Status)
}

func TestInvokeActorAndGetActivation(t *testing.T) {
	s := newTestSilo(t)
	srv := NewServer(Config{Silo: s})

	ctx := context.Background()

	_, invokeResult, err := srv.handleInvokeActor(ctx, nil, InvokeActorArgs{
		ActorType: "Counter",
		ActorID:   "c-1",
		Method:    "Incr",
	})
	require.NoError(t, err)
	require.JSONEq(t, "1", string(invokeResult.Response))

	_, actResult, err := srv.handleGetActivation(ctx, nil, GetActivationArgs{
		ActorType: "Counter",
		ActorID:   "c-1",
	})
	require.NoError(t, err)
	require.True(t, actResult.Present)
	require.Equal(t, "silo-a", actResult.OwningSilo)
}

func TestListDeadLettersEmpty(t *testing.T) {
	s := newTestSilo(t)
	srv := NewServer(Config{Silo: s})

	_, result, err := srv.handleListDeadLetters(context.Background(), nil, ListDeadLettersArgs{})
	require.NoError(t, err)
	require.Empty(t, result.Entries)
}
