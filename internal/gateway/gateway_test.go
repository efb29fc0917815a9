package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/meridian/internal/activation"
	"github.com/roasbeef/meridian/internal/errs"
	"github.com/roasbeef/meridian/internal/membership"
	"github.com/roasbeef/meridian/internal/registry"
	"github.com/roasbeef/meridian/internal/ring"
)

type counterActor struct{}

func (counterActor) ActorTypeName() string { return "Counter" }

func newCounterManager(t *testing.T, siloID string) *activation.Manager {
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

	r := ring.New(10)
	r.Rebuild([]string{siloID})

	mgr := activation.New(activation.DefaultConfig(siloID), reg, r, nil, nil, nil)
	t.Cleanup(mgr.Stop)
	return mgr
}

func TestGatewayDispatchesLocally(t *testing.T) {
	r := ring.New(10)
	r.Rebuild([]string{"silo-a"})

	mgr := newCounterManager(t, "silo-a")

	gw := New(Config{
		SelfSiloID:  "silo-a",
		Ring:        r,
		Local:       mgr,
		RetryBudget: 2,
	})

	ref := GetActor[counterActor](gw, "c-1")

	var out int
	require.NoError(t, ref.Call(context.Background(), "Incr", nil, &out))
	require.Equal(t, 1, out)
}

type flakyRemote struct {
	calls      atomic.Int64
	failUntil  int64
	failingErr error
	okPayload  []byte
}

func (f *flakyRemote) Invoke(ctx context.Context, targetSilo string, env activation.Envelope) (activation.Response, error) {
	n := f.calls.Add(1)
	if n <= f.failUntil {
		return activation.Response{}, f.failingErr
	}
	return activation.Response{Payload: f.okPayload}, nil
}

func TestGatewayRetriesTransientRemoteError(t *testing.T) {
	r := ring.New(10)
	r.Rebuild([]string{"silo-b"})

	remote := &flakyRemote{
		failUntil:  2,
		failingErr: errs.New(errs.KindUnreachable, "boom"),
		okPayload:  []byte(`"ok"`),
	}

	gw := New(Config{
		SelfSiloID:     "silo-a",
		Ring:           r,
		Remote:         remote,
		RetryBudget:    3,
		BaseRetryDelay: time.Millisecond,
		MaxRetryDelay:  5 * time.Millisecond,
	})

	ref := GetActor[counterActor](gw, "c-1")

	var out string
	require.NoError(t, ref.Call(context.Background(), "Incr", nil, &out))
	require.Equal(t, "ok", out)
	require.Equal(t, int64(3), remote.calls.Load())
}

func TestGatewayGivesUpOnPermanentError(t *testing.T) {
	r := ring.New(10)
	r.Rebuild([]string{"silo-b"})

	remote := &flakyRemote{failUntil: 10, failingErr: errs.New(errs.KindNotFound, "no such actor")}

	gw := New(Config{
		SelfSiloID:  "silo-a",
		Ring:        r,
		Remote:      remote,
		RetryBudget: 3,
	})

	ref := GetActor[counterActor](gw, "c-1")

	err := ref.Call(context.Background(), "Incr", nil, nil)
	require.Error(t, err)
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
	require.Equal(t, int64(1), remote.calls.Load())
}

type staticMembership struct {
	infos []membership.SiloInfo
}

func (s staticMembership) Join(ctx context.Context, info membership.SiloInfo) error { return nil }
func (s staticMembership) Leave(ctx context.Context, siloID string) error           { return nil }
func (s staticMembership) List(ctx context.Context) ([]membership.SiloInfo, error) {
	return s.infos, nil
}
func (s staticMembership) Subscribe(listener func(membership.ChangeEvent)) func() {
	return func() {}
}

func TestGatewayRefreshesRingWhenEmpty(t *testing.T) {
	r := ring.New(10)
	// Ring starts empty; the gateway must pull membership before it can
	// resolve an owner at all.

	mp := staticMembership{infos: []membership.SiloInfo{
		{SiloID: "silo-a", Status: membership.StatusActive},
	}}

	mgr := newCounterManager(t, "silo-a")

	gw := New(Config{
		SelfSiloID:  "silo-a",
		Ring:        r,
		Membership:  mp,
		Local:       mgr,
		RetryBudget: 2,
	})

	ref := GetActor[counterActor](gw, "c-1")

	var out int
	require.NoError(t, ref.Call(context.Background(), "Incr", nil, &out))
	require.Equal(t, 1, out)
}
