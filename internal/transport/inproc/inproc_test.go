package inproc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/meridian/internal/activation"
	"github.com/roasbeef/meridian/internal/errs"
	"github.com/roasbeef/meridian/internal/identity"
	"github.com/roasbeef/meridian/internal/registry"
	"github.com/roasbeef/meridian/internal/ring"
)

func newManagerFor(t *testing.T, siloID string) *activation.Manager {
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

func TestInprocInvokeRoutesToRegisteredSilo(t *testing.T) {
	tr := New(nil)

	mgr := newManagerFor(t, "silo-a")
	tr.RegisterSilo("silo-a", mgr)

	resp, err := tr.Invoke(context.Background(), "silo-a", activation.Envelope{
		Key:        identity.New("Counter", "c-1"),
		Invocation: registry.Invocation{Method: "Incr"},
	})
	require.NoError(t, err)
	require.NoError(t, resp.Err)
	require.Equal(t, "1", string(resp.Payload))
}

func TestInprocInvokeUnknownSiloIsUnreachable(t *testing.T) {
	tr := New(nil)

	_, err := tr.Invoke(context.Background(), "silo-ghost", activation.Envelope{
		Key: identity.New("Counter", "c-1"),
	})
	require.Error(t, err)
	require.Equal(t, errs.KindUnreachable, errs.KindOf(err))
}

func TestInprocUnregisterSiloMakesItUnreachable(t *testing.T) {
	tr := New(nil)

	mgr := newManagerFor(t, "silo-a")
	tr.RegisterSilo("silo-a", mgr)
	tr.UnregisterSilo("silo-a")

	_, err := tr.Invoke(context.Background(), "silo-a", activation.Envelope{
		Key: identity.New("Counter", "c-1"),
	})
	require.Error(t, err)
	require.Equal(t, errs.KindUnreachable, errs.KindOf(err))
}
