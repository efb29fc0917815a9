package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btclog/v2"

	"github.com/roasbeef/meridian/internal/codec"
	"github.com/roasbeef/meridian/internal/gateway"
	"github.com/roasbeef/meridian/internal/identity"
	"github.com/roasbeef/meridian/internal/membership"
	"github.com/roasbeef/meridian/internal/registry"
	"github.com/roasbeef/meridian/internal/ring"
	"github.com/roasbeef/meridian/internal/silo"
	"github.com/roasbeef/meridian/internal/transport/grpctransport"
)

// expandHome expands a leading "~" the way silod's own flag parsing does.
func expandHome(path string) string {
	expanded := os.ExpandEnv(path)
	if expanded == path && len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		expanded = home + path[1:]
	}
	return expanded
}

// embeddedSession is one ephemeral embedded silo that siloctl starts to
// operate against an on-disk state database directly; it is used whenever
// --addr is unset. Its registry holds only the reference KVCell type, so
// an embedded invoke works for KVCell and fails with not-found for any
// other actor type.
type embeddedSession struct {
	silo *silo.Silo
}

func openEmbedded(ctx context.Context) (*embeddedSession, error) {
	reg := registry.New()
	registerReferenceTypes(reg)

	mp := membership.NewLocal(membership.DefaultConfig(), btclog.Disabled)

	s := silo.New(silo.Config{
		SiloID:     "siloctl",
		Endpoint:   "siloctl",
		Registry:   reg,
		Membership: mp,
		StatePath:  expandHome(dbPath),
	})

	if err := s.Start(ctx); err != nil {
		return nil, fmt.Errorf("opening embedded silo against %s: %w", dbPath, err)
	}

	return &embeddedSession{silo: s}, nil
}

func (e *embeddedSession) Close(ctx context.Context) {
	_ = e.silo.Stop(ctx, false)
}

// openRemoteGateway builds a Gateway that always dispatches to the single
// silo at --addr, identified as --target-silo. It carries no membership
// view of its own: the ring it builds has exactly one member, so every key
// resolves to that one silo regardless of hash placement. This is
// sufficient for pointing siloctl at one known peer; it does not discover
// the rest of a cluster.
func openRemoteGateway() (*gateway.Gateway, func(), error) {
	r := ring.New(ring.DefaultVirtualNodes)
	r.Rebuild([]string{targetSiloID})

	xport := grpctransport.New(grpctransport.Config{
		Resolve: func(siloID string) (string, bool) {
			if siloID != targetSiloID {
				return "", false
			}
			return addr, true
		},
		Codec: codec.JSON{},
	})

	cfg := gateway.DefaultConfig()
	cfg.SelfSiloID = "siloctl-remote"
	cfg.Ring = r
	cfg.Remote = xport
	gw := gateway.New(cfg)

	cleanup := func() { _ = xport.Stop(context.Background(), false) }
	return gw, cleanup, nil
}

// registerReferenceTypes registers the KVCell demo actor type under the
// same name and state encoding silod uses, so an embedded siloctl
// invocation can exercise invoke against a fresh database without a daemon
// having registered anything yet. This copy has only Get and Incr; Incr
// always adds one and ignores any request payload, and there is no Set.
func registerReferenceTypes(reg *registry.Registry) {
	_ = reg.Register(registry.TypeDef{
		Name: "KVCell",
		New:  func() any { return new(kvCellState) },
		Methods: map[string]registry.Handler{
			"Get": func(ctx context.Context, state any, inv registry.Invocation) ([]byte, error) {
				return json.Marshal(state.(*kvCellState))
			},
			"Incr": func(ctx context.Context, state any, inv registry.Invocation) ([]byte, error) {
				cell := state.(*kvCellState)
				cell.Value++
				return json.Marshal(cell)
			},
		},
		Persist: func(state any) ([]byte, error) {
			return json.Marshal(state.(*kvCellState))
		},
		Hydrate: func(payload []byte) (any, error) {
			var cell kvCellState
			if err := json.Unmarshal(payload, &cell); err != nil {
				return nil, err
			}
			return &cell, nil
		},
	})
}

type kvCellState struct {
	Value int64 `json:"value"`
}

func parseActorKey(actorType, actorID string) identity.ActorKey {
	return identity.New(actorType, actorID)
}

func outputJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func parseAt(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().Add(time.Minute), nil
	}
	return time.Parse(time.RFC3339, raw)
}
