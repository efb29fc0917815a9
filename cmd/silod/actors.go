package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/roasbeef/meridian/internal/registry"
)

// cellState is the durable state behind the reference KVCell actor type:
// a single named counter, the simplest possible activation that still
// exercises Persist/Hydrate round-tripping.
type cellState struct {
	Value int64 `json:"value"`
}

// registerActorTypes populates reg with the reference actor types shipped
// with silod itself, so a freshly built cluster has something to invoke
// without writing a Go program first. Real deployments register their own
// types the same way, at process start, before Start is called.
func registerActorTypes(reg *registry.Registry) {
	err := reg.Register(registry.TypeDef{
		Name: "KVCell",
		New:  func() any { return &cellState{} },
		Methods: map[string]registry.Handler{
			"Get": func(ctx context.Context, state any, inv registry.Invocation) ([]byte, error) {
				return json.Marshal(state.(*cellState))
			},
			"Incr": func(ctx context.Context, state any, inv registry.Invocation) ([]byte, error) {
				var delta struct {
					By int64 `json:"by"`
				}
				if len(inv.Payload) > 0 {
					if err := json.Unmarshal(inv.Payload, &delta); err != nil {
						return nil, fmt.Errorf("kvcell: decoding Incr request: %w", err)
					}
				}
				if delta.By == 0 {
					delta.By = 1
				}

				cell := state.(*cellState)
				cell.Value += delta.By
				return json.Marshal(cell)
			},
			"Set": func(ctx context.Context, state any, inv registry.Invocation) ([]byte, error) {
				var req cellState
				if err := json.Unmarshal(inv.Payload, &req); err != nil {
					return nil, fmt.Errorf("kvcell: decoding Set request: %w", err)
				}

				cell := state.(*cellState)
				cell.Value = req.Value
				return json.Marshal(cell)
			},
		},
		Persist: func(state any) ([]byte, error) {
			return json.Marshal(state.(*cellState))
		},
		Hydrate: func(payload []byte) (any, error) {
			var cell cellState
			if err := json.Unmarshal(payload, &cell); err != nil {
				return nil, err
			}
			return &cell, nil
		},
	})
	if err != nil {
		log.Fatalf("failed to register KVCell actor type: %v", err)
	}
}
