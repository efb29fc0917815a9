package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/roasbeef/meridian/internal/identity"
	"github.com/roasbeef/meridian/internal/membership"
)

// ListSilosArgs are the arguments for the list_silos tool.
type ListSilosArgs struct{}

// SiloSummary describes one cluster member as seen by this silo's
// membership view.
type SiloSummary struct {
	SiloID    string `json:"silo_id"`
	Endpoint  string `json:"endpoint"`
	Status    string `json:"status"`
	JoinEpoch int64  `json:"join_epoch"`
}

// ListSilosResult is the result of the list_silos tool.
type ListSilosResult struct {
	Silos []SiloSummary `json:"silos"`
}

func (s *Server) handleListSilos(ctx context.Context,
	req *mcp.CallToolRequest, args ListSilosArgs) (*mcp.CallToolResult, ListSilosResult, error) {

	mp := s.silo.Membership()
	if mp == nil {
		return nil, ListSilosResult{}, nil
	}

	infos, err := mp.List(ctx)
	if err != nil {
		return nil, ListSilosResult{}, fmt.Errorf("listing membership: %w", err)
	}

	result := ListSilosResult{Silos: make([]SiloSummary, 0, len(infos))}
	for _, info := range infos {
		result.Silos = append(result.Silos, SiloSummary{
			SiloID:    info.SiloID,
			Endpoint:  info.Endpoint,
			Status:    statusString(info.Status),
			JoinEpoch: info.JoinEpoch,
		})
	}
	return nil, result, nil
}

func statusString(st membership.Status) string {
	switch st {
	case membership.StatusJoining:
		return "joining"
	case membership.StatusActive:
		return "active"
	case membership.StatusDraining:
		return "draining"
	case membership.StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// GetActivationArgs are the arguments for the get_activation tool.
type GetActivationArgs struct {
	ActorType string `json:"actor_type" jsonschema:"Registered actor type name"`
	ActorID   string `json:"actor_id" jsonschema:"Instance id within the actor type"`
}

// GetActivationResult is the result of the get_activation tool.
type GetActivationResult struct {
	Present         bool   `json:"present"`
	OwningSilo      string `json:"owning_silo,omitempty"`
	LocallyActive   bool   `json:"locally_active"`
	StatelessWorker bool   `json:"stateless_worker,omitempty"`
	Instances       int    `json:"instances,omitempty"`
	LastActive      string `json:"last_active,omitempty"`
}

func (s *Server) handleGetActivation(ctx context.Context,
	req *mcp.CallToolRequest, args GetActivationArgs) (*mcp.CallToolResult, GetActivationResult, error) {

	key := identity.New(args.ActorType, args.ActorID)

	owner, ok := s.silo.Ring().Owner(key.Fingerprint())
	result := GetActivationResult{}
	if ok {
		result.OwningSilo = owner
	}

	info, found := s.silo.ActivationManager().Describe(key)
	if !found {
		return nil, result, nil
	}

	result.Present = true
	result.LocallyActive = true
	result.StatelessWorker = info.StatelessWorker
	result.Instances = info.Instances
	if !info.LastActive.IsZero() {
		result.LastActive = info.LastActive.Format(time.RFC3339Nano)
	}
	return nil, result, nil
}

// InvokeActorArgs are the arguments for the invoke_actor tool.
type InvokeActorArgs struct {
	ActorType string          `json:"actor_type" jsonschema:"Registered actor type name"`
	ActorID   string          `json:"actor_id" jsonschema:"Instance id within the actor type"`
	Method    string          `json:"method" jsonschema:"Method name to invoke"`
	Request   json.RawMessage `json:"request,omitempty" jsonschema:"JSON-encoded request payload, codec-dependent"`
	Idempotent bool           `json:"idempotent,omitempty" jsonschema:"Allow retrying a request whose response timed out"`
}

// InvokeActorResult is the result of the invoke_actor tool.
type InvokeActorResult struct {
	Response json.RawMessage `json:"response,omitempty"`
}

func (s *Server) handleInvokeActor(ctx context.Context,
	req *mcp.CallToolRequest, args InvokeActorArgs) (*mcp.CallToolResult, InvokeActorResult, error) {

	key := identity.New(args.ActorType, args.ActorID)

	var reqPayload any
	if len(args.Request) > 0 {
		reqPayload = args.Request
	}

	var out json.RawMessage
	err := s.silo.Gateway().InvokeByKey(ctx, key, args.Method, reqPayload, &out, args.Idempotent)
	if err != nil {
		return nil, InvokeActorResult{}, err
	}

	return nil, InvokeActorResult{Response: out}, nil
}

// ListDeadLettersArgs are the arguments for the list_dead_letters tool.
type ListDeadLettersArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of entries to return,default=50"`
}

// DeadLetterEntry is one dead-lettered envelope reported to a caller.
type DeadLetterEntry struct {
	ID        int64  `json:"id"`
	ActorType string `json:"actor_type"`
	ActorID   string `json:"actor_id"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

// ListDeadLettersResult is the result of the list_dead_letters tool.
type ListDeadLettersResult struct {
	Entries []DeadLetterEntry `json:"entries"`
}

func (s *Server) handleListDeadLetters(ctx context.Context,
	req *mcp.CallToolRequest, args ListDeadLettersArgs) (*mcp.CallToolResult, ListDeadLettersResult, error) {

	limit := args.Limit
	if limit <= 0 {
		limit = 50
	}

	dlqStore := s.silo.DeadLetters()
	if dlqStore == nil {
		return nil, ListDeadLettersResult{}, nil
	}

	entries, err := dlqStore.List(ctx, limit)
	if err != nil {
		return nil, ListDeadLettersResult{}, fmt.Errorf("listing dead letters: %w", err)
	}

	result := ListDeadLettersResult{Entries: make([]DeadLetterEntry, 0, len(entries))}
	for _, e := range entries {
		result.Entries = append(result.Entries, DeadLetterEntry{
			ID:        e.ID,
			ActorType: e.Key.Type,
			ActorID:   e.Key.ID,
			Reason:    e.Reason,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	return nil, result, nil
}

// SubjectMetricsArgs are the arguments for the list_topics tool.
type SubjectMetricsArgs struct {
	Subject string `json:"subject" jsonschema:"Stream subject name"`
}

// SubjectMetricsResult is the result of the list_topics tool.
type SubjectMetricsResult struct {
	Published      int64 `json:"published"`
	Dropped        int64 `json:"dropped"`
	ThrottleEvents int64 `json:"throttle_events"`
	CurrentDepth   int64 `json:"current_depth"`
	PeakDepth      int64 `json:"peak_depth"`
}

func (s *Server) handleSubjectMetrics(ctx context.Context,
	req *mcp.CallToolRequest, args SubjectMetricsArgs) (*mcp.CallToolResult, SubjectMetricsResult, error) {

	broker := s.silo.Broker()
	if broker == nil {
		return nil, SubjectMetricsResult{}, nil
	}

	m := broker.SubjectMetrics(args.Subject)
	return nil, SubjectMetricsResult{
		Published:      m.Published,
		Dropped:        m.Dropped,
		ThrottleEvents: m.ThrottleEvents,
		CurrentDepth:   m.CurrentDepth,
		PeakDepth:      m.PeakDepth,
	}, nil
}
