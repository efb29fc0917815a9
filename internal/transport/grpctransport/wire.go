package grpctransport

import (
	"time"

	"github.com/roasbeef/meridian/internal/activation"
	"github.com/roasbeef/meridian/internal/codec"
	"github.com/roasbeef/meridian/internal/errs"
	"github.com/roasbeef/meridian/internal/identity"
	"github.com/roasbeef/meridian/internal/registry"
)

// wireEnvelope is the over-the-wire shape of an activation.Envelope. It
// exists separately from Envelope so the transport's wire format can stay
// stable independent of in-process field layout, and so DeadlineUnixNano
// survives a process boundary that a time.Time's monotonic reading would
// not.
type wireEnvelope struct {
	ActorType       string `json:"actor_type"`
	ActorID         string `json:"actor_id"`
	Method          string `json:"method"`
	Payload         []byte `json:"payload"`
	CorrelationID   string `json:"correlation_id,omitempty"`
	DeadlineUnixNano int64  `json:"deadline_unix_nano,omitempty"`
}

func toWireEnvelope(env activation.Envelope) wireEnvelope {
	w := wireEnvelope{
		ActorType:     env.Key.Type,
		ActorID:       env.Key.ID,
		Method:        env.Invocation.Method,
		Payload:       env.Invocation.Payload,
		CorrelationID: env.CorrelationID,
	}
	if env.HasDeadline() {
		w.DeadlineUnixNano = env.Deadline.UnixNano()
	}
	return w
}

func fromWireEnvelope(w wireEnvelope) activation.Envelope {
	env := activation.Envelope{
		Key:           identity.New(w.ActorType, w.ActorID),
		Invocation:    registry.Invocation{Method: w.Method, Payload: w.Payload},
		CorrelationID: w.CorrelationID,
	}
	if w.DeadlineUnixNano != 0 {
		env.Deadline = time.Unix(0, w.DeadlineUnixNano)
	}
	return env
}

// wireResponse carries a Response's payload plus a categorical error back
// across the wire. Errors travel as data rather than as a gRPC status so
// the client can reconstruct the exact errs.Kind instead of losing it to
// gRPC's own status-code vocabulary.
type wireResponse struct {
	Payload    []byte `json:"payload,omitempty"`
	ErrKind    int    `json:"err_kind,omitempty"`
	ErrMessage string `json:"err_message,omitempty"`
}

func toWireResponse(resp activation.Response) wireResponse {
	w := wireResponse{Payload: resp.Payload}
	if resp.Err != nil {
		w.ErrKind = int(errs.KindOf(resp.Err))
		w.ErrMessage = resp.Err.Error()
	}
	return w
}

func fromWireResponse(w wireResponse) activation.Response {
	resp := activation.Response{Payload: w.Payload}
	if w.ErrMessage != "" {
		resp.Err = errs.New(errs.Kind(w.ErrKind), "%s", w.ErrMessage)
	}
	return resp
}

// marshalEnvelope and unmarshalResponse/unmarshalEnvelope/marshalResponse
// use the caller-supplied codec.Codec rather than a hardcoded encoding/json,
// so a client and server wired with a different Codec (e.g. a future
// protobuf-backed one) stay consistent with the rest of the silo's
// serialization boundary.

func marshalEnvelope(c codec.Codec, env activation.Envelope) ([]byte, error) {
	return c.Serialize(toWireEnvelope(env))
}

func unmarshalEnvelope(c codec.Codec, data []byte) (activation.Envelope, error) {
	var w wireEnvelope
	if err := c.Deserialize(data, &w); err != nil {
		return activation.Envelope{}, err
	}
	return fromWireEnvelope(w), nil
}

func marshalResponse(c codec.Codec, resp activation.Response) ([]byte, error) {
	return c.Serialize(toWireResponse(resp))
}

func unmarshalResponse(c codec.Codec, data []byte) (activation.Response, error) {
	var w wireResponse
	if err := c.Deserialize(data, &w); err != nil {
		return activation.Response{}, err
	}
	return fromWireResponse(w), nil
}
