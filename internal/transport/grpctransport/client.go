package grpctransport

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/roasbeef/meridian/internal/activation"
	"github.com/roasbeef/meridian/internal/codec"
	"github.com/roasbeef/meridian/internal/errs"
	"github.com/roasbeef/meridian/internal/telemetry"
)

// AddressResolver maps a silo ID to its dialable network address. A real
// deployment backs this with the membership table; the in-process test
// cluster backs it with a static map.
type AddressResolver func(siloID string) (addr string, ok bool)

// Transport is the client side of grpctransport: it dials peer silos
// lazily, caches the connections, and implements transport.Transport by
// invoking the hand-registered Invoke method over them. It optionally also
// hosts this silo's own Server, so one Transport value can serve both
// directions of the connection.
type Transport struct {
	resolve AddressResolver
	codec   codec.Codec
	hooks   telemetry.Hooks

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn

	server *Server
}

// Config configures a Transport.
type Config struct {
	// Resolve maps a silo ID to a dialable address. Required.
	Resolve AddressResolver

	// Codec marshals Envelope/Response payloads. Required.
	Codec codec.Codec

	// ListenAddr, if non-empty, causes Start to also bring up a Server
	// listening on this address for inbound Invoke calls targeting this
	// silo.
	ListenAddr string

	// LocalInvoker is the local silo's activation.Manager (or anything
	// satisfying localInvoker). It may be nil and supplied later through
	// SetLocalInvoker; until then inbound calls fail.
	LocalInvoker localInvoker

	// Hooks receives per-call telemetry for outbound Invoke calls.
	// Defaults to telemetry.NoOp.
	Hooks telemetry.Hooks
}

// New constructs a Transport from cfg.
func New(cfg Config) *Transport {
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = telemetry.NoOp{}
	}

	t := &Transport{
		resolve: cfg.Resolve,
		codec:   cfg.Codec,
		hooks:   hooks,
		conns:   make(map[string]*grpc.ClientConn),
	}

	if cfg.ListenAddr != "" {
		t.server = NewServer(cfg.ListenAddr, cfg.Codec, cfg.LocalInvoker)
	}

	return t
}

// SetLocalInvoker wires (or replaces) the local invoker this Transport's
// embedded Server dispatches into, if one was configured via ListenAddr. It
// is a no-op otherwise.
func (t *Transport) SetLocalInvoker(mgr *activation.Manager) {
	if t.server != nil {
		t.server.SetLocalInvoker(mgr)
	}
}

// Start implements transport.Transport: it brings up the local server, if
// configured. Outbound connections are dialed lazily on first Invoke.
func (t *Transport) Start(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	return t.server.Start(ctx)
}

// Stop implements transport.Transport: it stops the local server (if any)
// and closes every outbound connection this Transport dialed.
func (t *Transport) Stop(ctx context.Context, drain bool) error {
	if t.server != nil {
		if err := t.server.Stop(ctx, drain); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, conn := range t.conns {
		if err := conn.Close(); err != nil {
			log.Warnf("grpctransport: closing connection to %s: %v", addr, err)
		}
	}
	t.conns = make(map[string]*grpc.ClientConn)

	return nil
}

func (t *Transport) connFor(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawCodecName)),
	)
	if err != nil {
		return nil, err
	}

	t.conns[addr] = conn
	return conn, nil
}

// Invoke implements transport.Transport.
func (t *Transport) Invoke(ctx context.Context, targetSilo string, env activation.Envelope) (resp activation.Response, err error) {
	defer telemetry.Timer(t.hooks, telemetry.SpanTransportInvoke)(&err)

	addr, ok := t.resolve(targetSilo)
	if !ok {
		return activation.Response{}, errs.New(
			errs.KindUnreachable, "grpctransport: no address known for silo %q", targetSilo,
		)
	}

	conn, err := t.connFor(addr)
	if err != nil {
		return activation.Response{}, errs.Wrap(
			errs.KindUnreachable, err, "grpctransport: dialing silo %q at %s", targetSilo, addr,
		)
	}

	reqBytes, err := marshalEnvelope(t.codec, env)
	if err != nil {
		return activation.Response{}, errs.Wrap(
			errs.KindMarshallingFailed, err, "grpctransport: encoding envelope for %q", targetSilo,
		)
	}

	var respBytes []byte
	err = conn.Invoke(ctx, invokeMethodFullName, &reqBytes, &respBytes)
	if err != nil {
		if ctx.Err() != nil {
			return activation.Response{}, errs.Wrap(errs.KindCancelled, err, "grpctransport: invoke to %q", targetSilo)
		}
		return activation.Response{}, errs.Wrap(
			errs.KindUnreachable, err, "grpctransport: invoke to %q failed", targetSilo,
		)
	}

	resp, err = unmarshalResponse(t.codec, respBytes)
	if err != nil {
		return activation.Response{}, errs.Wrap(
			errs.KindMarshallingFailed, err, "grpctransport: decoding response from %q", targetSilo,
		)
	}

	return resp, nil
}
