// Package grpctransport carries Envelope/Response pairs between silos over
// a real gRPC connection. It deliberately avoids protoc-generated stubs: a
// single hand-written gRPC method ("Invoke") exchanges raw bytes through a
// registered content-subtype codec (codec.go), and this package's own
// codec.Codec (injected by the caller) handles the actual
// Envelope/Response marshaling inside those bytes. This keeps the wire
// contract adaptable without a protobuf schema, while still exercising
// google.golang.org/grpc the way a production deployment of this runtime
// would. No protobuf messages are used.
package grpctransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btclog/v2"
	"google.golang.org/grpc"

	"github.com/roasbeef/meridian/internal/activation"
	"github.com/roasbeef/meridian/internal/codec"
)

// log is this package's subsystem logger, wired via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

const serviceName = "meridian.Transport"
const invokeMethodFullName = "/" + serviceName + "/Invoke"

// localInvoker is the local side of the server: whatever can turn an
// Envelope into a Response for a silo's own activations. activation.Manager
// satisfies this.
type localInvoker interface {
	Invoke(ctx context.Context, env activation.Envelope) (activation.Response, error)
}

// transportServer is the interface grpc.ServiceDesc registration checks
// the server implementation against. Declaring it separately from
// serverImpl (rather than pointing HandlerType at the struct directly) is
// what grpc's RegisterService expects: HandlerType must resolve to an
// interface type.
type transportServer interface {
	Invoke(ctx context.Context, req []byte) ([]byte, error)
}

type serverImpl struct {
	codec codec.Codec

	mu      sync.RWMutex
	invoker localInvoker
}

// setInvoker replaces the local invoker a running server dispatches into.
// This lets a Server be constructed (and start listening) before the silo's
// activation.Manager exists, which is the order cmd/silod wires things in:
// the transport must be passed into silo.Config before Silo.Start builds
// the Manager.
func (s *serverImpl) setInvoker(invoker localInvoker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoker = invoker
}

// Invoke is the handler gRPC dispatches into for the Invoke method. It is
// not called directly; invokeHandler below unwraps the raw request bytes
// and calls it.
func (s *serverImpl) Invoke(ctx context.Context, reqBytes []byte) ([]byte, error) {
	env, err := unmarshalEnvelope(s.codec, reqBytes)
	if err != nil {
		return nil, fmt.Errorf("grpctransport: decoding envelope: %w", err)
	}

	s.mu.RLock()
	invoker := s.invoker
	s.mu.RUnlock()

	if invoker == nil {
		return nil, fmt.Errorf("grpctransport: no local invoker wired yet")
	}

	resp, err := invoker.Invoke(ctx, env)
	if err != nil {
		// Local invocation errors are categorical (errs.Error) and
		// travel inside the response body, not as a gRPC status, so
		// wrap them into a Response rather than returning err here.
		resp = activation.Response{Err: err}
	}

	return marshalResponse(s.codec, resp)
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var reqBytes []byte
	if err := dec(&reqBytes); err != nil {
		return nil, err
	}

	impl := srv.(transportServer)

	if interceptor == nil {
		return impl.Invoke(ctx, reqBytes)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: invokeMethodFullName}
	handler := func(ctx context.Context, req any) (any, error) {
		return impl.Invoke(ctx, req.([]byte))
	}
	return interceptor(ctx, reqBytes, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "meridian/transport.go",
}

// Server hosts the Invoke method for one silo's activation.Manager over a
// real network listener.
type Server struct {
	grpcServer *grpc.Server
	addr       string
	impl       *serverImpl
}

// NewServer constructs a Server that listens on addr and routes every
// decoded Envelope to invoker (typically a silo's activation.Manager, or nil
// if it will be wired later via SetLocalInvoker), using c to marshal the
// Envelope/Response pair.
func NewServer(addr string, c codec.Codec, invoker localInvoker) *Server {
	impl := &serverImpl{codec: c, invoker: invoker}

	gs := grpc.NewServer()
	gs.RegisterService(&serviceDesc, impl)

	return &Server{grpcServer: gs, addr: addr, impl: impl}
}

// SetLocalInvoker replaces the invoker this Server dispatches decoded
// Envelopes into. Safe to call while the server is already serving. The
// parameter is the concrete *activation.Manager type, not the unexported
// localInvoker interface, so that callers outside this package (silo.Start,
// wiring the Manager in once it exists) can reference it in a type
// assertion against their own Transport value.
func (s *Server) SetLocalInvoker(mgr *activation.Manager) {
	s.impl.setInvoker(mgr)
}

// Start implements transport.Transport: it opens the listener and serves in
// the background. It returns once the listener is open, not once serving
// stops.
func (s *Server) Start(ctx context.Context) error {
	lis, err := newListener(s.addr)
	if err != nil {
		return fmt.Errorf("grpctransport: listening on %s: %w", s.addr, err)
	}

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			log.Errorf("grpctransport: serve exited: %v", err)
		}
	}()

	return nil
}

// Stop implements transport.Transport. If drain is true it waits for
// in-flight Invoke calls to finish (GracefulStop); otherwise it tears the
// connection down immediately (Stop).
func (s *Server) Stop(ctx context.Context, drain bool) error {
	if drain {
		s.grpcServer.GracefulStop()
	} else {
		s.grpcServer.Stop()
	}
	return nil
}
