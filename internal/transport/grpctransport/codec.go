package grpctransport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// rawCodecName is registered as a gRPC content-subtype so the server and
// client can exchange already-serialized envelope bytes without a .proto
// file or generated stubs: this runtime has its own Codec for the
// Envelope/Response payloads (see internal/codec), so gRPC's own codec only
// needs to pass a byte slice through unmodified.
const rawCodecName = "meridian-raw"

func init() {
	encoding.RegisterCodec(rawCodec{})
}

type rawCodec struct{}

func (rawCodec) Name() string { return rawCodecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	// The client sends *[]byte; the server's handler replies with the
	// []byte returned by Invoke.
	switch b := v.(type) {
	case *[]byte:
		return *b, nil
	case []byte:
		return b, nil
	}
	return nil, fmt.Errorf("rawCodec: Marshal expects []byte or *[]byte, got %T", v)
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: Unmarshal expects *[]byte, got %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}
