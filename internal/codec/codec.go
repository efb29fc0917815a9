// Package codec defines the serialization boundary between actor-local
// Go values and the bytes that cross the mailbox/transport/storage
// boundary. A codec mismatch is a fatal error kind. A silo picks one
// Codec at startup; mixing codecs across a cluster is an operator error
// the runtime deliberately does not try to paper over.
package codec

import "encoding/json"

// Codec serializes and deserializes actor method arguments/results and
// persisted state.
type Codec interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
}

// JSON is the reference Codec implementation: human-readable, good for the
// in-process test cluster and CLI tooling, not a throughput-optimized
// choice for production wire traffic.
type JSON struct{}

// Serialize implements Codec.
func (JSON) Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Deserialize implements Codec.
func (JSON) Deserialize(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
