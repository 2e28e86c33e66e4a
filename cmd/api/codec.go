package main

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec carries API messages as JSON over gRPC. Clients select it with
// the "json" content subtype (application/grpc+json).
type jsonCodec struct{}

const codecName = "json"

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
