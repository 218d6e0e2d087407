// Package rpc declares the gymchat.v1.Chat gRPC service spoken between the
// daemon and its clients. Messages are plain Go structs carried by a JSON
// codec, so no generated stubs are needed.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype clients must request.
const CodecName = "json"

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(codec{})
}
