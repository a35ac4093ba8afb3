package proto

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec marshals the hand-written message structs above as JSON. It
// registers under grpc-go's reserved "proto" codec name — the name every
// grpc.ClientConn/Server picks by default when no content-subtype is
// negotiated — so the real google.golang.org/grpc transport, keepalive,
// and TLS machinery work unmodified while the wire encoding is ordinary
// JSON instead of protoc-generated protobuf. See DESIGN.md.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return "proto"
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
