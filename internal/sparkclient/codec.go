package sparkclient

import "encoding/json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec over plain Go
// structs. Spark's generated protobuf stubs are not vendored into this
// module (no .proto definitions ship with the example corpus this package
// is grounded on — see DESIGN.md), so rather than fabricate a protobuf
// schema this client negotiates a custom "json" content-subtype, the same
// grpc-go extension point real gRPC-JSON gateways use, and calls
// *grpc.ClientConn.Invoke directly against the method name instead of a
// generated stub. The RPC shape (PerRPCCredentials, grpc.NewClient, one
// shared *grpc.ClientConn) is otherwise exactly the teacher's
// internal/lnd.Client pattern.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return codecName }

const codecName = "json"
