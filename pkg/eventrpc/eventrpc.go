// Package eventrpc defines the EventSink gRPC service the agent ships events
// to. Messages are google.protobuf.Struct so the service needs no generated
// message types; the descriptor below is what protoc-gen-go-grpc would emit
// for:
//
//	service EventSink {
//	  rpc Publish(google.protobuf.Struct) returns (google.protobuf.Struct);
//	}
package eventrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/wptpipe/wptpipe/pkg/types"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "wptpipe.v1.EventSink"

// PublishMethod is the full method name used on the wire.
const PublishMethod = "/" + ServiceName + "/Publish"

// EventSinkServer is implemented by the collector.
type EventSinkServer interface {
	Publish(ctx context.Context, event *structpb.Struct) (*structpb.Struct, error)
}

// RegisterEventSinkServer registers srv on s.
func RegisterEventSinkServer(s grpc.ServiceRegistrar, srv EventSinkServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventSinkServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Publish", Handler: publishHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wptpipe/v1/events.proto",
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EventSinkServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PublishMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(EventSinkServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// EventSinkClient is the client side of EventSink.
type EventSinkClient interface {
	Publish(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type eventSinkClient struct {
	cc grpc.ClientConnInterface
}

// NewEventSinkClient returns a client bound to cc.
func NewEventSinkClient(cc grpc.ClientConnInterface) EventSinkClient {
	return &eventSinkClient{cc: cc}
}

func (c *eventSinkClient) Publish(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, PublishMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode converts an Event to a Struct by way of its JSON form, so the
// payload keeps the same field names it has on every other sink.
func Encode(ev types.Event) (*structpb.Struct, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("eventrpc: marshal event: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("eventrpc: unmarshal event: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("eventrpc: build struct: %w", err)
	}
	return s, nil
}

// Decode converts a Struct back into an Event. Payload is left as a
// json.RawMessage for the receiver to interpret per event type.
func Decode(s *structpb.Struct) (types.Event, error) {
	b, err := s.MarshalJSON()
	if err != nil {
		return types.Event{}, fmt.Errorf("eventrpc: marshal struct: %w", err)
	}
	var wire struct {
		types.Event
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return types.Event{}, fmt.Errorf("eventrpc: decode event: %w", err)
	}
	ev := wire.Event
	ev.Payload = wire.Payload
	return ev, nil
}

// Ack is the response returned by a successful Publish.
func Ack() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"ok": structpb.NewBoolValue(true),
	}}
}
