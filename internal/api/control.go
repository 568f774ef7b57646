package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatlink.v1.Control"

// ControlServer is the daemon's control surface. Requests and responses
// are protobuf well-known types; field names are listed per method.
type ControlServer interface {
	// GetStatus returns the session snapshot.
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Connect(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Disconnect(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	// SetToken stores a bearer token and reconnects.
	SetToken(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	// ListConversations returns conversation rows, most recent first.
	ListConversations(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	// OpenConversation opens a conversation by id and returns its
	// messages, oldest first.
	OpenConversation(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	// ListMessages reads mirrored history. Fields: conversation_id,
	// before_ms, limit.
	ListMessages(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	// SendText sends a text message. Fields: conversation_id, text.
	// Response fields: local_id, state ("sent" or "queued").
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// SendFile uploads a file readable by the daemon and sends it as a
	// media message. Fields: conversation_id, path. Response as SendText.
	SendFile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// WatchEvents streams bus events whose kind starts with the given
	// prefix; empty means all.
	WatchEvents(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}

// ControlServiceDesc describes chatlink.v1.Control.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", ControlServer.GetStatus),
		unary("Connect", ControlServer.Connect),
		unary("Disconnect", ControlServer.Disconnect),
		unary("SetToken", ControlServer.SetToken),
		unary("ListConversations", ControlServer.ListConversations),
		unary("OpenConversation", ControlServer.OpenConversation),
		unary("ListMessages", ControlServer.ListMessages),
		unary("SendText", ControlServer.SendText),
		unary("SendFile", ControlServer.SendFile),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := fullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchEvents(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}

// ControlClient calls chatlink.v1.Control.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient creates a client over cc.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, name string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ControlClient) GetStatus(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "GetStatus", in, opts)
}

func (c *ControlClient) Connect(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "Connect", in, opts)
}

func (c *ControlClient) Disconnect(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "Disconnect", in, opts)
}

func (c *ControlClient) SetToken(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "SetToken", in, opts)
}

func (c *ControlClient) ListConversations(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke[structpb.ListValue](ctx, c.cc, "ListConversations", in, opts)
}

func (c *ControlClient) OpenConversation(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke[structpb.ListValue](ctx, c.cc, "OpenConversation", in, opts)
}

func (c *ControlClient) ListMessages(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke[structpb.ListValue](ctx, c.cc, "ListMessages", in, opts)
}

func (c *ControlClient) SendText(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "SendText", in, opts)
}

func (c *ControlClient) SendFile(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, "SendFile", in, opts)
}

func (c *ControlClient) WatchEvents(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &ControlServiceDesc.Streams[0], fullMethod("WatchEvents"), opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
