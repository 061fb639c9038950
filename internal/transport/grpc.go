package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "retract.overlay.v1.Overlay"

// OverlayServer is the server API for the Overlay gRPC service.
//
// Messages are protobuf well-known wrapper types, so no protoc toolchain is
// needed: Deliver carries the wire bytes of one signed record and answers
// with the outcome name; RequestMissing carries a canonical JSON missing
// record request and answers with the number of records queued in reply.
type OverlayServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
	RequestMissing(context.Context, *wrapperspb.BytesValue) (*wrapperspb.Int64Value, error)
}

// UnimplementedOverlayServer can be embedded to have forward compatible implementations.
type UnimplementedOverlayServer struct{}

func (UnimplementedOverlayServer) Deliver(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Deliver not implemented")
}
func (UnimplementedOverlayServer) RequestMissing(context.Context, *wrapperspb.BytesValue) (*wrapperspb.Int64Value, error) {
	return nil, status.Error(codes.Unimplemented, "method RequestMissing not implemented")
}

// RegisterOverlayServer registers the Overlay service on a gRPC server.
func RegisterOverlayServer(s grpc.ServiceRegistrar, srv OverlayServer) {
	s.RegisterService(&Overlay_ServiceDesc, srv)
}

// OverlayClient is the client API for the Overlay gRPC service.
type OverlayClient interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	RequestMissing(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.Int64Value, error)
}

type overlayClient struct{ cc grpc.ClientConnInterface }

func NewOverlayClient(cc grpc.ClientConnInterface) OverlayClient { return &overlayClient{cc: cc} }

func (c *overlayClient) Deliver(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	err := c.cc.Invoke(ctx, "/"+serviceName+"/Deliver", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *overlayClient) RequestMissing(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.Int64Value, error) {
	out := new(wrapperspb.Int64Value)
	err := c.cc.Invoke(ctx, "/"+serviceName+"/RequestMissing", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func _Overlay_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OverlayServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Deliver"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OverlayServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _Overlay_RequestMissing_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OverlayServer).RequestMissing(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestMissing"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OverlayServer).RequestMissing(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Overlay_ServiceDesc is the grpc.ServiceDesc for Overlay service.
var Overlay_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*OverlayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: _Overlay_Deliver_Handler},
		{MethodName: "RequestMissing", Handler: _Overlay_RequestMissing_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "overlay.proto",
}
