package codec

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire contract of the model service. Messages are google.protobuf.Struct so
// any inference backend can implement the service without shared stubs.
const (
	serviceName = "structgate.v1.ModelService"
	stepMethod  = "/" + serviceName + "/Step"
)

// #region client-stub
// ModelServiceClient is the client API of the model service.
type ModelServiceClient interface {
	Step(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type modelServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewModelServiceClient binds the service to a connection.
func NewModelServiceClient(cc grpc.ClientConnInterface) ModelServiceClient {
	return &modelServiceClient{cc: cc}
}

func (c *modelServiceClient) Step(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, stepMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion client-stub

// #region server-stub
// ModelServiceServer is the server API of the model service.
type ModelServiceServer interface {
	Step(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// RegisterModelServiceServer registers srv on s.
func RegisterModelServiceServer(s grpc.ServiceRegistrar, srv ModelServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ModelServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Step", Handler: stepHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "structgate/v1/model.proto",
}

func stepHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModelServiceServer).Step(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: stepMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ModelServiceServer).Step(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// #endregion server-stub
