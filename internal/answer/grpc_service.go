package answer

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName = "ragagent.v1.Answerer"
	askMethod   = "/" + serviceName + "/Ask"
)

// AnswerServer is the server side of the Ask RPC.
type AnswerServer interface {
	Ask(ctx context.Context, question *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

// Ask lets a plain function serve the RPC.
func (f Func) Ask(ctx context.Context, question *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	answer, err := f(ctx, question.GetValue())
	if err != nil {
		return nil, err
	}
	return wrapperspb.String(answer), nil
}

// ServiceDesc describes ragagent.v1.Answerer. Request and response are
// google.protobuf.StringValue so no generated code is needed on either side.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AnswerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ask", Handler: askHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ragagent/v1/answerer.proto",
}

// RegisterServer registers srv on s.
func RegisterServer(s grpc.ServiceRegistrar, srv AnswerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func askHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AnswerServer).Ask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: askMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AnswerServer).Ask(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}
