package server

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "palisade.tool_gate.v1.ToolGateService"

// ToolGateServiceServer is the server API for ToolGateService.
type ToolGateServiceServer interface {
	Execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
	DecideApproval(context.Context, *DecideApprovalRequest) (*Approval, error)
	GetApproval(context.Context, *GetApprovalRequest) (*Approval, error)
	GetReceipt(context.Context, *GetReceiptRequest) (*Receipt, error)
	GetTrace(context.Context, *GetTraceRequest) (*Trace, error)
	CloseTrace(context.Context, *CloseTraceRequest) (*Trace, error)
	IngestEvent(context.Context, *IngestEventRequest) (*IngestEventResponse, error)
}

// ServiceDesc describes ToolGateService. Messages travel with the json codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolGateServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: unaryHandler("Execute", ToolGateServiceServer.Execute)},
		{MethodName: "DecideApproval", Handler: unaryHandler("DecideApproval", ToolGateServiceServer.DecideApproval)},
		{MethodName: "GetApproval", Handler: unaryHandler("GetApproval", ToolGateServiceServer.GetApproval)},
		{MethodName: "GetReceipt", Handler: unaryHandler("GetReceipt", ToolGateServiceServer.GetReceipt)},
		{MethodName: "GetTrace", Handler: unaryHandler("GetTrace", ToolGateServiceServer.GetTrace)},
		{MethodName: "CloseTrace", Handler: unaryHandler("CloseTrace", ToolGateServiceServer.CloseTrace)},
		{MethodName: "IngestEvent", Handler: unaryHandler("IngestEvent", ToolGateServiceServer.IngestEvent)},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterToolGateServiceServer registers srv on s.
func RegisterToolGateServiceServer(s grpc.ServiceRegistrar, srv ToolGateServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler[Req, Resp any](method string, call func(ToolGateServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(ToolGateServiceServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
