package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Client calls ToolGateService over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) Execute(ctx context.Context, in *ExecuteRequest, opts ...grpc.CallOption) (*ExecuteResponse, error) {
	out := new(ExecuteResponse)
	if err := c.invoke(ctx, "Execute", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DecideApproval(ctx context.Context, in *DecideApprovalRequest, opts ...grpc.CallOption) (*Approval, error) {
	out := new(Approval)
	if err := c.invoke(ctx, "DecideApproval", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetApproval(ctx context.Context, in *GetApprovalRequest, opts ...grpc.CallOption) (*Approval, error) {
	out := new(Approval)
	if err := c.invoke(ctx, "GetApproval", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetReceipt(ctx context.Context, in *GetReceiptRequest, opts ...grpc.CallOption) (*Receipt, error) {
	out := new(Receipt)
	if err := c.invoke(ctx, "GetReceipt", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTrace(ctx context.Context, in *GetTraceRequest, opts ...grpc.CallOption) (*Trace, error) {
	out := new(Trace)
	if err := c.invoke(ctx, "GetTrace", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CloseTrace(ctx context.Context, in *CloseTraceRequest, opts ...grpc.CallOption) (*Trace, error) {
	out := new(Trace)
	if err := c.invoke(ctx, "CloseTrace", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) IngestEvent(ctx context.Context, in *IngestEventRequest, opts ...grpc.CallOption) (*IngestEventResponse, error) {
	out := new(IngestEventResponse)
	if err := c.invoke(ctx, "IngestEvent", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

// ErrorKind returns the failure kind a call reported in its trailer.
func ErrorKind(trailer metadata.MD) string {
	if v := trailer.Get(TrailerErrorKind); len(v) > 0 {
		return v[0]
	}
	return ""
}
