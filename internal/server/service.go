// gRPC service description and client for the VersionStore service.
// Requests and responses are google.protobuf.Struct messages.
package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "versionstore.v1.VersionStore"

// VersionStoreServer is the server API for the VersionStore service
type VersionStoreServer interface {
	Save(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Update(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Remove(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SnapshotAsOf(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type structMethod func(VersionStoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, call structMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(VersionStoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(VersionStoreServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the VersionStore service for grpc.Server
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VersionStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc("Save", VersionStoreServer.Save),
		methodDesc("Update", VersionStoreServer.Update),
		methodDesc("Remove", VersionStoreServer.Remove),
		methodDesc("Get", VersionStoreServer.Get),
		methodDesc("History", VersionStoreServer.History),
		methodDesc("SnapshotAsOf", VersionStoreServer.SnapshotAsOf),
		methodDesc("Stats", VersionStoreServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "versionstore/v1/versionstore.proto",
}

// RegisterVersionStoreServer registers srv with s
func RegisterVersionStoreServer(s grpc.ServiceRegistrar, srv VersionStoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the VersionStore service
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client over cc
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Save(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Save", in, opts...)
}

func (c *Client) Update(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Update", in, opts...)
}

func (c *Client) Remove(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Remove", in, opts...)
}

func (c *Client) Get(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Get", in, opts...)
}

func (c *Client) History(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "History", in, opts...)
}

func (c *Client) SnapshotAsOf(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "SnapshotAsOf", in, opts...)
}

func (c *Client) Stats(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Stats", in, opts...)
}
