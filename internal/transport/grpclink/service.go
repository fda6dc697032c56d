package grpclink

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name of the scene link.
const ServiceName = "lobby.v1.SceneLink"

const linkMethod = "/" + ServiceName + "/Link"

// LinkStream is the server side of one peer's bidirectional link.
type LinkStream = grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]

// LinkClient is the guest side of the link.
type LinkClient = grpc.BidiStreamingClient[structpb.Struct, structpb.Struct]

// SceneLinkServer is implemented by the host.
type SceneLinkServer interface {
	// Link carries commands to one guest and its reports back.
	Link(LinkStream) error
}

// sceneLinkDesc declares the service by hand; envelopes are structpb.Struct
// so the default proto codec carries them without generated types.
var sceneLinkDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SceneLinkServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Link",
			Handler:       linkHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "lobby/v1/scene_link.proto",
}

// RegisterSceneLinkServer registers srv on s.
func RegisterSceneLinkServer(s grpc.ServiceRegistrar, srv SceneLinkServer) {
	s.RegisterService(&sceneLinkDesc, srv)
}

func linkHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SceneLinkServer).Link(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// OpenLink opens the link stream on cc.
func OpenLink(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (LinkClient, error) {
	stream, err := cc.NewStream(ctx, &sceneLinkDesc.Streams[0], linkMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}
