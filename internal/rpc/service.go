package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gymchat.v1.Chat"

// ChatServer is the daemon side of the service.
type ChatServer interface {
	GetStatus(context.Context, *StatusRequest) (*StatusResponse, error)
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	DeleteMessage(context.Context, *DeleteMessageRequest) (*Empty, error)
	MarkRead(context.Context, *ConversationRequest) (*Empty, error)
	Refresh(context.Context, *ConversationRequest) (*Empty, error)
	DeleteConversation(context.Context, *ConversationRequest) (*Empty, error)
	UploadMedia(context.Context, *UploadMediaRequest) (*UploadMediaResponse, error)
	WatchConversation(*WatchRequest, grpc.ServerStreamingServer[EventEnvelope]) error
}

// UnimplementedChatServer answers every call with codes.Unimplemented.
// Embed it to implement a subset of the service.
type UnimplementedChatServer struct{}

func (UnimplementedChatServer) GetStatus(context.Context, *StatusRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetStatus not implemented")
}
func (UnimplementedChatServer) ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListConversations not implemented")
}
func (UnimplementedChatServer) ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListMessages not implemented")
}
func (UnimplementedChatServer) SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SendMessage not implemented")
}
func (UnimplementedChatServer) DeleteMessage(context.Context, *DeleteMessageRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method DeleteMessage not implemented")
}
func (UnimplementedChatServer) MarkRead(context.Context, *ConversationRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method MarkRead not implemented")
}
func (UnimplementedChatServer) Refresh(context.Context, *ConversationRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Refresh not implemented")
}
func (UnimplementedChatServer) DeleteConversation(context.Context, *ConversationRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method DeleteConversation not implemented")
}
func (UnimplementedChatServer) UploadMedia(context.Context, *UploadMediaRequest) (*UploadMediaResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method UploadMedia not implemented")
}
func (UnimplementedChatServer) WatchConversation(*WatchRequest, grpc.ServerStreamingServer[EventEnvelope]) error {
	return status.Error(codes.Unimplemented, "method WatchConversation not implemented")
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ChatServiceDesc, srv)
}

// ChatServiceDesc describes the service for grpc.Server.RegisterService.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", ChatServer.GetStatus),
		unary("ListConversations", ChatServer.ListConversations),
		unary("ListMessages", ChatServer.ListMessages),
		unary("SendMessage", ChatServer.SendMessage),
		unary("DeleteMessage", ChatServer.DeleteMessage),
		unary("MarkRead", ChatServer.MarkRead),
		unary("Refresh", ChatServer.Refresh),
		unary("DeleteConversation", ChatServer.DeleteConversation),
		unary("UploadMedia", ChatServer.UploadMedia),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchConversation",
			Handler:       watchConversationHandler,
			ServerStreams: true,
		},
	},
	Metadata: "gymchat/v1/chat",
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds the method descriptor for one request/response call.
func unary[Req, Resp any](name string, call func(ChatServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchConversationHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServer).WatchConversation(in, &grpc.GenericServerStream[WatchRequest, EventEnvelope]{ServerStream: stream})
}
