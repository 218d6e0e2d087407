package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the daemon.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection. Calls request the JSON codec
// themselves, so cc needs no default call options.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetStatus(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "GetStatus", in, opts)
}

func (c *Client) ListConversations(ctx context.Context, in *ListConversationsRequest, opts ...grpc.CallOption) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c, "ListConversations", in, opts)
}

func (c *Client) ListMessages(ctx context.Context, in *ListMessagesRequest, opts ...grpc.CallOption) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c, "ListMessages", in, opts)
}

func (c *Client) SendMessage(ctx context.Context, in *SendMessageRequest, opts ...grpc.CallOption) (*SendMessageResponse, error) {
	return invoke[SendMessageResponse](ctx, c, "SendMessage", in, opts)
}

func (c *Client) DeleteMessage(ctx context.Context, in *DeleteMessageRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, "DeleteMessage", in, opts)
}

func (c *Client) MarkRead(ctx context.Context, in *ConversationRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, "MarkRead", in, opts)
}

func (c *Client) Refresh(ctx context.Context, in *ConversationRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, "Refresh", in, opts)
}

func (c *Client) DeleteConversation(ctx context.Context, in *ConversationRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c, "DeleteConversation", in, opts)
}

func (c *Client) UploadMedia(ctx context.Context, in *UploadMediaRequest, opts ...grpc.CallOption) (*UploadMediaResponse, error) {
	return invoke[UploadMediaResponse](ctx, c, "UploadMedia", in, opts)
}

// WatchConversation streams events of one conversation until ctx ends or
// the daemon stops.
func (c *Client) WatchConversation(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[EventEnvelope], error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ChatServiceDesc.Streams[0], fullMethod("WatchConversation"), opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchRequest, EventEnvelope]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
