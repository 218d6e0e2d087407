// Package api implements the gymchat.v1.Chat gRPC service on top of the
// chat facade.
package api

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/gymlink/gymchat/internal/bus"
	"github.com/gymlink/gymchat/internal/chat"
	"github.com/gymlink/gymchat/internal/model"
	"github.com/gymlink/gymchat/internal/rpc"
)

// ChatService implements rpc.ChatServer.
type ChatService struct {
	rpc.UnimplementedChatServer

	chat        *chat.Service
	bus         *bus.Bus
	sessionName string
	realtime    string
	startedAt   time.Time
	logger      *zap.Logger
}

// NewChatService creates the service. logger may be nil.
func NewChatService(svc *chat.Service, b *bus.Bus, sessionName, realtime string, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		chat:        svc,
		bus:         b,
		sessionName: sessionName,
		realtime:    realtime,
		startedAt:   time.Now(),
		logger:      logger,
	}
}

func (s *ChatService) GetStatus(_ context.Context, _ *rpc.StatusRequest) (*rpc.StatusResponse, error) {
	open := s.chat.OpenConversations()
	states := make(map[string]string, len(open))
	for _, id := range open {
		states[strconv.FormatInt(id, 10)] = string(s.chat.State(id))
	}
	return &rpc.StatusResponse{
		Session:           s.sessionName,
		UserID:            s.chat.UserID(),
		UptimeMs:          time.Since(s.startedAt).Milliseconds(),
		Realtime:          s.realtime,
		OpenConversations: open,
		States:            states,
	}, nil
}

func (s *ChatService) ListConversations(ctx context.Context, req *rpc.ListConversationsRequest) (*rpc.ListConversationsResponse, error) {
	convs := s.chat.Conversations()
	if req.Reload || len(convs) == 0 {
		if err := s.chat.LoadConversations(ctx); err != nil {
			return nil, toStatus(err)
		}
		convs = s.chat.Conversations()
	}
	return &rpc.ListConversationsResponse{Conversations: convs}, nil
}

func (s *ChatService) ListMessages(ctx context.Context, req *rpc.ListMessagesRequest) (*rpc.ListMessagesResponse, error) {
	conv, err := s.chat.Open(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	defer conv.Close()
	return &rpc.ListMessagesResponse{
		Messages: conv.Messages(),
		State:    string(conv.State()),
	}, nil
}

func (s *ChatService) SendMessage(ctx context.Context, req *rpc.SendMessageRequest) (*rpc.SendMessageResponse, error) {
	conv, err := s.chat.Open(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	defer conv.Close()

	content := model.Content{Text: req.Text, ImageURL: req.ImageURL}
	if req.ImagePath != "" {
		url := conv.UploadMedia(ctx, req.ImagePath)
		if url == "" {
			return nil, grpcstatus.Errorf(codes.Unavailable, "upload %s failed", req.ImagePath)
		}
		content.ImageURL = url
	}

	msg, err := conv.SendMessage(ctx, content)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.SendMessageResponse{Message: msg}, nil
}

func (s *ChatService) DeleteMessage(ctx context.Context, req *rpc.DeleteMessageRequest) (*rpc.Empty, error) {
	if req.MessageID.IsZero() {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_id is required")
	}
	conv, err := s.chat.Open(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	defer conv.Close()
	if err := conv.DeleteMessage(ctx, req.MessageID); err != nil {
		return nil, toStatus(err)
	}
	return &rpc.Empty{}, nil
}

func (s *ChatService) MarkRead(ctx context.Context, req *rpc.ConversationRequest) (*rpc.Empty, error) {
	conv, err := s.chat.Open(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	defer conv.Close()
	conv.MarkAsRead(ctx)
	return &rpc.Empty{}, nil
}

func (s *ChatService) Refresh(ctx context.Context, req *rpc.ConversationRequest) (*rpc.Empty, error) {
	conv, err := s.chat.Open(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	defer conv.Close()
	if err := conv.Refresh(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &rpc.Empty{}, nil
}

func (s *ChatService) DeleteConversation(ctx context.Context, req *rpc.ConversationRequest) (*rpc.Empty, error) {
	if req.ConversationID == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	if err := s.chat.DeleteConversation(ctx, req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	return &rpc.Empty{}, nil
}

func (s *ChatService) UploadMedia(ctx context.Context, req *rpc.UploadMediaRequest) (*rpc.UploadMediaResponse, error) {
	if req.Path == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "path is required")
	}
	url := s.chat.UploadMedia(ctx, 0, req.Path)
	if url == "" {
		return nil, grpcstatus.Errorf(codes.Unavailable, "upload %s failed", req.Path)
	}
	return &rpc.UploadMediaResponse{URL: url}, nil
}

// WatchConversation keeps a view on the conversation mounted for the
// lifetime of the stream and forwards its bus events. Conversation id 0
// forwards every event without mounting a view.
func (s *ChatService) WatchConversation(req *rpc.WatchRequest, stream grpc.ServerStreamingServer[rpc.EventEnvelope]) error {
	ctx := stream.Context()
	ch, unsub := s.bus.SubscribeConversation("", req.ConversationID, 256)
	defer unsub()

	if req.ConversationID != 0 {
		conv, err := s.chat.Open(ctx, req.ConversationID)
		if err != nil {
			return toStatus(err)
		}
		defer conv.Close()
	}

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(s.envelope(evt)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *ChatService) envelope(evt bus.Event) *rpc.EventEnvelope {
	env := &rpc.EventEnvelope{
		EventID:          uuid.New().String(),
		Session:          s.sessionName,
		Kind:             evt.Kind,
		ConversationID:   evt.ConversationID,
		OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
	}
	if evt.Payload != nil {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			s.logger.Warn("event payload not encodable", zap.String("kind", evt.Kind), zap.Error(err))
		} else {
			env.Payload = payload
		}
	}
	return env
}
