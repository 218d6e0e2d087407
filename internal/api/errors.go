package api

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/gymlink/gymchat/internal/chat"
	"github.com/gymlink/gymchat/internal/remote"
	intsync "github.com/gymlink/gymchat/internal/sync"
)

// toStatus maps facade and remote errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var se *remote.StatusError
	switch {
	case errors.Is(err, chat.ErrInvalidConversation):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, chat.ErrClosed), errors.Is(err, intsync.ErrClosed):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	case errors.As(err, &se):
		return grpcstatus.Error(httpCode(se.Code), err.Error())
	default:
		return grpcstatus.Error(codes.Unavailable, err.Error())
	}
}

func httpCode(code int) codes.Code {
	switch {
	case code == http.StatusNotFound:
		return codes.NotFound
	case code == http.StatusUnauthorized:
		return codes.Unauthenticated
	case code == http.StatusForbidden:
		return codes.PermissionDenied
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return codes.InvalidArgument
	case code == http.StatusConflict:
		return codes.FailedPrecondition
	case code >= 500:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}
