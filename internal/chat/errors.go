package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/4xmen/chatline/internal/api"
	"github.com/4xmen/chatline/internal/ws"
)

var (
	ErrSendInProgress      = errors.New("a message is already being sent")
	ErrNotReady            = errors.New("conversation is not ready")
	ErrEmptyMessage        = errors.New("message is empty")
	ErrIdentityUnavailable = errors.New("user identity unavailable")
	ErrAlreadyMounted      = errors.New("session already mounted")
	ErrNotMounted          = errors.New("session not mounted")
)

// describe renders err for a notification body. Prefixes match the
// translation table in pkg/i18n.
func describe(err error) string {
	var ackErr *ws.AckError
	var apiErr *api.Error

	switch {
	case errors.As(err, &ackErr):
		return "server rejected request: " + ackErr.Message
	case errors.As(err, &apiErr):
		if apiErr.Message != "" {
			return "server rejected request: " + apiErr.Message
		}
		return fmt.Sprintf("server rejected request: status %d", apiErr.Status)
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out: " + err.Error()
	case errors.Is(err, ws.ErrDisconnected), errors.Is(err, ws.ErrClosed):
		return "socket disconnected: " + err.Error()
	default:
		return err.Error()
	}
}
