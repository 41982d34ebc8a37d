package fcm

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"
	"github.com/alcalc/playsync/internal/domain"
)

// AndroidChannelID is the notification channel the app registers
const AndroidChannelID = "alcalc_general"

// MessagingClient is the subset of *messaging.Client used for delivery
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Client implements domain.PushSender over Firebase Cloud Messaging
type Client struct {
	messaging MessagingClient
	classify  func(error) string
}

// NewClient wraps a Firebase messaging client
func NewClient(mc MessagingClient) *Client {
	return &Client{messaging: mc, classify: ErrorCode}
}

// SendMulticast delivers one batch and reports a per token error code
func (c *Client) SendMulticast(ctx context.Context, msg *domain.PushMessage) (*domain.PushResult, error) {
	resp, err := c.messaging.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens: msg.Tokens,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: msg.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID: AndroidChannelID,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fcm multicast failed: %w", err)
	}

	result := &domain.PushResult{
		SuccessCount: resp.SuccessCount,
		FailureCount: resp.FailureCount,
		ErrorCodes:   make([]string, len(msg.Tokens)),
	}
	for i, r := range resp.Responses {
		if i >= len(result.ErrorCodes) {
			break
		}
		if r != nil && !r.Success && r.Error != nil {
			result.ErrorCodes[i] = c.classify(r.Error)
		}
	}
	return result, nil
}

// ErrorCode maps a per recipient FCM error to its messaging/* code
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case messaging.IsUnregistered(err):
		return domain.PushErrUnregistered
	case messaging.IsInvalidArgument(err):
		return domain.PushErrInvalidToken
	case messaging.IsQuotaExceeded(err):
		return "messaging/quota-exceeded"
	case messaging.IsUnavailable(err):
		return "messaging/server-unavailable"
	case messaging.IsSenderIDMismatch(err):
		return "messaging/mismatched-credential"
	}
	return "messaging/unknown-error"
}
