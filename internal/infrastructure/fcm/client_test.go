package fcm

import (
	"context"
	"errors"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/alcalc/playsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessaging struct {
	got  *messaging.MulticastMessage
	resp *messaging.BatchResponse
	err  error
}

func (f *fakeMessaging) SendEachForMulticast(ctx context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	f.got = m
	return f.resp, f.err
}

func TestSendMulticast(t *testing.T) {
	stale := errors.New("stale")
	fake := &fakeMessaging{resp: &messaging.BatchResponse{
		SuccessCount: 1,
		FailureCount: 1,
		Responses: []*messaging.SendResponse{
			{Success: true, MessageID: "m1"},
			{Success: false, Error: stale},
		},
	}}
	client := NewClient(fake)
	client.classify = func(err error) string {
		if err == stale {
			return domain.PushErrUnregistered
		}
		return ""
	}

	res, err := client.SendMulticast(context.Background(), &domain.PushMessage{
		Tokens: []string{"tok-a", "tok-b"},
		Title:  "Nuevo contenido",
		Body:   "Hay una nueva clase",
		Data:   map[string]string{"announcementId": "a1"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)
	assert.Equal(t, []string{"", domain.PushErrUnregistered}, res.ErrorCodes)
	assert.Equal(t, []string{"tok-a", "tok-b"}, fake.got.Tokens)
	assert.Equal(t, "Nuevo contenido", fake.got.Notification.Title)
	assert.Equal(t, "a1", fake.got.Data["announcementId"])
}

func TestSendMulticast_TransportError(t *testing.T) {
	client := NewClient(&fakeMessaging{err: errors.New("connection reset")})

	_, err := client.SendMulticast(context.Background(), &domain.PushMessage{Tokens: []string{"tok-a"}})
	assert.Error(t, err)
}

func TestErrorCode_Unknown(t *testing.T) {
	assert.Equal(t, "", ErrorCode(nil))
	assert.Equal(t, "messaging/unknown-error", ErrorCode(errors.New("plain")))
}
