package domain

import (
	"context"
	"time"
)

// Audit tags for archived webhook payloads
const (
	AuditTagTest       = "test"
	AuditTagOneTime    = "one_time"
	AuditTagMalformed  = "malformed"
	AuditTagFetchError = "fetch_error"
)

// RawEvent is an archived inbound payload kept for offline inspection.
type RawEvent struct {
	ID         string    `bson:"_id" json:"id"`
	Tag        string    `bson:"tag" json:"tag"`
	MessageID  string    `bson:"message_id,omitempty" json:"messageId,omitempty"`
	Token      string    `bson:"purchase_token,omitempty" json:"purchaseToken,omitempty"`
	Error      string    `bson:"error,omitempty" json:"error,omitempty"`
	Payload    string    `bson:"payload" json:"payload"`
	ArchiveKey string    `bson:"archive_key,omitempty" json:"archiveKey,omitempty"`
	ReceivedAt time.Time `bson:"received_at" json:"receivedAt"`
}

// AuditRepository stores raw event records.
type AuditRepository interface {
	Insert(ctx context.Context, ev *RawEvent) error
}

// PayloadArchive stores raw payload bytes in object storage and returns the key.
type PayloadArchive interface {
	Put(ctx context.Context, key string, payload []byte) error
}
