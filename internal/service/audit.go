package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"github.com/oklog/ulid/v2"
)

// AuditRecorder archives raw inbound payloads. The payload body goes to
// object storage when an archive is configured, the index record to Mongo.
type AuditRecorder struct {
	repo    domain.AuditRepository
	archive domain.PayloadArchive
	now     func() time.Time
}

// NewAuditRecorder creates a recorder. archive may be nil.
func NewAuditRecorder(repo domain.AuditRepository, archive domain.PayloadArchive) *AuditRecorder {
	return &AuditRecorder{repo: repo, archive: archive, now: time.Now}
}

// Record stores ev with payload attached. Archive failures fall back to
// keeping the payload inline.
func (a *AuditRecorder) Record(ctx context.Context, ev domain.RawEvent, payload []byte) error {
	now := a.now().UTC()
	ev.ID = ulid.Make().String()
	ev.ReceivedAt = now

	if a.archive != nil {
		key := fmt.Sprintf("rtdn/%s/%s/%s.json", ev.Tag, now.Format("2006/01/02"), ev.ID)
		if err := a.archive.Put(ctx, key, payload); err != nil {
			log.Printf("[Audit] Failed to archive payload %s: %v", ev.ID, err)
			ev.Payload = string(payload)
		} else {
			ev.ArchiveKey = key
		}
	} else {
		ev.Payload = string(payload)
	}

	if err := a.repo.Insert(ctx, &ev); err != nil {
		return err
	}
	return nil
}
