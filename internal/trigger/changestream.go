package trigger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/alcalc/playsync/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Watched collections
const (
	CollSubscriptions = "play_subscriptions"
	CollPurchaseLinks = "purchase_links"
	CollAccountLinks  = "account_links"
	CollUsers         = "users"
	CollAnnouncements = "announcements"
)

// ChangeStreamSource feeds the bus from a MongoDB change stream so writes
// made by any process reach the handlers. Needs a replica set; pre- and
// post-images are enabled per collection on Run, so Before and After are the
// exact documents around each write rather than a later lookup.
type ChangeStreamSource struct {
	db      *mongo.Database
	target  Publisher
	backoff time.Duration
}

// NewChangeStreamSource creates a source publishing into target
func NewChangeStreamSource(db *mongo.Database, target Publisher) *ChangeStreamSource {
	return &ChangeStreamSource{db: db, target: target, backoff: 2 * time.Second}
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	NS            struct {
		Coll string `bson:"coll"`
	} `bson:"ns"`
	FullDocument             bson.Raw `bson:"fullDocument"`
	FullDocumentBeforeChange bson.Raw `bson:"fullDocumentBeforeChange"`
}

// Run watches until ctx is done, reopening the stream after failures and
// resuming from the last seen token.
func (s *ChangeStreamSource) Run(ctx context.Context) error {
	s.enablePreImages(ctx)

	var resumeToken bson.Raw
	for {
		token, err := s.watch(ctx, resumeToken)
		if token != nil {
			resumeToken = token
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("[ChangeStream] stream closed: %v, reopening in %s", err, s.backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.backoff):
		}
	}
}

func (s *ChangeStreamSource) watch(ctx context.Context, resumeAfter bson.Raw) (bson.Raw, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"ns.coll":       bson.M{"$in": bson.A{CollSubscriptions, CollPurchaseLinks, CollAccountLinks, CollUsers, CollAnnouncements}},
			"operationType": bson.M{"$in": bson.A{"insert", "update", "replace", "delete"}},
		}}},
	}
	opts := options.ChangeStream().
		SetFullDocument(options.WhenAvailable).
		SetFullDocumentBeforeChange(options.WhenAvailable)
	if resumeAfter != nil {
		opts.SetResumeAfter(resumeAfter)
	}

	stream, err := s.db.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream: %w", err)
	}
	defer stream.Close(context.Background())
	log.Println("✓ Change stream opened")

	var last bson.Raw
	for stream.Next(ctx) {
		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			log.Printf("[ChangeStream] failed to decode event: %v", err)
			continue
		}
		// The bus has already retried failing handlers. The token still
		// advances so one bad event cannot stall the stream; a record whose
		// projection failed stays pending and is picked up by its next write
		// or the sweeper.
		if err := s.dispatch(ctx, &ev); err != nil {
			log.Printf("[ChangeStream] %s %s handler error, event skipped: %v", ev.NS.Coll, ev.OperationType, err)
		}
		last = stream.ResumeToken()
	}
	return last, stream.Err()
}

func (s *ChangeStreamSource) dispatch(ctx context.Context, ev *changeEvent) error {
	switch ev.NS.Coll {
	case CollSubscriptions:
		before, after, err := decodePair[domain.PlaySubscription](ev)
		if err != nil {
			return err
		}
		return s.target.SubscriptionChanged(ctx, SubscriptionChange{Before: before, After: after})
	case CollPurchaseLinks:
		_, after, err := decodePair[domain.PurchaseLink](ev)
		if err != nil || after == nil {
			return err
		}
		return s.target.PurchaseLinkChanged(ctx, PurchaseLinkChange{Link: after})
	case CollAccountLinks:
		_, after, err := decodePair[domain.AccountLink](ev)
		if err != nil || after == nil {
			return err
		}
		return s.target.AccountLinkChanged(ctx, AccountLinkChange{Link: after})
	case CollUsers:
		before, after, err := decodePair[domain.User](ev)
		if err != nil {
			return err
		}
		return s.target.UserChanged(ctx, UserChange{Before: before, After: after})
	case CollAnnouncements:
		before, after, err := decodePair[domain.Announcement](ev)
		if err != nil {
			return err
		}
		return s.target.AnnouncementChanged(ctx, AnnouncementChange{Before: before, After: after})
	}
	return nil
}

func decodePair[T any](ev *changeEvent) (*T, *T, error) {
	var before, after *T
	if len(ev.FullDocumentBeforeChange) > 0 {
		before = new(T)
		if err := bson.Unmarshal(ev.FullDocumentBeforeChange, before); err != nil {
			return nil, nil, fmt.Errorf("decode pre-image: %w", err)
		}
	}
	if ev.OperationType != "delete" && len(ev.FullDocument) > 0 {
		after = new(T)
		if err := bson.Unmarshal(ev.FullDocument, after); err != nil {
			return nil, nil, fmt.Errorf("decode document: %w", err)
		}
	}
	return before, after, nil
}

// enablePreImages turns on changeStreamPreAndPostImages for the watched
// collections. Failures are logged; handlers then see a nil Before.
func (s *ChangeStreamSource) enablePreImages(ctx context.Context) {
	for _, coll := range []string{CollSubscriptions, CollPurchaseLinks, CollAccountLinks, CollUsers, CollAnnouncements} {
		_ = s.db.CreateCollection(ctx, coll)
		cmd := bson.D{
			{Key: "collMod", Value: coll},
			{Key: "changeStreamPreAndPostImages", Value: bson.M{"enabled": true}},
		}
		if err := s.db.RunCommand(ctx, cmd).Err(); err != nil {
			log.Printf("[ChangeStream] could not enable pre-images on %s: %v", coll, err)
		}
	}
}
