package domain

import (
	"context"
	"time"
)

// SubscriberStats is the global active subscriber panel.
type SubscriberStats struct {
	Count          int        `bson:"count" json:"count"`
	Emails         []string   `bson:"emails" json:"emails"`
	UpdatedAt      time.Time  `bson:"updated_at" json:"updatedAt"`
	LastManualSync *time.Time `bson:"last_manual_sync,omitempty" json:"lastManualSync,omitempty"`
}

// StatsDelta is one adjustment of the stats document.
type StatsDelta struct {
	Email string
	Add   bool
}

// StatsDeltas derives stats adjustments from a user write. Only the ACTIVE-ness
// of the provider state and the email matter.
func StatsDeltas(before, after *User) []StatsDelta {
	if after == nil {
		if before != nil && before.Email != "" && before.ProviderStateOf() == StateActive {
			return []StatsDelta{{Email: before.Email, Add: false}}
		}
		return nil
	}

	var oldEmail string
	if before != nil {
		oldEmail = before.Email
	}
	wasActive := before.ProviderStateOf() == StateActive
	isActive := after.ProviderStateOf() == StateActive

	switch {
	case !wasActive && isActive && after.Email != "":
		return []StatsDelta{{Email: after.Email, Add: true}}
	case wasActive && !isActive && oldEmail != "":
		return []StatsDelta{{Email: oldEmail, Add: false}}
	case wasActive && isActive && oldEmail != after.Email:
		var out []StatsDelta
		if oldEmail != "" {
			out = append(out, StatsDelta{Email: oldEmail, Add: false})
		}
		if after.Email != "" {
			out = append(out, StatsDelta{Email: after.Email, Add: true})
		}
		return out
	}
	return nil
}

// StatsRepository maintains the singleton stats document.
type StatsRepository interface {
	Get(ctx context.Context) (*SubscriberStats, error)
	Adjust(ctx context.Context, d StatsDelta, at time.Time) error
	Replace(ctx context.Context, emails []string, at time.Time) error
}
