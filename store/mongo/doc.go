package mongo

import (
	"time"

	"github.com/rbaliyan/sendpool/store"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// mailboxDoc is the MongoDB document representation.
type mailboxDoc struct {
	ID               bson.ObjectID    `bson:"_id,omitempty"`
	OrgID            string           `bson:"org_id"`
	Email            string           `bson:"email"`
	Domain           string           `bson:"domain"`
	SMTP             store.SMTPConfig `bson:"smtp"`
	Status           string           `bson:"status"`
	Health           float64          `bson:"health"`
	DailyLimit       int              `bson:"daily_limit"`
	SentToday        int              `bson:"sent_today"`
	TotalSent        int64            `bson:"total_sent"`
	WarmupEnabled    bool             `bson:"warmup_enabled"`
	Events           map[string]int64 `bson:"events,omitempty"`
	CreatedAt        time.Time        `bson:"created_at"`
	UpdatedAt        time.Time        `bson:"updated_at"`
	LastSentAt       *time.Time       `bson:"last_sent_at,omitempty"`
	LastHealthUpdate *time.Time       `bson:"last_health_update,omitempty"`
	Version          int64            `bson:"version"`
}

func toDoc(m *store.Mailbox) *mailboxDoc {
	c := m.Clone()
	return &mailboxDoc{
		OrgID:            c.OrgID,
		Email:            c.Email,
		Domain:           c.Domain,
		SMTP:             c.SMTP,
		Status:           string(c.Status),
		Health:           c.Health,
		DailyLimit:       c.DailyLimit,
		SentToday:        c.SentToday,
		TotalSent:        c.TotalSent,
		WarmupEnabled:    c.WarmupEnabled,
		Events:           c.Events,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
		LastSentAt:       c.LastSentAt,
		LastHealthUpdate: c.LastHealthUpdate,
		Version:          c.Version,
	}
}

func (d *mailboxDoc) toMailbox() *store.Mailbox {
	m := &store.Mailbox{
		ID:               d.ID.Hex(),
		OrgID:            d.OrgID,
		Email:            d.Email,
		Domain:           d.Domain,
		SMTP:             d.SMTP,
		Status:           store.Status(d.Status),
		Health:           d.Health,
		DailyLimit:       d.DailyLimit,
		SentToday:        d.SentToday,
		TotalSent:        d.TotalSent,
		WarmupEnabled:    d.WarmupEnabled,
		Events:           d.Events,
		CreatedAt:        d.CreatedAt.UTC(),
		UpdatedAt:        d.UpdatedAt.UTC(),
		LastSentAt:       d.LastSentAt,
		LastHealthUpdate: d.LastHealthUpdate,
		Version:          d.Version,
	}
	return m.Clone()
}
