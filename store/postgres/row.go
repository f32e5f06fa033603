package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rbaliyan/sendpool/store"
)

// row is the database representation of a mailbox.
// smtp and events are stored as JSONB.
type row struct {
	ID               string     `db:"id"`
	OrgID            string     `db:"org_id"`
	Email            string     `db:"email"`
	Domain           string     `db:"domain"`
	SMTP             []byte     `db:"smtp"`
	Status           string     `db:"status"`
	Health           float64    `db:"health"`
	DailyLimit       int        `db:"daily_limit"`
	SentToday        int        `db:"sent_today"`
	TotalSent        int64      `db:"total_sent"`
	WarmupEnabled    bool       `db:"warmup_enabled"`
	Events           []byte     `db:"events"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	LastSentAt       *time.Time `db:"last_sent_at"`
	LastHealthUpdate *time.Time `db:"last_health_update"`
	Version          int64      `db:"version"`
}

type usageRow struct {
	MailboxID string `db:"mailbox_id"`
	Email     string `db:"email"`
	Sent      int    `db:"sent"`
}

func toRow(m *store.Mailbox) (*row, error) {
	smtpJSON, err := json.Marshal(m.SMTP)
	if err != nil {
		return nil, fmt.Errorf("marshal smtp: %w", err)
	}
	events := m.Events
	if events == nil {
		events = map[string]int64{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("marshal events: %w", err)
	}
	return &row{
		ID:               m.ID,
		OrgID:            m.OrgID,
		Email:            m.Email,
		Domain:           m.Domain,
		SMTP:             smtpJSON,
		Status:           string(m.Status),
		Health:           m.Health,
		DailyLimit:       m.DailyLimit,
		SentToday:        m.SentToday,
		TotalSent:        m.TotalSent,
		WarmupEnabled:    m.WarmupEnabled,
		Events:           eventsJSON,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
		LastSentAt:       m.LastSentAt,
		LastHealthUpdate: m.LastHealthUpdate,
		Version:          m.Version,
	}, nil
}

func (r *row) toMailbox() (*store.Mailbox, error) {
	m := &store.Mailbox{
		ID:               r.ID,
		OrgID:            r.OrgID,
		Email:            r.Email,
		Domain:           r.Domain,
		Status:           store.Status(r.Status),
		Health:           r.Health,
		DailyLimit:       r.DailyLimit,
		SentToday:        r.SentToday,
		TotalSent:        r.TotalSent,
		WarmupEnabled:    r.WarmupEnabled,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
		LastSentAt:       r.LastSentAt,
		LastHealthUpdate: r.LastHealthUpdate,
		Version:          r.Version,
	}
	if len(r.SMTP) > 0 {
		if err := json.Unmarshal(r.SMTP, &m.SMTP); err != nil {
			return nil, fmt.Errorf("unmarshal smtp: %w", err)
		}
	}
	if len(r.Events) > 0 {
		if err := json.Unmarshal(r.Events, &m.Events); err != nil {
			return nil, fmt.Errorf("unmarshal events: %w", err)
		}
	}
	return m, nil
}
