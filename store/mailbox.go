package store

import (
	"maps"
	"time"
)

// Status is the lifecycle state of a sending mailbox.
type Status string

const (
	// StatusPendingVerification is the initial status until DNS and
	// credentials are verified outside the allocator.
	StatusPendingVerification Status = "pending_verification"
	// StatusActive mailboxes are eligible for allocation.
	StatusActive Status = "active"
	// StatusUnhealthy is set when the health score collapses.
	// Only an administrative reactivation leaves this state.
	StatusUnhealthy Status = "unhealthy"
	// StatusPaused is set by operators.
	StatusPaused Status = "paused"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingVerification, StatusActive, StatusUnhealthy, StatusPaused:
		return true
	}
	return false
}

// Health bounds.
const (
	MinHealth = 0.0
	MaxHealth = 100.0
)

// SMTPConfig holds the outbound transport credentials of a mailbox.
// The allocator never dials SMTP; the fields are carried for the transport.
type SMTPConfig struct {
	Host     string `json:"host" bson:"host"`
	Port     int    `json:"port" bson:"port"`
	Username string `json:"username" bson:"username"`
	// Password may be sealed by the service before it reaches the store.
	Password string `json:"password" bson:"password"`
	UseTLS   bool   `json:"use_tls" bson:"use_tls"`
}

// Mailbox is a single outbound sending identity owned by an organization.
type Mailbox struct {
	ID     string     `json:"id"`
	OrgID  string     `json:"org_id"`
	Email  string     `json:"email"`
	Domain string     `json:"domain"`
	SMTP   SMTPConfig `json:"smtp"`

	Status Status  `json:"status"`
	Health float64 `json:"health"`

	DailyLimit    int   `json:"daily_limit"`
	SentToday     int   `json:"sent_today"`
	TotalSent     int64 `json:"total_sent"`
	WarmupEnabled bool  `json:"warmup_enabled"`

	// Events counts delivery events by name ("delivered", "bounced", ...).
	Events map[string]int64 `json:"events,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastSentAt       *time.Time `json:"last_sent_at,omitempty"`
	LastHealthUpdate *time.Time `json:"last_health_update,omitempty"`

	// Version is incremented by the store on every write.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the mailbox.
func (m *Mailbox) Clone() *Mailbox {
	if m == nil {
		return nil
	}
	c := *m
	if m.Events != nil {
		c.Events = make(map[string]int64, len(m.Events))
		maps.Copy(c.Events, m.Events)
	}
	if m.LastSentAt != nil {
		t := *m.LastSentAt
		c.LastSentAt = &t
	}
	if m.LastHealthUpdate != nil {
		t := *m.LastHealthUpdate
		c.LastHealthUpdate = &t
	}
	return &c
}

// ClampHealth bounds h to [MinHealth, MaxHealth].
func ClampHealth(h float64) float64 {
	if h < MinHealth {
		return MinHealth
	}
	if h > MaxHealth {
		return MaxHealth
	}
	return h
}
