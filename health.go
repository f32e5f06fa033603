package sendpool

import (
	"context"
	"strings"
	"time"

	"github.com/rbaliyan/sendpool/store"
	"go.opentelemetry.io/otel/attribute"
)

// Health thresholds.
const (
	// EligibleHealth is the minimum health for a mailbox to be allocated.
	EligibleHealth = 80.0
	// UnhealthyHealth is the health at or below which a mailbox is taken out
	// of rotation.
	UnhealthyHealth = 50.0
)

// EventKind is a delivery outcome reported by the sending provider.
type EventKind string

const (
	EventDelivered  EventKind = "delivered"
	EventBounced    EventKind = "bounced"
	EventOpened     EventKind = "opened"
	EventComplained EventKind = "complained"
)

var eventAliases = map[string]EventKind{
	"delivered":  EventDelivered,
	"delivery":   EventDelivered,
	"bounced":    EventBounced,
	"bounce":     EventBounced,
	"opened":     EventOpened,
	"open":       EventOpened,
	"complained": EventComplained,
	"complaint":  EventComplained,
	"spam":       EventComplained,
}

// ParseEventKind maps a provider event name to an EventKind.
// Matching ignores case and surrounding whitespace. Unrecognized names
// return *UnknownEventError.
func ParseEventKind(name string) (EventKind, error) {
	if k, ok := eventAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return k, nil
	}
	return "", &UnknownEventError{Name: name}
}

// Valid reports whether k is one of the four known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventDelivered, EventBounced, EventOpened, EventComplained:
		return true
	}
	return false
}

// Delta is the health adjustment applied for the event.
func (k EventKind) Delta() float64 {
	switch k {
	case EventBounced:
		return -5
	case EventComplained:
		return -10
	case EventDelivered:
		return 0.5
	case EventOpened:
		return 0.2
	}
	return 0
}

// applyEvent mutates m for one delivery event. It reports whether the
// mailbox flipped to unhealthy.
func applyEvent(m *store.Mailbox, kind EventKind, now time.Time) bool {
	m.Health = store.ClampHealth(m.Health + kind.Delta())
	if m.Events == nil {
		m.Events = make(map[string]int64, 4)
	}
	m.Events[string(kind)]++
	t := now
	m.LastHealthUpdate = &t

	if m.Health <= UnhealthyHealth && m.Status != store.StatusUnhealthy {
		m.Status = store.StatusUnhealthy
		return true
	}
	return false
}

// ApplyDeliveryEvent adjusts the mailbox's health for one delivery outcome and
// returns the new health. A mailbox whose health drops to UnhealthyHealth or
// below is marked unhealthy. Health never recovers the status on its own; use
// ReactivateMailbox.
func (s *service) ApplyDeliveryEvent(ctx context.Context, orgID, mailboxID string, kind EventKind) (health float64, err error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if orgID == "" || mailboxID == "" {
		return 0, ErrInvalidID
	}
	if !kind.Valid() {
		return 0, &UnknownEventError{Name: string(kind)}
	}
	if err := s.acquire(ctx); err != nil {
		return 0, err
	}
	defer s.release()

	ctx, end := s.otel.startSpan(ctx, "sendpool.delivery_event",
		attribute.String("org_id", orgID),
		attribute.String("mailbox_id", mailboxID),
		attribute.String("event", string(kind)),
	)
	defer func() { end(err) }()

	now := s.clock.Now()
	var prevHealth float64
	var prevStatus store.Status
	var flipped bool

	m, err := s.update(ctx, orgID, mailboxID, func(m *store.Mailbox) error {
		prevHealth, prevStatus = m.Health, m.Status
		flipped = applyEvent(m, kind, now)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.otel.recordDeliveryEvent(ctx, kind)

	if flipped {
		s.otel.recordStatusTransition(ctx, prevStatus, m.Status)
		s.logger.Warn("mailbox marked unhealthy",
			"org_id", orgID, "mailbox_id", mailboxID, "email", m.Email,
			"health", m.Health, "event", kind)
	}

	s.plugins.afterDeliveryEvent(ctx, m, kind, prevHealth)

	if err := publishEvent(ctx, s, s.events.MailboxHealthChanged, "MailboxHealthChanged", mailboxID, MailboxHealthChangedEvent{
		OrgID:          orgID,
		MailboxID:      mailboxID,
		Event:          string(kind),
		PreviousHealth: prevHealth,
		Health:         m.Health,
		Status:         string(m.Status),
		ChangedAt:      now,
	}); err != nil {
		return m.Health, err
	}
	if flipped {
		if err := publishEvent(ctx, s, s.events.MailboxUnhealthy, "MailboxUnhealthy", mailboxID, MailboxUnhealthyEvent{
			OrgID:          orgID,
			MailboxID:      mailboxID,
			Email:          m.Email,
			PreviousStatus: string(prevStatus),
			Health:         m.Health,
			At:             now,
		}); err != nil {
			return m.Health, err
		}
	}
	return m.Health, nil
}
