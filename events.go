package sendpool

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names, prefixed per service with its bus name.
const (
	EventNameMailboxCreated       = "sendpool.mailbox.created"
	EventNameMailboxHealthChanged = "sendpool.mailbox.health_changed"
	EventNameMailboxUnhealthy     = "sendpool.mailbox.unhealthy"
	EventNameMailboxReactivated   = "sendpool.mailbox.reactivated"
	EventNameDailyCountersReset   = "sendpool.counters.reset"
)

// MailboxCreatedEvent is published after a mailbox is registered.
type MailboxCreatedEvent struct {
	OrgID     string    `json:"org_id"`
	MailboxID string    `json:"mailbox_id"`
	Email     string    `json:"email"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
}

// MailboxHealthChangedEvent is published for every applied delivery event.
type MailboxHealthChangedEvent struct {
	OrgID          string    `json:"org_id"`
	MailboxID      string    `json:"mailbox_id"`
	Event          string    `json:"event"`
	PreviousHealth float64   `json:"previous_health"`
	Health         float64   `json:"health"`
	Status         string    `json:"status"`
	ChangedAt      time.Time `json:"changed_at"`
}

// MailboxUnhealthyEvent is published when a mailbox is taken out of rotation
// by its health score. Operators usually alert on it.
type MailboxUnhealthyEvent struct {
	OrgID          string    `json:"org_id"`
	MailboxID      string    `json:"mailbox_id"`
	Email          string    `json:"email"`
	PreviousStatus string    `json:"previous_status"`
	Health         float64   `json:"health"`
	At             time.Time `json:"at"`
}

// MailboxReactivatedEvent is published when an operator brings an unhealthy
// or paused mailbox back.
type MailboxReactivatedEvent struct {
	OrgID          string    `json:"org_id"`
	MailboxID      string    `json:"mailbox_id"`
	PreviousStatus string    `json:"previous_status"`
	Health         float64   `json:"health"`
	At             time.Time `json:"at"`
}

// DailyCountersResetEvent is published after an organization's daily reset.
type DailyCountersResetEvent struct {
	OrgID      string    `json:"org_id"`
	Mailboxes  int       `json:"mailboxes"`
	TotalSent  int64     `json:"total_sent"`
	ArchiveURI string    `json:"archive_uri,omitempty"`
	ResetAt    time.Time `json:"reset_at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus.
//
// Subscribe to events:
//
//	svc.Events().MailboxUnhealthy.Subscribe(ctx, handler)
//	svc.Events().DailyCountersReset.Subscribe(ctx, handler)
type ServiceEvents struct {
	MailboxCreated       event.Event[MailboxCreatedEvent]
	MailboxHealthChanged event.Event[MailboxHealthChangedEvent]
	MailboxUnhealthy     event.Event[MailboxUnhealthyEvent]
	MailboxReactivated   event.Event[MailboxReactivatedEvent]
	DailyCountersReset   event.Event[DailyCountersResetEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		MailboxCreated:       event.New[MailboxCreatedEvent](namePrefix + "." + EventNameMailboxCreated),
		MailboxHealthChanged: event.New[MailboxHealthChangedEvent](namePrefix + "." + EventNameMailboxHealthChanged),
		MailboxUnhealthy:     event.New[MailboxUnhealthyEvent](namePrefix + "." + EventNameMailboxUnhealthy),
		MailboxReactivated:   event.New[MailboxReactivatedEvent](namePrefix + "." + EventNameMailboxReactivated),
		DailyCountersReset:   event.New[DailyCountersResetEvent](namePrefix + "." + EventNameDailyCountersReset),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.MailboxCreated); err != nil {
		return fmt.Errorf("register MailboxCreated: %w", err)
	}
	if err := event.Register(ctx, bus, events.MailboxHealthChanged); err != nil {
		return fmt.Errorf("register MailboxHealthChanged: %w", err)
	}
	if err := event.Register(ctx, bus, events.MailboxUnhealthy); err != nil {
		return fmt.Errorf("register MailboxUnhealthy: %w", err)
	}
	if err := event.Register(ctx, bus, events.MailboxReactivated); err != nil {
		return fmt.Errorf("register MailboxReactivated: %w", err)
	}
	if err := event.Register(ctx, bus, events.DailyCountersReset); err != nil {
		return fmt.Errorf("register DailyCountersReset: %w", err)
	}
	return nil
}

// publishEvent publishes data on ev. The state change it reports is already
// committed, so a failure only becomes an error with WithEventErrorsFatal.
func publishEvent[T any](ctx context.Context, s *service, ev event.Event[T], name, mailboxID string, data T) error {
	if err := ev.Publish(ctx, data); err != nil {
		if s.opts.eventErrorsFatal {
			return &EventPublishError{Event: name, MailboxID: mailboxID, Err: err}
		}
		s.opts.safeEventPublishFailure(name, err)
	}
	return nil
}
