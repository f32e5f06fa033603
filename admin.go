package sendpool

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/rbaliyan/sendpool/store"
)

// DefaultDailyLimit is the daily limit of a mailbox created without one.
const DefaultDailyLimit = 50

// CreateMailboxRequest describes a new sending mailbox.
// Nil pointer fields take their defaults.
type CreateMailboxRequest struct {
	Email string
	SMTP  store.SMTPConfig
	// DailyLimit defaults to DefaultDailyLimit.
	DailyLimit *int
	// WarmupEnabled defaults to true.
	WarmupEnabled *bool
}

// normalizeEmail parses address and returns the lowercased address and its domain.
func normalizeEmail(address string) (string, string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", "", &ValidationError{Field: "email", Message: "is required"}
	}
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return "", "", &ValidationError{Field: "email", Message: err.Error()}
	}
	if parsed.Name != "" || parsed.Address != address {
		return "", "", &ValidationError{Field: "email", Message: "must be a bare address"}
	}
	email := strings.ToLower(parsed.Address)
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", "", &ValidationError{Field: "email", Message: "missing domain"}
	}
	return email, email[at+1:], nil
}

// CreateMailbox registers a mailbox in pending_verification with full health
// and zeroed counters.
func (s *service) CreateMailbox(ctx context.Context, orgID string, req CreateMailboxRequest) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if orgID == "" {
		return nil, ErrInvalidID
	}

	email, domain, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}

	limit := DefaultDailyLimit
	if req.DailyLimit != nil {
		limit = *req.DailyLimit
	}
	if limit < 0 {
		return nil, &ValidationError{Field: "daily_limit", Message: "must not be negative"}
	}
	warmup := true
	if req.WarmupEnabled != nil {
		warmup = *req.WarmupEnabled
	}

	smtp := req.SMTP
	if len(s.opts.credentialKey) > 0 {
		smtp.Password, err = sealPassword(s.opts.credentialKey, orgID, email, smtp.Password)
		if err != nil {
			return nil, fmt.Errorf("seal smtp password: %w", err)
		}
	}

	now := s.clock.Now()
	m, err := s.store.CreateMailbox(ctx, &store.Mailbox{
		OrgID:         orgID,
		Email:         email,
		Domain:        domain,
		SMTP:          smtp,
		Status:        store.StatusPendingVerification,
		Health:        store.MaxHealth,
		DailyLimit:    limit,
		WarmupEnabled: warmup,
		Events:        map[string]int64{},
		CreatedAt:     now,
	})
	if err != nil {
		return nil, storeError(err)
	}

	s.logger.Info("mailbox created", "org_id", orgID, "mailbox_id", m.ID, "email", m.Email)

	if err := publishEvent(ctx, s, s.events.MailboxCreated, "MailboxCreated", m.ID, MailboxCreatedEvent{
		OrgID:     orgID,
		MailboxID: m.ID,
		Email:     m.Email,
		Domain:    m.Domain,
		CreatedAt: m.CreatedAt,
	}); err != nil {
		return m, err
	}
	return m, nil
}

// GetMailbox returns one mailbox of the organization.
func (s *service) GetMailbox(ctx context.Context, orgID, mailboxID string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if orgID == "" || mailboxID == "" {
		return nil, ErrInvalidID
	}
	m, err := s.store.GetMailbox(ctx, orgID, mailboxID)
	if err != nil {
		return nil, storeError(err)
	}
	return m, nil
}

// ListMailboxes returns the organization's mailboxes matching filter.
func (s *service) ListMailboxes(ctx context.Context, orgID string, filter store.ListFilter) ([]*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if orgID == "" {
		return nil, ErrInvalidID
	}
	list, err := s.store.ListMailboxes(ctx, orgID, filter)
	if err != nil {
		return nil, storeError(err)
	}
	return list, nil
}

// WarmupStatus returns the mailbox's warm-up status as of the service clock.
func (s *service) WarmupStatus(ctx context.Context, orgID, mailboxID string) (WarmupStatus, error) {
	m, err := s.GetMailbox(ctx, orgID, mailboxID)
	if err != nil {
		return WarmupStatus{}, err
	}
	return ComputeWarmupStatus(m, s.clock.Now()), nil
}

// ActivateMailbox marks a verified mailbox active. Activating an active
// mailbox is a no-op; any other starting status is rejected.
func (s *service) ActivateMailbox(ctx context.Context, orgID, mailboxID string) (*store.Mailbox, error) {
	m, _, err := s.transition(ctx, orgID, mailboxID, func(m *store.Mailbox) error {
		switch m.Status {
		case store.StatusActive:
			return errUnchanged
		case store.StatusPendingVerification:
			m.Status = store.StatusActive
			return nil
		}
		return transitionError(m.Status, store.StatusActive)
	})
	return m, err
}

// PauseMailbox takes a mailbox out of rotation regardless of its status.
func (s *service) PauseMailbox(ctx context.Context, orgID, mailboxID string) (*store.Mailbox, error) {
	m, _, err := s.transition(ctx, orgID, mailboxID, func(m *store.Mailbox) error {
		if m.Status == store.StatusPaused {
			return errUnchanged
		}
		m.Status = store.StatusPaused
		return nil
	})
	return m, err
}

// ReactivateOption configures ReactivateMailbox.
type ReactivateOption func(*reactivateOptions)

type reactivateOptions struct {
	resetHealth bool
}

// WithHealthReset restores health to 100 on reactivation. Without it, a
// mailbox reactivated below EligibleHealth stays out of rotation until
// delivered and opened events lift it back.
func WithHealthReset() ReactivateOption {
	return func(o *reactivateOptions) { o.resetHealth = true }
}

// ReactivateMailbox returns an unhealthy or paused mailbox to active. This is
// the only way out of unhealthy.
func (s *service) ReactivateMailbox(ctx context.Context, orgID, mailboxID string, opts ...ReactivateOption) (*store.Mailbox, error) {
	var o reactivateOptions
	for _, opt := range opts {
		opt(&o)
	}

	m, prev, err := s.transition(ctx, orgID, mailboxID, func(m *store.Mailbox) error {
		switch m.Status {
		case store.StatusUnhealthy, store.StatusPaused:
		case store.StatusActive:
			if !o.resetHealth || m.Health == store.MaxHealth {
				return errUnchanged
			}
		default:
			return transitionError(m.Status, store.StatusActive)
		}
		m.Status = store.StatusActive
		if o.resetHealth {
			m.Health = store.MaxHealth
		}
		return nil
	})
	if err != nil || prev == store.StatusActive {
		return m, err
	}

	if err := publishEvent(ctx, s, s.events.MailboxReactivated, "MailboxReactivated", mailboxID, MailboxReactivatedEvent{
		OrgID:          orgID,
		MailboxID:      mailboxID,
		PreviousStatus: string(prev),
		Health:         m.Health,
		At:             s.clock.Now(),
	}); err != nil {
		return m, err
	}
	return m, nil
}

// errUnchanged aborts a transition that would not change the record, so no
// write happens.
var errUnchanged = errors.New("mailbox unchanged")

func transitionError(from, to store.Status) error {
	return fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, from, to)
}

// transition applies an administrative status change and returns the
// updated mailbox and the status it had before.
func (s *service) transition(ctx context.Context, orgID, mailboxID string, fn store.UpdateFunc) (*store.Mailbox, store.Status, error) {
	if err := s.checkConnected(); err != nil {
		return nil, "", err
	}
	if orgID == "" || mailboxID == "" {
		return nil, "", ErrInvalidID
	}

	var prev store.Status
	m, err := s.update(ctx, orgID, mailboxID, func(m *store.Mailbox) error {
		prev = m.Status
		return fn(m)
	})
	if errors.Is(err, errUnchanged) {
		m, err = s.GetMailbox(ctx, orgID, mailboxID)
		if err != nil {
			return nil, "", err
		}
		return m, m.Status, nil
	}
	if err != nil {
		if errors.Is(err, ErrInvalidStatusTransition) {
			return nil, prev, err
		}
		return nil, "", err
	}
	if prev != m.Status {
		s.otel.recordStatusTransition(ctx, prev, m.Status)
		s.logger.Info("mailbox status changed",
			"org_id", orgID, "mailbox_id", mailboxID, "from", prev, "to", m.Status)
	}
	return m, prev, nil
}
