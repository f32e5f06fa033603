package sendpool

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rbaliyan/sendpool/store"
	"go.opentelemetry.io/otel/attribute"
)

// Reserve outcomes for one candidate. They never leave the package.
var (
	errCandidateIneligible = errors.New("candidate no longer eligible")
	errCandidateFull       = errors.New("candidate at daily limit")
)

// IsEligible reports whether m can be allocated at all, ignoring capacity:
// status active and health at least EligibleHealth.
func IsEligible(m *store.Mailbox) bool {
	return m.Status == store.StatusActive && m.Health >= EligibleHealth
}

// eligibilityFilter pushes IsEligible down to the backend.
func eligibilityFilter() store.ListFilter {
	minHealth := EligibleHealth
	return store.ListFilter{
		Statuses:  []store.Status{store.StatusActive},
		MinHealth: &minHealth,
	}
}

// candidates returns the org's eligible mailboxes, least used first.
// Ties are broken by ID so the order is deterministic.
func (s *service) candidates(ctx context.Context, orgID string) ([]*store.Mailbox, error) {
	list, err := s.store.ListMailboxes(ctx, orgID, eligibilityFilter())
	if err != nil {
		return nil, storeError(err)
	}

	out := list[:0]
	for _, m := range list {
		if !IsEligible(m) {
			continue
		}
		ok, err := s.plugins.allowMailbox(ctx, m)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SentToday != out[j].SentToday {
			return out[i].SentToday < out[j].SentToday
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *service) atLimit(now time.Time, eligible int) error {
	return &AllInboxesAtLimitError{
		ResetAt:  NextMidnight(now, s.opts.location),
		Eligible: eligible,
	}
}

// SelectSendingMailbox returns the least-used eligible mailbox that still has
// capacity today. It does not reserve capacity: two concurrent callers may be
// handed the same mailbox. Use ReserveSendingMailbox to select and count the
// send in one step.
func (s *service) SelectSendingMailbox(ctx context.Context, orgID string) (m *store.Mailbox, err error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if orgID == "" {
		return nil, ErrInvalidID
	}

	start := time.Now()
	ctx, end := s.otel.startSpan(ctx, "sendpool.select", attribute.String("org_id", orgID))
	defer func() {
		end(err)
		s.otel.recordSelect(ctx, "select", time.Since(start), err)
	}()

	cands, err := s.candidates(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, ErrNoActiveInboxes
	}

	now := s.clock.Now()
	for _, c := range cands {
		if c.SentToday < EffectiveDailyLimit(c, now) {
			return c, nil
		}
	}
	return nil, s.atLimit(now, len(cands))
}

// ReserveSendingMailbox selects a mailbox like SelectSendingMailbox and counts
// one send against it in the same atomic update. Eligibility and capacity are
// re-checked on the fresh record, so concurrent callers never push a mailbox
// past its effective daily limit.
//
// The returned mailbox already reflects the reserved send. Do not call
// IncrementSent for it.
func (s *service) ReserveSendingMailbox(ctx context.Context, orgID string) (m *store.Mailbox, err error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if orgID == "" {
		return nil, ErrInvalidID
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	start := time.Now()
	ctx, end := s.otel.startSpan(ctx, "sendpool.reserve", attribute.String("org_id", orgID))
	defer func() {
		end(err)
		s.otel.recordSelect(ctx, "reserve", time.Since(start), err)
	}()

	cands, err := s.candidates(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, ErrNoActiveInboxes
	}

	now := s.clock.Now()
	full := 0
	for _, c := range cands {
		reserved, err := s.update(ctx, orgID, c.ID, func(m *store.Mailbox) error {
			if !IsEligible(m) {
				return errCandidateIneligible
			}
			if m.SentToday >= EffectiveDailyLimit(m, now) {
				return errCandidateFull
			}
			recordSend(m, now)
			return nil
		})
		switch {
		case err == nil:
			s.otel.recordSent(ctx, orgID)
			return reserved, nil
		case errors.Is(err, errCandidateFull):
			full++
		case errors.Is(err, errCandidateIneligible), errors.Is(err, store.ErrNotFound):
			// Changed since the listing; try the next one.
		default:
			return nil, err
		}
	}

	if full == 0 {
		return nil, ErrNoActiveInboxes
	}
	return nil, s.atLimit(now, full)
}

func recordSend(m *store.Mailbox, now time.Time) {
	m.SentToday++
	m.TotalSent++
	t := now
	m.LastSentAt = &t
}
