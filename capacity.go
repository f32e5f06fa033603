package sendpool

import (
	"context"
	"time"

	"github.com/rbaliyan/sendpool/store"
)

// CapacityEntry is one mailbox's line in a CapacityReport.
type CapacityEntry struct {
	MailboxID      string       `json:"mailbox_id"`
	Email          string       `json:"email"`
	Status         store.Status `json:"status"`
	Health         float64      `json:"health"`
	Eligible       bool         `json:"eligible"`
	SentToday      int          `json:"sent_today"`
	EffectiveLimit int          `json:"effective_limit"`
	Remaining      int          `json:"remaining"`
	Warmup         WarmupStatus `json:"warmup"`
}

// CapacityReport summarizes an organization's sending capacity for today.
// Totals count eligible mailboxes only.
type CapacityReport struct {
	OrgID          string          `json:"org_id"`
	GeneratedAt    time.Time       `json:"generated_at"`
	ResetAt        time.Time       `json:"reset_at"`
	Mailboxes      []CapacityEntry `json:"mailboxes"`
	EligibleCount  int             `json:"eligible_count"`
	TotalLimit     int             `json:"total_limit"`
	TotalSent      int             `json:"total_sent"`
	TotalRemaining int             `json:"total_remaining"`
}

// Capacity reports how many more sends each of the organization's mailboxes
// can take today.
func (s *service) Capacity(ctx context.Context, orgID string) (*CapacityReport, error) {
	list, err := s.ListMailboxes(ctx, orgID, store.ListFilter{})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	r := &CapacityReport{
		OrgID:       orgID,
		GeneratedAt: now,
		ResetAt:     NextMidnight(now, s.opts.location),
		Mailboxes:   make([]CapacityEntry, 0, len(list)),
	}
	for _, m := range list {
		w := ComputeWarmupStatus(m, now)
		limit := min(m.DailyLimit, w.DailyLimit)
		e := CapacityEntry{
			MailboxID:      m.ID,
			Email:          m.Email,
			Status:         m.Status,
			Health:         m.Health,
			Eligible:       IsEligible(m),
			SentToday:      m.SentToday,
			EffectiveLimit: limit,
			Remaining:      max(limit-m.SentToday, 0),
			Warmup:         w,
		}
		if e.Eligible {
			r.EligibleCount++
			r.TotalLimit += e.EffectiveLimit
			r.TotalSent += e.SentToday
			r.TotalRemaining += e.Remaining
		}
		r.Mailboxes = append(r.Mailboxes, e)
	}
	return r, nil
}
