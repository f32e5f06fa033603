package sendpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rbaliyan/sendpool/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// IncrementSent counts one send against the mailbox. A mailbox that no longer
// exists is ignored.
func (s *service) IncrementSent(ctx context.Context, orgID, mailboxID string) (err error) {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if orgID == "" || mailboxID == "" {
		return ErrInvalidID
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	ctx, end := s.otel.startSpan(ctx, "sendpool.increment",
		attribute.String("org_id", orgID),
		attribute.String("mailbox_id", mailboxID),
	)
	defer func() { end(err) }()

	now := s.clock.Now()
	_, err = s.update(ctx, orgID, mailboxID, func(m *store.Mailbox) error {
		recordSend(m, now)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("ignoring send for missing mailbox", "org_id", orgID, "mailbox_id", mailboxID)
		return nil
	}
	if err != nil {
		return err
	}
	s.otel.recordSent(ctx, orgID)
	return nil
}

// ResetResult describes one organization's daily reset.
type ResetResult struct {
	OrgID   string
	ResetAt time.Time
	// Usage holds the counters as they were before the reset.
	Usage *store.DailyUsage
	// ArchiveURI is where Usage was archived, if an archive is configured.
	ArchiveURI string
	// ArchiveErr is set when archiving failed. The reset itself still happened.
	ArchiveErr error
}

// usageDay is the calendar day a reset at now closes. A reset shortly after
// midnight closes the previous day; one late in the evening closes today.
func usageDay(now time.Time, loc *time.Location) time.Time {
	return startOfDay(now.Add(-12*time.Hour), loc)
}

// ResetDailyCounters sets sentToday to zero for every mailbox of the
// organization. It is meant to run once per organization per day from an
// external scheduler. Running it twice in a day under-counts that day.
func (s *service) ResetDailyCounters(ctx context.Context, orgID string) (res *ResetResult, err error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if orgID == "" {
		return nil, ErrInvalidID
	}

	ctx, end := s.otel.startSpan(ctx, "sendpool.reset", attribute.String("org_id", orgID))
	defer func() { end(err) }()

	now := s.clock.Now()
	records, err := s.store.ResetSentToday(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("reset counters for org %s: %w", orgID, storeError(err))
	}

	usage := &store.DailyUsage{
		OrgID:     orgID,
		Day:       usageDay(now, s.opts.location),
		ResetAt:   now,
		Mailboxes: records,
	}
	for _, r := range records {
		usage.TotalSent += int64(r.Sent)
	}
	res = &ResetResult{OrgID: orgID, ResetAt: now, Usage: usage}

	if s.opts.archive != nil {
		uri, archErr := s.opts.archive.ArchiveUsage(ctx, usage)
		if archErr != nil {
			s.logger.Warn("failed to archive daily usage", "org_id", orgID, "error", archErr)
			res.ArchiveErr = archErr
		} else {
			res.ArchiveURI = uri
		}
	}

	s.otel.recordReset(ctx, len(records))
	s.logger.Info("daily counters reset",
		"org_id", orgID, "mailboxes", len(records), "total_sent", usage.TotalSent)

	if err := publishEvent(ctx, s, s.events.DailyCountersReset, "DailyCountersReset", "", DailyCountersResetEvent{
		OrgID:      orgID,
		Mailboxes:  len(records),
		TotalSent:  usage.TotalSent,
		ArchiveURI: res.ArchiveURI,
		ResetAt:    now,
	}); err != nil {
		return res, err
	}
	return res, nil
}

// ResetDailyCountersForOrgs resets several organizations concurrently, at
// most WithResetConcurrency at a time. Every organization is attempted; the
// results of successful resets are returned along with the joined errors of
// the failed ones.
func (s *service) ResetDailyCountersForOrgs(ctx context.Context, orgIDs ...string) ([]*ResetResult, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results = make([]*ResetResult, len(orgIDs))
		errs    []error
	)

	var g errgroup.Group
	g.SetLimit(s.opts.resetConcurrency)
	for i, orgID := range orgIDs {
		g.Go(func() error {
			res, err := s.ResetDailyCounters(ctx, orgID)
			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				results[i] = res
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}
