package sendpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/sendpool/store"
)

func TestSelectPrefersLeastUsed(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	env.seed(t, store.Mailbox{Email: "a@x.io", SentToday: 3, Health: 90})
	b := env.seed(t, store.Mailbox{Email: "b@x.io", SentToday: 1, Health: 90})

	got, err := env.svc.SelectSendingMailbox(ctx, "org1")
	if err != nil {
		t.Fatalf("SelectSendingMailbox: %v", err)
	}
	if got.ID != b.ID {
		t.Errorf("expected b@x.io, got %s", got.Email)
	}
}

func TestSelectTieBreaksByID(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	a := env.seed(t, store.Mailbox{Email: "a@x.io", Health: 100})
	b := env.seed(t, store.Mailbox{Email: "b@x.io", Health: 100})
	want := a
	if b.ID < a.ID {
		want = b
	}

	for i := 0; i < 5; i++ {
		got, err := env.svc.SelectSendingMailbox(ctx, "org1")
		if err != nil {
			t.Fatalf("SelectSendingMailbox: %v", err)
		}
		if got.ID != want.ID {
			t.Fatalf("expected stable choice %s, got %s", want.ID, got.ID)
		}
	}
}

func TestSelectEligibility(t *testing.T) {
	tests := []struct {
		name     string
		mailbox  store.Mailbox
		eligible bool
	}{
		{"active and healthy", store.Mailbox{Health: 100}, true},
		{"exactly at threshold", store.Mailbox{Health: 80}, true},
		{"just below threshold", store.Mailbox{Health: 79.9}, false},
		{"pending", store.Mailbox{Health: 100, Status: store.StatusPendingVerification}, false},
		{"paused", store.Mailbox{Health: 100, Status: store.StatusPaused}, false},
		{"unhealthy", store.Mailbox{Health: 100, Status: store.StatusUnhealthy}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupService(t)
			tt.mailbox.Email = "a@x.io"
			env.seed(t, tt.mailbox)

			_, err := env.svc.SelectSendingMailbox(context.Background(), "org1")
			if tt.eligible && err != nil {
				t.Errorf("expected a mailbox, got %v", err)
			}
			if !tt.eligible && !errors.Is(err, ErrNoActiveInboxes) {
				t.Errorf("expected ErrNoActiveInboxes, got %v", err)
			}
		})
	}
}

func TestSelectNoMailboxes(t *testing.T) {
	env := setupService(t)
	if _, err := env.svc.SelectSendingMailbox(context.Background(), "org1"); !errors.Is(err, ErrNoActiveInboxes) {
		t.Errorf("expected ErrNoActiveInboxes, got %v", err)
	}
	if _, err := env.svc.SelectSendingMailbox(context.Background(), ""); !errors.Is(err, ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
}

func TestSelectAllAtLimit(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	env.seed(t, store.Mailbox{Email: "a@x.io", Health: 100, DailyLimit: 10, SentToday: 10})
	env.seed(t, store.Mailbox{Email: "b@x.io", Health: 100, DailyLimit: 10, SentToday: 12})
	// Ineligible mailboxes with capacity do not count.
	env.seed(t, store.Mailbox{Email: "c@x.io", Health: 60})

	_, err := env.svc.SelectSendingMailbox(ctx, "org1")
	if !errors.Is(err, ErrAllInboxesAtLimit) {
		t.Fatalf("expected ErrAllInboxesAtLimit, got %v", err)
	}
	limit, ok := IsAllInboxesAtLimit(err)
	if !ok {
		t.Fatal("expected *AllInboxesAtLimitError")
	}
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !limit.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", limit.ResetAt, want)
	}
	if limit.Eligible != 2 {
		t.Errorf("Eligible = %d, want 2", limit.Eligible)
	}
	if d := limit.RetryAfter(testNow); d != 12*time.Hour {
		t.Errorf("RetryAfter = %v, want 12h", d)
	}
}

func TestSelectAtLimitIffAllSaturated(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	env.seed(t, store.Mailbox{Email: "a@x.io", Health: 100, DailyLimit: 10, SentToday: 10})
	b := env.seed(t, store.Mailbox{Email: "b@x.io", Health: 100, DailyLimit: 10, SentToday: 9})

	got, err := env.svc.SelectSendingMailbox(ctx, "org1")
	if err != nil || got.ID != b.ID {
		t.Fatalf("expected b with one send left, got %v, %v", got, err)
	}

	if err := env.svc.IncrementSent(ctx, "org1", b.ID); err != nil {
		t.Fatalf("IncrementSent: %v", err)
	}
	if _, err := env.svc.SelectSendingMailbox(ctx, "org1"); !errors.Is(err, ErrAllInboxesAtLimit) {
		t.Errorf("expected ErrAllInboxesAtLimit, got %v", err)
	}
}

func TestSelectRespectsWarmupLimit(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	// Day 0 of warm-up allows 5 sends even though the configured limit is 50.
	m := env.seed(t, store.Mailbox{Email: "a@x.io", Health: 100, WarmupEnabled: true, CreatedAt: testNow, SentToday: 5})

	if _, err := env.svc.SelectSendingMailbox(ctx, "org1"); !errors.Is(err, ErrAllInboxesAtLimit) {
		t.Fatalf("expected warm-up limit to apply, got %v", err)
	}

	env.clock.Advance(7 * day)
	got, err := env.svc.SelectSendingMailbox(ctx, "org1")
	if err != nil || got.ID != m.ID {
		t.Errorf("expected mailbox available in week 2, got %v", err)
	}
}

func TestSelectLoadBalances(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	const n = 4
	ids := make([]string, n)
	for i := range ids {
		ids[i] = env.seed(t, store.Mailbox{Email: fmt.Sprintf("m%d@x.io", i), Health: 100, DailyLimit: 1000}).ID
	}

	for i := 0; i < 103; i++ {
		m, err := env.svc.SelectSendingMailbox(ctx, "org1")
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		if err := env.svc.IncrementSent(ctx, "org1", m.ID); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}

	lo, hi := 1<<31, 0
	for _, id := range ids {
		c := env.get(t, "org1", id).SentToday
		lo, hi = min(lo, c), max(hi, c)
	}
	if hi-lo > 1 {
		t.Errorf("uneven distribution: min %d max %d", lo, hi)
	}
}

func TestReserveCountsTheSend(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	m := env.seed(t, store.Mailbox{Email: "a@x.io", Health: 100, SentToday: 2, TotalSent: 40})

	got, err := env.svc.ReserveSendingMailbox(ctx, "org1")
	if err != nil {
		t.Fatalf("ReserveSendingMailbox: %v", err)
	}
	if got.ID != m.ID || got.SentToday != 3 || got.TotalSent != 41 {
		t.Errorf("unexpected reserved mailbox: %+v", got)
	}
	if got.LastSentAt == nil || !got.LastSentAt.Equal(testNow) {
		t.Errorf("expected lastSentAt %v, got %v", testNow, got.LastSentAt)
	}
	if stored := env.get(t, "org1", m.ID); stored.SentToday != 3 {
		t.Errorf("reservation not persisted: %d", stored.SentToday)
	}
}

func TestReserveErrors(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	if _, err := env.svc.ReserveSendingMailbox(ctx, "org1"); !errors.Is(err, ErrNoActiveInboxes) {
		t.Errorf("expected ErrNoActiveInboxes, got %v", err)
	}

	env.seed(t, store.Mailbox{Email: "a@x.io", Health: 100, DailyLimit: 1, SentToday: 1})
	if _, err := env.svc.ReserveSendingMailbox(ctx, "org1"); !errors.Is(err, ErrAllInboxesAtLimit) {
		t.Errorf("expected ErrAllInboxesAtLimit, got %v", err)
	}
}

func TestConcurrentReserveNeverOverAllocates(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	const perMailbox = 10
	ids := make([]string, 3)
	for i := range ids {
		ids[i] = env.seed(t, store.Mailbox{Email: fmt.Sprintf("m%d@x.io", i), Health: 100, DailyLimit: perMailbox}).ID
	}

	const callers = 60
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		limited int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.ReserveSendingMailbox(ctx, "org1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, ErrAllInboxesAtLimit):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if granted != len(ids)*perMailbox {
		t.Errorf("expected %d reservations, got %d", len(ids)*perMailbox, granted)
	}
	if granted+limited != callers {
		t.Errorf("lost callers: granted %d limited %d", granted, limited)
	}
	for _, id := range ids {
		if c := env.get(t, "org1", id).SentToday; c != perMailbox {
			t.Errorf("mailbox %s sentToday %d, want %d", id, c, perMailbox)
		}
	}
}

func TestSelectionHook(t *testing.T) {
	ctx := context.Background()
	p := &recordingPlugin{name: "blocklist", deny: map[string]bool{"a@x.io": true}}
	env := setupService(t, WithPlugin(p))
	env.seed(t, store.Mailbox{Email: "a@x.io", Health: 100})
	b := env.seed(t, store.Mailbox{Email: "b@x.io", Health: 100, SentToday: 5})

	got, err := env.svc.SelectSendingMailbox(ctx, "org1")
	if err != nil || got.ID != b.ID {
		t.Fatalf("expected vetoed mailbox to be skipped, got %v, %v", got, err)
	}

	p.failWith = errors.New("lookup failed")
	_, err = env.svc.ReserveSendingMailbox(ctx, "org1")
	var pe *PluginError
	if !errors.As(err, &pe) || pe.Op != "AllowMailbox" {
		t.Errorf("expected PluginError, got %v", err)
	}
}
