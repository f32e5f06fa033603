package sendpool

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/sendpool/store"
)

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }

func TestCreateMailboxDefaults(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	m, err := env.svc.CreateMailbox(ctx, "org1", CreateMailboxRequest{
		Email: "Sales@Acme.IO",
		SMTP:  store.SMTPConfig{Host: "smtp.acme.io", Port: 587, Username: "sales", Password: "pw"},
	})
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	if m.Email != "sales@acme.io" || m.Domain != "acme.io" {
		t.Errorf("unexpected address: %s / %s", m.Email, m.Domain)
	}
	if m.Status != store.StatusPendingVerification || m.Health != 100 {
		t.Errorf("unexpected initial state: %s %v", m.Status, m.Health)
	}
	if m.DailyLimit != DefaultDailyLimit || !m.WarmupEnabled || m.SentToday != 0 || m.TotalSent != 0 {
		t.Errorf("unexpected defaults: %+v", m)
	}
	if !m.CreatedAt.Equal(testNow) {
		t.Errorf("expected createdAt from the service clock, got %v", m.CreatedAt)
	}
	if m.SMTP.Password != "pw" {
		t.Errorf("password must be stored as given without a credential key")
	}

	// Pending mailboxes are never allocated.
	if _, err := env.svc.SelectSendingMailbox(ctx, "org1"); !errors.Is(err, ErrNoActiveInboxes) {
		t.Errorf("expected ErrNoActiveInboxes for pending mailbox, got %v", err)
	}
}

func TestCreateMailboxOverrides(t *testing.T) {
	env := setupService(t)
	m, err := env.svc.CreateMailbox(context.Background(), "org1", CreateMailboxRequest{
		Email:         "a@x.io",
		DailyLimit:    intPtr(0),
		WarmupEnabled: boolPtr(false),
	})
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	if m.DailyLimit != 0 || m.WarmupEnabled {
		t.Errorf("overrides not applied: %+v", m)
	}
}

func TestCreateMailboxValidation(t *testing.T) {
	env := setupService(t)
	tests := []struct {
		name  string
		org   string
		req   CreateMailboxRequest
		field string
	}{
		{"empty email", "org1", CreateMailboxRequest{}, "email"},
		{"not an address", "org1", CreateMailboxRequest{Email: "nope"}, "email"},
		{"display name", "org1", CreateMailboxRequest{Email: "Sales <a@x.io>"}, "email"},
		{"negative limit", "org1", CreateMailboxRequest{Email: "a@x.io", DailyLimit: intPtr(-1)}, "daily_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateMailbox(context.Background(), tt.org, tt.req)
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Errorf("expected validation error on %s, got %v", tt.field, err)
			}
			if !errors.Is(err, ErrInvalidMailbox) {
				t.Errorf("expected ErrInvalidMailbox, got %v", err)
			}
		})
	}

	if _, err := env.svc.CreateMailbox(context.Background(), "", CreateMailboxRequest{Email: "a@x.io"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("expected ErrInvalidID for empty org, got %v", err)
	}
}

func TestCreateMailboxDuplicate(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	if _, err := env.svc.CreateMailbox(ctx, "org1", CreateMailboxRequest{Email: "a@x.io"}); err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}
	_, err := env.svc.CreateMailbox(ctx, "org1", CreateMailboxRequest{Email: "A@X.io"})
	if !errors.Is(err, ErrDuplicateMailbox) || !errors.Is(err, store.ErrDuplicateEntry) {
		t.Errorf("expected ErrDuplicateMailbox, got %v", err)
	}
	if _, err := env.svc.CreateMailbox(ctx, "org2", CreateMailboxRequest{Email: "a@x.io"}); err != nil {
		t.Errorf("same email in another org must be allowed: %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)

	m, _ := env.svc.CreateMailbox(ctx, "org1", CreateMailboxRequest{Email: "a@x.io"})

	if _, err := env.svc.ReactivateMailbox(ctx, "org1", m.ID); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("pending mailbox must not be reactivated, got %v", err)
	}

	active, err := env.svc.ActivateMailbox(ctx, "org1", m.ID)
	if err != nil || active.Status != store.StatusActive {
		t.Fatalf("ActivateMailbox: %v %v", active, err)
	}
	if _, err := env.svc.ActivateMailbox(ctx, "org1", m.ID); err != nil {
		t.Errorf("activating an active mailbox should be a no-op, got %v", err)
	}

	paused, err := env.svc.PauseMailbox(ctx, "org1", m.ID)
	if err != nil || paused.Status != store.StatusPaused {
		t.Fatalf("PauseMailbox: %v %v", paused, err)
	}
	if _, err := env.svc.ActivateMailbox(ctx, "org1", m.ID); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("paused mailbox must be reactivated, not activated; got %v", err)
	}

	back, err := env.svc.ReactivateMailbox(ctx, "org1", m.ID)
	if err != nil || back.Status != store.StatusActive {
		t.Errorf("ReactivateMailbox: %v %v", back, err)
	}

	if _, err := env.svc.PauseMailbox(ctx, "org1", "missing"); !errors.Is(err, ErrMailboxNotFound) {
		t.Errorf("expected ErrMailboxNotFound, got %v", err)
	}
}

func TestReactivateUnhealthy(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	m := env.seed(t, store.Mailbox{Email: "a@x.io", Health: 50, Status: store.StatusUnhealthy})

	got, err := env.svc.ReactivateMailbox(ctx, "org1", m.ID)
	if err != nil {
		t.Fatalf("ReactivateMailbox: %v", err)
	}
	if got.Status != store.StatusActive || got.Health != 50 {
		t.Errorf("expected active with health kept, got %s %v", got.Status, got.Health)
	}
	// Active but below the eligibility threshold.
	if _, err := env.svc.SelectSendingMailbox(ctx, "org1"); !errors.Is(err, ErrNoActiveInboxes) {
		t.Errorf("expected low health to keep the mailbox out, got %v", err)
	}

	got, err = env.svc.ReactivateMailbox(ctx, "org1", m.ID, WithHealthReset())
	if err != nil || got.Health != 100 {
		t.Fatalf("expected health reset, got %v %v", got, err)
	}
	if _, err := env.svc.SelectSendingMailbox(ctx, "org1"); err != nil {
		t.Errorf("expected mailbox eligible after health reset, got %v", err)
	}
}

func TestGetAndListMailboxes(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	a := env.seed(t, store.Mailbox{Email: "a@x.io", Health: 100})
	env.seed(t, store.Mailbox{Email: "b@x.io", Health: 40, Status: store.StatusUnhealthy})

	got, err := env.svc.GetMailbox(ctx, "org1", a.ID)
	if err != nil || got.Email != "a@x.io" {
		t.Errorf("GetMailbox: %v %v", got, err)
	}
	if _, err := env.svc.GetMailbox(ctx, "org2", a.ID); !errors.Is(err, ErrMailboxNotFound) {
		t.Errorf("expected ErrMailboxNotFound across orgs, got %v", err)
	}

	all, _ := env.svc.ListMailboxes(ctx, "org1", store.ListFilter{})
	unhealthy, _ := env.svc.ListMailboxes(ctx, "org1", store.ListFilter{Statuses: []store.Status{store.StatusUnhealthy}})
	if len(all) != 2 || len(unhealthy) != 1 || unhealthy[0].Email != "b@x.io" {
		t.Errorf("unexpected lists: all=%d unhealthy=%v", len(all), unhealthy)
	}
}

func TestCapacity(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	env.seed(t, store.Mailbox{Email: "a@x.io", Health: 100, DailyLimit: 50, SentToday: 20})
	env.seed(t, store.Mailbox{Email: "b@x.io", Health: 100, DailyLimit: 50, WarmupEnabled: true, CreatedAt: testNow.Add(-3 * day), SentToday: 10})
	env.seed(t, store.Mailbox{Email: "c@x.io", Health: 100, Status: store.StatusPaused})

	r, err := env.svc.Capacity(ctx, "org1")
	if err != nil {
		t.Fatalf("Capacity: %v", err)
	}
	if len(r.Mailboxes) != 3 || r.EligibleCount != 2 {
		t.Fatalf("unexpected report: %+v", r)
	}
	byEmail := map[string]CapacityEntry{}
	for _, e := range r.Mailboxes {
		byEmail[e.Email] = e
	}
	if e := byEmail["b@x.io"]; e.EffectiveLimit != 8 || e.Remaining != 0 {
		t.Errorf("warm-up mailbox: %+v", e)
	}
	if e := byEmail["a@x.io"]; e.Remaining != 30 {
		t.Errorf("steady mailbox: %+v", e)
	}
	if r.TotalLimit != 58 || r.TotalSent != 30 || r.TotalRemaining != 30 {
		t.Errorf("unexpected totals: limit=%d sent=%d remaining=%d", r.TotalLimit, r.TotalSent, r.TotalRemaining)
	}
}

func TestHandleDeliveryNotification(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	m := env.seed(t, store.Mailbox{Email: "a@x.io", Health: 90})

	h, err := env.svc.HandleDeliveryNotification(ctx, "org1", DeliveryNotification{Type: "spam", MailboxID: m.ID})
	if err != nil || h != 80 {
		t.Errorf("expected health 80, got %v %v", h, err)
	}
	if got := env.get(t, "org1", m.ID); got.Events["complained"] != 1 {
		t.Errorf("expected complained counter, got %v", got.Events)
	}

	if _, err := env.svc.HandleDeliveryNotification(ctx, "org1", DeliveryNotification{Type: "click", MailboxID: m.ID}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
	if _, err := env.svc.HandleDeliveryNotification(ctx, "org1", DeliveryNotification{Type: "bounce"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
}

func TestNoOpTransitionsDoNotWrite(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	active := env.seed(t, store.Mailbox{Email: "a@x.io", Health: 90})
	paused := env.seed(t, store.Mailbox{Email: "b@x.io", Health: 100, Status: store.StatusPaused})

	tests := []struct {
		name string
		id   string
		op   func(id string) (*store.Mailbox, error)
	}{
		{"reactivate active", active.ID, func(id string) (*store.Mailbox, error) {
			return env.svc.ReactivateMailbox(ctx, "org1", id)
		}},
		{"activate active", active.ID, func(id string) (*store.Mailbox, error) {
			return env.svc.ActivateMailbox(ctx, "org1", id)
		}},
		{"pause paused", paused.ID, func(id string) (*store.Mailbox, error) {
			return env.svc.PauseMailbox(ctx, "org1", id)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := env.get(t, "org1", tt.id)
			got, err := tt.op(tt.id)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != before.Status {
				t.Errorf("expected status %s, got %s", before.Status, got.Status)
			}
			after := env.get(t, "org1", tt.id)
			if after.Version != before.Version || !after.UpdatedAt.Equal(before.UpdatedAt) {
				t.Errorf("no-op wrote the record: version %d -> %d", before.Version, after.Version)
			}
		})
	}

	// A health reset on an active mailbox is a real change.
	got, err := env.svc.ReactivateMailbox(ctx, "org1", active.ID, WithHealthReset())
	if err != nil || got.Health != 100 {
		t.Fatalf("expected health reset, got %v %v", got, err)
	}
	if after := env.get(t, "org1", active.ID); after.Version != active.Version+1 {
		t.Errorf("expected one write, version %d -> %d", active.Version, after.Version)
	}
}
