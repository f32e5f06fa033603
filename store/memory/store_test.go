package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rbaliyan/sendpool/store"
)

func newConnected(t *testing.T) *Store {
	t.Helper()
	s := New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestConnectTwice(t *testing.T) {
	s := newConnected(t)
	if err := s.Connect(context.Background()); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestNotConnected(t *testing.T) {
	s := New()
	_, err := s.GetMailbox(context.Background(), "org", "id")
	if !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	m, err := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io", Status: store.StatusActive, Health: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected ID to be assigned")
	}
	if m.Version != 1 {
		t.Errorf("expected version 1, got %d", m.Version)
	}

	got, err := s.GetMailbox(ctx, "org1", m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Email != "a@x.io" {
		t.Errorf("expected email a@x.io, got %s", got.Email)
	}

	// Other organizations can't see it.
	if _, err := s.GetMailbox(ctx, "org2", m.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for other org, got %v", err)
	}
}

func TestCreateDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	if _, err := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "A@x.io"}); !errors.Is(err, store.ErrDuplicateEntry) {
		t.Errorf("expected ErrDuplicateEntry, got %v", err)
	}
	// Same email in another organization is fine.
	if _, err := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org2", Email: "a@x.io"}); err != nil {
		t.Errorf("expected success for other org, got %v", err)
	}
}

func TestReturnedCopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	m, _ := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io", Events: map[string]int64{"delivered": 1}})
	m.Events["delivered"] = 99
	m.SentToday = 42

	got, _ := s.GetMailbox(ctx, "org1", m.ID)
	if got.Events["delivered"] != 1 || got.SentToday != 0 {
		t.Errorf("mutating returned copy changed stored record: %+v", got)
	}
}

func TestListFilter(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	_, _ = s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io", Status: store.StatusActive, Health: 90})
	_, _ = s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "b@x.io", Status: store.StatusActive, Health: 70})
	_, _ = s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "c@x.io", Status: store.StatusPaused, Health: 100})
	_, _ = s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org2", Email: "d@x.io", Status: store.StatusActive, Health: 100})

	all, err := s.ListMailboxes(ctx, "org1", store.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 mailboxes, got %d", len(all))
	}

	minHealth := 80.0
	eligible, _ := s.ListMailboxes(ctx, "org1", store.ListFilter{
		Statuses:  []store.Status{store.StatusActive},
		MinHealth: &minHealth,
	})
	if len(eligible) != 1 || eligible[0].Email != "a@x.io" {
		t.Errorf("expected only a@x.io, got %v", eligible)
	}
}

func TestUpdateMailbox(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)
	m, _ := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io", Health: 100})

	updated, err := s.UpdateMailbox(ctx, "org1", m.ID, func(m *store.Mailbox) error {
		m.Health -= 5
		m.ID = "hijack"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Health != 95 {
		t.Errorf("expected health 95, got %v", updated.Health)
	}
	if updated.ID != m.ID {
		t.Errorf("expected ID to be preserved, got %s", updated.ID)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2, got %d", updated.Version)
	}
}

func TestUpdateMailboxAbort(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)
	m, _ := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io", Health: 100})

	errAbort := errors.New("abort")
	_, err := s.UpdateMailbox(ctx, "org1", m.ID, func(m *store.Mailbox) error {
		m.Health = 0
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}

	got, _ := s.GetMailbox(ctx, "org1", m.ID)
	if got.Health != 100 || got.Version != 1 {
		t.Errorf("aborted update was written: %+v", got)
	}
}

func TestUpdateMailboxNotFound(t *testing.T) {
	s := newConnected(t)
	_, err := s.UpdateMailbox(context.Background(), "org1", "missing", func(*store.Mailbox) error { return nil })
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)
	m, _ := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io"})

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.UpdateMailbox(ctx, "org1", m.ID, func(m *store.Mailbox) error {
				m.SentToday++
				m.TotalSent++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := s.GetMailbox(ctx, "org1", m.ID)
	if got.SentToday != n || got.TotalSent != n {
		t.Errorf("expected %d sends, got sentToday=%d totalSent=%d", n, got.SentToday, got.TotalSent)
	}
}

func TestResetSentToday(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)
	a, _ := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io", SentToday: 7, TotalSent: 70, Health: 90})
	_, _ = s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "b@x.io", SentToday: 3})
	other, _ := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org2", Email: "c@x.io", SentToday: 5})

	records, err := s.ResetSentToday(ctx, "org1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	var total int
	for _, r := range records {
		total += r.Sent
	}
	if total != 10 {
		t.Errorf("expected 10 sent in records, got %d", total)
	}

	got, _ := s.GetMailbox(ctx, "org1", a.ID)
	if got.SentToday != 0 {
		t.Errorf("expected sentToday 0, got %d", got.SentToday)
	}
	if got.TotalSent != 70 || got.Health != 90 {
		t.Errorf("reset touched other fields: %+v", got)
	}

	untouched, _ := s.GetMailbox(ctx, "org2", other.ID)
	if untouched.SentToday != 5 {
		t.Errorf("reset leaked into other org: %d", untouched.SentToday)
	}
}
