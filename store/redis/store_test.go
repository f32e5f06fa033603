package redis

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rbaliyan/sendpool/store"
	"github.com/redis/go-redis/v9"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := New(client, WithPrefix("test"))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s, mr
}

func TestCreateGet(t *testing.T) {
	ctx := context.Background()
	s, mr := setupStore(t)

	m, err := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "A@x.io", Status: store.StatusActive, Health: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Email != "a@x.io" {
		t.Errorf("expected lowercased email, got %s", m.Email)
	}
	if !mr.Exists("test:{org1}:mailbox:" + m.ID) {
		t.Error("expected mailbox key to exist")
	}

	got, err := s.GetMailbox(ctx, "org1", m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Health != 100 || got.Version != 1 {
		t.Errorf("unexpected mailbox: %+v", got)
	}

	if _, err := s.GetMailbox(ctx, "org2", m.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for other org, got %v", err)
	}
}

func TestCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)

	if _, err := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io"}); !errors.Is(err, store.ErrDuplicateEntry) {
		t.Errorf("expected ErrDuplicateEntry, got %v", err)
	}
}

func TestListFilter(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)

	_, _ = s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io", Status: store.StatusActive, Health: 90})
	_, _ = s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "b@x.io", Status: store.StatusUnhealthy, Health: 40})

	all, err := s.ListMailboxes(ctx, "org1", store.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 mailboxes, got %d", len(all))
	}

	active, _ := s.ListMailboxes(ctx, "org1", store.ListFilter{Statuses: []store.Status{store.StatusActive}})
	if len(active) != 1 || active[0].Email != "a@x.io" {
		t.Errorf("expected only a@x.io, got %v", active)
	}

	empty, _ := s.ListMailboxes(ctx, "org-none", store.ListFilter{})
	if len(empty) != 0 {
		t.Errorf("expected no mailboxes, got %d", len(empty))
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)
	m, _ := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io", Health: 100})

	updated, err := s.UpdateMailbox(ctx, "org1", m.ID, func(m *store.Mailbox) error {
		m.Health = 90
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Health != 90 || updated.Version != 2 {
		t.Errorf("unexpected result: %+v", updated)
	}

	got, _ := s.GetMailbox(ctx, "org1", m.ID)
	if got.Health != 90 {
		t.Errorf("update not persisted: %v", got.Health)
	}
}

func TestUpdateNotFound(t *testing.T) {
	s, _ := setupStore(t)
	_, err := s.UpdateMailbox(context.Background(), "org1", "missing", func(*store.Mailbox) error { return nil })
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateConflict(t *testing.T) {
	ctx := context.Background()
	s, mr := setupStore(t)
	m, _ := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io", SentToday: 1})
	key := "test:{org1}:mailbox:" + m.ID

	_, err := s.UpdateMailbox(ctx, "org1", m.ID, func(m *store.Mailbox) error {
		// A write from another client lands between WATCH and EXEC.
		v, _ := mr.Get(key)
		if err := mr.Set(key, v+" "); err != nil {
			t.Fatalf("concurrent write: %v", err)
		}
		m.SentToday = 99
		return nil
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, err := s.GetMailbox(ctx, "org1", m.ID)
	if err != nil {
		t.Fatalf("record unreadable after conflicting write: %v", err)
	}
	if got.SentToday != 1 || got.Version != 1 {
		t.Errorf("discarded transaction was applied: %+v", got)
	}
}

func TestConcurrentUpdatesReportConflicts(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)
	m, _ := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io"})

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateMailbox(ctx, "org1", m.ID, func(m *store.Mailbox) error {
				m.SentToday++
				return nil
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.GetMailbox(ctx, "org1", m.ID)
	if got.SentToday != succeeded {
		t.Errorf("sentToday %d does not match %d successful updates", got.SentToday, succeeded)
	}
}

func TestResetSentToday(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)
	a, _ := s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "a@x.io", SentToday: 9, TotalSent: 90})
	_, _ = s.CreateMailbox(ctx, &store.Mailbox{OrgID: "org1", Email: "b@x.io"})

	records, err := s.ResetSentToday(ctx, "org1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	total := 0
	for _, r := range records {
		total += r.Sent
	}
	if total != 9 {
		t.Errorf("expected 9 sent, got %d", total)
	}

	got, _ := s.GetMailbox(ctx, "org1", a.ID)
	if got.SentToday != 0 || got.TotalSent != 90 {
		t.Errorf("unexpected counters after reset: %+v", got)
	}
}
