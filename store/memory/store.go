// Package memory provides an in-memory MailboxStore implementation for testing.
// This store is not suitable for production use - data is not persisted.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/sendpool/store"
)

// Store implements store.MailboxStore with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
type Store struct {
	mailboxes sync.Map // map[string]*store.Mailbox
	emailIdx  sync.Map // map[string]string (orgID:email -> mailboxID)
	locks     sync.Map // map[string]*sync.Mutex (per-mailbox locks for mutations)
	connected int32
}

var _ store.MailboxStore = (*Store)(nil)

// getLock returns the mutex for a mailbox ID, creating one if needed.
// Uses LoadOrStore for atomic get-or-create.
func (s *Store) getLock(id string) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) isConnected() bool {
	return atomic.LoadInt32(&s.connected) == 1
}

func emailKey(orgID, email string) string {
	return orgID + ":" + strings.ToLower(email)
}

// CreateMailbox stores a copy of m with a fresh ID.
func (s *Store) CreateMailbox(_ context.Context, m *store.Mailbox) (*store.Mailbox, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}
	if m == nil || m.OrgID == "" {
		return nil, store.ErrInvalidID
	}

	c := m.Clone()
	c.ID = uuid.New().String()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Version = 1

	// Reserve the email slot first so concurrent creates can't both win.
	if _, loaded := s.emailIdx.LoadOrStore(emailKey(c.OrgID, c.Email), c.ID); loaded {
		return nil, store.ErrDuplicateEntry
	}
	s.mailboxes.Store(c.ID, c)
	return c.Clone(), nil
}

// GetMailbox returns a copy of the mailbox.
func (s *Store) GetMailbox(_ context.Context, orgID, id string) (*store.Mailbox, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}
	m, ok := s.load(orgID, id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Store) load(orgID, id string) (*store.Mailbox, bool) {
	v, ok := s.mailboxes.Load(id)
	if !ok {
		return nil, false
	}
	m := v.(*store.Mailbox)
	if m.OrgID != orgID {
		return nil, false
	}
	return m, true
}

// ListMailboxes returns copies of the organization's mailboxes matching filter,
// ordered by creation time.
func (s *Store) ListMailboxes(_ context.Context, orgID string, filter store.ListFilter) ([]*store.Mailbox, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}
	var out []*store.Mailbox
	s.mailboxes.Range(func(_, v any) bool {
		m := v.(*store.Mailbox)
		if m.OrgID == orgID && filter.Matches(m) {
			out = append(out, m.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateMailbox applies fn under the mailbox's lock.
// Copy-on-write: fn sees a clone; the clone replaces the stored record only
// when fn succeeds.
func (s *Store) UpdateMailbox(_ context.Context, orgID, id string, fn store.UpdateFunc) (*store.Mailbox, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	orig, ok := s.load(orgID, id)
	if !ok {
		return nil, store.ErrNotFound
	}

	m := orig.Clone()
	if err := fn(m); err != nil {
		return nil, err
	}
	// Identity fields are owned by the store.
	m.ID = orig.ID
	m.OrgID = orig.OrgID
	m.Email = orig.Email
	m.CreatedAt = orig.CreatedAt
	m.Version = orig.Version + 1
	m.UpdatedAt = time.Now().UTC()
	s.mailboxes.Store(id, m)

	return m.Clone(), nil
}

// ResetSentToday zeroes SentToday for each mailbox of the organization.
// Each record is reset under its own lock so concurrent increments are
// either counted before the reset or applied after it.
func (s *Store) ResetSentToday(_ context.Context, orgID string) ([]store.UsageRecord, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}

	var records []store.UsageRecord
	now := time.Now().UTC()

	s.mailboxes.Range(func(key, value any) bool {
		if value.(*store.Mailbox).OrgID != orgID {
			return true
		}

		lock := s.getLock(key.(string))
		lock.Lock()
		if orig, ok := s.load(orgID, key.(string)); ok {
			records = append(records, store.UsageRecord{
				MailboxID: orig.ID,
				Email:     orig.Email,
				Sent:      orig.SentToday,
			})
			if orig.SentToday != 0 {
				c := orig.Clone()
				c.SentToday = 0
				c.Version++
				c.UpdatedAt = now
				s.mailboxes.Store(key, c)
			}
		}
		lock.Unlock()
		return true
	})

	sort.Slice(records, func(i, j int) bool { return records[i].MailboxID < records[j].MailboxID })
	return records, nil
}
