// Package store provides interfaces and types for sending-mailbox storage.
// Implementations are in store/memory, store/mongo, store/postgres and
// store/redis subpackages.
//
// # Architectural Principle: Atomic Read-Modify-Write
//
// A Mailbox record is the unit of mutation. Health tracking and counter
// updates can race on the same record from many service instances, so every
// mutation goes through UpdateMailbox, which each backend implements with a
// database-native primitive:
//
//   - memory: per-record mutex with copy-on-write
//   - MongoDB: compare-and-swap on the version field
//   - PostgreSQL: SELECT ... FOR UPDATE inside a transaction
//   - Redis: WATCH / MULTI / EXEC optimistic transaction
//
// A raw read followed by an unconditional write is never used: it would let
// a concurrent bounce overwrite a concurrent increment. Optimistic backends
// report a lost race as ErrConflict and the caller retries with a fresh read.
//
// Example - apply a health delta:
//
//	// WRONG: last writer wins
//	m, _ := s.GetMailbox(ctx, orgID, id)
//	m.Health -= 5
//	s.Save(ctx, m)
//
//	// CORRECT: atomic update
//	m, err := s.UpdateMailbox(ctx, orgID, id, func(m *store.Mailbox) error {
//	    m.Health -= 5
//	    return nil
//	})
package store

import (
	"context"
)

// UpdateFunc mutates a private copy of a mailbox inside UpdateMailbox.
// Returning a non-nil error aborts the update. Nothing is written and the
// error is returned to the caller unchanged.
type UpdateFunc func(m *Mailbox) error

// ListFilter narrows ListMailboxes results.
// Zero values match everything.
type ListFilter struct {
	// Statuses restricts results to the given statuses.
	Statuses []Status
	// MinHealth restricts results to mailboxes with Health >= *MinHealth.
	MinHealth *float64
}

// Matches reports whether m passes the filter.
func (f ListFilter) Matches(m *Mailbox) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if m.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinHealth != nil && m.Health < *f.MinHealth {
		return false
	}
	return true
}

// MailboxReader provides read operations for mailboxes.
type MailboxReader interface {
	// GetMailbox retrieves a mailbox by organization and ID.
	// Returns ErrNotFound if the mailbox doesn't exist or belongs to another organization.
	GetMailbox(ctx context.Context, orgID, id string) (*Mailbox, error)

	// ListMailboxes returns all mailboxes of an organization matching the filter.
	// Order is unspecified.
	ListMailboxes(ctx context.Context, orgID string, filter ListFilter) ([]*Mailbox, error)
}

// MailboxWriter provides mutation operations for mailboxes.
//
// Concurrency: all operations are safe for concurrent use and rely on
// database-level atomicity. No external locking is required or desired.
type MailboxWriter interface {
	// CreateMailbox stores a new mailbox. The store assigns ID and sets
	// Version to 1. Returns ErrDuplicateEntry if the organization already
	// has a mailbox with the same email.
	CreateMailbox(ctx context.Context, m *Mailbox) (*Mailbox, error)

	// UpdateMailbox atomically reads the mailbox, applies fn and writes the
	// result, incrementing Version and UpdatedAt. Returns the updated record.
	//
	// Returns ErrNotFound if the mailbox doesn't exist, ErrConflict if an
	// optimistic backend lost a race (safe to retry), or the error from fn.
	UpdateMailbox(ctx context.Context, orgID, id string, fn UpdateFunc) (*Mailbox, error)
}

// CounterStore provides bulk counter maintenance.
type CounterStore interface {
	// ResetSentToday sets SentToday to 0 for every mailbox of the organization
	// and returns the values that were reset. TotalSent, Health and Status
	// are left untouched.
	ResetSentToday(ctx context.Context, orgID string) ([]UsageRecord, error)
}

// MailboxStore is the storage interface for sending mailboxes.
//
// All operations must be safe for concurrent use. See package documentation
// for the atomicity contract.
type MailboxStore interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	MailboxReader
	MailboxWriter
	CounterStore
}
