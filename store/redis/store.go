// Package redis provides a Redis implementation of store.MailboxStore.
//
// Each mailbox is a JSON value under {prefix}:{org}:mailbox:{id}. An org-level
// set lists mailbox IDs and an org-level hash maps emails to IDs. Keys of one
// organization share a hash tag so a WATCH / MULTI transaction stays on one
// cluster slot.
//
// UpdateMailbox runs under WATCH. If another client writes the key before
// EXEC, the transaction is discarded and store.ErrConflict is returned.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/sendpool/store"
	"github.com/redis/go-redis/v9"
)

var _ store.MailboxStore = (*Store)(nil)

// Store implements store.MailboxStore using Redis.
type Store struct {
	client    redis.UniversalClient
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new Redis store.
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func New(client redis.UniversalClient, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect pings the server.
func (s *Store) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 1 {
		return store.ErrAlreadyConnected
	}
	if s.client == nil {
		return fmt.Errorf("redis: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	atomic.StoreInt32(&s.connected, 1)
	s.logger.Info("connected to Redis", "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the Redis client.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func (s *Store) mailboxKey(orgID, id string) string {
	return fmt.Sprintf("%s:{%s}:mailbox:%s", s.opts.prefix, orgID, id)
}

func (s *Store) indexKey(orgID string) string {
	return fmt.Sprintf("%s:{%s}:mailboxes", s.opts.prefix, orgID)
}

func (s *Store) emailKey(orgID string) string {
	return fmt.Sprintf("%s:{%s}:emails", s.opts.prefix, orgID)
}

func decode(data []byte) (*store.Mailbox, error) {
	var m store.Mailbox
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode mailbox: %w", err)
	}
	return &m, nil
}

// CreateMailbox stores a new mailbox and claims its email in the org index.
func (s *Store) CreateMailbox(ctx context.Context, m *store.Mailbox) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if m == nil || m.OrgID == "" {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	c := m.Clone()
	c.ID = uuid.New().String()
	c.Email = strings.ToLower(c.Email)
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Version = 1

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode mailbox: %w", err)
	}

	ok, err := s.client.HSetNX(ctx, s.emailKey(c.OrgID), c.Email, c.ID).Result()
	if err != nil {
		return nil, fmt.Errorf("claim email: %w", err)
	}
	if !ok {
		return nil, store.ErrDuplicateEntry
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.mailboxKey(c.OrgID, c.ID), data, 0)
		pipe.SAdd(ctx, s.indexKey(c.OrgID), c.ID)
		return nil
	})
	if err != nil {
		// Release the email so a retry can succeed.
		if delErr := s.client.HDel(context.WithoutCancel(ctx), s.emailKey(c.OrgID), c.Email).Err(); delErr != nil {
			s.logger.Warn("failed to release email claim", "email", c.Email, "error", delErr)
		}
		return nil, fmt.Errorf("store mailbox: %w", err)
	}
	return c, nil
}

// GetMailbox retrieves a mailbox by organization and ID.
func (s *Store) GetMailbox(ctx context.Context, orgID, id string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.mailboxKey(orgID, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get mailbox: %w", err)
	}
	return decode(data)
}

// ListMailboxes returns the organization's mailboxes matching filter,
// ordered by creation time.
func (s *Store) ListMailboxes(ctx context.Context, orgID string, filter store.ListFilter) ([]*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	ids, err := s.client.SMembers(ctx, s.indexKey(orgID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list mailbox ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.mailboxKey(orgID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get mailboxes: %w", err)
	}

	out := make([]*store.Mailbox, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // removed between SMEMBERS and MGET
		}
		m, err := decode([]byte(str))
		if err != nil {
			return nil, err
		}
		if filter.Matches(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateMailbox applies fn inside a WATCH transaction on the mailbox key.
func (s *Store) UpdateMailbox(ctx context.Context, orgID, id string, fn store.UpdateFunc) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	key := s.mailboxKey(orgID, id)
	var result *store.Mailbox

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return store.ErrNotFound
			}
			return fmt.Errorf("get mailbox: %w", err)
		}
		orig, err := decode(data)
		if err != nil {
			return err
		}

		m := orig.Clone()
		if err := fn(m); err != nil {
			return err
		}
		m.ID = orig.ID
		m.OrgID = orig.OrgID
		m.Email = orig.Email
		m.CreatedAt = orig.CreatedAt
		m.Version = orig.Version + 1
		m.UpdatedAt = time.Now().UTC()

		next, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode mailbox: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = m
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, store.ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResetSentToday zeroes sent_today for each mailbox of the organization.
// Each key is reset in its own WATCH transaction, retried on conflict.
func (s *Store) ResetSentToday(ctx context.Context, orgID string) ([]store.UsageRecord, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	ids, err := s.client.SMembers(ctx, s.indexKey(orgID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list mailbox ids: %w", err)
	}
	sort.Strings(ids)

	records := make([]store.UsageRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.resetOne(ctx, orgID, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return records, fmt.Errorf("reset mailbox %s: %w", id, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) resetOne(ctx context.Context, orgID, id string) (store.UsageRecord, error) {
	key := s.mailboxKey(orgID, id)
	var rec store.UsageRecord

	for attempt := 0; attempt < s.opts.maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return store.ErrNotFound
				}
				return err
			}
			m, err := decode(data)
			if err != nil {
				return err
			}
			rec = store.UsageRecord{MailboxID: m.ID, Email: m.Email, Sent: m.SentToday}
			if m.SentToday == 0 {
				return nil
			}
			m.SentToday = 0
			m.Version++
			m.UpdatedAt = time.Now().UTC()
			next, err := json.Marshal(m)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return rec, err
	}
	return rec, store.ErrConflict
}
