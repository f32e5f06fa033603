// Package postgres provides a PostgreSQL implementation of store.MailboxStore.
//
// UpdateMailbox locks the row with SELECT ... FOR UPDATE inside a
// transaction, so concurrent updates to the same mailbox are serialized by
// the database. Serialization failures and deadlocks surface as
// store.ErrConflict.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/sendpool/store"
)

// Compile-time check
var _ store.MailboxStore = (*Store)(nil)

const columns = `id, org_id, email, domain, smtp, status, health, daily_limit,
	sent_today, total_sent, warmup_enabled, events, created_at, updated_at,
	last_sent_at, last_health_update, version`

// Store implements store.MailboxStore using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect pings the database and initializes the schema.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if !s.opts.skipSchema {
		if err := s.ensureSchema(ctx); err != nil {
			atomic.StoreInt32(&s.connected, 0)
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	s.logger.Info("connected to PostgreSQL", "table", s.opts.table)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	t := s.opts.table
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			org_id VARCHAR(255) NOT NULL,
			email VARCHAR(320) NOT NULL,
			domain VARCHAR(255) NOT NULL DEFAULT '',
			smtp JSONB NOT NULL DEFAULT '{}',
			status VARCHAR(32) NOT NULL,
			health DOUBLE PRECISION NOT NULL DEFAULT 100,
			daily_limit INTEGER NOT NULL DEFAULT 0,
			sent_today INTEGER NOT NULL DEFAULT 0,
			total_sent BIGINT NOT NULL DEFAULT 0,
			warmup_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			events JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_sent_at TIMESTAMPTZ,
			last_health_update TIMESTAMPTZ,
			version BIGINT NOT NULL DEFAULT 1,
			UNIQUE (org_id, email)
		)
	`, t)

	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_org_status ON %s(org_id, status, health DESC)`, t, t)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		s.logger.Warn("failed to create index", "error", err, "sql", idx)
	}
	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// mapError translates driver errors into store sentinels.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return store.ErrDuplicateEntry
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", store.ErrConflict, pqErr.Message)
		}
	}
	return err
}

// CreateMailbox inserts a new mailbox row.
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

	r, err := toRow(c)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (
		:id, :org_id, :email, :domain, :smtp, :status, :health, :daily_limit,
		:sent_today, :total_sent, :warmup_enabled, :events, :created_at, :updated_at,
		:last_sent_at, :last_health_update, :version)`, s.opts.table, columns)

	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		if mapped := mapError(err); errors.Is(mapped, store.ErrDuplicateEntry) {
			return nil, mapped
		}
		return nil, fmt.Errorf("insert mailbox: %w", err)
	}
	return c, nil
}

// GetMailbox retrieves a mailbox by organization and ID.
func (s *Store) GetMailbox(ctx context.Context, orgID, id string) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND org_id = $2`, columns, s.opts.table)

	var r row
	if err := s.db.GetContext(ctx, &r, query, id, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get mailbox: %w", err)
	}
	return r.toMailbox()
}

// ListMailboxes returns the organization's mailboxes matching filter.
func (s *Store) ListMailboxes(ctx context.Context, orgID string, filter store.ListFilter) ([]*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	conds := []string{"org_id = $1"}
	args := []any{orgID}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.MinHealth != nil {
		args = append(args, *filter.MinHealth)
		conds = append(conds, fmt.Sprintf("health >= $%d", len(args)))
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY created_at, id`,
		columns, s.opts.table, strings.Join(conds, " AND "))

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	out := make([]*store.Mailbox, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMailbox()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// UpdateMailbox locks the row, applies fn and writes the result.
func (s *Store) UpdateMailbox(ctx context.Context, orgID, id string, fn store.UpdateFunc) (*store.Mailbox, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", mapError(err))
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND org_id = $2 FOR UPDATE`, columns, s.opts.table)

	var r row
	if err := tx.GetContext(ctx, &r, query, id, orgID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("lock mailbox: %w", mapError(err))
	}

	orig, err := r.toMailbox()
	if err != nil {
		return nil, err
	}
	m := orig.Clone()
	if err := fn(m); err != nil {
		return nil, err
	}
	m.ID = orig.ID
	m.OrgID = orig.OrgID
	m.Email = orig.Email
	m.CreatedAt = orig.CreatedAt
	m.Version = orig.Version + 1
	m.UpdatedAt = time.Now().UTC()

	next, err := toRow(m)
	if err != nil {
		return nil, err
	}

	update := fmt.Sprintf(`UPDATE %s SET
		domain = :domain, smtp = :smtp, status = :status, health = :health,
		daily_limit = :daily_limit, sent_today = :sent_today, total_sent = :total_sent,
		warmup_enabled = :warmup_enabled, events = :events, updated_at = :updated_at,
		last_sent_at = :last_sent_at, last_health_update = :last_health_update,
		version = :version
		WHERE id = :id AND org_id = :org_id`, s.opts.table)

	if _, err := tx.NamedExecContext(ctx, update, next); err != nil {
		return nil, fmt.Errorf("update mailbox: %w", mapError(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrTransactionFailed, mapError(err))
	}
	return m, nil
}

// ResetSentToday zeroes sent_today for the organization in one statement and
// returns the values it replaced.
func (s *Store) ResetSentToday(ctx context.Context, orgID string) ([]store.UsageRecord, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		WITH prev AS (
			SELECT id, email, sent_today FROM %[1]s WHERE org_id = $1 FOR UPDATE
		)
		UPDATE %[1]s AS t
		SET sent_today = 0, version = t.version + 1, updated_at = $2
		FROM prev
		WHERE t.id = prev.id
		RETURNING prev.id AS mailbox_id, prev.email AS email, prev.sent_today AS sent
	`, s.opts.table)

	var out []usageRow
	if err := s.db.SelectContext(ctx, &out, query, orgID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("reset sent today: %w", mapError(err))
	}

	records := make([]store.UsageRecord, len(out))
	for i, u := range out {
		records[i] = store.UsageRecord{MailboxID: u.MailboxID, Email: u.Email, Sent: u.Sent}
	}
	return records, nil
}
