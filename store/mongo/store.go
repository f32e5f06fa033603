// Package mongo provides a MongoDB implementation of store.MailboxStore.
//
// UpdateMailbox is optimistic: the document is read, mutated in memory and
// written back with ReplaceOne filtered on the version that was read. A
// concurrent writer makes the filter miss and the call returns
// store.ErrConflict.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/sendpool/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Store implements store.MailboxStore using MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	opts       *options
	connected  int32
	logger     *slog.Logger
}

var _ store.MailboxStore = (*Store)(nil)

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collection and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect pings the server and ensures indexes.
func (s *Store) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 1 {
		return store.ErrAlreadyConnected
	}
	if s.client == nil {
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.collection = s.client.Database(s.opts.database).Collection(s.opts.collection)

	if err := s.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	atomic.StoreInt32(&s.connected, 1)
	s.logger.Info("connected to MongoDB", "database", s.opts.database, "collection", s.opts.collection)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		// One mailbox per email within an organization.
		{
			Keys: bson.D{
				bson.E{Key: "org_id", Value: 1},
				bson.E{Key: "email", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
		// Allocator candidate scan.
		{Keys: bson.D{
			bson.E{Key: "org_id", Value: 1},
			bson.E{Key: "status", Value: 1},
			bson.E{Key: "health", Value: -1},
		}},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *Store) isConnected() bool {
	return atomic.LoadInt32(&s.connected) == 1
}

// CreateMailbox inserts a new mailbox document.
func (s *Store) CreateMailbox(ctx context.Context, m *store.Mailbox) (*store.Mailbox, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}
	if m == nil || m.OrgID == "" {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	doc := toDoc(m)
	doc.ID = bson.NewObjectID()
	doc.Email = strings.ToLower(doc.Email)
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	doc.Version = 1

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrDuplicateEntry
		}
		return nil, fmt.Errorf("insert mailbox: %w", err)
	}
	return doc.toMailbox(), nil
}

// GetMailbox retrieves a mailbox by organization and ID.
func (s *Store) GetMailbox(ctx context.Context, orgID, id string) (*store.Mailbox, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	doc, err := s.find(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	return doc.toMailbox(), nil
}

func (s *Store) find(ctx context.Context, orgID, id string) (*mailboxDoc, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, store.ErrInvalidID
	}
	var doc mailboxDoc
	err = s.collection.FindOne(ctx, bson.M{"_id": oid, "org_id": orgID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("find mailbox: %w", err)
	}
	return &doc, nil
}

// ListMailboxes returns the organization's mailboxes matching filter.
func (s *Store) ListMailboxes(ctx context.Context, orgID string, filter store.ListFilter) ([]*store.Mailbox, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	q := bson.M{"org_id": orgID}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q["status"] = bson.M{"$in": statuses}
	}
	if filter.MinHealth != nil {
		q["health"] = bson.M{"$gte": *filter.MinHealth}
	}

	opts := mongoopts.Find().SetSort(bson.D{bson.E{Key: "created_at", Value: 1}})
	cursor, err := s.collection.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("find mailboxes: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mailboxDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode mailboxes: %w", err)
	}

	out := make([]*store.Mailbox, len(docs))
	for i := range docs {
		out[i] = docs[i].toMailbox()
	}
	return out, nil
}

// UpdateMailbox performs a version-checked read-modify-write.
func (s *Store) UpdateMailbox(ctx context.Context, orgID, id string, fn store.UpdateFunc) (*store.Mailbox, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	doc, err := s.find(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	m := doc.toMailbox()
	if err := fn(m); err != nil {
		return nil, err
	}

	next := toDoc(m)
	next.ID = doc.ID
	next.OrgID = doc.OrgID
	next.Email = doc.Email
	next.CreatedAt = doc.CreatedAt
	next.Version = doc.Version + 1
	next.UpdatedAt = time.Now().UTC()

	res, err := s.collection.ReplaceOne(ctx, bson.M{
		"_id":     doc.ID,
		"org_id":  doc.OrgID,
		"version": doc.Version,
	}, next)
	if err != nil {
		return nil, fmt.Errorf("replace mailbox: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, store.ErrConflict
	}
	return next.toMailbox(), nil
}

// ResetSentToday zeroes sent_today for each mailbox of the organization.
// Every document is reset with FindOneAndUpdate so the value returned is the
// exact count replaced, even with concurrent increments.
func (s *Store) ResetSentToday(ctx context.Context, orgID string) ([]store.UsageRecord, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	cursor, err := s.collection.Find(ctx, bson.M{"org_id": orgID},
		mongoopts.Find().SetProjection(bson.M{"_id": 1, "email": 1}))
	if err != nil {
		return nil, fmt.Errorf("find mailboxes: %w", err)
	}
	var ids []mailboxDoc
	err = cursor.All(ctx, &ids)
	_ = cursor.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("decode mailboxes: %w", err)
	}

	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{"sent_today": 0, "updated_at": now},
		"$inc": bson.M{"version": 1},
	}
	opts := mongoopts.FindOneAndUpdate().
		SetProjection(bson.M{"sent_today": 1}).
		SetReturnDocument(mongoopts.Before)

	records := make([]store.UsageRecord, 0, len(ids))
	for _, d := range ids {
		rec := store.UsageRecord{MailboxID: d.ID.Hex(), Email: d.Email}

		var before mailboxDoc
		err := s.collection.FindOneAndUpdate(ctx, bson.M{
			"_id":        d.ID,
			"sent_today": bson.M{"$gt": 0},
		}, update, opts).Decode(&before)
		switch {
		case err == nil:
			rec.Sent = before.SentToday
		case errors.Is(err, mongo.ErrNoDocuments):
			// Already zero.
		default:
			return records, fmt.Errorf("reset mailbox %s: %w", rec.MailboxID, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
