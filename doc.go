// Package sendpool allocates outbound sending mailboxes for multi-tenant
// email campaigns.
//
// Each organization owns a pool of mailboxes (sending identities). For every
// outbound email the service picks the least-used mailbox that is active,
// healthy and below its effective daily limit. New mailboxes follow a
// four-week warm-up ramp, and delivery outcomes reported by the provider move
// a health score that takes a mailbox out of rotation when it collapses.
//
// # Basic Usage
//
//	svc, err := sendpool.NewService(
//	    sendpool.WithStore(memory.New()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	m, err := svc.CreateMailbox(ctx, "org1", sendpool.CreateMailboxRequest{Email: "sales@acme.io"})
//	_, err = svc.ActivateMailbox(ctx, "org1", m.ID) // after DNS verification
//
//	// Pick a mailbox and count the send in one step
//	sender, err := svc.ReserveSendingMailbox(ctx, "org1")
//	if limit, ok := sendpool.IsAllInboxesAtLimit(err); ok {
//	    // retry after limit.ResetAt
//	}
//
//	// Feed provider callbacks back
//	svc.HandleDeliveryNotification(ctx, "org1", sendpool.DeliveryNotification{
//	    Type: "bounce", MailboxID: sender.ID,
//	})
//
//	// Once per organization per day, from a scheduler
//	svc.ResetDailyCounters(ctx, "org1")
//
// # Allocation
//
// A mailbox is eligible when its status is active and its health is at least
// 80. Among eligible mailboxes the one with the lowest sentToday wins, ties
// broken by ID. Its effective daily limit is the smaller of its configured
// limit and its warm-up limit. SelectSendingMailbox is a read and may hand the
// same mailbox to concurrent callers; ReserveSendingMailbox re-checks capacity
// inside the store's atomic update and never over-allocates.
//
// # Health
//
// Bounces cost 5 points, complaints 10, deliveries add 0.5 and opens 0.2.
// Health is clamped to [0, 100]. At 50 or below the mailbox is marked
// unhealthy and stays so until ReactivateMailbox is called.
//
// # Storage Backends
//
// The store package provides implementations for:
//   - MongoDB (store/mongo) - accepts *mongo.Client
//   - PostgreSQL (store/postgres) - accepts *sqlx.DB
//   - Redis (store/redis) - accepts redis.UniversalClient
//   - In-memory (store/memory) - for testing
//
// Daily usage can be archived before each reset to S3 (store/archive/s3) or
// Google Cloud Storage (store/archive/gcs) with WithUsageArchive.
//
// # Events
//
// Lifecycle events use github.com/rbaliyan/event/v3. Pass WithRedisClient or
// WithEventTransport to deliver them; by default they are dropped.
//
//	svc.Events().MailboxUnhealthy.Subscribe(ctx, handler)
//
// Available events:
//   - MailboxCreated - when a mailbox is registered
//   - MailboxHealthChanged - for every applied delivery event
//   - MailboxUnhealthy - when health takes a mailbox out of rotation
//   - MailboxReactivated - when an operator brings a mailbox back
//   - DailyCountersReset - after an organization's daily reset
package sendpool
