package store

import (
	"context"
	"time"
)

// UsageRecord is the sent-today count of one mailbox captured by a daily reset.
type UsageRecord struct {
	MailboxID string `json:"mailbox_id"`
	Email     string `json:"email"`
	Sent      int    `json:"sent"`
}

// DailyUsage is the per-organization report produced by a daily reset.
type DailyUsage struct {
	OrgID     string        `json:"org_id"`
	Day       time.Time     `json:"day"`
	ResetAt   time.Time     `json:"reset_at"`
	TotalSent int64         `json:"total_sent"`
	Mailboxes []UsageRecord `json:"mailboxes"`
}

// UsageArchive persists daily usage reports before they are lost to a reset.
// Implementations are in store/archive/s3 and store/archive/gcs.
type UsageArchive interface {
	// ArchiveUsage stores the report and returns its URI.
	ArchiveUsage(ctx context.Context, usage *DailyUsage) (string, error)
}
