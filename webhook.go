package sendpool

import (
	"context"
	"strings"
)

// DeliveryNotification is a provider callback reduced to what health
// tracking needs. Type is the provider's event name ("delivery", "bounce",
// "open", "complaint", "spam", or a canonical EventKind).
type DeliveryNotification struct {
	Type      string `json:"type"`
	MailboxID string `json:"mailbox_id"`
}

// HandleDeliveryNotification maps a provider notification onto
// ApplyDeliveryEvent and returns the mailbox's new health.
func (s *service) HandleDeliveryNotification(ctx context.Context, orgID string, n DeliveryNotification) (float64, error) {
	id := strings.TrimSpace(n.MailboxID)
	if orgID == "" || id == "" {
		return 0, ErrInvalidID
	}
	kind, err := ParseEventKind(n.Type)
	if err != nil {
		return 0, err
	}
	return s.ApplyDeliveryEvent(ctx, orgID, id, kind)
}
