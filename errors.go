package sendpool

import (
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/sendpool/retry"
	"github.com/rbaliyan/sendpool/store"
)

// Sentinel errors for the sendpool package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, sendpool.ErrMailboxNotFound) also matches store.ErrNotFound.
var (
	// ErrNoActiveInboxes is returned when no mailbox is both active and
	// healthy enough to be allocated.
	ErrNoActiveInboxes = errors.New("sendpool: no active inboxes")

	// ErrAllInboxesAtLimit is matched by *AllInboxesAtLimitError.
	ErrAllInboxesAtLimit = errors.New("sendpool: all inboxes at daily limit")

	// ErrUnknownEvent is matched by *UnknownEventError.
	ErrUnknownEvent = errors.New("sendpool: unknown delivery event")

	// ErrStoreUnavailable is returned when the store kept failing with
	// transient errors until the retry budget ran out.
	ErrStoreUnavailable = errors.New("sendpool: store unavailable")

	// ErrMailboxNotFound is returned when a mailbox cannot be found.
	// Wraps store.ErrNotFound for consistent error checking.
	ErrMailboxNotFound = fmt.Errorf("sendpool: mailbox %w", store.ErrNotFound)

	// ErrInvalidID is returned when an empty or malformed ID is provided.
	// Wraps store.ErrInvalidID for consistent error checking.
	ErrInvalidID = fmt.Errorf("sendpool: %w", store.ErrInvalidID)

	// ErrDuplicateMailbox is returned when the organization already has a
	// mailbox with the same email.
	// Wraps store.ErrDuplicateEntry for consistent error checking.
	ErrDuplicateMailbox = fmt.Errorf("sendpool: %w", store.ErrDuplicateEntry)

	// ErrInvalidStatusTransition is returned when an administrative status
	// change is not allowed from the mailbox's current status.
	ErrInvalidStatusTransition = errors.New("sendpool: invalid status transition")

	// ErrInvalidMailbox is matched by *ValidationError.
	ErrInvalidMailbox = errors.New("sendpool: invalid mailbox")

	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("sendpool: store is required")

	// ErrNotConnected is returned when operations are attempted before Connect().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotConnected = fmt.Errorf("sendpool: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	// Wraps store.ErrAlreadyConnected for consistent error checking.
	ErrAlreadyConnected = fmt.Errorf("sendpool: %w", store.ErrAlreadyConnected)

	// ErrCredentialKeyRequired is returned when sealed SMTP credentials are
	// read without a configured credential key.
	ErrCredentialKeyRequired = errors.New("sendpool: credential key is required")
)

// AllInboxesAtLimitError is returned when every eligible mailbox has used
// its effective daily limit. Sending can resume at ResetAt.
type AllInboxesAtLimitError struct {
	// ResetAt is the next local midnight.
	ResetAt time.Time
	// Eligible is the number of mailboxes that passed the status and health gate.
	Eligible int
}

func (e *AllInboxesAtLimitError) Error() string {
	return fmt.Sprintf("sendpool: all %d inboxes at daily limit, resets at %s",
		e.Eligible, e.ResetAt.Format(time.RFC3339))
}

func (e *AllInboxesAtLimitError) Unwrap() error {
	return ErrAllInboxesAtLimit
}

// RetryAfter returns how long until ResetAt, relative to now.
func (e *AllInboxesAtLimitError) RetryAfter(now time.Time) time.Duration {
	if d := e.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// IsAllInboxesAtLimit checks if the error is an at-limit error and returns details.
func IsAllInboxesAtLimit(err error) (*AllInboxesAtLimitError, bool) {
	var e *AllInboxesAtLimitError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// UnknownEventError reports a delivery event name that is not recognized.
type UnknownEventError struct {
	Name string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("sendpool: unknown delivery event %q", e.Name)
}

func (e *UnknownEventError) Unwrap() error {
	return ErrUnknownEvent
}

// ValidationError provides details about a validation failure.
type ValidationError struct {
	Field   string // The field that failed validation
	Message string // Human-readable error message
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sendpool: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidMailbox
}

// EventPublishError is returned when event publishing fails but the operation succeeded.
// The state change is already committed; only the notification failed.
type EventPublishError struct {
	Event     string // The event name (e.g., "MailboxUnhealthy")
	MailboxID string // The mailbox the event was for, empty for org-level events
	Err       error  // The underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("sendpool: event %s publish failed for mailbox %s: %v", e.Event, e.MailboxID, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsEventPublishError checks if the error is an event publish error and returns details.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var epe *EventPublishError
	if errors.As(err, &epe) {
		return epe, true
	}
	return nil, false
}

// IsRetryableError determines if an error is worth retrying by the caller.
//
// Allocation outcomes are not retryable: ErrNoActiveInboxes needs an operator
// and ErrAllInboxesAtLimit needs the daily reset. ErrStoreUnavailable and
// connection errors are.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	permanent := []error{
		ErrNoActiveInboxes,
		ErrAllInboxesAtLimit,
		ErrUnknownEvent,
		ErrInvalidStatusTransition,
		ErrInvalidMailbox,
		ErrCredentialKeyRequired,
		store.ErrNotFound,
		store.ErrInvalidID,
		store.ErrDuplicateEntry,
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return false
		}
	}

	transient := []error{
		ErrStoreUnavailable,
		store.ErrNotConnected,
		store.ErrConflict,
		store.ErrTransactionFailed,
	}
	for _, t := range transient {
		if errors.Is(err, t) {
			return true
		}
	}

	// Unknown errors are usually network or timeout failures.
	return true
}

// storeError maps retry and store failures onto package errors.
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, retry.ErrExhausted):
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	case errors.Is(err, store.ErrNotFound):
		return ErrMailboxNotFound
	case errors.Is(err, store.ErrDuplicateEntry):
		return ErrDuplicateMailbox
	case errors.Is(err, store.ErrInvalidID):
		return ErrInvalidID
	}
	return err
}
