package sendpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"github.com/rbaliyan/sendpool/retry"
	"github.com/rbaliyan/sendpool/store"
	"golang.org/x/sync/semaphore"
)

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// SendingAllocator picks the mailbox an outbound email is sent from.
type SendingAllocator interface {
	// SelectSendingMailbox returns the least-used eligible mailbox with
	// capacity left today, without reserving it.
	SelectSendingMailbox(ctx context.Context, orgID string) (*store.Mailbox, error)
	// ReserveSendingMailbox selects a mailbox and counts the send in one
	// atomic step.
	ReserveSendingMailbox(ctx context.Context, orgID string) (*store.Mailbox, error)
}

// HealthTracker turns delivery outcomes into health scores.
type HealthTracker interface {
	ApplyDeliveryEvent(ctx context.Context, orgID, mailboxID string, kind EventKind) (float64, error)
	HandleDeliveryNotification(ctx context.Context, orgID string, n DeliveryNotification) (float64, error)
}

// CounterService maintains per-mailbox send counters.
type CounterService interface {
	IncrementSent(ctx context.Context, orgID, mailboxID string) error
	ResetDailyCounters(ctx context.Context, orgID string) (*ResetResult, error)
	ResetDailyCountersForOrgs(ctx context.Context, orgIDs ...string) ([]*ResetResult, error)
}

// MailboxAdmin provides administrative mailbox operations.
type MailboxAdmin interface {
	CreateMailbox(ctx context.Context, orgID string, req CreateMailboxRequest) (*store.Mailbox, error)
	ActivateMailbox(ctx context.Context, orgID, mailboxID string) (*store.Mailbox, error)
	PauseMailbox(ctx context.Context, orgID, mailboxID string) (*store.Mailbox, error)
	ReactivateMailbox(ctx context.Context, orgID, mailboxID string, opts ...ReactivateOption) (*store.Mailbox, error)
	GetMailbox(ctx context.Context, orgID, mailboxID string) (*store.Mailbox, error)
	ListMailboxes(ctx context.Context, orgID string, filter store.ListFilter) ([]*store.Mailbox, error)
	WarmupStatus(ctx context.Context, orgID, mailboxID string) (WarmupStatus, error)
	Capacity(ctx context.Context, orgID string) (*CapacityReport, error)
	SMTPCredentials(ctx context.Context, orgID, mailboxID string) (store.SMTPConfig, error)
}

// Service manages the sending pools of all organizations.
//
// Composed of:
//   - ServiceHealth: Health and state queries (IsConnected)
//   - SendingAllocator: Mailbox selection (Select, Reserve)
//   - HealthTracker: Delivery events and provider notifications
//   - CounterService: Send counting and daily resets
//   - MailboxAdmin: Creation, status changes, reporting
type Service interface {
	ServiceHealth
	SendingAllocator
	HealthTracker
	CounterService
	MailboxAdmin

	// Connect establishes connections to storage backends.
	Connect(ctx context.Context) error
	// Close waits for in-flight operations and closes all connections.
	Close(ctx context.Context) error
	// Events returns per-service event instances for subscribing.
	Events() *ServiceEvents
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	store    store.MailboxStore
	logger   *slog.Logger
	clock    Clock
	opts     *options
	state    int32 // stateDisconnected, stateConnecting, or stateConnected
	plugins  *pluginRegistry
	otel     *otelInstrumentation
	opSem    *semaphore.Weighted // bounds concurrent store mutations
	eventBus *event.Bus
	events   *ServiceEvents
}

// NewService creates a new sendpool service.
// Call Connect() to establish connections to backends.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}
	if n := len(o.credentialKey); n != 0 && n != CredentialKeySize {
		return nil, &ValidationError{
			Field:   "credential_key",
			Message: fmt.Sprintf("must be %d bytes, got %d", CredentialKeySize, n),
		}
	}

	plugins := newPluginRegistry(o.logger)
	for _, p := range o.plugins {
		plugins.register(p)
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &service{
		store:   o.store,
		logger:  o.logger,
		clock:   o.clock,
		opts:    o,
		plugins: plugins,
		otel:    otelInstr,
		opSem:   semaphore.NewWeighted(int64(o.maxConcurrentOps)),
	}, nil
}

// Events returns per-service event instances. Nil before Connect.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// Connect establishes connections to storage backends.
func (s *service) Connect(ctx context.Context) error {
	// stateDisconnected -> stateConnecting -> stateConnected, so operations
	// never observe a half-initialized service.
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil && !errors.Is(err, store.ErrAlreadyConnected) {
		return fmt.Errorf("connect store: %w", err)
	}

	if err := s.initEventBus(ctx); err != nil {
		_ = s.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	if err := s.plugins.initAll(ctx); err != nil {
		_ = s.eventBus.Close(ctx)
		_ = s.store.Close(ctx)
		return fmt.Errorf("init plugins: %w", err)
	}

	success = true
	s.logger.Info("sendpool service connected")
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus creates this service's bus and registers its events.
func (s *service) initEventBus(ctx context.Context) error {
	// Each bus needs a unique name, so append a counter suffix
	busName := fmt.Sprintf("%s-%d", s.opts.serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		_ = bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}
	return nil
}

// Close waits for in-flight operations, then closes plugins, the event bus
// and the store.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// No new operation can start once the state is disconnected. Acquiring
	// every slot waits for the running ones.
	s.logger.Info("waiting for in-flight operations to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.opSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentOps)); err != nil {
		s.logger.Warn("timeout waiting for in-flight operations, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.opSem.Release(int64(s.opts.maxConcurrentOps))
		s.logger.Info("all in-flight operations completed")
	}

	if err := s.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	if s.eventBus != nil {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

func (s *service) checkConnected() error {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return ErrNotConnected
	}
	return nil
}

// acquire takes one slot of the operation semaphore.
func (s *service) acquire(ctx context.Context) error {
	return s.opSem.Acquire(ctx, 1)
}

func (s *service) release() {
	s.opSem.Release(1)
}

// update runs an atomic mailbox update, retrying lost races according to the
// retry policy. fn may run more than once and must only depend on its argument.
func (s *service) update(ctx context.Context, orgID, mailboxID string, fn store.UpdateFunc) (*store.Mailbox, error) {
	p := s.opts.retry
	if p.OnRetry == nil {
		p.OnRetry = func(attempt int, err error) {
			s.logger.Debug("retrying mailbox update",
				"org_id", orgID, "mailbox_id", mailboxID, "attempt", attempt, "error", err)
		}
	}
	m, err := retry.Value(ctx, p, func(ctx context.Context) (*store.Mailbox, error) {
		return s.store.UpdateMailbox(ctx, orgID, mailboxID, fn)
	})
	if err != nil {
		return nil, storeError(err)
	}
	return m, nil
}
