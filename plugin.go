package sendpool

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rbaliyan/sendpool/store"
)

// Plugin defines the interface for allocator extensions.
// Plugins can veto candidates during selection or observe delivery events,
// for example to apply an org-specific blocklist or export reputation data.
//
// For observing lifecycle changes, use the event system instead
// (Service.Events().MailboxUnhealthy, ...).
type Plugin interface {
	// Name returns the plugin identifier.
	Name() string
	// Init initializes the plugin. Called when service connects.
	Init(ctx context.Context) error
	// Close cleans up plugin resources. Called when service closes.
	Close(ctx context.Context) error
}

// SelectionHook filters the eligible mailboxes before one is chosen.
type SelectionHook interface {
	Plugin
	// AllowMailbox is called for each active, healthy candidate. Return false
	// to skip it for this selection, or an error to abort the selection.
	AllowMailbox(ctx context.Context, m *store.Mailbox) (bool, error)
}

// DeliveryHook is called after a delivery event has been applied.
type DeliveryHook interface {
	Plugin
	// AfterDeliveryEvent receives the updated mailbox and its health before
	// the event. The change is committed; errors are logged.
	AfterDeliveryEvent(ctx context.Context, m *store.Mailbox, kind EventKind, previousHealth float64) error
}

// pluginRegistry holds registered plugins.
type pluginRegistry struct {
	all       []Plugin
	selection []SelectionHook
	delivery  []DeliveryHook
	logger    *slog.Logger
}

func newPluginRegistry(logger *slog.Logger) *pluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &pluginRegistry{logger: logger}
}

func (r *pluginRegistry) register(p Plugin) {
	r.all = append(r.all, p)

	if h, ok := p.(SelectionHook); ok {
		r.selection = append(r.selection, h)
	}
	if h, ok := p.(DeliveryHook); ok {
		r.delivery = append(r.delivery, h)
	}
}

// initAll initializes all plugins.
// On failure, already-initialized plugins are closed in reverse order.
func (r *pluginRegistry) initAll(ctx context.Context) error {
	for i, p := range r.all {
		if err := p.Init(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if closeErr := r.all[j].Close(ctx); closeErr != nil {
					r.logger.Error("failed to close plugin during init rollback",
						"plugin", r.all[j].Name(), "error", closeErr)
				}
			}
			return &PluginError{Plugin: p.Name(), Op: "init", Err: err}
		}
	}
	return nil
}

// closeAll closes all plugins in reverse order.
func (r *pluginRegistry) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(r.all) - 1; i >= 0; i-- {
		if err := r.all[i].Close(ctx); err != nil {
			errs = append(errs, &PluginError{Plugin: r.all[i].Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

// PluginError represents an error from a plugin.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return "plugin " + e.Plugin + " " + e.Op + ": " + e.Err.Error()
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

func (r *pluginRegistry) allowMailbox(ctx context.Context, m *store.Mailbox) (bool, error) {
	for _, h := range r.selection {
		ok, err := h.AllowMailbox(ctx, m)
		if err != nil {
			return false, &PluginError{Plugin: h.Name(), Op: "AllowMailbox", Err: err}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (r *pluginRegistry) afterDeliveryEvent(ctx context.Context, m *store.Mailbox, kind EventKind, previousHealth float64) {
	for _, h := range r.delivery {
		if err := h.AfterDeliveryEvent(ctx, m.Clone(), kind, previousHealth); err != nil {
			r.logger.Warn("delivery hook failed",
				"plugin", h.Name(), "mailbox_id", m.ID, "event", kind, "error", err)
		}
	}
}
