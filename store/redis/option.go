package redis

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultPrefix          = "sendpool"
	DefaultTimeout         = 5 * time.Second
	DefaultMaxWatchRetries = 10
)

// options holds Redis store configuration.
type options struct {
	prefix          string
	timeout         time.Duration
	maxWatchRetries int
	logger          *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		prefix:          DefaultPrefix,
		timeout:         DefaultTimeout,
		maxWatchRetries: DefaultMaxWatchRetries,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a Redis store.
type Option func(*options)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithTimeout sets the operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMaxWatchRetries bounds how often ResetSentToday retries a single key
// after losing a WATCH race.
func WithMaxWatchRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxWatchRetries = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
