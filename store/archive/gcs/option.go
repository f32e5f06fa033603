package gcs

import (
	"log/slog"

	"github.com/rbaliyan/sendpool/store/archive"
)

type options struct {
	bucket          string
	prefix          string
	endpoint        string
	credentialsJSON []byte
	credentialsFile string
	withoutAuth     bool
	logger          *slog.Logger
}

func newOptions(opts ...Option) *options {
	o := &options{
		prefix: archive.DefaultPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures the GCS archive.
type Option func(*options)

// WithBucket sets the GCS bucket name (required).
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets the object prefix. Default is "usage".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithEndpoint sets a custom endpoint, typically a storage emulator.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithCredentialsJSON uses a service account key.
func WithCredentialsJSON(json []byte) Option {
	return func(o *options) {
		o.credentialsJSON = json
	}
}

// WithCredentialsFile loads credentials from a file.
func WithCredentialsFile(path string) Option {
	return func(o *options) {
		o.credentialsFile = path
	}
}

// WithoutAuthentication disables authentication, for emulators.
func WithoutAuthentication() Option {
	return func(o *options) {
		o.withoutAuth = true
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
