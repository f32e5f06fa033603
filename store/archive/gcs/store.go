// Package gcs archives daily usage reports to Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"github.com/rbaliyan/sendpool/store"
	"github.com/rbaliyan/sendpool/store/archive"
	"google.golang.org/api/option"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Archive implements store.UsageArchive using Google Cloud Storage.
type Archive struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

var _ store.UsageArchive = (*Archive)(nil)

// New creates a new GCS usage archive.
func New(ctx context.Context, opts ...Option) (*Archive, error) {
	o := newOptions(opts...)
	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	clientOpts, err := buildClientOptions(o)
	if err != nil {
		return nil, fmt.Errorf("build client options: %w", err)
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return &Archive{
		client: client,
		bucket: o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}, nil
}

// buildClientOptions defaults to Application Default Credentials when no
// explicit credentials are configured.
func buildClientOptions(o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption

	switch {
	case o.credentialsJSON != nil || o.credentialsFile != "":
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{cloudPlatformScope},
			CredentialsJSON: o.credentialsJSON,
			CredentialsFile: o.credentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))
	case o.withoutAuth:
		opts = append(opts, option.WithoutAuthentication())
	}

	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint))
	}
	return opts, nil
}

// ArchiveUsage writes the report and returns its gs:// URI.
func (a *Archive) ArchiveUsage(ctx context.Context, usage *store.DailyUsage) (string, error) {
	data, err := archive.Encode(usage)
	if err != nil {
		return "", err
	}
	key, err := archive.ObjectKey(a.prefix, usage)
	if err != nil {
		return "", err
	}

	w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
	w.ContentType = archive.ContentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write usage to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close gcs writer: %w", err)
	}

	a.logger.Debug("archived usage to gcs", "bucket", a.bucket, "key", key, "org_id", usage.OrgID)
	return fmt.Sprintf("gs://%s/%s", a.bucket, key), nil
}

// Close closes the GCS client.
func (a *Archive) Close() error {
	return a.client.Close()
}
