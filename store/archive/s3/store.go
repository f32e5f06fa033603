// Package s3 archives daily usage reports to AWS S3 or an S3-compatible
// service.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rbaliyan/sendpool/store"
	"github.com/rbaliyan/sendpool/store/archive"
)

// uploader is the subset of transfermanager.Client used by Archive.
type uploader interface {
	UploadObject(ctx context.Context, input *transfermanager.UploadObjectInput, optFns ...func(*transfermanager.Options)) (*transfermanager.UploadObjectOutput, error)
}

// Archive implements store.UsageArchive using S3.
type Archive struct {
	tm     uploader
	bucket string
	prefix string
	logger *slog.Logger
}

var _ store.UsageArchive = (*Archive)(nil)

// New creates a new S3 usage archive.
// The context is used for AWS credential loading and configuration.
func New(ctx context.Context, opts ...Option) (*Archive, error) {
	o := newOptions(opts...)
	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	awsCfg, err := buildAWSConfig(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("build aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
			so.UsePathStyle = o.usePathStyle
		}
	})

	return newArchive(transfermanager.New(client), o), nil
}

func newArchive(tm uploader, o *options) *Archive {
	return &Archive{
		tm:     tm,
		bucket: o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}
}

// buildAWSConfig picks static keys, an assumed role or the default chain.
func buildAWSConfig(ctx context.Context, o *options) (aws.Config, error) {
	optFns := []func(*config.LoadOptions) error{config.WithRegion(o.region)}

	switch {
	case o.accessKey != "" && o.secretKey != "":
		creds := credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))

	case o.roleARN != "":
		baseCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load base config for role: %w", err)
		}
		optFns = append(optFns, config.WithCredentialsProvider(
			newAssumeRoleProvider(baseCfg, o.roleARN, o.roleSessionName, o.externalID)))
	}

	return config.LoadDefaultConfig(ctx, optFns...)
}

// ArchiveUsage uploads the report and returns its s3:// URI.
func (a *Archive) ArchiveUsage(ctx context.Context, usage *store.DailyUsage) (string, error) {
	data, err := archive.Encode(usage)
	if err != nil {
		return "", err
	}
	key, err := archive.ObjectKey(a.prefix, usage)
	if err != nil {
		return "", err
	}

	_, err = a.tm.UploadObject(ctx, &transfermanager.UploadObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(archive.ContentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}

	a.logger.Debug("archived usage to s3", "bucket", a.bucket, "key", key, "org_id", usage.OrgID)
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
