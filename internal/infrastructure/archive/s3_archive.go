package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/syncbridge/backend/internal/infrastructure/broker"
	infraconfig "github.com/syncbridge/backend/internal/infrastructure/config"
)

// S3Archiver implements Archiver using the AWS S3 SDK v2. It works with any
// S3-compatible storage backend (AWS S3, MinIO, RustFS, etc.).
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// S3ArchiverOption is a functional option for configuring S3Archiver.
type S3ArchiverOption func(*S3Archiver)

// WithArchiveLogger sets the logger.
func WithArchiveLogger(logger *zap.Logger) S3ArchiverOption {
	return func(a *S3Archiver) {
		a.logger = logger
	}
}

// WithKeyPrefix overrides the object key prefix.
func WithKeyPrefix(prefix string) S3ArchiverOption {
	return func(a *S3Archiver) {
		a.prefix = strings.TrimSuffix(prefix, "/")
	}
}

// NewS3Archiver creates an archiver from configuration.
func NewS3Archiver(cfg *infraconfig.ArchiveConfig, opts ...S3ArchiverOption) (*S3Archiver, error) {
	if cfg == nil {
		return nil, errors.New("archive configuration is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if cfg.AccessKey == "" {
		return nil, errors.New("archive access key is required")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("archive secret key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:9000"
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if cfg.UseSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid archive endpoint: %w", err)
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})

	a := &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: "dead-letter",
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Archive writes the entry as a JSON object keyed by queue and job id.
func (a *S3Archiver) Archive(ctx context.Context, entry *broker.DeadLetterEntry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s.json", a.prefix, entry.Queue, entry.JobID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive dead-letter entry: %w", err)
	}

	a.logger.Info("dead-letter entry archived",
		zap.String("bucket", a.bucket),
		zap.String("key", key),
	)
	return nil
}

var _ Archiver = (*S3Archiver)(nil)
