package objectpool

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/cyderes/findings-ingestion-service/internal/config"
)

// S3Source reads objects from an S3 (or S3-compatible) bucket.
type S3Source struct {
	client   s3iface.S3API
	account  string
	bucket   string
	prefix   string
	maxBytes int64
	timeout  time.Duration
}

var _ Source = (*S3Source)(nil)

// NewS3Source creates an S3-backed pool from configuration.
func NewS3Source(cfg config.ObjectPoolConfig) (*S3Source, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For S3-compatible emulators such as MinIO or LocalStack
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewS3SourceWithClient(s3.New(sess), cfg), nil
}

// NewS3SourceWithClient wraps an existing S3 client.
func NewS3SourceWithClient(client s3iface.S3API, cfg config.ObjectPoolConfig) *S3Source {
	account := cfg.Account
	if account == "" {
		account = cfg.Bucket
	}
	return &S3Source{
		client:   client,
		account:  account,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		maxBytes: cfg.MaxBytes,
		timeout:  cfg.Timeout,
	}
}

// Account returns the configured account label, the bucket name by default.
func (s *S3Source) Account() string { return s.account }

// Container returns the bucket name.
func (s *S3Source) Container() string { return s.bucket }

// List pages through the bucket under the configured prefix.
func (s *S3Source) List(ctx context.Context) ([]Object, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix)
	}

	var objects []Object
	err := s.client.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			// Skip folder placeholders
			if key == "" || key[len(key)-1] == '/' {
				continue
			}
			objects = append(objects, Object{
				Key:          key,
				LastModified: aws.TimeValue(obj.LastModified),
				Size:         aws.Int64Value(obj.Size),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bucket %s: %w", s.bucket, err)
	}

	return objects, nil
}

// ReadText downloads the object, refusing objects larger than the size cap.
func (s *S3Source) ReadText(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer out.Body.Close()

	reader := io.Reader(out.Body)
	if s.maxBytes > 0 {
		if aws.Int64Value(out.ContentLength) > s.maxBytes {
			return "", fmt.Errorf("object %s (%d bytes): %w", key, aws.Int64Value(out.ContentLength), ErrTooLarge)
		}
		reader = io.LimitReader(out.Body, s.maxBytes+1)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read object %s: %w", key, err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("object %s: %w", key, ErrTooLarge)
	}

	return string(data), nil
}

func (s *S3Source) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
