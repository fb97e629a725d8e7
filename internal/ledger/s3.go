package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const defaultMaxSnapshotSize int64 = 64 << 20

var ErrSnapshotTooLarge = errors.New("ledger: snapshot too large")

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Config struct {
	Bucket string
	Key    string
	// MaxSize bounds bytes read by Load. Defaults to 64 MiB when <= 0.
	MaxSize int64
}

// S3Backend stores the snapshot as a single S3 object. S3 PUTs replace the
// object atomically, so readers see either the old or the new snapshot.
type S3Backend struct {
	client  S3Client
	bucket  string
	key     string
	maxSize int64
}

func NewS3Backend(client S3Client, cfg S3Config) (*S3Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	key := strings.Trim(strings.TrimSpace(cfg.Key), "/")
	if key == "" {
		return nil, fmt.Errorf("%w: s3 key is required", ErrInvalidConfig)
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = defaultMaxSnapshotSize
	}
	return &S3Backend{client: client, bucket: bucket, key: key, maxSize: maxSize}, nil
}

func (b *S3Backend) Load(ctx context.Context) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger/s3: get %q: %w", b.key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, b.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("ledger/s3: read %q: %w", b.key, err)
	}
	if int64(len(data)) > b.maxSize {
		return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrSnapshotTooLarge, b.key, b.maxSize)
	}
	return data, nil
}

func (b *S3Backend) Save(ctx context.Context, snapshot []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key),
		Body:        bytes.NewReader(snapshot),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("ledger/s3: put %q: %w", b.key, err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
