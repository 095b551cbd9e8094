// Package archive exports the audit trail to S3-compatible storage for
// compliance retention. When no bucket is configured the NoopUploader is
// used and the node stays in local-only mode.
package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotConfigured is returned when archive storage is not configured.
var ErrNotConfigured = errors.New("archive storage not configured")

// Uploader uploads audit export files.
type Uploader interface {
	// Upload stores the file at filePath under objectName.
	Upload(ctx context.Context, objectName, filePath string) error
}

// S3Config holds the S3-compatible endpoint settings.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3Uploader uploads audit exports to S3-compatible storage.
type S3Uploader struct {
	client *minio.Client
	bucket string
}

// NewS3Uploader creates an uploader for the configured bucket.
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, ErrNotConfigured
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{client: client, bucket: cfg.Bucket}, nil
}

// Upload stores the file at filePath under objectName.
func (u *S3Uploader) Upload(ctx context.Context, objectName, filePath string) error {
	_, err := u.client.FPutObject(ctx, u.bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return fmt.Errorf("upload audit export: %w", err)
	}
	return nil
}

// NoopUploader satisfies Uploader when archiving is disabled.
type NoopUploader struct{}

// Upload is a no-op.
func (NoopUploader) Upload(context.Context, string, string) error {
	return nil
}
