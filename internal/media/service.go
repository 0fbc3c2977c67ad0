// Package media stores issue photos in an S3-compatible object store.
package media

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// allowed photo content types, keyed by MIME type with the object
// extension as value
var photoExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

const maxPhotoBytes = 5 << 20

// Service uploads and serves issue photos via a MinIO/S3 bucket.
type Service struct {
	client *minio.Client
	bucket string
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewService(ctx context.Context, cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &Service{client: client, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// UploadIssuePhoto stores a photo under the issue's key and returns the
// object name. Rejects unsupported content types and oversized bodies.
func (s *Service) UploadIssuePhoto(ctx context.Context, issueID, contentType string, body io.Reader, size int64) (string, error) {
	ext, ok := photoExtensions[strings.ToLower(contentType)]
	if !ok {
		return "", fmt.Errorf("unsupported content type %q", contentType)
	}
	if size > maxPhotoBytes {
		return "", fmt.Errorf("photo exceeds %d bytes", maxPhotoBytes)
	}

	object := path.Join("issues", issueID, fmt.Sprintf("photo-%d%s", time.Now().UnixMilli(), ext))
	_, err := s.client.PutObject(ctx, s.bucket, object, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload photo: %w", err)
	}
	return object, nil
}

// PhotoURL returns a presigned GET URL for a stored photo.
func (s *Service) PhotoURL(ctx context.Context, object string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = time.Hour
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, object, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign photo: %w", err)
	}
	return u.String(), nil
}

// DeleteIssuePhoto removes a stored photo.
func (s *Service) DeleteIssuePhoto(ctx context.Context, object string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete photo: %w", err)
	}
	return nil
}
