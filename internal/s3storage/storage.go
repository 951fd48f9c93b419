// Package s3storage wraps MinIO/S3 interactions: presigned upload targets for
// clients, completion verification, and processed-artifact storage.
package s3storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/seralin/docflow/internal/config"
	"github.com/seralin/docflow/internal/storage"
)

// Storage wraps a MinIO client plus the raw/processed bucket names.
type Storage struct {
	client          *minio.Client
	rawBucket       string
	processedBucket string
	region          string
	uploadTTL       time.Duration
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:          client,
		rawBucket:       cfg.RawBucket,
		processedBucket: cfg.ProcessedBucket,
		region:          cfg.S3Region,
		uploadTTL:       cfg.SignedURLTTL,
	}, nil
}

// EnsureBuckets makes sure the raw/processed buckets exist before use.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.rawBucket, s.processedBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// PresignUpload returns a short-lived URL the client PUTs the raw file body
// to, bypassing the API server for the byte transfer.
func (s *Storage) PresignUpload(ctx context.Context, objectKey string) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.rawBucket, objectKey, s.uploadTTL)
	if err != nil {
		return "", fmt.Errorf("presign upload: %w", err)
	}
	return u.String(), nil
}

// StatUpload verifies the uploaded object exists and returns its size.
func (s *Storage) StatUpload(ctx context.Context, objectKey string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.rawBucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return 0, storage.ErrObjectMissing
		}
		return 0, fmt.Errorf("stat upload: %w", err)
	}
	return info.Size, nil
}

// DownloadRaw fetches the raw file bytes for processing.
func (s *Storage) DownloadRaw(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.rawBucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get raw object: %w", err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read raw object: %w", err)
	}
	return buf, nil
}

// UploadProcessed stores the extracted text so it can be indexed and served.
func (s *Storage) UploadProcessed(ctx context.Context, objectKey string, data []byte) error {
	reader := bytes.NewReader(data)
	opts := minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"}
	_, err := s.client.PutObject(ctx, s.processedBucket, objectKey, reader, int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("upload processed object: %w", err)
	}
	return nil
}

// PresignProcessedURL returns a signed GET URL for the processed text file.
func (s *Storage) PresignProcessedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.processedBucket, objectKey, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign processed object: %w", err)
	}
	return u.String(), nil
}
