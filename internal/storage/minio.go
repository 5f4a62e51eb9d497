package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures a MinioStorage.
type MinioConfig struct {
	Endpoint  string // host[:port], no scheme
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
	// PublicBase overrides the URL prefix of stored objects,
	// e.g. "https://cdn.example.com/uploads-bucket".
	PublicBase string
	// PublicRead applies an anonymous GetObject bucket policy at startup.
	PublicRead bool
}

// MinioStorage implements Storage with minio-go. Any S3-compatible endpoint
// works; only STORAGE_ENDPOINT and the credentials differ.
type MinioStorage struct {
	client     *minio.Client
	bucket     string
	publicBase string
}

// NewMinioStorage creates a MinIO client, ensures the bucket exists (optionally
// with a public-read policy) and returns a ready-to-use MinioStorage.
func NewMinioStorage(ctx context.Context, cfg MinioConfig, logger *slog.Logger) (*MinioStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
		logger.Info("storage: created bucket", slog.String("bucket", cfg.Bucket))
	}

	if cfg.PublicRead {
		if err := client.SetBucketPolicy(ctx, cfg.Bucket, publicReadPolicy(cfg.Bucket)); err != nil {
			return nil, fmt.Errorf("set bucket policy: %w", err)
		}
	}

	return newMinioStorage(client, cfg.Bucket, cfg.PublicBase), nil
}

func newMinioStorage(client *minio.Client, bucket, publicBase string) *MinioStorage {
	if publicBase == "" {
		publicBase = client.EndpointURL().String() + "/" + bucket
	}
	return &MinioStorage{
		client:     client,
		bucket:     bucket,
		publicBase: publicBase,
	}
}

// Upload streams reader to MinIO under key. With size -1 the client uploads
// in DefaultPartSize parts, holding one part in memory at a time.
func (s *MinioStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, opts Options) (*Object, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
		PartSize:     DefaultPartSize,
	})
	if err != nil {
		return nil, fmt.Errorf("put object %q: %w", key, err)
	}
	// Location is only filled for multipart uploads, so callers fall back to
	// PublicURL for a stable shape.
	return &Object{Key: info.Key, ETag: info.ETag}, nil
}

// Delete removes the object at key from the bucket.
func (s *MinioStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %q: %w", key, err)
	}
	return nil
}

// PublicURL returns the browser-accessible URL for the given key.
// For local MinIO: "http://localhost:9000/uploads-bucket/uploads/1700000000000-a.png"
// For a CDN base: "https://cdn.example.com/uploads/1700000000000-a.png"
func (s *MinioStorage) PublicURL(key string) string {
	return JoinURL(s.publicBase, key)
}

// publicReadPolicy returns an S3 bucket policy JSON that allows anonymous GET on all objects.
func publicReadPolicy(bucket string) string {
	policy := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{
			{
				"Effect":    "Allow",
				"Principal": "*",
				"Action":    "s3:GetObject",
				"Resource":  fmt.Sprintf("arn:aws:s3:::%s/*", bucket),
			},
		},
	}
	b, _ := json.Marshal(policy)
	return string(b)
}
