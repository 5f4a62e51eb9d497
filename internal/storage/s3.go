package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultPartSize is the part size used for streams of unknown length. At
// most one part per upload is held in memory.
const DefaultPartSize = 8 * 1024 * 1024

// S3API is the subset of the S3 client used by S3Storage.
type S3API interface {
	manager.UploadAPIClient
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// S3Config configures an S3Storage.
type S3Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// Endpoint overrides the AWS endpoint (LocalStack, MinIO), including scheme.
	Endpoint     string
	UsePathStyle bool
	PublicBase   string
	// MaxRetries is the total number of attempts per request; 1 disables retries.
	MaxRetries int
	PartSize   int64
}

// S3Storage implements Storage on top of aws-sdk-go-v2.
type S3Storage struct {
	client     S3API
	uploader   *manager.Uploader
	bucket     string
	publicBase string
	// overridden is set when PublicBase was configured; the backend
	// location is then not reported.
	overridden bool
}

// NewS3Storage builds an S3 client from static credentials.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.MaxRetries))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3StorageWithClient(client, cfg)
}

// NewS3StorageWithClient wraps an existing client. Tests use it with a mock.
func NewS3StorageWithClient(client S3API, cfg S3Config) (*S3Storage, error) {
	base, err := s3PublicBase(cfg)
	if err != nil {
		return nil, err
	}

	partSize := cfg.PartSize
	if partSize <= 0 {
		partSize = DefaultPartSize
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = 1
	})

	return &S3Storage{
		client:     client,
		uploader:   uploader,
		bucket:     cfg.Bucket,
		publicBase: base,
		overridden: cfg.PublicBase != "",
	}, nil
}

// Upload streams reader to the bucket. Bodies larger than one part go
// through a multipart upload that is aborted on failure, so a failed
// transfer leaves no object behind.
func (s *S3Storage) Upload(ctx context.Context, key string, reader io.Reader, size int64, opts Options) (*Object, error) {
	input := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     reader,
		Metadata: opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	out, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("put object %q: %w", key, err)
	}

	obj := &Object{
		Key:      key,
		Location: out.Location,
		ETag:     strings.Trim(aws.ToString(out.ETag), `"`),
	}
	if s.overridden {
		obj.Location = ""
	}
	return obj, nil
}

// Delete removes the object at key from the bucket.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %q: %w", key, err)
	}
	return nil
}

// PublicURL returns the URL S3 serves the object under, e.g.
// "https://my-bucket.s3.ap-southeast-1.amazonaws.com/uploads/1700000000000-a.png".
func (s *S3Storage) PublicURL(key string) string {
	return JoinURL(s.publicBase, key)
}

func s3PublicBase(cfg S3Config) (string, error) {
	if cfg.PublicBase != "" {
		return strings.TrimRight(cfg.PublicBase, "/"), nil
	}

	if cfg.Endpoint == "" {
		if cfg.UsePathStyle {
			return fmt.Sprintf("https://s3.%s.amazonaws.com/%s", cfg.Region, cfg.Bucket), nil
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region), nil
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid storage endpoint %q", cfg.Endpoint)
	}
	if cfg.UsePathStyle {
		return strings.TrimRight(u.String(), "/") + "/" + cfg.Bucket, nil
	}
	u.Host = cfg.Bucket + "." + u.Host
	return strings.TrimRight(u.String(), "/"), nil
}
