// Package s3 provides a storage adapter for S3-compatible object stores
// (AWS S3, MinIO, Garage).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/tubocms/mediastore/internal/logging"
	"github.com/tubocms/mediastore/internal/storage"
)

// Config is the JSON config of an s3 storage.
type Config struct {
	Endpoint      string `json:"endpoint"`
	Bucket        string `json:"bucket"`
	AccessKey     string `json:"access_key"`
	SecretKey     string `json:"secret_key"`
	Region        string `json:"region"`
	PublicURL     string `json:"public_url"`
	CapacityBytes int64  `json:"capacity_bytes"`
}

// Adapter implements storage.Adapter and storage.NativeSigner on S3.
type Adapter struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     Config
}

// New creates an S3 adapter. Custom endpoints use path-style addressing.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &Adapter{
		client:  client,
		presign: s3.NewPresignClient(client),
		cfg:     cfg,
	}, nil
}

// Upload puts localPath at key remotePath.
func (a *Adapter) Upload(ctx context.Context, localPath, remotePath string) storage.UploadResult {
	f, err := os.Open(localPath)
	if err != nil {
		return storage.UploadFailed(fmt.Errorf("open %s: %w", localPath, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return storage.UploadFailed(fmt.Errorf("stat %s: %w", localPath, err))
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(remotePath),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return storage.UploadFailed(fmt.Errorf("put object %s: %w", remotePath, err))
	}

	logging.Debug("s3 put object", zap.String("key", remotePath), zap.Int64("size", info.Size()))
	return storage.UploadSucceeded(remotePath)
}

// Download gets remotePath into localPath.
func (a *Adapter) Download(ctx context.Context, remotePath, localPath string) error {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", remotePath, storage.ErrNotFound)
		}
		return fmt.Errorf("get object %s: %w", remotePath, err)
	}
	defer out.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		return fmt.Errorf("read %s: %w", remotePath, err)
	}
	return f.Close()
}

// Delete removes remotePath. S3 deletes are idempotent.
func (a *Adapter) Delete(ctx context.Context, remotePath string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", remotePath, err)
	}
	return nil
}

// Exists heads remotePath.
func (a *Adapter) Exists(ctx context.Context, remotePath string) (bool, error) {
	_, err := a.Size(ctx, remotePath)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Size returns the object's content length.
func (a *Adapter) Size(ctx context.Context, remotePath string) (int64, error) {
	out, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("%s: %w", remotePath, storage.ErrNotFound)
		}
		return 0, fmt.Errorf("head object %s: %w", remotePath, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// CreateDirectory is a no-op; S3 has no directories.
func (a *Adapter) CreateDirectory(context.Context, string) error { return nil }

// URL returns the public or path-style URL of remotePath.
func (a *Adapter) URL(remotePath string) string {
	switch {
	case a.cfg.PublicURL != "":
		return a.cfg.PublicURL + "/" + remotePath
	case a.cfg.Endpoint != "":
		return a.cfg.Endpoint + "/" + a.cfg.Bucket + "/" + remotePath
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.cfg.Bucket, a.cfg.Region, remotePath)
	}
}

// SignedURL presigns a GET for remotePath.
func (a *Adapter) SignedURL(ctx context.Context, remotePath string, expiresIn time.Duration) (string, error) {
	req, err := a.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(remotePath),
	}, s3.WithPresignExpires(expiresIn))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", remotePath, err)
	}
	return req.URL, nil
}

// Quota is only known when capacity_bytes is configured. Used bytes are
// summed over every object in the bucket.
func (a *Adapter) Quota(ctx context.Context) (*storage.Quota, error) {
	if a.cfg.CapacityBytes <= 0 {
		return nil, nil
	}

	var used int64
	p := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.cfg.Bucket),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			used += aws.ToInt64(obj.Size)
		}
	}
	return &storage.Quota{TotalBytes: a.cfg.CapacityBytes, UsedBytes: used}, nil
}

// TestConnection heads the bucket.
func (a *Adapter) TestConnection(ctx context.Context) storage.ConnectionTestResult {
	start := time.Now()
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.cfg.Bucket)})
	if err != nil {
		return storage.ConnectionFailed(fmt.Errorf("head bucket %s: %w", a.cfg.Bucket, err))
	}
	return storage.ConnectionOK(start, "s3://"+a.cfg.Bucket)
}

// Kind returns storage.KindS3.
func (a *Adapter) Kind() storage.Kind { return storage.KindS3 }

// Close is a no-op for S3 adapters.
func (a *Adapter) Close() error { return nil }

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

// Factory builds S3 adapters.
type Factory struct{}

// Supports matches s3 storages with a bucket.
func (Factory) Supports(s *storage.Storage) bool {
	return s.Kind == storage.KindS3 && s.HasConfigKeys("bucket")
}

// Create builds and connection-tests an S3 adapter.
func (Factory) Create(ctx context.Context, s *storage.Storage) (storage.Adapter, error) {
	var cfg Config
	if err := storage.DecodeConfig(s, &cfg); err != nil {
		return nil, err
	}
	a, err := New(ctx, cfg)
	if err != nil {
		return nil, &storage.ConfigError{StorageID: s.ID, Kind: s.Kind, Reason: err.Error(), Err: err}
	}
	return storage.Connect(ctx, s, a)
}

var (
	_ storage.NativeSigner = (*Adapter)(nil)
	_ storage.Sizer        = (*Adapter)(nil)
)
