package artifact

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig locates the artifact bucket.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Prefix is prepended to every object key.
	Prefix   string
	MaxBytes int64
}

// MinIO reads artifacts from an S3-compatible bucket with keys
// <prefix><agentID>/<path>.
type MinIO struct {
	mc       *minio.Client
	bucket   string
	prefix   string
	maxBytes int64
}

var _ Reader = (*MinIO)(nil)

// NewMinIO creates a bucket reader. The bucket is not checked until the
// first read.
func NewMinIO(cfg MinIOConfig) (*MinIO, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "steward-artifacts"
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &MinIO{mc: mc, bucket: bucket, prefix: cfg.Prefix, maxBytes: maxBytes}, nil
}

// ObjectKey returns the bucket key for an artifact.
func (m *MinIO) ObjectKey(agentID, path string) (string, error) {
	key, err := cleanKey(agentID, path)
	if err != nil {
		return "", err
	}
	return m.prefix + key, nil
}

// ReadFile downloads the artifact object.
func (m *MinIO) ReadFile(ctx context.Context, agentID, path string) ([]byte, error) {
	key, err := m.ObjectKey(agentID, path)
	if err != nil {
		return nil, err
	}

	obj, err := m.mc.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.Size > m.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, key, info.Size)
	}
	return readLimited(obj, m.maxBytes, key)
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}
