package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNoEndpoint is returned by New when no endpoint is configured.
var ErrNoEndpoint = errors.New("object store endpoint not set")

// #region config
// Config locates the bucket that mirrors checkpoint blobs.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// #endregion

// #region bucket
type objectAPI interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (*minio.Object, error)
}

// Bucket writes blobs under a key prefix of one MinIO/S3 bucket.
type Bucket struct {
	api    objectAPI
	bucket string
	prefix string
}

// New connects to cfg.Endpoint and creates the bucket when missing.
func New(ctx context.Context, cfg Config) (*Bucket, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Bucket{api: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (b *Bucket) object(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

// Put uploads data under key.
func (b *Bucket) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.api.PutObject(ctx, b.bucket, b.object(key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Get downloads the blob stored under key.
func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.api.GetObject(ctx, b.bucket, b.object(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// #endregion
