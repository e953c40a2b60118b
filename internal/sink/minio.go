package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// MinioBackend is the S3-compatible path for self-hosted object stores.
type MinioBackend struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinioBackend(cfg MinioConfig) (*MinioBackend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: minio endpoint and bucket are required", ErrInvalidPath)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, err
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &MinioBackend{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (b *MinioBackend) Name() string { return "minio" }

func (b *MinioBackend) Put(ctx context.Context, logicalPath string, r io.Reader) (string, error) {
	data, err := io.ReadAll(readerWithContext(ctx, r))
	if err != nil {
		return "", err
	}
	key, err := Uniquify(ctx, b.prefix+logicalPath, b.Exists)
	if err != nil {
		return "", err
	}
	_, err = b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: mimetype.Detect(data).String()})
	if err != nil {
		return "", fmt.Errorf("minio put failed: %w", err)
	}
	return key, nil
}

func (b *MinioBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

func (b *MinioBackend) Close() error { return nil }
