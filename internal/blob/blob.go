// Package blob stores protocol files, on local disk or in an S3-compatible
// bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/KevinKickass/OpenLabCore/internal/config"
)

// ErrNotExist is returned when a key has no object.
var ErrNotExist = errors.New("blob does not exist")

type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the object. Missing objects are not an error.
	Delete(ctx context.Context, key string) error
}

// New builds the store selected by cfg.Driver.
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Driver {
	case "local":
		return LocalFS{Root: cfg.Root}, nil
	case "minio":
		accessKey, secretKey := cfg.Credentials()
		client, err := NewMinIOClient(cfg.Endpoint, accessKey, secretKey, cfg.Region, cfg.UseSSL)
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
		if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
		}
		return &MinioStore{client: client, bucket: cfg.Bucket}, nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
