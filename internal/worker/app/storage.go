package app

import (
	"context"
	"strings"
	"time"

	"clipflow_worker/internal/worker/domain"
	"clipflow_worker/pkg/database"
)

// presigned output URLs stay valid for the storage maximum
const outputURLExpiry = 7 * 24 * time.Hour

// StorageGateway definition media byte transfer against object storage.
// Callers own cleanup of the local paths they pass in.
type StorageGateway interface {
	// Fetch downloads the source behind sourceURL into destPath.
	Fetch(ctx context.Context, sourceURL, destPath string) error
	// Store uploads localPath under destKey and returns an addressable URL.
	Store(ctx context.Context, localPath, destKey string) (string, error)
}

type minioStorageGateway struct {
	client database.MinIOClientRepo
}

// NewStorageGateway create a StorageGateway backed by minio
func NewStorageGateway(client database.MinIOClientRepo) StorageGateway {
	return &minioStorageGateway{client: client}
}

func (g *minioStorageGateway) Fetch(ctx context.Context, sourceURL, destPath string) error {
	key := objectKey(sourceURL)
	if err := g.client.DownloadFile(ctx, key, destPath); err != nil {
		return &domain.TransferError{Op: "fetch", Key: key, Err: err}
	}
	return nil
}

func (g *minioStorageGateway) Store(ctx context.Context, localPath, destKey string) (string, error) {
	if err := g.client.UploadFile(ctx, destKey, localPath, "video/mp4"); err != nil {
		return "", &domain.TransferError{Op: "store", Key: destKey, Err: err}
	}
	url, err := g.client.PresignGetURL(ctx, destKey, outputURLExpiry)
	if err != nil {
		return "", &domain.TransferError{Op: "store", Key: destKey, Err: err}
	}
	return url, nil
}

// objectKey strips a scheme prefix so enqueues may pass either a bare object
// key or an s3://-style locator for the configured bucket.
func objectKey(sourceURL string) string {
	if i := strings.Index(sourceURL, "://"); i >= 0 {
		return sourceURL[i+3:]
	}
	return sourceURL
}
