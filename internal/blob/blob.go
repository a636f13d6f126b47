// Package blob provides the artifact store: content-addressed blob storage
// for datasets and job outputs, keyed by path.
package blob

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no object exists at the requested key.
var ErrNotFound = errors.New("object not found")

// Store is the capability handed to the API and worker; implementations are
// S3-compatible object storage or the local filesystem.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// DatasetMetadataKey is the well-known key checked to confirm a dataset exists.
func DatasetMetadataKey(datasetID string) string {
	return fmt.Sprintf("datasets/%s/metadata.json", datasetID)
}

// JobLogsKey is the deterministic location of a job's result log.
func JobLogsKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/logs.txt", jobID)
}
