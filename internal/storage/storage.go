// Package storage provides object storage access for partition objects.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound  = errors.New("object not found")
	ErrUploadFailed    = errors.New("upload failed")
	ErrDownloadFailed  = errors.New("download failed")
	ErrDeleteFailed    = errors.New("delete failed")
)

// ObjectRef is the full address of one stored object. Partition addresses
// are (bucket, key) pairs; the key alone is not unique across buckets.
type ObjectRef struct {
	Bucket string
	Key    string
}

// Address returns the canonical "bucket/key" form.
func (r ObjectRef) Address() string {
	return r.Bucket + "/" + r.Key
}

// ObjectStorage abstracts the buckets holding partition objects. Every
// operation addresses an object by (bucket, key). The engine is
// read-mostly: Download dominates; Upload and Delete exist for export
// delivery and test seeding.
type ObjectStorage interface {
	// Download downloads an object to the local filesystem.
	Download(ctx context.Context, bucket, key, localPath string) error

	// Upload uploads a local file to object storage.
	Upload(ctx context.Context, localPath, bucket, key string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// Delete removes an object from storage. Idempotent.
	Delete(ctx context.Context, bucket, key string) error

	// ListObjects returns the keys of all objects in bucket under prefix.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
}
