// Package storage provides object storage abstractions for the Bronze and
// Silver tiers.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts cloud object storage operations.
// Implementations include S3 and local filesystem for testing. The same
// store backs the Bronze prefix (read side) and the Silver and quarantine
// prefixes (write side).
type ObjectStorage interface {
	// Upload uploads a local file to object storage.
	Upload(ctx context.Context, localPath, objectPath string) error

	// UploadMultipart uploads a local file using multipart upload for
	// large Silver segments. Returns the ETag of the uploaded object.
	UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error)

	// Download downloads an object to a local file.
	Download(ctx context.Context, objectPath, localPath string) error

	// Put writes a small object (checkpoints, sidecars, quarantine
	// batches) directly from memory.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get reads a whole object into memory. Returns ErrObjectNotFound if
	// the object does not exist.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix in
	// lexicographic order.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// MultipartUploadConfig holds configuration for multipart uploads.
type MultipartUploadConfig struct {
	// PartSize is the size of each part in bytes (default: 5MB).
	PartSize int64
}

// DefaultMultipartConfig returns the default multipart upload configuration.
func DefaultMultipartConfig() MultipartUploadConfig {
	return MultipartUploadConfig{
		PartSize: 5 * 1024 * 1024,
	}
}
