package blob

import (
	"context"
	"errors"
)

// Store keeps opaque byte blobs under string keys.
type Store interface {
	// Put stores data under key, replacing any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the data stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

var (
	ErrInvalidConfig  = errors.New("blob: invalid configuration")
	ErrNotFound       = errors.New("blob: object not found")
	ErrAccessDenied   = errors.New("blob: access denied")
	ErrUploadFailed   = errors.New("blob: upload failed")
	ErrDownloadFailed = errors.New("blob: download failed")
	ErrDeleteFailed   = errors.New("blob: delete failed")
)
