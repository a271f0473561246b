package blobstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("blobstore: object not found")

// Store keeps archived objects by key. Put overwrites.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}
