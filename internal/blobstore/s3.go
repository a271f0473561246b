package blobstore

import (
	"context"
	"errors"
	"fmt"
)

// ObjectStorageClient is the subset of S3 the archive needs. GetObject
// returns ErrNotFound for a missing key.
type ObjectStorageClient interface {
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	HeadObject(ctx context.Context, bucket, key string) (bool, error)
}

type S3Store struct {
	client ObjectStorageClient
	bucket string
}

func NewS3Store(client ObjectStorageClient, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.client.PutObject(ctx, s.bucket, key, data, contentType); err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.GetObject(ctx, s.bucket, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, s.bucket, key)
		}
		return nil, fmt.Errorf("s3 get %s/%s: %w", s.bucket, key, err)
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := s.client.HeadObject(ctx, s.bucket, key)
	if err != nil {
		return false, fmt.Errorf("s3 head %s/%s: %w", s.bucket, key, err)
	}
	return exists, nil
}

var (
	_ Store = (*S3Store)(nil)
	_ Store = (*MemoryStore)(nil)
)
