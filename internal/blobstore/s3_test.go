package blobstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jdiitm/logconsole/internal/blobstore"
)

func TestS3Store_PutAndGet(t *testing.T) {
	ctx := context.Background()
	mock := blobstore.NewMockS3Client()
	store := blobstore.NewS3Store(mock, "archive")

	if err := store.Put(ctx, "sessions/s-1/0001.jsonl", []byte(`{"offset":1}`), "application/x-ndjson"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	data, err := store.Get(ctx, "sessions/s-1/0001.jsonl")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != `{"offset":1}` {
		t.Errorf("unexpected body %q", data)
	}
	if ct := mock.ContentType("archive", "sessions/s-1/0001.jsonl"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}
}

func TestS3Store_GetMissingIsNotFound(t *testing.T) {
	store := blobstore.NewS3Store(blobstore.NewMockS3Client(), "archive")
	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, blobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestS3Store_Exists(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewS3Store(blobstore.NewMockS3Client(), "archive")

	exists, err := store.Exists(ctx, "k")
	if err != nil || exists {
		t.Fatalf("Exists before put = %v, %v", exists, err)
	}
	_ = store.Put(ctx, "k", []byte("data"), "text/plain")
	exists, err = store.Exists(ctx, "k")
	if err != nil || !exists {
		t.Fatalf("Exists after put = %v, %v", exists, err)
	}
}

func TestS3Store_Errors(t *testing.T) {
	ctx := context.Background()
	mock := blobstore.NewMockS3Client()
	mock.SetPutError("access denied")
	mock.SetHeadError("throttled")
	store := blobstore.NewS3Store(mock, "archive")

	if err := store.Put(ctx, "k", []byte("data"), "text/plain"); err == nil {
		t.Fatal("expected put error")
	}
	if _, err := store.Exists(ctx, "k"); err == nil {
		t.Fatal("expected head error")
	}
}
