package blobstore

import (
	"context"
	"errors"
	"sync"
)

type MockS3Client struct {
	mu           sync.RWMutex
	objects      map[string][]byte
	contentTypes map[string]string
	putErr       error
	headErr      error
}

func NewMockS3Client() *MockS3Client {
	return &MockS3Client{objects: make(map[string][]byte), contentTypes: make(map[string]string)}
}

func (m *MockS3Client) SetPutError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = errors.New(msg)
}

func (m *MockS3Client) SetHeadError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headErr = errors.New(msg)
}

func (m *MockS3Client) ContentType(bucket, key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contentTypes[bucket+"/"+key]
}

func (m *MockS3Client) PutObject(_ context.Context, bucket, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
	m.contentTypes[bucket+"/"+key] = contentType
	return nil
}

func (m *MockS3Client) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MockS3Client) HeadObject(_ context.Context, bucket, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.headErr != nil {
		return false, m.headErr
	}
	_, ok := m.objects[bucket+"/"+key]
	return ok, nil
}
