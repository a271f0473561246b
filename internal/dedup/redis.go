package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jdiitm/logconsole/internal/domain"
)

type RedisClient interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// CachedStore remembers captured keys in Redis so repeated existence checks
// skip the inner store. Redis failures are logged and fall through.
type CachedStore struct {
	inner  Repository
	client RedisClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedStore(inner Repository, client RedisClient, prefix string, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{inner: inner, client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (c *CachedStore) cacheKey(k Key) string {
	return c.prefix + k.String()
}

func (c *CachedStore) Exists(ctx context.Context, k Key) (bool, error) {
	hit, err := c.client.Exists(ctx, c.cacheKey(k))
	if err != nil {
		c.logger.Warn("dedup: redis exists failed", "key", k.String(), "error", err)
	} else if hit {
		return true, nil
	}
	ok, err := c.inner.Exists(ctx, k)
	if err != nil {
		return false, err
	}
	if ok {
		c.remember(ctx, k)
	}
	return ok, nil
}

func (c *CachedStore) Put(ctx context.Context, r domain.CapturedRecord) error {
	err := c.inner.Put(ctx, r)
	if err == nil || errors.Is(err, ErrDuplicate) {
		c.remember(ctx, KeyOf(r))
	}
	return err
}

func (c *CachedStore) remember(ctx context.Context, k Key) {
	if _, err := c.client.SetNX(ctx, c.cacheKey(k), c.ttl); err != nil {
		c.logger.Warn("dedup: redis setnx failed", "key", k.String(), "error", err)
	}
}

func (c *CachedStore) List(ctx context.Context, sessionID string, after *domain.Cursor, limit int) ([]domain.CapturedRecord, error) {
	return c.inner.List(ctx, sessionID, after, limit)
}

func (c *CachedStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.client.DeletePrefix(ctx, c.prefix+sessionID+":"); err != nil {
		c.logger.Warn("dedup: redis purge failed", "session_id", sessionID, "error", err)
	}
	return c.inner.DeleteSession(ctx, sessionID)
}

func (c *CachedStore) Inner() Repository { return c.inner }

type MockRedisClient struct {
	mu      sync.Mutex
	store   map[string]time.Duration
	errMsg  string
	lastTTL time.Duration
}

func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{store: make(map[string]time.Duration)}
}

func (m *MockRedisClient) SetError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errMsg = msg
}

func (m *MockRedisClient) KeyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store)
}

func (m *MockRedisClient) HasKey(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.store[key]
	return ok
}

func (m *MockRedisClient) LastTTL() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTTL
}

func (m *MockRedisClient) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errMsg != "" {
		return false, fmt.Errorf("%s", m.errMsg)
	}
	if _, exists := m.store[key]; exists {
		return false, nil
	}
	m.store[key] = ttl
	m.lastTTL = ttl
	return true, nil
}

func (m *MockRedisClient) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errMsg != "" {
		return false, fmt.Errorf("%s", m.errMsg)
	}
	_, ok := m.store[key]
	return ok, nil
}

func (m *MockRedisClient) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errMsg != "" {
		return fmt.Errorf("%s", m.errMsg)
	}
	for k := range m.store {
		if strings.HasPrefix(k, prefix) {
			delete(m.store, k)
		}
	}
	return nil
}
