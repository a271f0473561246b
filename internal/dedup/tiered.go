package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jdiitm/logconsole/internal/domain"
)

type FallbackObserver interface {
	RecordFallbackWrite()
}

type noopFallback struct{}

func (noopFallback) RecordFallbackWrite() {}

type TieredOption func(*TieredStore)

func WithLogger(l *slog.Logger) TieredOption {
	return func(s *TieredStore) { s.logger = l }
}

func WithFallbackObserver(o FallbackObserver) TieredOption {
	return func(s *TieredStore) {
		if o != nil {
			s.observer = o
		}
	}
}

// TieredStore writes to a durable primary and degrades to an in-process
// fallback when the primary rejects a write. Reads merge both tiers.
type TieredStore struct {
	primary  Repository
	fallback *MemoryStore
	logger   *slog.Logger
	observer FallbackObserver
}

func NewTieredStore(primary Repository, fallback *MemoryStore, opts ...TieredOption) *TieredStore {
	s := &TieredStore{
		primary:  primary,
		fallback: fallback,
		logger:   slog.Default(),
		observer: noopFallback{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Exists consults the fallback tier first. A primary read error is logged and
// treated as absent; the unique key still rejects a second insert.
func (s *TieredStore) Exists(ctx context.Context, k Key) (bool, error) {
	if ok, _ := s.fallback.Exists(ctx, k); ok {
		return true, nil
	}
	ok, err := s.primary.Exists(ctx, k)
	if err != nil {
		s.logger.Warn("dedup: primary exists check failed",
			"session_id", k.SessionID, "topic", k.Topic, "partition", k.Partition, "offset", k.Offset,
			"error", err)
		return false, nil
	}
	return ok, nil
}

// Put never surfaces a primary write failure. It returns nil when the record
// landed in either tier and ErrDuplicate when it was already captured.
func (s *TieredStore) Put(ctx context.Context, r domain.CapturedRecord) error {
	err := s.primary.Put(ctx, r)
	if err == nil || errors.Is(err, ErrDuplicate) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	wrapped := fmt.Errorf("%w: %w", domain.ErrStoreWriteFailure, err)
	s.logger.Error("dedup: primary write failed, using fallback",
		"session_id", r.SessionID, "topic", r.Topic, "partition", r.Partition, "offset", r.Offset,
		"error", wrapped)
	s.observer.RecordFallbackWrite()
	return s.fallback.Put(ctx, r)
}

func (s *TieredStore) List(ctx context.Context, sessionID string, after *domain.Cursor, limit int) ([]domain.CapturedRecord, error) {
	primary, err := s.primary.List(ctx, sessionID, after, limit)
	if err != nil {
		return nil, err
	}
	fallback, _ := s.fallback.List(ctx, sessionID, after, limit)
	if len(fallback) == 0 {
		return primary, nil
	}

	seen := make(map[Key]struct{}, len(primary))
	merged := make([]domain.CapturedRecord, 0, len(primary)+len(fallback))
	for _, r := range primary {
		seen[KeyOf(r)] = struct{}{}
		merged = append(merged, r)
	}
	for _, r := range fallback {
		if _, ok := seen[KeyOf(r)]; !ok {
			merged = append(merged, r)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return domain.Less(merged[i], merged[j]) })
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func (s *TieredStore) DeleteSession(ctx context.Context, sessionID string) error {
	_ = s.fallback.DeleteSession(ctx, sessionID)
	return s.primary.DeleteSession(ctx, sessionID)
}

func (s *TieredStore) Primary() Repository { return s.primary }

func (s *TieredStore) Fallback() *MemoryStore { return s.fallback }
