package dedup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jdiitm/logconsole/internal/domain"
)

var ErrDuplicate = errors.New("dedup: record already captured")

// Key is the natural key of a captured record.
type Key struct {
	SessionID string
	Topic     string
	Partition int32
	Offset    int64
}

func KeyOf(r domain.CapturedRecord) Key {
	return Key{SessionID: r.SessionID, Topic: r.Topic, Partition: r.Partition, Offset: r.Offset}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d:%d", k.SessionID, k.Topic, k.Partition, k.Offset)
}

// Store answers "was this record already captured" and captures it.
// Put returns ErrDuplicate when the key is already stored.
type Store interface {
	Exists(ctx context.Context, k Key) (bool, error)
	Put(ctx context.Context, r domain.CapturedRecord) error
}

// Repository is a Store that can also read back and purge a session's
// records.
type Repository interface {
	Store
	// List returns up to limit records of sessionID ordered by (topic,
	// partition, offset), strictly after the cursor when one is given.
	List(ctx context.Context, sessionID string, after *domain.Cursor, limit int) ([]domain.CapturedRecord, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Expirer is implemented by repositories the retention sweep can age out.
type Expirer interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.CapturedRecord, error)
	DeleteKeys(ctx context.Context, keys []Key) (int64, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// tombstoneFactor sizes the per-session set of evicted keys relative to the
// record capacity.
const tombstoneFactor = 10

type sessionBuffer struct {
	keys    map[Key]struct{}
	order   []domain.CapturedRecord
	evicted []Key
}

// MemoryStore keeps a bounded buffer of records per session. When a
// session's buffer is full the oldest record is evicted, but its key is
// remembered for another tombstoneFactor*capacity captures so a restart from
// an earlier offset does not count it twice.
type MemoryStore struct {
	mu         sync.Mutex
	capacity   int
	tombstones int
	sessions   map[string]*sessionBuffer
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryStore{
		capacity:   capacity,
		tombstones: capacity * tombstoneFactor,
		sessions:   make(map[string]*sessionBuffer),
	}
}

func (s *MemoryStore) Exists(_ context.Context, k Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.sessions[k.SessionID]
	if !ok {
		return false, nil
	}
	_, exists := buf.keys[k]
	return exists, nil
}

func (s *MemoryStore) Put(_ context.Context, r domain.CapturedRecord) error {
	k := KeyOf(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.sessions[r.SessionID]
	if !ok {
		buf = &sessionBuffer{keys: make(map[Key]struct{})}
		s.sessions[r.SessionID] = buf
	}
	if _, exists := buf.keys[k]; exists {
		return ErrDuplicate
	}
	if len(buf.order) >= s.capacity {
		buf.evicted = append(buf.evicted, KeyOf(buf.order[0]))
		buf.order = buf.order[1:]
		if len(buf.evicted) > s.tombstones {
			delete(buf.keys, buf.evicted[0])
			buf.evicted = buf.evicted[1:]
		}
	}
	buf.keys[k] = struct{}{}
	buf.order = append(buf.order, r)
	return nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string, after *domain.Cursor, limit int) ([]domain.CapturedRecord, error) {
	s.mu.Lock()
	buf, ok := s.sessions[sessionID]
	var all []domain.CapturedRecord
	if ok {
		all = make([]domain.CapturedRecord, 0, len(buf.order))
		for _, r := range buf.order {
			if after == nil || after.After(r) {
				all = append(all, r)
			}
		}
	}
	s.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return domain.Less(all[i], all[j]) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.CapturedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CapturedRecord
	for _, buf := range s.sessions {
		for _, r := range buf.order {
			if r.CapturedAt.Before(before) {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteKeys(_ context.Context, keys []Key) (int64, error) {
	drop := make(map[Key]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, buf := range s.sessions {
		kept := buf.order[:0]
		for _, r := range buf.order {
			k := KeyOf(r)
			if _, ok := drop[k]; ok {
				delete(buf.keys, k)
				n++
				continue
			}
			kept = append(kept, r)
		}
		buf.order = kept
		if len(buf.order) == 0 {
			delete(s.sessions, id)
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	expired, _ := s.ListBefore(ctx, before, 0)
	keys := make([]Key, len(expired))
	for i, r := range expired {
		keys[i] = KeyOf(r)
	}
	return s.DeleteKeys(ctx, keys)
}

// Len returns the number of records buffered for sessionID.
func (s *MemoryStore) Len(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok := s.sessions[sessionID]; ok {
		return len(buf.order)
	}
	return 0
}
