package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jdiitm/logconsole/internal/domain"
)

// MemorySessions keeps sessions in process. Used for STORE_TYPE=memory and
// in tests.
type MemorySessions struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{sessions: make(map[string]domain.Session)}
}

func (m *MemorySessions) Create(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("store: session %s: %w", s.ID, domain.ErrConflict)
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemorySessions) Get(_ context.Context, id string) (domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, fmt.Errorf("store: session %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

func (m *MemorySessions) List(_ context.Context) ([]domain.Session, error) {
	return m.filter(func(domain.Session) bool { return true }), nil
}

func (m *MemorySessions) ListActive(_ context.Context) ([]domain.Session, error) {
	return m.filter(func(s domain.Session) bool { return s.Status.Active() }), nil
}

func (m *MemorySessions) ListByConnection(_ context.Context, connectionID string) ([]domain.Session, error) {
	return m.filter(func(s domain.Session) bool { return s.ConnectionID == connectionID }), nil
}

func (m *MemorySessions) filter(keep func(domain.Session) bool) []domain.Session {
	m.mu.RLock()
	out := make([]domain.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// update applies fn to the row when it exists and holds generation, and
// from unless from is empty.
func (m *MemorySessions) update(id string, generation int64, from domain.Status, fn func(*domain.Session)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Generation != generation || (from != "" && s.Status != from) {
		return false
	}
	fn(&s)
	m.sessions[id] = s
	return true
}

func (m *MemorySessions) MarkRunning(_ context.Context, id string, prevGeneration, generation int64, at time.Time) (bool, error) {
	return m.update(id, prevGeneration, "", func(s *domain.Session) {
		s.Status = domain.StatusRunning
		s.Generation = generation
		s.StartedAt = &at
		s.StoppedAt = nil
		s.StopCause = domain.CauseNone
		s.LastError = ""
		s.UpdatedAt = at
	}), nil
}

func (m *MemorySessions) SetStatus(_ context.Context, u StatusUpdate) (bool, error) {
	return m.update(u.ID, u.Generation, u.From, func(s *domain.Session) {
		s.Status = u.Status
		s.StopCause = u.Cause
		s.LastError = u.LastError
		if terminal(u.Status) {
			at := u.At
			s.StoppedAt = &at
		}
		s.UpdatedAt = u.At
	}), nil
}

func (m *MemorySessions) SaveProgress(_ context.Context, p domain.Progress) (bool, error) {
	return m.update(p.SessionID, p.Generation, "", func(s *domain.Session) {
		s.MessagesConsumed = p.MessagesConsumed
		s.CurrentOffset = p.CurrentOffset
		s.UpdatedAt = time.Now()
	}), nil
}

func (m *MemorySessions) Finish(_ context.Context, o domain.Outcome) (bool, error) {
	return m.update(o.SessionID, o.Generation, "", func(s *domain.Session) {
		s.MessagesConsumed = o.MessagesConsumed
		s.CurrentOffset = o.CurrentOffset
		s.Status = o.Status
		s.StopCause = o.Cause
		s.LastError = o.LastError
		at := o.StoppedAt
		s.StoppedAt = &at
		s.UpdatedAt = at
	}), nil
}

func (m *MemorySessions) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("store: session %s: %w", id, domain.ErrNotFound)
	}
	delete(m.sessions, id)
	return nil
}
