package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jdiitm/logconsole/internal/domain"
)

// Entry is the live handle of one running worker. It holds no business data.
type Entry struct {
	SessionID  string
	Generation int64
	StartedAt  time.Time

	running atomic.Bool
	paused  atomic.Bool
	cause   atomic.Value
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	client Closer
}

// Closer is the part of a log client the registry needs to know about.
type Closer interface {
	Close()
}

func NewEntry(sessionID string, generation int64, cancel context.CancelFunc) *Entry {
	e := &Entry{
		SessionID:  sessionID,
		Generation: generation,
		StartedAt:  time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	e.running.Store(true)
	return e
}

func (e *Entry) Running() bool { return e.running.Load() }

func (e *Entry) Paused() bool { return e.paused.Load() }

// Pause flips the paused flag on. It returns false if the entry was already
// paused or has been stopped.
func (e *Entry) Pause() bool {
	if !e.running.Load() {
		return false
	}
	return e.paused.CompareAndSwap(false, true)
}

func (e *Entry) Resume() bool {
	if !e.running.Load() {
		return false
	}
	return e.paused.CompareAndSwap(true, false)
}

// Stop signals a manual stop. See StopWith.
func (e *Entry) Stop() {
	e.StopWith(domain.CauseManual)
}

// StopWith clears the running flag and cancels the worker context. The first
// caller's cause is kept and only that caller gets true. Safe to call more
// than once.
func (e *Entry) StopWith(cause domain.StopCause) bool {
	won := e.running.CompareAndSwap(true, false)
	if won {
		e.cause.Store(cause)
	}
	if e.cancel != nil {
		e.cancel()
	}
	return won
}

// Cause returns the cause recorded by StopWith, or CauseNone while running.
func (e *Entry) Cause() domain.StopCause {
	if c, ok := e.cause.Load().(domain.StopCause); ok {
		return c
	}
	return domain.CauseNone
}

// SetClient records the log client handle owned by the worker.
func (e *Entry) SetClient(c Closer) {
	e.mu.Lock()
	e.client = c
	e.mu.Unlock()
}

func (e *Entry) Client() Closer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// MarkDone is called by the worker when it has fully exited.
func (e *Entry) MarkDone() {
	e.once.Do(func() { close(e.done) })
}

func (e *Entry) Done() <-chan struct{} { return e.done }

// Registry maps session id to its live Entry.
type Registry struct {
	entries sync.Map
	count   atomic.Int64
}

func New() *Registry {
	return &Registry{}
}

// Register inserts e unless an entry for the same session already exists, in
// which case the existing entry is returned with ok=false.
func (r *Registry) Register(e *Entry) (*Entry, bool) {
	existing, loaded := r.entries.LoadOrStore(e.SessionID, e)
	if loaded {
		return existing.(*Entry), false
	}
	r.count.Add(1)
	return e, true
}

func (r *Registry) Get(id string) (*Entry, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// Remove deletes id only while it still maps to e, so a worker from an older
// run never removes a newer entry.
func (r *Registry) Remove(id string, e *Entry) bool {
	if r.entries.CompareAndDelete(id, e) {
		r.count.Add(-1)
		return true
	}
	return false
}

func (r *Registry) Len() int {
	return int(r.count.Load())
}

func (r *Registry) IDs() []string {
	var ids []string
	r.entries.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// StopAll signals and removes every entry present during the sweep and
// returns them. Entries registered concurrently may be missed.
func (r *Registry) StopAll(cause domain.StopCause) []*Entry {
	var stopped []*Entry
	r.entries.Range(func(k, v any) bool {
		e := v.(*Entry)
		e.StopWith(cause)
		if r.Remove(k.(string), e) {
			stopped = append(stopped, e)
		}
		return true
	})
	return stopped
}
