package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"
)

var ErrFull = errors.New("dispatcher: no free worker slot")

type Config struct {
	MaxWorkers int
}

// Dispatcher runs at most MaxWorkers long-lived workers. A slot is reserved
// up front so callers learn about exhaustion before doing any setup work.
type Dispatcher struct {
	cfg    Config
	sem    *semaphore.Weighted
	wg     conc.WaitGroup
	active atomic.Int64
}

func New(cfg Config) *Dispatcher {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 64
	}
	return &Dispatcher{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxWorkers)),
	}
}

// Slot is one reserved unit of worker capacity.
type Slot struct {
	d    *Dispatcher
	once sync.Once
	used atomic.Bool
}

// Reserve takes a slot without blocking. It returns ErrFull when all slots
// are taken.
func (d *Dispatcher) Reserve() (*Slot, error) {
	if !d.sem.TryAcquire(1) {
		return nil, ErrFull
	}
	d.active.Add(1)
	return &Slot{d: d}, nil
}

// Release returns an unused slot. Releasing twice, or releasing a slot whose
// worker was started, is a no-op.
func (s *Slot) Release() {
	if s.used.Load() {
		return
	}
	s.release()
}

func (s *Slot) release() {
	s.once.Do(func() {
		s.d.active.Add(-1)
		s.d.sem.Release(1)
	})
}

// Go runs fn on the slot. The slot is freed when fn returns or panics.
func (s *Slot) Go(fn func()) {
	if !s.used.CompareAndSwap(false, true) {
		return
	}
	s.d.wg.Go(func() {
		defer s.release()
		fn()
	})
}

func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

func (d *Dispatcher) Capacity() int {
	return d.cfg.MaxWorkers
}

// Wait blocks until every started worker has returned or ctx is done. A
// worker panic is returned as an error.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		if r := d.wg.WaitAndRecover(); r != nil {
			done <- r.AsError()
			return
		}
		done <- nil
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
