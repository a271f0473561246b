package logclient

import (
	"context"
	"sync"
	"time"

	"github.com/jdiitm/logconsole/internal/connection"
	"github.com/jdiitm/logconsole/internal/domain"
)

// FakeClient replays scripted batches. Once the script is exhausted Poll
// waits for the timeout and returns an empty batch.
type FakeClient struct {
	mu        sync.Mutex
	batches   [][]domain.Record
	errs      []error
	committed []domain.Record
	polls     int
	closed    bool
}

func NewFakeClient(batches ...[]domain.Record) *FakeClient {
	return &FakeClient{batches: batches}
}

// Push appends a batch to the script.
func (f *FakeClient) Push(batch ...domain.Record) {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
}

// FailNext makes the next Poll return err.
func (f *FakeClient) FailNext(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func (f *FakeClient) Poll(ctx context.Context, timeout time.Duration) ([]domain.Record, error) {
	f.mu.Lock()
	f.polls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return nil, err
	}
	if len(f.batches) > 0 {
		batch := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return batch, nil
	}
	f.mu.Unlock()

	if timeout <= 0 {
		timeout = time.Millisecond
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	}
}

func (f *FakeClient) Commit(_ context.Context, records []domain.Record) error {
	f.mu.Lock()
	f.committed = append(f.committed, records...)
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeClient) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *FakeClient) Committed() []domain.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Record(nil), f.committed...)
}

// FakeOpener hands out FakeClients, one per Open call, keyed by topic.
type FakeOpener struct {
	mu      sync.Mutex
	scripts map[string][][]domain.Record
	err     error
	opened  []*FakeClient
	targets []Target
}

func NewFakeOpener() *FakeOpener {
	return &FakeOpener{scripts: make(map[string][][]domain.Record)}
}

// Script sets the batches the next client for topic will return.
func (o *FakeOpener) Script(topic string, batches ...[]domain.Record) {
	o.mu.Lock()
	o.scripts[topic] = batches
	o.mu.Unlock()
}

func (o *FakeOpener) FailWith(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *FakeOpener) Open(_ context.Context, _ connection.Config, target Target) (Client, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	c := NewFakeClient(o.scripts[target.Topic]...)
	delete(o.scripts, target.Topic)
	o.opened = append(o.opened, c)
	o.targets = append(o.targets, target)
	return c, nil
}

func (o *FakeOpener) Opened() []*FakeClient {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*FakeClient(nil), o.opened...)
}

func (o *FakeOpener) Targets() []Target {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Target(nil), o.targets...)
}
