package fanout_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jdiitm/logconsole/internal/fanout"
)

type mockPubClient struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
	block    chan struct{}
}

func (m *mockPubClient) Publish(ctx context.Context, channel string, payload []byte) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, channel)
	m.payloads = append(m.payloads, payload)
	return m.err
}

func (m *mockPubClient) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

func TestRedisPublisherForwardsJSON(t *testing.T) {
	client := &mockPubClient{}
	p := fanout.NewRedisPublisher(client, 8)

	p.Publish("s-1", fanout.RecordEvent(record(42)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.count() != 1 {
		t.Fatalf("published = %d, want 1", client.count())
	}
	if client.channels[0] != "logconsole:session:s-1" {
		t.Fatalf("channel = %q", client.channels[0])
	}
	var ev fanout.Event
	if err := json.Unmarshal(client.payloads[0], &ev); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if ev.Type != fanout.EventRecord || ev.Record.Offset != 42 {
		t.Fatalf("unexpected payload %+v", ev)
	}
}

func TestRedisPublisherDropsWhenQueueFull(t *testing.T) {
	client := &mockPubClient{block: make(chan struct{})}
	drops := &countingDrops{}
	p := fanout.NewRedisPublisher(client, 1, fanout.WithRedisDropObserver(drops))

	for i := int64(0); i < 10; i++ {
		p.Publish("s-1", fanout.RecordEvent(record(i)))
	}
	if drops.n.Load() == 0 {
		t.Fatal("expected drops with a blocked client and queue of 1")
	}
	close(client.block)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := int64(client.count()) + drops.n.Load(); got != 10 {
		t.Fatalf("published+dropped = %d, want 10", got)
	}
}

func TestRedisPublisherSurvivesClientErrors(t *testing.T) {
	client := &mockPubClient{err: errors.New("connection refused")}
	p := fanout.NewRedisPublisher(client, 4)
	p.Publish("s-1", fanout.RecordEvent(record(1)))
	p.Publish("s-1", fanout.RecordEvent(record(2)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.count() != 2 {
		t.Fatalf("attempts = %d, want 2", client.count())
	}
}
