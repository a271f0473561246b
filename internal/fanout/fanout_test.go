package fanout_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jdiitm/logconsole/internal/domain"
	"github.com/jdiitm/logconsole/internal/fanout"
)

type countingDrops struct{ n atomic.Int64 }

func (c *countingDrops) RecordFanoutDropped() { c.n.Add(1) }

func record(offset int64) domain.CapturedRecord {
	return domain.CapturedRecord{SessionID: "s-1", Topic: "orders", Offset: offset}
}

func TestHubDeliversToAllSubscribers(t *testing.T) {
	h := fanout.NewHub(4)
	a, cancelA := h.Subscribe("s-1")
	b, cancelB := h.Subscribe("s-1")
	defer cancelA()
	defer cancelB()

	h.Publish("s-1", fanout.RecordEvent(record(7)))

	for _, ch := range []<-chan fanout.Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Type != fanout.EventRecord || ev.Record.Offset != 7 {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestHubIsolatesSessions(t *testing.T) {
	h := fanout.NewHub(4)
	ch, cancel := h.Subscribe("s-2")
	defer cancel()

	h.Publish("s-1", fanout.RecordEvent(record(1)))

	select {
	case ev := <-ch:
		t.Fatalf("s-2 subscriber got event for another session: %+v", ev)
	default:
	}
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	drops := &countingDrops{}
	h := fanout.NewHub(1, fanout.WithDropObserver(drops))
	ch, cancel := h.Subscribe("s-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := int64(0); i < 5; i++ {
			h.Publish("s-1", fanout.RecordEvent(record(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := drops.n.Load(); got != 4 {
		t.Fatalf("dropped = %d, want 4", got)
	}
	if ev := <-ch; ev.Record.Offset != 0 {
		t.Fatalf("first buffered offset = %d, want 0", ev.Record.Offset)
	}
}

func TestHubPublishWithoutSubscribers(t *testing.T) {
	h := fanout.NewHub(1)
	h.Publish("nobody", fanout.ErrorEvent("nobody", errors.New("boom")))
	if h.Subscribers("nobody") != 0 {
		t.Fatal("publishing must not create a channel")
	}
}

func TestCancelAndCloseSession(t *testing.T) {
	h := fanout.NewHub(1)
	ch, cancel := h.Subscribe("s-1")
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}

	ch2, cancel2 := h.Subscribe("s-1")
	h.CloseSession("s-1")
	if _, ok := <-ch2; ok {
		t.Fatal("channel should be closed after CloseSession")
	}
	cancel2()
	if h.Subscribers("s-1") != 0 {
		t.Fatal("expected no subscribers")
	}
}

func TestStatusEventCarriesOutcome(t *testing.T) {
	out := domain.Outcome{
		Progress: domain.Progress{SessionID: "s-1", MessagesConsumed: 3},
		Status:   domain.StatusStopped,
		Cause:    domain.CauseIdleTimeout,
	}
	ev := fanout.StatusEvent("s-1", out)
	if ev.Status != domain.StatusStopped || ev.Cause != domain.CauseIdleTimeout || ev.Consumed != 3 {
		t.Fatalf("unexpected status event %+v", ev)
	}
}

type recordingPublisher struct{ events []fanout.Event }

func (r *recordingPublisher) Publish(_ string, ev fanout.Event) { r.events = append(r.events, ev) }

func TestMultiPublishesToEach(t *testing.T) {
	a, b := &recordingPublisher{}, &recordingPublisher{}
	h := fanout.NewHub(1)
	ch, _ := h.Subscribe("s-1")
	m := fanout.Multi{a, b, h}

	m.Publish("s-1", fanout.RecordEvent(record(1)))
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both publishers to receive the event")
	}
	<-ch

	m.CloseSession("s-1")
	if _, ok := <-ch; ok {
		t.Fatal("Multi.CloseSession should close hub subscribers")
	}
}
