package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdiitm/logconsole/internal/connection"
	"github.com/jdiitm/logconsole/internal/dedup"
	"github.com/jdiitm/logconsole/internal/dispatcher"
	"github.com/jdiitm/logconsole/internal/domain"
	"github.com/jdiitm/logconsole/internal/fanout"
	"github.com/jdiitm/logconsole/internal/logclient"
	"github.com/jdiitm/logconsole/internal/session"
	"github.com/jdiitm/logconsole/internal/store"
	"github.com/jdiitm/logconsole/internal/worker"
)

type fixture struct {
	ctrl     *session.Controller
	sessions *store.MemorySessions
	records  *dedup.MemoryStore
	opener   *logclient.FakeOpener
}

func newFixture(t *testing.T, opts ...session.Option) *fixture {
	t.Helper()
	f := &fixture{
		sessions: store.NewMemorySessions(),
		records:  dedup.NewMemoryStore(1000),
		opener:   logclient.NewFakeOpener(),
	}
	resolver := connection.NewStaticResolver(connection.Config{ID: "local", Brokers: []string{"localhost:9092"}})
	base := []session.Option{
		session.WithConfig(session.Config{
			Worker: worker.Config{IdleTimeout: 50 * time.Millisecond, PauseInterval: 2 * time.Millisecond},
		}),
	}
	f.ctrl = session.New(f.sessions, f.records, resolver, f.opener, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.ctrl.Shutdown(ctx)
	})
	return f
}

func (f *fixture) create(t *testing.T, mutate func(*session.CreateRequest)) domain.Session {
	t.Helper()
	req := session.CreateRequest{ConnectionID: "local", Topic: "orders", PollTimeoutMs: 5}
	if mutate != nil {
		mutate(&req)
	}
	s, err := f.ctrl.Create(context.Background(), req)
	require.NoError(t, err)
	return s
}

func (f *fixture) waitStatus(t *testing.T, id string, want domain.Status) domain.Session {
	t.Helper()
	var s domain.Session
	require.Eventually(t, func() bool {
		var err error
		s, err = f.sessions.Get(context.Background(), id)
		return err == nil && s.Status == want
	}, 3*time.Second, 2*time.Millisecond, "session %s never reached %s", id, want)
	return s
}

func batch(from, to int64) []domain.Record {
	var out []domain.Record
	for o := from; o <= to; o++ {
		out = append(out, domain.Record{Topic: "orders", Offset: o, Value: []byte("v"), Timestamp: time.Now()})
	}
	return out
}

func TestCreateAppliesDefaults(t *testing.T) {
	f := newFixture(t)
	s, err := f.ctrl.Create(context.Background(), session.CreateRequest{ConnectionID: "local", Topic: "orders"})
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "logconsole-"+s.ID, s.ConsumerGroup)
	assert.Equal(t, int64(1000), s.PollTimeoutMs)
	assert.Equal(t, domain.Latest(), s.StartOffset)
	assert.Equal(t, int64(-1), s.CurrentOffset)
	assert.Equal(t, domain.StatusCreated, s.Status)
}

func TestCreateRejectsUnknownConnection(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Create(context.Background(), session.CreateRequest{ConnectionID: "missing", Topic: "orders"})
	require.ErrorIs(t, err, domain.ErrInvalidReference)

	all, _ := f.ctrl.List(context.Background())
	assert.Empty(t, all)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	neg := int32(-1)
	cases := []session.CreateRequest{
		{ConnectionID: "local"},
		{Topic: "orders"},
		{ConnectionID: "local", Topic: "orders", MaxMessages: -1},
		{ConnectionID: "local", Topic: "orders", PollTimeoutMs: -5},
		{ConnectionID: "local", Topic: "orders", Partition: &neg},
	}
	for _, req := range cases {
		_, err := f.ctrl.Create(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrValidation, "request %+v", req)
	}
}

func TestCreateDuplicateIDConflicts(t *testing.T) {
	f := newFixture(t)
	f.create(t, func(r *session.CreateRequest) { r.ID = "fixed" })
	_, err := f.ctrl.Create(context.Background(), session.CreateRequest{ID: "fixed", ConnectionID: "local", Topic: "orders"})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestStartUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Start(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStartRejectsDeletedConnection(t *testing.T) {
	f := newFixture(t)
	resolver := connection.NewStaticResolver(connection.Config{ID: "local", Brokers: []string{"b:9092"}})
	ctrl := session.New(f.sessions, f.records, resolver, f.opener)
	s, err := ctrl.Create(context.Background(), session.CreateRequest{ConnectionID: "local", Topic: "orders"})
	require.NoError(t, err)

	other := session.New(f.sessions, f.records, connection.NewStaticResolver(), f.opener)
	_, err = other.Start(context.Background(), s.ID)
	require.ErrorIs(t, err, domain.ErrInvalidReference)
	assert.Equal(t, 0, other.Registry().Len())
	assert.Equal(t, 0, other.Dispatcher().Active())
}

func TestConcurrentStartAdmitsOneWorker(t *testing.T) {
	f := newFixture(t, session.WithConfig(session.Config{Worker: worker.Config{IdleTimeout: time.Minute}}))
	s := f.create(t, nil)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		already   int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ctrl.Start(context.Background(), s.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrAlreadyRunning):
				already++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, already)
	assert.Len(t, f.opener.Opened(), 1)
	assert.Equal(t, 1, f.ctrl.Dispatcher().Active())
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, nil)

	res, err := f.ctrl.Stop(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.Result{Success: true, Message: "session is not running"}, res)

	_, err = f.ctrl.Stop(context.Background(), "unknown")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStopRunningSession(t *testing.T) {
	f := newFixture(t, session.WithConfig(session.Config{Worker: worker.Config{IdleTimeout: time.Minute}}))
	s := f.create(t, nil)
	_, err := f.ctrl.Start(context.Background(), s.ID)
	require.NoError(t, err)

	res, err := f.ctrl.Stop(context.Background(), s.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)

	got := f.waitStatus(t, s.ID, domain.StatusStopped)
	assert.Equal(t, domain.CauseManual, got.StopCause)
	require.Eventually(t, func() bool { return f.opener.Opened()[0].Closed() }, time.Second, time.Millisecond)

	res, err = f.ctrl.Stop(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "session is not running", res.Message)
}

func TestPauseResumeStateChecks(t *testing.T) {
	f := newFixture(t, session.WithConfig(session.Config{Worker: worker.Config{IdleTimeout: time.Minute}}))
	s := f.create(t, nil)

	_, err := f.ctrl.Pause(context.Background(), s.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = f.ctrl.Resume(context.Background(), s.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.ctrl.Start(context.Background(), s.ID)
	require.NoError(t, err)

	_, err = f.ctrl.Resume(context.Background(), s.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState, "resume of a running session")

	_, err = f.ctrl.Pause(context.Background(), s.ID)
	require.NoError(t, err)
	got, _ := f.ctrl.Get(context.Background(), s.ID)
	assert.Equal(t, domain.StatusPaused, got.Status)

	_, err = f.ctrl.Pause(context.Background(), s.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState, "pause of a paused session")

	_, err = f.ctrl.Resume(context.Background(), s.ID)
	require.NoError(t, err)
	got, _ = f.ctrl.Get(context.Background(), s.ID)
	assert.Equal(t, domain.StatusRunning, got.Status)

	_, err = f.ctrl.Stop(context.Background(), s.ID)
	require.NoError(t, err)
	_, err = f.ctrl.Pause(context.Background(), s.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState, "pause of a stopped session")
}

func TestFewerRecordsThanMaxStopsOnIdle(t *testing.T) {
	f := newFixture(t)
	f.opener.Script("orders", batch(0, 2))
	s := f.create(t, func(r *session.CreateRequest) { r.MaxMessages = 5 })

	_, err := f.ctrl.Start(context.Background(), s.ID)
	require.NoError(t, err)

	got := f.waitStatus(t, s.ID, domain.StatusStopped)
	assert.Equal(t, domain.CauseIdleTimeout, got.StopCause)
	assert.Equal(t, int64(3), got.MessagesConsumed)
	assert.Equal(t, int64(2), got.CurrentOffset)

	recs, err := f.ctrl.Records(context.Background(), s.ID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestCutoffStopsAtExactlyMax(t *testing.T) {
	f := newFixture(t)
	f.opener.Script("orders", batch(0, 9))
	s := f.create(t, func(r *session.CreateRequest) { r.MaxMessages = 4 })

	_, err := f.ctrl.Start(context.Background(), s.ID)
	require.NoError(t, err)

	got := f.waitStatus(t, s.ID, domain.StatusStopped)
	assert.Equal(t, domain.CauseCutoff, got.StopCause)
	assert.Equal(t, int64(4), got.MessagesConsumed)
	assert.Equal(t, 4, f.records.Len(s.ID))
}

func TestRestartKeepsCounterAndSkipsCapturedRecords(t *testing.T) {
	f := newFixture(t)
	f.opener.Script("orders", batch(0, 1))
	s := f.create(t, nil)
	_, err := f.ctrl.Start(context.Background(), s.ID)
	require.NoError(t, err)
	f.waitStatus(t, s.ID, domain.StatusStopped)

	f.opener.Script("orders", batch(0, 3))
	_, err = f.ctrl.Start(context.Background(), s.ID)
	require.NoError(t, err)
	got := f.waitStatus(t, s.ID, domain.StatusStopped)

	assert.Equal(t, int64(2), got.Generation)
	assert.Equal(t, int64(4), got.MessagesConsumed)
	assert.Equal(t, 4, f.records.Len(s.ID))
}

func TestOpenFailureMovesToError(t *testing.T) {
	f := newFixture(t)
	f.opener.FailWith(errors.New("no brokers reachable"))
	s := f.create(t, nil)

	_, err := f.ctrl.Start(context.Background(), s.ID)
	var cerr *domain.ClientError
	require.ErrorAs(t, err, &cerr)

	got, _ := f.ctrl.Get(context.Background(), s.ID)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Contains(t, got.LastError, "no brokers reachable")
	assert.Equal(t, 0, f.ctrl.Registry().Len())
	assert.Equal(t, 0, f.ctrl.Dispatcher().Active())
}

func TestStartFailsWhenPoolIsFull(t *testing.T) {
	f := newFixture(t,
		session.WithDispatcher(dispatcher.New(dispatcher.Config{MaxWorkers: 1})),
		session.WithConfig(session.Config{Worker: worker.Config{IdleTimeout: time.Minute}}),
	)
	a := f.create(t, nil)
	b := f.create(t, nil)

	_, err := f.ctrl.Start(context.Background(), a.ID)
	require.NoError(t, err)
	_, err = f.ctrl.Start(context.Background(), b.ID)
	require.ErrorIs(t, err, domain.ErrCapacity)

	_, live := f.ctrl.Registry().Get(b.ID)
	assert.False(t, live)
	got, _ := f.ctrl.Get(context.Background(), b.ID)
	assert.Equal(t, domain.StatusCreated, got.Status)
}

func TestDeleteCascadesRecordsAndChannel(t *testing.T) {
	hub := fanout.NewHub(16)
	f := newFixture(t,
		session.WithHub(hub),
		session.WithConfig(session.Config{Worker: worker.Config{IdleTimeout: time.Minute}}),
	)
	f.opener.Script("orders", batch(0, 2))
	s := f.create(t, nil)
	events, _, err := f.ctrl.Subscribe(context.Background(), s.ID)
	require.NoError(t, err)

	_, err = f.ctrl.Start(context.Background(), s.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.records.Len(s.ID) == 3 }, 2*time.Second, time.Millisecond)

	require.NoError(t, f.ctrl.Delete(context.Background(), s.ID))

	_, err = f.ctrl.Get(context.Background(), s.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.ctrl.Records(context.Background(), s.ID, nil, 0)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, f.records.Len(s.ID))
	assert.Equal(t, 0, hub.Subscribers(s.ID))
	assert.Equal(t, 0, f.ctrl.Registry().Len())

	for range events {
	}
	require.ErrorIs(t, f.ctrl.Delete(context.Background(), s.ID), domain.ErrNotFound)
}

func TestReconcileOrphans(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, nil)
	applied, err := f.sessions.MarkRunning(context.Background(), s.ID, 0, 1, time.Now())
	require.NoError(t, err)
	require.True(t, applied)

	n, err := f.ctrl.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.ctrl.Get(context.Background(), s.ID)
	assert.Equal(t, domain.StatusStopped, got.Status)
	assert.Equal(t, domain.CauseOrphaned, got.StopCause)

	active, _ := f.ctrl.ListActive(context.Background())
	assert.Empty(t, active)
}

func TestStartReconcilesOrphanFirst(t *testing.T) {
	f := newFixture(t, session.WithConfig(session.Config{Worker: worker.Config{IdleTimeout: time.Minute}}))
	s := f.create(t, nil)
	_, err := f.sessions.MarkRunning(context.Background(), s.ID, 0, 1, time.Now())
	require.NoError(t, err)

	_, err = f.ctrl.Start(context.Background(), s.ID)
	require.NoError(t, err)

	got, _ := f.ctrl.Get(context.Background(), s.ID)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, int64(2), got.Generation)
}

func TestShutdownStopsAllSessions(t *testing.T) {
	f := newFixture(t, session.WithConfig(session.Config{Worker: worker.Config{IdleTimeout: time.Minute}}))
	a := f.create(t, nil)
	b := f.create(t, func(r *session.CreateRequest) { r.Topic = "payments" })
	for _, id := range []string{a.ID, b.ID} {
		_, err := f.ctrl.Start(context.Background(), id)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.ctrl.Shutdown(ctx))

	for _, id := range []string{a.ID, b.ID} {
		got, _ := f.ctrl.Get(context.Background(), id)
		assert.Equal(t, domain.StatusStopped, got.Status)
		assert.Equal(t, domain.CauseShutdown, got.StopCause)
	}
	assert.Equal(t, 0, f.ctrl.Dispatcher().Active())
}

func TestListByConnection(t *testing.T) {
	f := newFixture(t)
	f.create(t, nil)
	f.create(t, nil)

	byConn, err := f.ctrl.ListByConnection(context.Background(), "local")
	require.NoError(t, err)
	assert.Len(t, byConn, 2)

	none, err := f.ctrl.ListByConnection(context.Background(), "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// finishHook calls after once, right after the first Finish is applied and
// while the worker still holds its registry entry.
type finishHook struct {
	*store.MemorySessions
	after func()
	once  sync.Once
}

func (h *finishHook) Finish(ctx context.Context, o domain.Outcome) (bool, error) {
	applied, err := h.MemorySessions.Finish(ctx, o)
	h.once.Do(h.after)
	return applied, err
}

func TestSelfStopRefusesLatePauseAndStop(t *testing.T) {
	ctx := context.Background()
	sessions := &finishHook{MemorySessions: store.NewMemorySessions()}
	opener := logclient.NewFakeOpener()
	opener.Script("orders", batch(0, 4))
	resolver := connection.NewStaticResolver(connection.Config{ID: "local", Brokers: []string{"localhost:9092"}})
	ctrl := session.New(sessions, dedup.NewMemoryStore(100), resolver, opener,
		session.WithConfig(session.Config{
			Worker: worker.Config{IdleTimeout: time.Minute, PauseInterval: 2 * time.Millisecond},
		}),
	)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctrl.Shutdown(sctx)
	})

	s, err := ctrl.Create(ctx, session.CreateRequest{ConnectionID: "local", Topic: "orders", PollTimeoutMs: 5, MaxMessages: 2})
	require.NoError(t, err)

	var (
		pauseErr error
		stopRes  session.Result
		stopErr  error
	)
	done := make(chan struct{})
	sessions.after = func() {
		defer close(done)
		_, pauseErr = ctrl.Pause(ctx, s.ID)
		stopRes, stopErr = ctrl.Stop(ctx, s.ID)
	}

	_, err = ctrl.Start(ctx, s.ID)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never finished")
	}

	require.ErrorIs(t, pauseErr, domain.ErrInvalidState)
	require.NoError(t, stopErr)
	assert.Equal(t, "session is not running", stopRes.Message)

	require.Eventually(t, func() bool { return ctrl.Registry().Len() == 0 }, time.Second, time.Millisecond)
	got, err := sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, got.Status)
	assert.Equal(t, domain.CauseCutoff, got.StopCause)
	assert.Equal(t, int64(2), got.MessagesConsumed)

	active, _ := sessions.ListActive(ctx)
	assert.Empty(t, active)
}

type panickingClient struct {
	*logclient.FakeClient
}

func (panickingClient) Poll(context.Context, time.Duration) ([]domain.Record, error) {
	panic("decoder blew up")
}

func TestWorkerPanicEndsSessionAndAllowsRestart(t *testing.T) {
	ctx := context.Background()
	var (
		mu     sync.Mutex
		opened []*logclient.FakeClient
	)
	opener := logclient.OpenerFunc(func(context.Context, connection.Config, logclient.Target) (logclient.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		fc := logclient.NewFakeClient()
		opened = append(opened, fc)
		if len(opened) == 1 {
			return panickingClient{fc}, nil
		}
		return fc, nil
	})
	sessions := store.NewMemorySessions()
	resolver := connection.NewStaticResolver(connection.Config{ID: "local", Brokers: []string{"localhost:9092"}})
	ctrl := session.New(sessions, dedup.NewMemoryStore(100), resolver, opener,
		session.WithConfig(session.Config{
			Worker: worker.Config{IdleTimeout: 50 * time.Millisecond, PauseInterval: 2 * time.Millisecond},
		}),
	)
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctrl.Shutdown(sctx)
	})

	s, err := ctrl.Create(ctx, session.CreateRequest{ConnectionID: "local", Topic: "orders", PollTimeoutMs: 5})
	require.NoError(t, err)
	_, err = ctrl.Start(ctx, s.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := sessions.Get(ctx, s.ID)
		return err == nil && got.Status == domain.StatusError
	}, 3*time.Second, 2*time.Millisecond)
	got, _ := sessions.Get(ctx, s.ID)
	assert.Equal(t, domain.CauseClientError, got.StopCause)
	assert.Contains(t, got.LastError, "decoder blew up")
	require.Eventually(t, func() bool { return ctrl.Registry().Len() == 0 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return ctrl.Dispatcher().Active() == 0 }, time.Second, time.Millisecond)

	mu.Lock()
	first := opened[0]
	mu.Unlock()
	assert.True(t, first.Closed())

	_, err = ctrl.Start(ctx, s.ID)
	require.NoError(t, err, "restart after a worker panic")
	got, err = sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Generation)
}
