package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jdiitm/logconsole/internal/dedup"
	"github.com/jdiitm/logconsole/internal/domain"
	"github.com/jdiitm/logconsole/internal/fanout"
	"github.com/jdiitm/logconsole/internal/logclient"
	"github.com/jdiitm/logconsole/internal/metrics"
	"github.com/jdiitm/logconsole/internal/registry"
	"github.com/jdiitm/logconsole/internal/telemetry"
)

const (
	defaultIdleTimeout     = 30 * time.Second
	defaultPauseInterval   = 200 * time.Millisecond
	defaultCheckpointEvery = 50
	writeBackTimeout       = 5 * time.Second
)

type Config struct {
	IdleTimeout     time.Duration
	PauseInterval   time.Duration
	CheckpointEvery int
}

// ProgressWriter is where a worker records its counters and final state.
// Writes are fenced on the session generation.
type ProgressWriter interface {
	SaveProgress(ctx context.Context, p domain.Progress) (bool, error)
	Finish(ctx context.Context, o domain.Outcome) (bool, error)
}

// Worker runs the poll loop of one session until it is stopped, times out,
// reaches its cutoff or hits a client error.
type Worker struct {
	cfg       Config
	session   domain.Session
	entry     *registry.Entry
	registry  *registry.Registry
	client    logclient.Client
	records   dedup.Store
	progress  ProgressWriter
	publisher fanout.Publisher
	observer  metrics.SessionObserver
	logger    *slog.Logger
	now       func() time.Time

	consumed         int64
	offset           int64
	sinceCheckpoint  int
	processedInBatch []domain.Record
	stoppedByOwner   bool
	exiting          bool
}

type Option func(*Worker)

func WithConfig(cfg Config) Option {
	return func(w *Worker) { w.cfg = cfg }
}

func WithObserver(obs metrics.SessionObserver) Option {
	return func(w *Worker) { w.observer = obs }
}

func WithPublisher(p fanout.Publisher) Option {
	return func(w *Worker) { w.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

func WithRegistry(r *registry.Registry) Option {
	return func(w *Worker) { w.registry = r }
}

// WithClock replaces time.Now for the idle clock and timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func New(s domain.Session, entry *registry.Entry, client logclient.Client, records dedup.Store, progress ProgressWriter, opts ...Option) *Worker {
	w := &Worker{
		session:   s,
		entry:     entry,
		client:    client,
		records:   records,
		progress:  progress,
		publisher: fanout.Noop{},
		observer:  metrics.NoopObserver{},
		logger:    slog.Default(),
		now:       time.Now,
		consumed:  s.MessagesConsumed,
		offset:    s.CurrentOffset,
	}
	for _, o := range opts {
		o(w)
	}
	if w.cfg.IdleTimeout <= 0 {
		w.cfg.IdleTimeout = defaultIdleTimeout
	}
	if w.cfg.PauseInterval <= 0 {
		w.cfg.PauseInterval = defaultPauseInterval
	}
	if w.cfg.CheckpointEvery <= 0 {
		w.cfg.CheckpointEvery = defaultCheckpointEvery
	}
	w.logger = w.logger.With(
		logclient.SessionAttr(s.ID),
		logclient.TopicAttr(s.Topic),
		logclient.GroupIDAttr(s.ConsumerGroup),
	)
	return w
}

// Run blocks until the loop exits and returns the session's final state. A
// panic in the loop ends the session as ERROR instead of leaking its entry.
func (w *Worker) Run(ctx context.Context) (out domain.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = w.recovered(r)
		}
	}()
	return w.exit(w.loop(ctx))
}

func (w *Worker) recovered(r any) domain.Outcome {
	cerr := domain.NewClientError("poll", fmt.Errorf("worker panic: %v", r))
	w.logger.Error("session worker panicked", slog.Any("error", cerr), slog.String("stack", string(debug.Stack())))
	out := w.outcome(domain.StatusError, domain.CauseClientError, cerr.Error())
	if w.exiting {
		// exit itself panicked: release the handle and stop there.
		w.entry.StopWith(out.Cause)
		if w.registry != nil {
			w.registry.Remove(w.session.ID, w.entry)
		}
		w.entry.MarkDone()
		return out
	}
	w.publisher.Publish(w.session.ID, fanout.ErrorEvent(w.session.ID, cerr))
	return w.exit(out)
}

func (w *Worker) loop(ctx context.Context) domain.Outcome {
	idle := newIdleClock(w.now)
	for {
		if w.session.CutoffReached(w.consumed) {
			return w.outcome(domain.StatusStopped, domain.CauseCutoff, "")
		}
		if ctx.Err() != nil || !w.entry.Running() {
			return w.external()
		}
		if w.entry.Paused() {
			idle.Pause()
			w.sleep(ctx, w.cfg.PauseInterval)
			continue
		}
		idle.Resume()

		batch, err := w.poll(ctx)
		if err != nil {
			if ctx.Err() != nil || !w.entry.Running() {
				return w.external()
			}
			cerr := domain.NewClientError("poll", err)
			w.logger.Error("session poll failed", slog.Any("error", cerr))
			w.publisher.Publish(w.session.ID, fanout.ErrorEvent(w.session.ID, cerr))
			return w.outcome(domain.StatusError, domain.CauseClientError, cerr.Error())
		}

		if len(batch) == 0 {
			if idle.Expired(w.cfg.IdleTimeout) {
				w.logger.Info("session idle timeout", slog.Duration("idle", idle.Idle()))
				return w.outcome(domain.StatusStopped, domain.CauseIdleTimeout, "")
			}
			continue
		}
		idle.Touch()

		if out, done := w.processBatch(ctx, batch); done {
			return out
		}
	}
}

func (w *Worker) poll(ctx context.Context) ([]domain.Record, error) {
	start := w.now()
	pollCtx, span := telemetry.StartPollSpan(ctx, w.session.ID)
	batch, err := w.client.Poll(pollCtx, w.session.PollTimeout())
	telemetry.EndPollSpan(span, len(batch), err)
	w.observer.RecordPollDuration(w.now().Sub(start).Seconds())
	return batch, err
}

// processBatch captures each record in order. It reports done when the
// session must exit before the batch is finished.
func (w *Worker) processBatch(ctx context.Context, batch []domain.Record) (domain.Outcome, bool) {
	w.processedInBatch = w.processedInBatch[:0]
	for _, r := range batch {
		if ctx.Err() != nil {
			return w.external(), true
		}
		w.capture(ctx, r)
		w.processedInBatch = append(w.processedInBatch, r)

		if w.session.CutoffReached(w.consumed) {
			w.commit(ctx)
			w.logger.Info("session reached max messages", slog.Int64("consumed", w.consumed))
			return w.outcome(domain.StatusStopped, domain.CauseCutoff, ""), true
		}
	}
	w.commit(ctx)
	return domain.Outcome{}, false
}

func (w *Worker) capture(ctx context.Context, r domain.Record) {
	captureCtx, span := telemetry.StartCaptureSpan(ctx, w.session.ID, r)
	defer span.End()

	rec := domain.Capture(w.session.ID, r, w.now())
	key := dedup.KeyOf(rec)

	exists, err := w.records.Exists(captureCtx, key)
	if err != nil {
		w.logger.Warn("dedup exists check failed", logclient.PartitionAttr(r.Partition),
			logclient.OffsetAttr(r.Offset), slog.Any("error", err))
	}
	if exists {
		w.observer.RecordDuplicate()
		return
	}
	if err := w.records.Put(captureCtx, rec); err != nil {
		if errors.Is(err, dedup.ErrDuplicate) {
			w.observer.RecordDuplicate()
			return
		}
		span.RecordError(err)
		w.logger.Error("record capture failed", logclient.PartitionAttr(r.Partition),
			logclient.OffsetAttr(r.Offset), slog.Any("error", err))
		return
	}

	w.publisher.Publish(w.session.ID, fanout.RecordEvent(rec))
	w.consumed++
	w.offset = r.Offset
	w.observer.RecordCaptured(r.Topic)

	w.sinceCheckpoint++
	if w.sinceCheckpoint >= w.cfg.CheckpointEvery {
		w.checkpoint(ctx)
	}
}

func (w *Worker) checkpoint(ctx context.Context) {
	w.sinceCheckpoint = 0
	if _, err := w.progress.SaveProgress(ctx, w.progressSnapshot()); err != nil {
		w.logger.Warn("checkpoint failed", slog.Any("error", err))
	}
}

func (w *Worker) commit(ctx context.Context) {
	if w.session.AutoCommit || len(w.processedInBatch) == 0 {
		return
	}
	if err := w.client.Commit(ctx, w.processedInBatch); err != nil {
		w.logger.Warn("offset commit failed", slog.Any("error", err))
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Worker) progressSnapshot() domain.Progress {
	return domain.Progress{
		SessionID:        w.session.ID,
		Generation:       w.session.Generation,
		MessagesConsumed: w.consumed,
		CurrentOffset:    w.offset,
	}
}

func (w *Worker) outcome(status domain.Status, cause domain.StopCause, lastErr string) domain.Outcome {
	return domain.Outcome{
		Progress:  w.progressSnapshot(),
		Status:    status,
		Cause:     cause,
		LastError: lastErr,
		StoppedAt: w.now(),
	}
}

// external is the outcome of a stop requested from outside the loop. When
// the entry carries a cause, whoever stopped it already wrote the status row.
func (w *Worker) external() domain.Outcome {
	cause := w.entry.Cause()
	if cause != domain.CauseNone {
		w.stoppedByOwner = true
	} else {
		cause = domain.CauseShutdown
	}
	return w.outcome(domain.StatusStopped, cause, "")
}

// exit claims the stop on the entry before writing back. A caller that
// stopped the entry first owns the status row.
func (w *Worker) exit(out domain.Outcome) domain.Outcome {
	w.exiting = true
	if !w.stoppedByOwner && !w.entry.StopWith(out.Cause) {
		w.stoppedByOwner = true
		out.Status = domain.StatusStopped
		out.Cause = w.entry.Cause()
		out.LastError = ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
	defer cancel()

	var (
		applied bool
		err     error
	)
	if w.stoppedByOwner {
		applied, err = w.progress.SaveProgress(ctx, out.Progress)
	} else {
		applied, err = w.progress.Finish(ctx, out)
	}
	switch {
	case err != nil:
		w.logger.Error("session write-back failed", slog.Any("error", err))
	case !applied:
		w.logger.Warn("session write-back fenced by a newer run", slog.Int64("generation", w.session.Generation))
	}

	w.publisher.Publish(w.session.ID, fanout.StatusEvent(w.session.ID, out))
	w.client.Close()
	if w.registry != nil {
		w.registry.Remove(w.session.ID, w.entry)
	}
	w.observer.RecordSessionStopped(string(out.Cause))
	w.logger.Info("session worker exited",
		slog.String("status", string(out.Status)),
		slog.String("cause", string(out.Cause)),
		slog.Int64("consumed", out.MessagesConsumed))
	w.entry.MarkDone()
	return out
}
