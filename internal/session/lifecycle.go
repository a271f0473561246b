package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdiitm/logconsole/internal/dispatcher"
	"github.com/jdiitm/logconsole/internal/domain"
	"github.com/jdiitm/logconsole/internal/fanout"
	"github.com/jdiitm/logconsole/internal/logclient"
	"github.com/jdiitm/logconsole/internal/registry"
	"github.com/jdiitm/logconsole/internal/store"
	"github.com/jdiitm/logconsole/internal/telemetry"
	"github.com/jdiitm/logconsole/internal/worker"
)

const notRunningMessage = "session is not running"

// Start opens a log client for the session and hands it to a worker. It
// returns once the worker is submitted. Every failure path releases the
// registry entry and the pool slot.
func (c *Controller) Start(ctx context.Context, id string) (Result, error) {
	ctx, span := telemetry.StartLifecycleSpan(ctx, "start", id)
	defer span.End()

	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	entry := registry.NewEntry(id, s.Generation+1, cancel)
	if _, ok := c.registry.Register(entry); !ok {
		cancel()
		return Result{}, fmt.Errorf("%w: %s", domain.ErrAlreadyRunning, id)
	}
	abort := func() {
		entry.StopWith(domain.CauseNone)
		c.registry.Remove(id, entry)
		entry.MarkDone()
	}

	slot, err := c.pool.Reserve()
	if err != nil {
		abort()
		if errors.Is(err, dispatcher.ErrFull) {
			return Result{}, fmt.Errorf("%w: %d sessions running", domain.ErrCapacity, c.pool.Capacity())
		}
		return Result{}, err
	}
	fail := func(err error) (Result, error) {
		slot.Release()
		abort()
		span.RecordError(err)
		return Result{}, err
	}

	if s.Status.Active() {
		// Persisted as live but no entry existed: the owning process is gone.
		if s, err = c.reconcile(ctx, s); err != nil {
			return fail(err)
		}
	}
	if err := domain.Transition(s.Status, domain.StatusRunning); err != nil {
		return fail(err)
	}

	conn, err := c.resolver.Resolve(ctx, s.ConnectionID)
	if err != nil {
		return fail(c.referenceError(s.ConnectionID, err))
	}

	client, err := c.opener.Open(ctx, conn, logclient.TargetOf(s))
	if err != nil {
		cerr := domain.NewClientError("open", err)
		if _, serr := c.sessions.SetStatus(ctx, store.StatusUpdate{
			ID:         id,
			Generation: s.Generation,
			Status:     domain.StatusError,
			Cause:      domain.CauseClientError,
			LastError:  cerr.Error(),
			At:         c.now(),
		}); serr != nil {
			c.logger.Error("persist start failure", logclient.SessionAttr(id), slog.Any("error", serr))
		}
		c.publisher.Publish(id, fanout.ErrorEvent(id, cerr))
		c.logger.Error("session start failed", logclient.SessionAttr(id), slog.Any("error", cerr))
		return fail(cerr)
	}

	startedAt := c.now()
	applied, err := c.sessions.MarkRunning(ctx, id, s.Generation, s.Generation+1, startedAt)
	if err == nil && !applied {
		err = fmt.Errorf("%w: %s was started concurrently", domain.ErrAlreadyRunning, id)
	}
	if err != nil {
		client.Close()
		return fail(err)
	}
	s.Generation++
	s.Status = domain.StatusRunning
	s.StartedAt = &startedAt
	s.StoppedAt = nil
	s.StopCause = domain.CauseNone
	s.LastError = ""

	entry.SetClient(client)
	w := worker.New(s, entry, client, c.records, c.sessions,
		worker.WithConfig(c.cfg.Worker),
		worker.WithObserver(c.observer),
		worker.WithPublisher(c.publisher),
		worker.WithLogger(c.logger),
		worker.WithRegistry(c.registry),
		worker.WithClock(c.now),
	)
	slot.Go(func() { w.Run(workerCtx) })
	c.observer.RecordSessionStarted()

	c.logger.Info("session started", logclient.SessionAttr(id), logclient.TopicAttr(s.Topic),
		slog.Int64("generation", s.Generation), slog.String("start_offset", s.StartOffset.String()))
	return Result{Success: true, Message: "session started"}, nil
}

// Stop signals the worker and persists STOPPED. Stopping a session that is
// not running succeeds with a message.
func (c *Controller) Stop(ctx context.Context, id string) (Result, error) {
	ctx, span := telemetry.StartLifecycleSpan(ctx, "stop", id)
	defer span.End()

	e, ok := c.registry.Get(id)
	if !ok {
		if _, err := c.sessions.Get(ctx, id); err != nil {
			return Result{}, err
		}
		return Result{Success: true, Message: notRunningMessage}, nil
	}
	e.Stop()
	c.registry.Remove(id, e)
	if e.Cause() != domain.CauseManual {
		// The worker exited on its own first and recorded its own outcome.
		return Result{Success: true, Message: notRunningMessage}, nil
	}
	if err := c.persistStopped(ctx, e, domain.CauseManual); err != nil {
		return Result{}, err
	}
	c.logger.Info("session stopped", logclient.SessionAttr(id))
	return Result{Success: true, Message: "session stopped"}, nil
}

func (c *Controller) persistStopped(ctx context.Context, e *registry.Entry, cause domain.StopCause) error {
	_, err := c.sessions.SetStatus(ctx, store.StatusUpdate{
		ID:         e.SessionID,
		Generation: e.Generation,
		Status:     domain.StatusStopped,
		Cause:      cause,
		At:         c.now(),
	})
	return err
}

// Pause asks a running worker to stop polling without releasing its client.
func (c *Controller) Pause(ctx context.Context, id string) (Result, error) {
	ctx, span := telemetry.StartLifecycleSpan(ctx, "pause", id)
	defer span.End()
	return c.flip(ctx, id, domain.StatusRunning, domain.StatusPaused,
		(*registry.Entry).Pause, (*registry.Entry).Resume, "session paused")
}

func (c *Controller) Resume(ctx context.Context, id string) (Result, error) {
	ctx, span := telemetry.StartLifecycleSpan(ctx, "resume", id)
	defer span.End()
	return c.flip(ctx, id, domain.StatusPaused, domain.StatusRunning,
		(*registry.Entry).Resume, (*registry.Entry).Pause, "session resumed")
}

// flip swaps the entry flag and persists the new status only while the row
// still holds from. A refused write undoes the swap.
func (c *Controller) flip(ctx context.Context, id string, from, to domain.Status, swap, undo func(*registry.Entry) bool, msg string) (Result, error) {
	e, ok := c.registry.Get(id)
	if !ok || !swap(e) {
		return Result{}, c.invalidState(ctx, id, to)
	}
	applied, err := c.sessions.SetStatus(ctx, store.StatusUpdate{
		ID:         id,
		Generation: e.Generation,
		From:       from,
		Status:     to,
		At:         c.now(),
	})
	if err != nil || !applied {
		undo(e)
		if err != nil {
			return Result{}, err
		}
		return Result{}, c.invalidState(ctx, id, to)
	}
	c.logger.Info(msg, logclient.SessionAttr(id))
	return Result{Success: true, Message: msg}, nil
}

func (c *Controller) invalidState(ctx context.Context, id string, to domain.Status) error {
	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	from := s.Status
	if e, ok := c.registry.Get(id); ok && e.Running() {
		from = domain.StatusRunning
		if e.Paused() {
			from = domain.StatusPaused
		}
	} else if from.Active() {
		from = domain.StatusStopped
	}
	return &domain.TransitionError{From: from, To: to}
}

// Delete stops the session if needed, waits for its worker to exit and
// removes the session together with its captured records.
func (c *Controller) Delete(ctx context.Context, id string) error {
	ctx, span := telemetry.StartLifecycleSpan(ctx, "delete", id)
	defer span.End()

	if _, err := c.sessions.Get(ctx, id); err != nil {
		return err
	}
	if e, ok := c.registry.Get(id); ok {
		e.Stop()
		c.registry.Remove(id, e)
		c.awaitExit(ctx, e)
	}
	if err := c.sessions.Delete(ctx, id); err != nil {
		return err
	}
	if err := c.records.DeleteSession(ctx, id); err != nil {
		c.logger.Warn("purge captured records", logclient.SessionAttr(id), slog.Any("error", err))
	}
	c.hub.CloseSession(id)
	if closer, ok := c.publisher.(fanout.Closer); ok {
		closer.CloseSession(id)
	}
	c.logger.Info("session deleted", logclient.SessionAttr(id))
	return nil
}

func (c *Controller) awaitExit(ctx context.Context, e *registry.Entry) {
	t := time.NewTimer(c.cfg.DeleteWait)
	defer t.Stop()
	select {
	case <-e.Done():
	case <-t.C:
		c.logger.Warn("worker did not exit before delete", logclient.SessionAttr(e.SessionID))
	case <-ctx.Done():
	}
}

func (c *Controller) reconcile(ctx context.Context, s domain.Session) (domain.Session, error) {
	at := c.now()
	if _, err := c.sessions.SetStatus(ctx, store.StatusUpdate{
		ID:         s.ID,
		Generation: s.Generation,
		Status:     domain.StatusStopped,
		Cause:      domain.CauseOrphaned,
		At:         at,
	}); err != nil {
		return s, err
	}
	c.logger.Warn("reconciled orphaned session", logclient.SessionAttr(s.ID), slog.String("was", string(s.Status)))
	s.Status = domain.StatusStopped
	s.StopCause = domain.CauseOrphaned
	s.StoppedAt = &at
	return s, nil
}

// Reconcile marks every session persisted as RUNNING or PAUSED that has no
// live worker in this process as STOPPED. It returns how many were fixed.
func (c *Controller) Reconcile(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartLifecycleSpan(ctx, "reconcile", "")
	defer span.End()

	active, err := c.sessions.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range active {
		if _, live := c.registry.Get(s.ID); live {
			continue
		}
		if _, err := c.reconcile(ctx, s); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Shutdown stops every live session with cause shutdown and waits for the
// workers to drain or ctx to expire.
func (c *Controller) Shutdown(ctx context.Context) error {
	stopped := c.registry.StopAll(domain.CauseShutdown)
	for _, e := range stopped {
		if e.Cause() != domain.CauseShutdown {
			continue
		}
		if err := c.persistStopped(ctx, e, domain.CauseShutdown); err != nil {
			c.logger.Error("persist shutdown", logclient.SessionAttr(e.SessionID), slog.Any("error", err))
		}
	}
	c.logger.Info("waiting for session workers", slog.Int("stopped", len(stopped)))
	return c.pool.Wait(ctx)
}
