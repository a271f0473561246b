package retention

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jdiitm/logconsole/internal/blobstore"
	"github.com/jdiitm/logconsole/internal/dedup"
	"github.com/jdiitm/logconsole/internal/domain"
	"github.com/jdiitm/logconsole/internal/ratelimit"
	"github.com/jdiitm/logconsole/internal/telemetry"
)

const archiveContentType = "application/x-ndjson"

type Observer interface {
	RecordRetentionDeleted(n int)
}

type noopObserver struct{}

func (noopObserver) RecordRetentionDeleted(int) {}

type Config struct {
	// Age is how long a captured record is kept.
	Age       time.Duration
	Interval  time.Duration
	BatchSize int
}

type Option func(*Sweeper)

func WithConfig(cfg Config) Option {
	return func(s *Sweeper) { s.cfg = cfg }
}

// WithArchive makes the sweeper write expired records to store before
// deleting them. A nil store disables archiving.
func WithArchive(store blobstore.Store) Option {
	return func(s *Sweeper) { s.archive = store }
}

// WithLimiter paces archive batches so a large backlog does not saturate
// the record store.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.limiter = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Sweeper) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper deletes captured records older than the retention age.
type Sweeper struct {
	expirer  dedup.Expirer
	archive  blobstore.Store
	limiter  ratelimit.Limiter
	cfg      Config
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	seq      atomic.Int64
}

func New(expirer dedup.Expirer, opts ...Option) *Sweeper {
	s := &Sweeper{
		expirer:  expirer,
		limiter:  ratelimit.Unlimited{},
		observer: noopObserver{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.Interval <= 0 {
		s.cfg.Interval = 10 * time.Minute
	}
	if s.cfg.BatchSize <= 0 {
		s.cfg.BatchSize = 500
	}
	return s
}

// Run sweeps every Interval until ctx is done. A zero Age disables it.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.Age <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("retention sweep failed", slog.Int("deleted", n), slog.Any("error", err))
				continue
			}
			if n > 0 {
				s.logger.Info("retention sweep", slog.Int("deleted", n))
			}
		}
	}
}

// SweepOnce deletes every record captured before now minus Age and returns
// how many were removed. With an archive, records are written out first and
// a batch that fails to archive is not deleted.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSweepSpan(ctx)
	defer span.End()

	cutoff := s.now().Add(-s.cfg.Age)
	if s.archive == nil {
		n, err := s.expirer.DeleteBefore(ctx, cutoff)
		if err != nil {
			span.RecordError(err)
			return 0, fmt.Errorf("delete expired records: %w", err)
		}
		s.observer.RecordRetentionDeleted(int(n))
		return int(n), nil
	}

	total := 0
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return total, err
		}
		batch, err := s.expirer.ListBefore(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			span.RecordError(err)
			return total, fmt.Errorf("query expired records: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		if err := s.archiveBatch(ctx, batch); err != nil {
			span.RecordError(err)
			return total, err
		}
		keys := make([]dedup.Key, len(batch))
		for i, r := range batch {
			keys[i] = dedup.KeyOf(r)
		}
		n, err := s.expirer.DeleteKeys(ctx, keys)
		if err != nil {
			span.RecordError(err)
			return total, fmt.Errorf("delete archived records: %w", err)
		}
		total += int(n)
		s.observer.RecordRetentionDeleted(int(n))
		if len(batch) < s.cfg.BatchSize {
			break
		}
	}
	return total, nil
}

func (s *Sweeper) archiveBatch(ctx context.Context, batch []domain.CapturedRecord) error {
	bySession := make(map[string][]domain.CapturedRecord)
	var order []string
	for _, r := range batch {
		if _, ok := bySession[r.SessionID]; !ok {
			order = append(order, r.SessionID)
		}
		bySession[r.SessionID] = append(bySession[r.SessionID], r)
	}
	for _, id := range order {
		data, err := EncodeJSONL(bySession[id])
		if err != nil {
			return err
		}
		key := s.archiveKey(id)
		if err := s.archive.Put(ctx, key, data, archiveContentType); err != nil {
			return fmt.Errorf("archive %s: %w", key, err)
		}
	}
	return nil
}

func (s *Sweeper) archiveKey(sessionID string) string {
	now := s.now().UTC()
	return fmt.Sprintf("sessions/%s/%s/%d-%d.jsonl",
		sessionID, now.Format("2006/01/02"), now.UnixNano(), s.seq.Add(1))
}

// EncodeJSONL writes one JSON object per record, newline separated.
func EncodeJSONL(records []domain.CapturedRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode record %s: %w", dedup.KeyOf(r), err)
		}
	}
	return buf.Bytes(), nil
}
