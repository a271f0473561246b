package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jdiitm/logconsole/internal/domain"
	"github.com/jdiitm/logconsole/internal/store"
)

const foreignKeyViolation = "23503"

const recordColumns = `session_id, topic, partition_id, record_offset, record_key, record_value,
	record_timestamp, key_size, value_size, headers, captured_at`

type recordRow struct {
	SessionID  string            `db:"session_id"`
	Topic      string            `db:"topic"`
	Partition  int32             `db:"partition_id"`
	Offset     int64             `db:"record_offset"`
	Key        []byte            `db:"record_key"`
	Value      []byte            `db:"record_value"`
	Timestamp  time.Time         `db:"record_timestamp"`
	KeySize    int               `db:"key_size"`
	ValueSize  int               `db:"value_size"`
	Headers    map[string]string `db:"headers"`
	CapturedAt time.Time         `db:"captured_at"`
}

func (r recordRow) record() domain.CapturedRecord {
	return domain.CapturedRecord(r)
}

// PostgresStore is the durable tier, backed by the captured_records table.
type PostgresStore struct {
	db store.DB
}

func NewPostgresStore(db store.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Exists(ctx context.Context, k Key) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM captured_records
		WHERE session_id = $1 AND topic = $2 AND partition_id = $3 AND record_offset = $4)`,
		k.SessionID, k.Topic, k.Partition, k.Offset).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dedup: exists %s: %w", k, err)
	}
	return exists, nil
}

func (p *PostgresStore) Put(ctx context.Context, r domain.CapturedRecord) error {
	headers := r.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	tag, err := p.db.Exec(ctx, `INSERT INTO captured_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (session_id, topic, partition_id, record_offset) DO NOTHING`,
		r.SessionID, r.Topic, r.Partition, r.Offset, r.Key, r.Value,
		r.Timestamp, r.KeySize, r.ValueSize, headers, r.CapturedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return fmt.Errorf("dedup: put %s: %w", KeyOf(r), domain.ErrNotFound)
		}
		return fmt.Errorf("dedup: put %s: %w", KeyOf(r), err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, sessionID string, after *domain.Cursor, limit int) ([]domain.CapturedRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.Query(ctx, `SELECT `+recordColumns+` FROM captured_records
			WHERE session_id = $1
			ORDER BY topic, partition_id, record_offset LIMIT $2`, sessionID, limit)
	} else {
		rows, err = p.db.Query(ctx, `SELECT `+recordColumns+` FROM captured_records
			WHERE session_id = $1 AND (topic, partition_id, record_offset) > ($2, $3, $4)
			ORDER BY topic, partition_id, record_offset LIMIT $5`,
			sessionID, after.Topic, after.Partition, after.Offset, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("dedup: list %s: %w", sessionID, err)
	}
	return collectRecords(rows)
}

func (p *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM captured_records WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("dedup: delete session %s: %w", sessionID, err)
	}
	return nil
}

func (p *PostgresStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.CapturedRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.db.Query(ctx, `SELECT `+recordColumns+` FROM captured_records
		WHERE captured_at < $1 ORDER BY captured_at LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("dedup: list expired: %w", err)
	}
	return collectRecords(rows)
}

func (p *PostgresStore) DeleteKeys(ctx context.Context, keys []Key) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(`DELETE FROM captured_records
			WHERE session_id = $1 AND topic = $2 AND partition_id = $3 AND record_offset = $4`,
			k.SessionID, k.Topic, k.Partition, k.Offset)
	}
	results := p.db.SendBatch(ctx, batch)
	defer results.Close()

	var n int64
	for range keys {
		tag, err := results.Exec()
		if err != nil {
			return n, fmt.Errorf("dedup: delete expired: %w", err)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}

func (p *PostgresStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM captured_records WHERE captured_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("dedup: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectRecords(rows pgx.Rows) ([]domain.CapturedRecord, error) {
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[recordRow])
	if err != nil {
		return nil, fmt.Errorf("dedup: scan records: %w", err)
	}
	out := make([]domain.CapturedRecord, len(collected))
	for i, r := range collected {
		out[i] = r.record()
	}
	return out, nil
}
