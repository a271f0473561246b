package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jdiitm/logconsole/internal/domain"
)

const uniqueViolation = "23505"

const sessionColumns = `id, connection_id, topic, partition_id, consumer_group, start_offset,
	current_offset, max_messages, poll_timeout_ms, auto_commit, messages_consumed, status,
	stop_cause, last_error, generation, created_at, started_at, stopped_at, updated_at`

type sessionRow struct {
	ID               string     `db:"id"`
	ConnectionID     string     `db:"connection_id"`
	Topic            string     `db:"topic"`
	PartitionID      *int32     `db:"partition_id"`
	ConsumerGroup    string     `db:"consumer_group"`
	StartOffset      string     `db:"start_offset"`
	CurrentOffset    int64      `db:"current_offset"`
	MaxMessages      int64      `db:"max_messages"`
	PollTimeoutMs    int64      `db:"poll_timeout_ms"`
	AutoCommit       bool       `db:"auto_commit"`
	MessagesConsumed int64      `db:"messages_consumed"`
	Status           string     `db:"status"`
	StopCause        string     `db:"stop_cause"`
	LastError        string     `db:"last_error"`
	Generation       int64      `db:"generation"`
	CreatedAt        time.Time  `db:"created_at"`
	StartedAt        *time.Time `db:"started_at"`
	StoppedAt        *time.Time `db:"stopped_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

func (r sessionRow) session() (domain.Session, error) {
	off, err := domain.ParseStartOffset(r.StartOffset)
	if err != nil {
		return domain.Session{}, fmt.Errorf("store: session %s: %w", r.ID, err)
	}
	return domain.Session{
		ID:               r.ID,
		ConnectionID:     r.ConnectionID,
		Topic:            r.Topic,
		Partition:        r.PartitionID,
		ConsumerGroup:    r.ConsumerGroup,
		StartOffset:      off,
		CurrentOffset:    r.CurrentOffset,
		MaxMessages:      r.MaxMessages,
		PollTimeoutMs:    r.PollTimeoutMs,
		AutoCommit:       r.AutoCommit,
		MessagesConsumed: r.MessagesConsumed,
		Status:           domain.Status(r.Status),
		StopCause:        domain.StopCause(r.StopCause),
		LastError:        r.LastError,
		Generation:       r.Generation,
		CreatedAt:        r.CreatedAt,
		StartedAt:        r.StartedAt,
		StoppedAt:        r.StoppedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

// PostgresSessions stores sessions in the sessions table.
type PostgresSessions struct {
	db DB
}

func NewPostgresSessions(db DB) *PostgresSessions {
	return &PostgresSessions{db: db}
}

func (p *PostgresSessions) Create(ctx context.Context, s domain.Session) error {
	_, err := p.db.Exec(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		s.ID, s.ConnectionID, s.Topic, s.Partition, s.ConsumerGroup, s.StartOffset.String(),
		s.CurrentOffset, s.MaxMessages, s.PollTimeoutMs, s.AutoCommit, s.MessagesConsumed, string(s.Status),
		string(s.StopCause), s.LastError, s.Generation, s.CreatedAt, s.StartedAt, s.StoppedAt, s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("store: session %s: %w", s.ID, domain.ErrConflict)
		}
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

func (p *PostgresSessions) Get(ctx context.Context, id string) (domain.Session, error) {
	rows, err := p.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("store: get session: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[sessionRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("store: session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("store: get session: %w", err)
	}
	return row.session()
}

func (p *PostgresSessions) List(ctx context.Context) ([]domain.Session, error) {
	return p.query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at, id`)
}

func (p *PostgresSessions) ListActive(ctx context.Context) ([]domain.Session, error) {
	return p.query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status IN ($1, $2) ORDER BY created_at, id`,
		string(domain.StatusRunning), string(domain.StatusPaused))
}

func (p *PostgresSessions) ListByConnection(ctx context.Context, connectionID string) ([]domain.Session, error) {
	return p.query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE connection_id = $1 ORDER BY created_at, id`, connectionID)
}

func (p *PostgresSessions) query(ctx context.Context, sql string, args ...any) ([]domain.Session, error) {
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[sessionRow])
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	out := make([]domain.Session, 0, len(collected))
	for _, r := range collected {
		s, err := r.session()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *PostgresSessions) MarkRunning(ctx context.Context, id string, prevGeneration, generation int64, at time.Time) (bool, error) {
	tag, err := p.db.Exec(ctx, `UPDATE sessions
		SET status = $3, generation = $4, started_at = $5, stopped_at = NULL,
		    stop_cause = '', last_error = '', updated_at = $5
		WHERE id = $1 AND generation = $2`,
		id, prevGeneration, string(domain.StatusRunning), generation, at)
	if err != nil {
		return false, fmt.Errorf("store: mark running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresSessions) SetStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	var stoppedAt *time.Time
	if terminal(u.Status) {
		stoppedAt = &u.At
	}
	tag, err := p.db.Exec(ctx, `UPDATE sessions
		SET status = $3, stop_cause = $4, last_error = $5,
		    stopped_at = COALESCE($6, stopped_at), updated_at = $7
		WHERE id = $1 AND generation = $2 AND ($8 = '' OR status = $8)`,
		u.ID, u.Generation, string(u.Status), string(u.Cause), u.LastError, stoppedAt, u.At, string(u.From))
	if err != nil {
		return false, fmt.Errorf("store: set status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresSessions) SaveProgress(ctx context.Context, pr domain.Progress) (bool, error) {
	tag, err := p.db.Exec(ctx, `UPDATE sessions
		SET messages_consumed = $3, current_offset = $4, updated_at = now()
		WHERE id = $1 AND generation = $2`,
		pr.SessionID, pr.Generation, pr.MessagesConsumed, pr.CurrentOffset)
	if err != nil {
		return false, fmt.Errorf("store: save progress: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresSessions) Finish(ctx context.Context, o domain.Outcome) (bool, error) {
	tag, err := p.db.Exec(ctx, `UPDATE sessions
		SET messages_consumed = $3, current_offset = $4, status = $5, stop_cause = $6,
		    last_error = $7, stopped_at = $8, updated_at = $8
		WHERE id = $1 AND generation = $2`,
		o.SessionID, o.Generation, o.MessagesConsumed, o.CurrentOffset, string(o.Status),
		string(o.Cause), o.LastError, o.StoppedAt)
	if err != nil {
		return false, fmt.Errorf("store: finish session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresSessions) Delete(ctx context.Context, id string) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: session %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
