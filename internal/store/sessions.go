package store

import (
	"context"
	"time"

	"github.com/jdiitm/logconsole/internal/domain"
)

// Sessions persists session rows. Status writes are fenced on Generation: a
// write carrying a generation other than the row's current one is ignored and
// reported with applied=false.
type Sessions interface {
	Create(ctx context.Context, s domain.Session) error
	Get(ctx context.Context, id string) (domain.Session, error)
	List(ctx context.Context) ([]domain.Session, error)
	ListActive(ctx context.Context) ([]domain.Session, error)
	ListByConnection(ctx context.Context, connectionID string) ([]domain.Session, error)

	// MarkRunning moves the row to RUNNING under a new generation. It is
	// conditional on the row still holding prevGeneration.
	MarkRunning(ctx context.Context, id string, prevGeneration, generation int64, at time.Time) (bool, error)
	SetStatus(ctx context.Context, u StatusUpdate) (bool, error)
	SaveProgress(ctx context.Context, p domain.Progress) (bool, error)
	Finish(ctx context.Context, o domain.Outcome) (bool, error)

	Delete(ctx context.Context, id string) error
}

type StatusUpdate struct {
	ID         string
	Generation int64
	// From, when set, also requires the row to hold this status.
	From      domain.Status
	Status    domain.Status
	Cause     domain.StopCause
	LastError string
	At        time.Time
}

// terminal reports whether the status stamps stopped_at.
func terminal(s domain.Status) bool {
	return s == domain.StatusStopped || s == domain.StatusError
}
