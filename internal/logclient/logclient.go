package logclient

import (
	"context"
	"time"

	"github.com/jdiitm/logconsole/internal/connection"
	"github.com/jdiitm/logconsole/internal/domain"
)

// Target says what a session reads and from where.
type Target struct {
	Topic         string
	Partition     *int32
	ConsumerGroup string
	StartOffset   domain.StartOffset
	AutoCommit    bool
	PollTimeout   time.Duration
}

func TargetOf(s domain.Session) Target {
	return Target{
		Topic:         s.Topic,
		Partition:     s.Partition,
		ConsumerGroup: s.ConsumerGroup,
		StartOffset:   s.StartOffset,
		AutoCommit:    s.AutoCommit,
		PollTimeout:   s.PollTimeout(),
	}
}

// Client is an open subscription. Poll returns an empty batch, not an error,
// when nothing arrives within timeout.
type Client interface {
	Poll(ctx context.Context, timeout time.Duration) ([]domain.Record, error)
	Commit(ctx context.Context, records []domain.Record) error
	Close()
}

type Opener interface {
	Open(ctx context.Context, conn connection.Config, target Target) (Client, error)
}

type OpenerFunc func(ctx context.Context, conn connection.Config, target Target) (Client, error)

func (f OpenerFunc) Open(ctx context.Context, conn connection.Config, target Target) (Client, error) {
	return f(ctx, conn, target)
}
