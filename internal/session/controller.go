package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jdiitm/logconsole/internal/connection"
	"github.com/jdiitm/logconsole/internal/dedup"
	"github.com/jdiitm/logconsole/internal/dispatcher"
	"github.com/jdiitm/logconsole/internal/domain"
	"github.com/jdiitm/logconsole/internal/fanout"
	"github.com/jdiitm/logconsole/internal/logclient"
	"github.com/jdiitm/logconsole/internal/metrics"
	"github.com/jdiitm/logconsole/internal/registry"
	"github.com/jdiitm/logconsole/internal/store"
	"github.com/jdiitm/logconsole/internal/worker"
)

const (
	defaultPollTimeoutMs = 1000
	defaultDeleteWait    = 10 * time.Second
	consumerGroupPrefix  = "logconsole-"
)

// Result is the reply of a lifecycle operation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type CreateRequest struct {
	ID            string              `json:"id,omitempty"`
	ConnectionID  string              `json:"connectionId"`
	Topic         string              `json:"topic"`
	ConsumerGroup string              `json:"consumerGroup,omitempty"`
	Partition     *int32              `json:"partitionId,omitempty"`
	StartOffset   *domain.StartOffset `json:"startOffset,omitempty"`
	MaxMessages   int64               `json:"maxMessages,omitempty"`
	AutoCommit    bool                `json:"autoCommit"`
	PollTimeoutMs int64               `json:"pollTimeoutMs,omitempty"`
}

type Config struct {
	Worker     worker.Config
	DeleteWait time.Duration
}

// Controller owns the lifecycle of consumer sessions: it persists them,
// starts one worker per running session on the dispatcher and stops,
// pauses and resumes them through the registry.
type Controller struct {
	cfg       Config
	sessions  store.Sessions
	records   dedup.Repository
	resolver  connection.Resolver
	opener    logclient.Opener
	registry  *registry.Registry
	pool      *dispatcher.Dispatcher
	hub       *fanout.Hub
	publisher fanout.Publisher
	observer  metrics.SessionObserver
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Controller)

func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

func WithRegistry(r *registry.Registry) Option {
	return func(c *Controller) { c.registry = r }
}

func WithDispatcher(d *dispatcher.Dispatcher) Option {
	return func(c *Controller) { c.pool = d }
}

func WithHub(h *fanout.Hub) Option {
	return func(c *Controller) { c.hub = h }
}

// WithPublisher adds a publisher that receives every event alongside the
// local hub.
func WithPublisher(p fanout.Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

func WithObserver(obs metrics.SessionObserver) Option {
	return func(c *Controller) { c.observer = obs }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func New(sessions store.Sessions, records dedup.Repository, resolver connection.Resolver, opener logclient.Opener, opts ...Option) *Controller {
	c := &Controller{
		sessions: sessions,
		records:  records,
		resolver: resolver,
		opener:   opener,
		observer: metrics.NoopObserver{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.registry == nil {
		c.registry = registry.New()
	}
	if c.pool == nil {
		c.pool = dispatcher.New(dispatcher.Config{})
	}
	if c.hub == nil {
		c.hub = fanout.NewHub(0)
	}
	if c.cfg.DeleteWait <= 0 {
		c.cfg.DeleteWait = defaultDeleteWait
	}
	if c.publisher == nil {
		c.publisher = c.hub
	} else {
		c.publisher = fanout.Multi{c.hub, c.publisher}
	}
	return c
}

func (c *Controller) Registry() *registry.Registry { return c.registry }

func (c *Controller) Dispatcher() *dispatcher.Dispatcher { return c.pool }

// Create validates and persists a new session in CREATED. It does not
// start it.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (domain.Session, error) {
	if err := validate(req); err != nil {
		return domain.Session{}, err
	}
	if _, err := c.resolver.Resolve(ctx, req.ConnectionID); err != nil {
		return domain.Session{}, c.referenceError(req.ConnectionID, err)
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	group := strings.TrimSpace(req.ConsumerGroup)
	if group == "" {
		group = consumerGroupPrefix + id
	}
	start := domain.Latest()
	if req.StartOffset != nil {
		start = *req.StartOffset
	}
	pollMs := req.PollTimeoutMs
	if pollMs == 0 {
		pollMs = defaultPollTimeoutMs
	}

	now := c.now()
	s := domain.Session{
		ID:            id,
		ConnectionID:  req.ConnectionID,
		Topic:         strings.TrimSpace(req.Topic),
		Partition:     req.Partition,
		ConsumerGroup: group,
		StartOffset:   start,
		CurrentOffset: -1,
		MaxMessages:   req.MaxMessages,
		PollTimeoutMs: pollMs,
		AutoCommit:    req.AutoCommit,
		Status:        domain.StatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.sessions.Create(ctx, s); err != nil {
		return domain.Session{}, err
	}
	c.logger.Info("session created", logclient.SessionAttr(id), logclient.TopicAttr(s.Topic))
	return s, nil
}

func validate(req CreateRequest) error {
	var problems []string
	if strings.TrimSpace(req.ConnectionID) == "" {
		problems = append(problems, "connectionId is required")
	}
	if strings.TrimSpace(req.Topic) == "" {
		problems = append(problems, "topic is required")
	}
	if req.Partition != nil && *req.Partition < 0 {
		problems = append(problems, "partitionId must be non-negative")
	}
	if req.MaxMessages < 0 {
		problems = append(problems, "maxMessages must be non-negative")
	}
	if req.PollTimeoutMs < 0 {
		problems = append(problems, "pollTimeoutMs must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Controller) referenceError(connectionID string, err error) error {
	if errors.Is(err, connection.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidReference, connectionID)
	}
	return fmt.Errorf("resolve connection %s: %w", connectionID, err)
}

func (c *Controller) Get(ctx context.Context, id string) (domain.Session, error) {
	return c.sessions.Get(ctx, id)
}

func (c *Controller) List(ctx context.Context) ([]domain.Session, error) {
	return c.sessions.List(ctx)
}

// ListActive returns sessions persisted as RUNNING or PAUSED.
func (c *Controller) ListActive(ctx context.Context) ([]domain.Session, error) {
	return c.sessions.ListActive(ctx)
}

func (c *Controller) ListByConnection(ctx context.Context, connectionID string) ([]domain.Session, error) {
	return c.sessions.ListByConnection(ctx, connectionID)
}

// Records reads back captured records of a session in (topic, partition,
// offset) order, strictly after the cursor when one is given.
func (c *Controller) Records(ctx context.Context, id string, after *domain.Cursor, limit int) ([]domain.CapturedRecord, error) {
	if _, err := c.sessions.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.records.List(ctx, id, after, limit)
}

// Subscribe attaches to the push channel of a session. The returned cancel
// func detaches and closes the channel.
func (c *Controller) Subscribe(ctx context.Context, id string) (<-chan fanout.Event, func(), error) {
	if _, err := c.sessions.Get(ctx, id); err != nil {
		return nil, nil, err
	}
	ch, cancel := c.hub.Subscribe(id)
	return ch, cancel, nil
}
