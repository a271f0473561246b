package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "logconsole:session:"

func Channel(sessionID string) string {
	return channelPrefix + sessionID
}

type RedisPubClient interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type goRedisPub struct {
	client *redis.Client
}

// NewGoRedisPubClient parses url as a redis:// URL, falling back to a bare
// host:port address.
func NewGoRedisPubClient(url string) RedisPubClient {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	return &goRedisPub{client: redis.NewClient(opts)}
}

func (g *goRedisPub) Publish(ctx context.Context, channel string, payload []byte) error {
	return g.client.Publish(ctx, channel, payload).Err()
}

type message struct {
	channel string
	payload []byte
}

// RedisPublisher forwards events to Redis pub/sub so other replicas can
// serve subscribers. Events are queued and sent by one goroutine; a full
// queue drops the event.
type RedisPublisher struct {
	client  RedisPubClient
	queue   chan message
	drops   DropObserver
	logger  *slog.Logger
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

type RedisOption func(*RedisPublisher)

func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(p *RedisPublisher) { p.logger = l }
}

func WithRedisDropObserver(o DropObserver) RedisOption {
	return func(p *RedisPublisher) { p.drops = o }
}

func NewRedisPublisher(client RedisPubClient, queueSize int, opts ...RedisOption) *RedisPublisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	p := &RedisPublisher{
		client:  client,
		queue:   make(chan message, queueSize),
		drops:   noopDrops{},
		logger:  slog.Default(),
		timeout: 2 * time.Second,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	go p.run()
	return p
}

func (p *RedisPublisher) Publish(sessionID string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("fanout: encode event", "session_id", sessionID, "error", err)
		return
	}
	select {
	case p.queue <- message{channel: Channel(sessionID), payload: payload}:
	default:
		p.drops.RecordFanoutDropped()
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for m := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.client.Publish(ctx, m.channel, m.payload); err != nil {
			p.logger.Warn("fanout: redis publish failed", "channel", m.channel, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to
// expire. Publish must not be called after Close.
func (p *RedisPublisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.queue) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
