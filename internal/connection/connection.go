package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/jdiitm/logconsole/internal/store"
)

var ErrNotFound = errors.New("connection not found")

type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLScramSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLScramSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// Config is everything needed to reach a cluster.
type Config struct {
	ID            string        `mapstructure:"id" db:"id"`
	Name          string        `mapstructure:"name" db:"name"`
	Brokers       []string      `mapstructure:"brokers" db:"brokers"`
	SASLMechanism SASLMechanism `mapstructure:"sasl_mechanism" db:"sasl_mechanism"`
	SASLUsername  string        `mapstructure:"sasl_username" db:"sasl_username"`
	SASLPassword  string        `mapstructure:"sasl_password" db:"sasl_password"`
	TLSEnabled    bool          `mapstructure:"tls_enabled" db:"tls_enabled"`
	TLSSkipVerify bool          `mapstructure:"tls_skip_verify" db:"tls_skip_verify"`
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("connection %s: no brokers configured", c.ID)
	}
	switch c.SASLMechanism {
	case SASLNone, SASLPlain, SASLScramSHA256, SASLScramSHA512:
	default:
		return fmt.Errorf("connection %s: unsupported sasl mechanism %q", c.ID, c.SASLMechanism)
	}
	return nil
}

// Resolver looks up a connection by id and returns ErrNotFound when absent.
type Resolver interface {
	Resolve(ctx context.Context, id string) (Config, error)
}

// StaticResolver serves connections listed in configuration.
type StaticResolver struct {
	mu    sync.RWMutex
	conns map[string]Config
}

func NewStaticResolver(conns ...Config) *StaticResolver {
	r := &StaticResolver{conns: make(map[string]Config, len(conns))}
	for _, c := range conns {
		r.conns[c.ID] = c
	}
	return r
}

func (r *StaticResolver) Add(c Config) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

func (r *StaticResolver) Resolve(_ context.Context, id string) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// PostgresResolver reads the connections table.
type PostgresResolver struct {
	db store.DB
}

func NewPostgresResolver(db store.DB) *PostgresResolver {
	return &PostgresResolver{db: db}
}

func (r *PostgresResolver) Resolve(ctx context.Context, id string) (Config, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name, brokers, sasl_mechanism, sasl_username,
		sasl_password, tls_enabled, tls_skip_verify FROM connections WHERE id = $1`, id)
	if err != nil {
		return Config{}, fmt.Errorf("connection: resolve %s: %w", id, err)
	}
	c, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[Config])
	if errors.Is(err, pgx.ErrNoRows) {
		return Config{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Config{}, fmt.Errorf("connection: resolve %s: %w", id, err)
	}
	return c, nil
}
