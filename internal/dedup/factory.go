package dedup

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jdiitm/logconsole/internal/store"
)

type Config struct {
	StoreType        string
	FallbackCapacity int
	RedisURL         string
	CacheTTL         time.Duration
}

// NewRepository builds the record repository for storeType. "postgres" is a
// tiered store over the captured_records table with an in-process fallback;
// "memory" keeps everything in process. A Redis URL adds the existence cache.
func NewRepository(cfg Config, db store.DB, obs FallbackObserver, logger *slog.Logger) (Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.FallbackCapacity
	if capacity <= 0 {
		capacity = 10000
	}

	var repo Repository
	switch cfg.StoreType {
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("dedup: DATABASE_URL required when STORE_TYPE=postgres")
		}
		logger.Info("dedup: using postgres backend with in-memory fallback", "fallback_capacity", capacity)
		repo = NewTieredStore(NewPostgresStore(db), NewMemoryStore(capacity),
			WithLogger(logger), WithFallbackObserver(obs))
	case "memory":
		logger.Info("dedup: using in-memory backend", "capacity", capacity)
		repo = NewMemoryStore(capacity)
	default:
		return nil, fmt.Errorf("dedup: unknown store type %q", cfg.StoreType)
	}

	if cfg.RedisURL != "" {
		ttl := cfg.CacheTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		logger.Info("dedup: redis existence cache enabled", "ttl", ttl)
		repo = NewCachedStore(repo, NewGoRedisClient(cfg.RedisURL), "logconsole:dedup:", ttl, logger)
	}
	return repo, nil
}

// Expiring returns the part of repo the retention sweep can age out, if any.
func Expiring(repo Repository) (Expirer, bool) {
	for {
		switch r := repo.(type) {
		case Expirer:
			return r, true
		case *CachedStore:
			repo = r.Inner()
		case *TieredStore:
			repo = r.Primary()
		default:
			return nil, false
		}
	}
}

// FallbackOf returns the in-process fallback tier of repo, if it has one.
func FallbackOf(repo Repository) (*MemoryStore, bool) {
	for {
		switch r := repo.(type) {
		case *TieredStore:
			return r.Fallback(), true
		case *CachedStore:
			repo = r.Inner()
		default:
			return nil, false
		}
	}
}
