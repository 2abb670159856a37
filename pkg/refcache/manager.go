// Package refcache caches FOLIO reference data (locations, identifier
// types, loan types, ...) in Redis. Reference tables are small and change
// rarely, so whole tables are cached per tenant with a TTL and fetched
// through the paginated read path on a miss.
package refcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/FOLIO-FSE/folioclient-go/pkg/logging"
	"github.com/FOLIO-FSE/folioclient-go/pkg/pagination"
)

// Prometheus metrics for reference-data cache operations.
var (
	refCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "folio_refcache_hits_total",
		Help: "Reference-data cache hits",
	})

	refCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "folio_refcache_misses_total",
		Help: "Reference-data cache misses",
	})

	refCacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_refcache_errors_total",
		Help: "Reference-data cache errors by operation",
	}, []string{"operation"})
)

// Defaults for cache behavior.
const (
	// DefaultTTL bounds staleness of cached reference tables.
	DefaultTTL = 1 * time.Hour

	// fetchLimit is the batch size used when filling the cache.
	fetchLimit = 1000
)

// Source enumerates reference records. *client.Client implements it.
type Source interface {
	All(path, key, query string, limit int) *pagination.Pager
}

// Config holds the cache manager configuration.
type Config struct {
	// Tenant scopes cache keys; different tenants never share entries.
	Tenant string

	// TTL bounds how long a cached table is served. Zero uses DefaultTTL.
	TTL time.Duration
}

// Manager caches whole reference tables keyed by tenant and endpoint path.
type Manager struct {
	redis  *redis.Client
	source Source
	tenant string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewManager creates a reference-data cache manager.
func NewManager(redisClient *redis.Client, source Source, cfg Config) (*Manager, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if source == nil {
		return nil, fmt.Errorf("record source is required")
	}
	if cfg.Tenant == "" {
		return nil, fmt.Errorf("tenant is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		redis:  redisClient,
		source: source,
		tenant: cfg.Tenant,
		ttl:    ttl,
		logger: logging.NewLogger("refcache"),
	}, nil
}

// cacheKey builds the Redis key for one reference table.
func (m *Manager) cacheKey(path string) string {
	return "folio:ref:" + m.tenant + ":" + path
}

// Get returns all records of the reference table at path, serving from
// Redis when possible and filling the cache through the paginated read
// path otherwise. A Redis outage degrades to a direct fetch.
func (m *Manager) Get(ctx context.Context, path, key string) ([]json.RawMessage, error) {
	redisKey := m.cacheKey(path)

	data, err := m.redis.Get(ctx, redisKey).Bytes()
	switch {
	case err == nil:
		var records []json.RawMessage
		if err := json.Unmarshal(data, &records); err == nil {
			refCacheHits.Inc()
			m.logger.Debug().
				Str("endpoint", path).
				Int("records", len(records)).
				Msg("reference data served from cache")
			return records, nil
		}
		// Corrupt entry: drop it and refetch.
		_ = m.redis.Del(ctx, redisKey).Err()
	case err != redis.Nil:
		refCacheErrors.WithLabelValues("get").Inc()
		m.logger.Warn().Err(err).Str("endpoint", path).Msg("cache get failed, fetching directly")
	}

	refCacheMisses.Inc()
	records, err := m.source.All(path, key, "", fetchLimit).Collect(ctx)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(records); err == nil {
		if err := m.redis.Set(ctx, redisKey, payload, m.ttl).Err(); err != nil {
			refCacheErrors.WithLabelValues("set").Inc()
			m.logger.Warn().Err(err).Str("endpoint", path).Msg("cache set failed")
		}
	}

	m.logger.Debug().
		Str("endpoint", path).
		Int("records", len(records)).
		Msg("reference data fetched and cached")
	return records, nil
}

// Invalidate removes the cached table for one endpoint.
func (m *Manager) Invalidate(ctx context.Context, path string) error {
	if err := m.redis.Del(ctx, m.cacheKey(path)).Err(); err != nil {
		refCacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// InvalidateAll removes every cached table for this tenant.
func (m *Manager) InvalidateAll(ctx context.Context) error {
	pattern := "folio:ref:" + m.tenant + ":*"
	iter := m.redis.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		if err := m.redis.Del(ctx, iter.Val()).Err(); err != nil {
			refCacheErrors.WithLabelValues("delete").Inc()
			return fmt.Errorf("redis del: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		refCacheErrors.WithLabelValues("scan").Inc()
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}
