package service

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/yoga-protocol-server/internal/domain"
	"github.com/yoga-protocol-server/internal/metrics"
)

// ResultCache caches assembled recommendation results in Redis, keyed by the
// normalized condition set and a generation counter bumped on every trial
// change. Redis failures trip a circuit breaker and the engine degrades to
// uncached computation.
type ResultCache struct {
	redis   *redis.Client
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
	logger  *logrus.Logger
}

const cacheGenerationKey = "protocol:generation"

// NewResultCache creates a result cache client and verifies the connection.
func NewResultCache(cfg domain.CacheConfig, logger *logrus.Logger) (*ResultCache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.PoolTimeout = cfg.PoolTimeout
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "result-cache",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Result cache breaker state changed")
		},
	})

	return &ResultCache{
		redis:   client,
		breaker: breaker,
		ttl:     cfg.DefaultTTL,
		logger:  logger,
	}, nil
}

// Get returns the cached result for a normalized condition set, or nil on a
// miss. Cache errors are absorbed: a broken cache must never fail a request.
func (c *ResultCache) Get(ctx context.Context, names []string) *domain.RecommendationResult {
	payload, err := c.breaker.Execute(func() (interface{}, error) {
		key, err := c.requestKey(ctx, names)
		if err != nil {
			return nil, err
		}
		data, err := c.redis.Get(ctx, key).Bytes()
		if err == redis.Nil {
			// A miss is not a failure; it must not trip the breaker.
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		c.logger.WithError(err).Debug("Result cache get failed")
		return nil
	}
	data, _ := payload.([]byte)
	if len(data) == 0 {
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil
	}

	var result domain.RecommendationResult
	if err := json.Unmarshal(data, &result); err != nil {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		c.logger.WithError(err).Warn("Discarding undecodable cache entry")
		return nil
	}

	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return &result
}

// Set stores a result under the current generation.
func (c *ResultCache) Set(ctx context.Context, names []string, result *domain.RecommendationResult) {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		key, err := c.requestKey(ctx, names)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		return nil, c.redis.Set(ctx, key, payload, c.ttl).Err()
	})
	if err != nil {
		c.logger.WithError(err).Debug("Result cache set failed")
	}
}

// Invalidate bumps the generation counter, orphaning every cached result.
// Orphaned entries expire by TTL.
func (c *ResultCache) Invalidate(ctx context.Context) {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.redis.Incr(ctx, cacheGenerationKey).Err()
	})
	if err != nil {
		c.logger.WithError(err).Debug("Result cache invalidation failed")
	}
}

// Close releases the redis connection.
func (c *ResultCache) Close() error {
	return c.redis.Close()
}

func (c *ResultCache) requestKey(ctx context.Context, names []string) (string, error) {
	generation, err := c.redis.Get(ctx, cacheGenerationKey).Int64()
	if err != nil && err != redis.Nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(strings.Join(names, "|")))
	return fmt.Sprintf("protocol:reco:%d:%x", generation, digest), nil
}
