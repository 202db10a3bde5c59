package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	captureRateLimitHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_rate_limit_hits_total",
		Help: "Total number of rate limited (510) responses",
	})

	captureRateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_rate_limit_waits_total",
		Help: "Total number of requests delayed by an active cooldown",
	})

	captureRateLimitCooldownSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capture_rate_limit_cooldown_seconds",
		Help: "Cooldown started by the most recent rate limited response",
	})
)

// Config holds tracker configuration.
type Config struct {
	// Namespace separates the state of different applications in Redis.
	Namespace string

	// BaseCooldown is the cooldown after the first rate limited response.
	BaseCooldown time.Duration

	// MaxCooldown caps the cooldown growth.
	MaxCooldown time.Duration
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig(namespace string) Config {
	return Config{
		Namespace:    namespace,
		BaseCooldown: DefaultBaseCooldown,
		MaxCooldown:  DefaultMaxCooldown,
	}
}

// Tracker monitors rate limited responses and gates requests.
// With a nil Redis client the state is kept in process.
type Tracker struct {
	redis  *redis.Client
	config Config
	logger zerolog.Logger

	mu    sync.Mutex
	local RateLimitState
}

// NewTracker creates a new rate limit tracker.
func NewTracker(redisClient *redis.Client, config Config, logger zerolog.Logger) *Tracker {
	if config.BaseCooldown <= 0 {
		config.BaseCooldown = DefaultBaseCooldown
	}
	if config.MaxCooldown < config.BaseCooldown {
		config.MaxCooldown = config.BaseCooldown
	}
	if config.Namespace == "" {
		config.Namespace = "default"
	}
	return &Tracker{
		redis:  redisClient,
		config: config,
		logger: logger,
	}
}

// GetState retrieves the current rate limit state.
// Returns a zero (unblocked) state if nothing has been recorded.
func (t *Tracker) GetState(ctx context.Context) (*RateLimitState, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		state := t.local
		return &state, nil
	}

	vals, err := t.redis.MGet(ctx,
		redisKey(t.config.Namespace, redisKeyHits),
		redisKey(t.config.Namespace, redisKeyBlockedUntil),
		redisKey(t.config.Namespace, redisKeyLastUpdate),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	state := &RateLimitState{}
	hits, err := intValue(vals[0])
	if err != nil {
		return nil, fmt.Errorf("parse hits: %w", err)
	}
	state.Hits = int(hits)
	blockedUntil, err := intValue(vals[1])
	if err != nil {
		return nil, fmt.Errorf("parse blocked until: %w", err)
	}
	lastUpdate, err := intValue(vals[2])
	if err != nil {
		return nil, fmt.Errorf("parse last update: %w", err)
	}
	if blockedUntil > 0 {
		state.BlockedUntil = time.UnixMilli(blockedUntil)
	}
	if lastUpdate > 0 {
		state.LastUpdate = time.UnixMilli(lastUpdate)
	}

	return state, nil
}

// RecordRateLimited registers a rate limited response and starts or extends
// the cooldown. It returns the cooldown that was applied.
func (t *Tracker) RecordRateLimited(ctx context.Context) (time.Duration, error) {
	captureRateLimitHitsTotal.Inc()
	now := time.Now()

	var hits int
	if t.redis == nil {
		t.mu.Lock()
		if t.local.IsStale(t.config.MaxCooldown) {
			t.local.Hits = 0
		}
		t.local.Hits++
		hits = t.local.Hits
		cooldown := Cooldown(hits, t.config.BaseCooldown, t.config.MaxCooldown)
		t.local.BlockedUntil = now.Add(cooldown)
		t.local.LastUpdate = now
		t.mu.Unlock()
	} else {
		last, err := t.redis.Get(ctx, redisKey(t.config.Namespace, redisKeyLastUpdate)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("get rate limit last update: %w", err)
		}
		previous := RateLimitState{}
		if last > 0 {
			previous.LastUpdate = time.UnixMilli(last)
		}
		if previous.IsStale(t.config.MaxCooldown) {
			if err := t.redis.Set(ctx, redisKey(t.config.Namespace, redisKeyHits), 0, 0).Err(); err != nil {
				return 0, fmt.Errorf("reset stale rate limit hits: %w", err)
			}
		}

		n, err := t.redis.Incr(ctx, redisKey(t.config.Namespace, redisKeyHits)).Result()
		if err != nil {
			return 0, fmt.Errorf("increment rate limit hits: %w", err)
		}
		hits = int(n)
		cooldown := Cooldown(hits, t.config.BaseCooldown, t.config.MaxCooldown)

		pipe := t.redis.Pipeline()
		pipe.Set(ctx, redisKey(t.config.Namespace, redisKeyBlockedUntil), now.Add(cooldown).UnixMilli(), 0)
		pipe.Set(ctx, redisKey(t.config.Namespace, redisKeyLastUpdate), now.UnixMilli(), 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("store rate limit state in redis: %w", err)
		}
	}

	cooldown := Cooldown(hits, t.config.BaseCooldown, t.config.MaxCooldown)
	captureRateLimitCooldownSeconds.Set(cooldown.Seconds())

	t.logger.Warn().
		Int("hits", hits).
		Dur("cooldown", cooldown).
		Msg("Capture rate limit hit - cooling down")

	return cooldown, nil
}

// RecordSuccess clears the consecutive hit counter after a successful call.
func (t *Tracker) RecordSuccess(ctx context.Context, state *RateLimitState) error {
	if state != nil && state.Hits == 0 {
		return nil
	}

	if t.redis == nil {
		t.mu.Lock()
		t.local.Hits = 0
		t.local.LastUpdate = time.Now()
		t.mu.Unlock()
		return nil
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, redisKey(t.config.Namespace, redisKeyHits), 0, 0)
	pipe.Set(ctx, redisKey(t.config.Namespace, redisKeyLastUpdate), time.Now().UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reset rate limit hits: %w", err)
	}
	t.logger.Debug().Msg("Capture rate limit state reset")
	return nil
}

// Wait blocks while a cooldown is active. It returns the state it observed
// last, or the context error if the context ends first.
func (t *Tracker) Wait(ctx context.Context) (*RateLimitState, error) {
	for {
		state, err := t.GetState(ctx)
		if err != nil {
			return nil, err
		}
		wait := state.TimeUntilUnblocked()
		if wait == 0 {
			return state, nil
		}

		captureRateLimitWaitsTotal.Inc()
		t.logger.Debug().
			Int("hits", state.Hits).
			Dur("wait_duration", wait).
			Msg("Capture rate limit cooldown active - waiting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func intValue(v any) (int64, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, errors.New("unexpected redis value type")
	}
}
