package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter persists the same five gates in Redis so rate-limit state
// survives restarts and is shared across multiple gateway instances.
// Burst timestamps live in a sorted set trimmed on each check; the
// minute/hour/day counters are atomic INCRs on a bucket-stamped key with
// a TTL matching the window, so expiry IS the reset — no separate sweep.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter wraps an existing Redis client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, userID string, cfg Config) (Result, error) {
	return l.AllowAt(ctx, userID, cfg, time.Now())
}

// AllowAt is Allow with an explicit clock, for deterministic tests against
// a real Redis instance (miniredis or similar).
func (l *RedisLimiter) AllowAt(ctx context.Context, userID string, cfg Config, now time.Time) (Result, error) {
	cooldownKey := fmt.Sprintf("ratelimit:cooldown:%s", userID)
	ttl, err := l.client.TTL(ctx, cooldownKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("check cooldown: %w", err)
	}
	if ttl > 0 {
		return Result{Allowed: false, Reason: ReasonCooldownActive, ResetTime: ttl, Message: "rate limit cooldown in effect"}, nil
	}

	burstKey := fmt.Sprintf("ratelimit:burst:%s", userID)
	cutoff := now.Add(-cfg.BurstWindow).UnixNano()
	if err := l.client.ZRemRangeByScore(ctx, burstKey, "-inf", fmt.Sprintf("(%d", cutoff)).Err(); err != nil {
		return Result{}, fmt.Errorf("prune burst window: %w", err)
	}
	burstCount, err := l.client.ZCard(ctx, burstKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("count burst window: %w", err)
	}
	if int(burstCount) >= cfg.BurstLimit {
		if cfg.CooldownOnTrigger > 0 {
			l.client.Set(ctx, cooldownKey, "1", cfg.CooldownOnTrigger)
		}
		return Result{Allowed: false, Reason: ReasonBurstExceeded, ResetTime: cfg.BurstWindow, Message: "burst limit exceeded"}, nil
	}

	minuteKey := fmt.Sprintf("ratelimit:minute:%s:%d", userID, now.Unix()/60)
	minuteCount, err := l.client.Get(ctx, minuteKey).Int()
	if err != nil && err != redis.Nil {
		return Result{}, fmt.Errorf("read minute counter: %w", err)
	}
	if minuteCount >= cfg.RequestsPerMinute {
		secsLeft := 60 - now.Unix()%60
		return Result{Allowed: false, Reason: ReasonMinuteExceeded, ResetTime: time.Duration(secsLeft) * time.Second, Message: "minute limit exceeded"}, nil
	}

	hourKey := fmt.Sprintf("ratelimit:hour:%s:%d", userID, now.Unix()/3600)
	hourCount, err := l.client.Get(ctx, hourKey).Int()
	if err != nil && err != redis.Nil {
		return Result{}, fmt.Errorf("read hour counter: %w", err)
	}
	if hourCount >= cfg.RequestsPerHour {
		secsLeft := 3600 - now.Unix()%3600
		return Result{Allowed: false, Reason: ReasonHourExceeded, ResetTime: time.Duration(secsLeft) * time.Second, Message: "hour limit exceeded"}, nil
	}

	dayBucket := utcMidnightBucket(now)
	dayKey := fmt.Sprintf("ratelimit:day:%s:%d", userID, dayBucket)
	dayCount, err := l.client.Get(ctx, dayKey).Int()
	if err != nil && err != redis.Nil {
		return Result{}, fmt.Errorf("read day counter: %w", err)
	}
	if dayCount >= cfg.RequestsPerDay {
		return Result{Allowed: false, Reason: ReasonDayExceeded, ResetTime: secondsToUTCMidnight(now), Message: "day limit exceeded"}, nil
	}

	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, burstKey, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, burstKey, cfg.BurstWindow+time.Second)
	pipe.Incr(ctx, minuteKey)
	pipe.Expire(ctx, minuteKey, time.Minute+time.Second)
	pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, time.Hour+time.Second)
	pipe.Incr(ctx, dayKey)
	pipe.Expire(ctx, dayKey, 24*time.Hour+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("record request: %w", err)
	}

	return Result{Allowed: true}, nil
}
