package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/authcore/internal/apperrors"
)

const (
	ActionLogin  = "login"
	ActionVerify = "verify"
)

const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 15 * time.Minute
	DefaultTimeout     = 5 * time.Second
)

const keyPrefix = "ratelimit:"

// Limit allows Max attempts per Window
type Limit struct {
	Max    int
	Window time.Duration
}

type Config struct {
	// Default limit for every action without own limit
	Default Limit

	// Per action overrides
	Actions map[string]Limit

	// Deadline for a single redis round trip
	Timeout time.Duration
}

func setDefaultLimit(l *Limit) {
	if l.Max <= 0 {
		l.Max = DefaultMaxAttempts
	}
	if l.Window <= 0 {
		l.Window = DefaultWindow
	}
}

// Limiter counts attempts in redis, so every replica sees the same counter
type Limiter struct {
	rdb redis.Cmdable
	cfg Config
}

func New(rdb redis.Cmdable, cfg Config) *Limiter {
	setDefaultLimit(&cfg.Default)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	actions := make(map[string]Limit, len(cfg.Actions)+2)
	actions[ActionLogin] = cfg.Default
	actions[ActionVerify] = cfg.Default
	for action, l := range cfg.Actions {
		setDefaultLimit(&l)
		actions[action] = l
	}
	cfg.Actions = actions

	return &Limiter{rdb: rdb, cfg: cfg}
}

func (l *Limiter) limit(action string) Limit {
	if lim, ok := l.cfg.Actions[action]; ok {
		return lim
	}
	return l.cfg.Default
}

func key(identifier string, action string) string {
	return keyPrefix + action + ":" + identifier
}

// Check records an attempt and fails when attempts in current window exceed the limit
// Returns *apperrors.RateLimitError (which is apperrors.ErrUnauthorized) when limited
// and apperrors.ErrServiceUnavailable when redis can't be reached
func (l *Limiter) Check(ctx context.Context, identifier string, action string) error {
	if identifier == "" {
		return nil
	}

	lim := l.limit(action)
	k := key(identifier, action)

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	// Counter and window are set in one round trip; EXPIRE NX keeps window start fixed
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, lim.Window)
	pttl := pipe.PTTL(ctx, k)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %w", apperrors.ErrServiceUnavailable, err)
	}

	if incr.Val() <= int64(lim.Max) {
		return nil
	}

	retry := pttl.Val()
	if retry <= 0 {
		retry = lim.Window
	}
	return &apperrors.RateLimitError{Action: action, RetryAfter: retry}
}

// Reset forgets attempts, called after successful authentication
func (l *Limiter) Reset(ctx context.Context, identifier string, action string) error {
	if identifier == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	if err := l.rdb.Del(ctx, key(identifier, action)).Err(); err != nil {
		return fmt.Errorf("%w: rate limiter: %w", apperrors.ErrServiceUnavailable, err)
	}
	return nil
}
