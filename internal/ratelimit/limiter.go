// Package ratelimit implements fixed-window counters keyed by (client, action).
//
// The counting itself lives in a Backend: an in-process map for a single node or
// Redis (INCR + EXPIRE) when several processes share the limits. The Limiter on
// top decides what happens when the backend cannot be reached.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-roulette/internal/telemetry"
)

var ErrBackendUnavailable = errors.New("rate limiter backend is unavailable")

// Action is the class of operation being limited
type Action string

const (
	ActionJoin    Action = "join"
	ActionRelay   Action = "relay"
	ActionNext    Action = "next"
	ActionConnect Action = "connect"
)

// Rule is a limit of Limit actions per Window
type Rule struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// Backend increments the counter of key and returns the post-increment value.
// The first increment in a window starts the window of the given duration.
type Backend interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter answers whether an action is allowed
type Limiter struct {
	backend  Backend
	failOpen bool
}

// New creates a limiter. With failOpen the action is allowed when the backend is
// unreachable, otherwise it is denied.
func New(backend Backend, failOpen bool) *Limiter {
	return &Limiter{
		backend:  backend,
		failOpen: failOpen,
	}
}

// Key builds the counter key of an action made by id
func Key(action Action, id string) string {
	return string(action) + ":" + id
}

// Allow increments the counter for key and reports whether the count is still within limit.
// A backend failure is returned wrapped in ErrBackendUnavailable together with the
// fail-open (or fail-closed) verdict.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := l.backend.Incr(ctx, key, window)
	if err != nil {
		telemetry.LimiterBackendErrors.Inc()
		log.Warn().Err(err).Str("service", "ratelimit").Str("key", key).Bool("failOpen", l.failOpen).Msg("backend is unavailable")

		return l.failOpen, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return count <= int64(limit), nil
}

// AllowAction checks rule for the action made by id
func (l *Limiter) AllowAction(ctx context.Context, action Action, id string, rule Rule) (bool, error) {
	allowed, err := l.Allow(ctx, Key(action, id), rule.Limit, rule.Window)
	if !allowed {
		telemetry.RateLimited.WithLabelValues(string(action)).Inc()
	}
	return allowed, err
}
