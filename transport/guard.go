// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxbus/ratelimit"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the per-destination publish circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultBreakerConfig returns the default breaker settings. The breaker is
// disabled.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          false,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// GuardConfig configures outbound publish protection.
type GuardConfig struct {
	Breaker BreakerConfig    `yaml:"breaker"`
	Rate    ratelimit.Config `yaml:"rate"`
}

// guard throttles and short-circuits publishes per destination. A zero
// config lets everything through.
type guard struct {
	cfg      BreakerConfig
	limiter  *ratelimit.TargetLimiter
	logger   *slog.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newGuard(cfg GuardConfig, logger *slog.Logger) *guard {
	return &guard{
		cfg:      cfg.Breaker,
		limiter:  ratelimit.New(cfg.Rate),
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (g *guard) breaker(target string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[target]; ok {
		return cb
	}
	threshold := g.cfg.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     g.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g.logger.Warn("publish circuit breaker state changed",
				slog.String("target", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	g.breakers[target] = cb
	return cb
}

// do runs fn for target after the limiter admits it and the breaker is closed.
func (g *guard) do(ctx context.Context, target string, fn func() error) error {
	if err := g.limiter.Wait(ctx, target); err != nil {
		return err
	}
	if !g.cfg.Enabled {
		return fn()
	}
	_, err := g.breaker(target).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (g *guard) stop() {
	g.limiter.Stop()
}
