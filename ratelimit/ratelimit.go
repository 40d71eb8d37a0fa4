// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds outbound publish rate limiting settings.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // packets per second per destination
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for idle destinations
}

// DefaultConfig returns the default configuration. Limiting is disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Rate:            1000,
		Burst:           100,
		CleanupInterval: 5 * time.Minute,
	}
}

// TargetLimiter rate limits publishes per destination address.
type TargetLimiter struct {
	mu       sync.Mutex
	limiters map[string]*targetEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type targetEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter from cfg. It returns nil when limiting is disabled;
// a nil limiter allows everything.
func New(cfg Config) *TargetLimiter {
	if !cfg.Enabled || cfg.Rate <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = DefaultConfig().CleanupInterval
	}

	l := &TargetLimiter{
		limiters: make(map[string]*targetEntry),
		rate:     rate.Limit(cfg.Rate),
		burst:    burst,
		cleanup:  cleanup,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *TargetLimiter) get(target string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[target]
	if !ok {
		entry = &targetEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[target] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Allow reports whether a publish to target may proceed now.
func (l *TargetLimiter) Allow(target string) bool {
	if l == nil {
		return true
	}
	return l.get(target).Allow()
}

// Wait blocks until a publish to target may proceed or ctx is done.
func (l *TargetLimiter) Wait(ctx context.Context, target string) error {
	if l == nil {
		return nil
	}
	return l.get(target).Wait(ctx)
}

// Len returns the number of destinations currently tracked.
func (l *TargetLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *TargetLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeIdle(time.Now().Add(-l.cleanup * 2))
		case <-l.stopCh:
			return
		}
	}
}

func (l *TargetLimiter) removeIdle(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for target, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, target)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *TargetLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
}
