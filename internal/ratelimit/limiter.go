// Package ratelimit implements the multi-axis limiter the orchestration
// facade checks before every session-scoped action: a per-(session,action)
// token bucket plus a daily counter that resets at fixed CET midnight.
// Store contention (a transient SurrealDB error) fails open — a dropped
// rate-limit check is preferable to rejecting legitimate traffic because
// of a storage blip.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/interfaces"
)

// Action identifies which bucket/limit configuration applies.
type Action string

const (
	ActionCreateUploadJobs Action = "createUploadJobs"
	ActionUploadFile       Action = "uploadFile"
	ActionRetry            Action = "retry"
)

// Rule is one action's token-bucket parameters.
type Rule struct {
	Rate  float64
	Burst float64
}

// Limiter enforces per-session token buckets and global/per-session daily
// caps over a RateLimitStore.
type Limiter struct {
	store           interfaces.RateLimitStore
	clock           common.Clock
	logger          *common.Logger
	rules           map[Action]Rule
	dailyPerSession int
	dailyGlobal     int

	perIPEnabled bool
	perIPRule    Rule

	failOpenCount atomic.Int64
}

// Stats is a snapshot of in-process limiter counters for the diagnostics
// endpoint.
type Stats struct {
	FailOpenCount int64
}

// Stats returns how many times a store error has caused the limiter to
// fail open since process start.
func (l *Limiter) Stats() Stats {
	return Stats{FailOpenCount: l.failOpenCount.Load()}
}

// New builds a Limiter from RateLimitConfig.
func New(store interfaces.RateLimitStore, clock common.Clock, logger *common.Logger, cfg common.RateLimitConfig) *Limiter {
	return &Limiter{
		store: store,
		clock: clock,
		logger: logger,
		rules: map[Action]Rule{
			ActionCreateUploadJobs: {Rate: cfg.CreateJobsRate, Burst: cfg.CreateJobsBurst},
			ActionUploadFile:       {Rate: cfg.UploadFileRate, Burst: cfg.UploadFileBurst},
			ActionRetry:            {Rate: cfg.RetryRate, Burst: cfg.RetryBurst},
		},
		dailyPerSession: cfg.DailyPerSession,
		dailyGlobal:     cfg.DailyGlobal,
		perIPEnabled:    cfg.PerIPEnabled,
		perIPRule:       Rule{Rate: cfg.PerIPRate, Burst: cfg.PerIPBurst},
	}
}

// AllowIP checks the optional per-IP token-bucket backstop, a no-op when
// disabled by configuration. clientIP may be empty (e.g. trusted internal
// callers) in which case the check is skipped.
func (l *Limiter) AllowIP(ctx context.Context, clientIP string) error {
	if !l.perIPEnabled || clientIP == "" {
		return nil
	}

	bucketKey := fmt.Sprintf("ip:%s", clientIP)
	allowed, retryAfter, err := l.store.ConsumeBucket(ctx, bucketKey, l.perIPRule.Rate, l.perIPRule.Burst, 1.0, l.clock.Now())
	if err != nil {
		l.logger.Warn().Err(err).Str("key", bucketKey).Msg("per-IP rate limit check failed open")
		l.failOpenCount.Add(1)
		return nil
	}
	if !allowed {
		return common.ErrRateLimit("rate limit exceeded for client IP", int64(retryAfter)+1, 0)
	}
	return nil
}

// Allow checks the token bucket for (sessionID, action) and, if it passes,
// the per-session and global daily counters. Returns a *common.AppError
// with code rateLimit when any axis rejects the request: RetryAfter is
// always set, ResetEpoch only for the daily caps.
func (l *Limiter) Allow(ctx context.Context, sessionID string, action Action) error {
	rule, ok := l.rules[action]
	if !ok {
		return fmt.Errorf("ratelimit: unknown action %q", action)
	}

	now := l.clock.Now()
	bucketKey := fmt.Sprintf("%s:%s", sessionID, action)

	allowed, retryAfter, err := l.store.ConsumeBucket(ctx, bucketKey, rule.Rate, rule.Burst, 1.0, now)
	if err != nil {
		l.logger.Warn().Err(err).Str("key", bucketKey).Msg("rate limit bucket check failed open")
		l.failOpenCount.Add(1)
		return nil
	}
	if !allowed {
		return common.ErrRateLimit(fmt.Sprintf("rate limit exceeded for %s", action), int64(retryAfter)+1, 0)
	}

	dayKey := common.CETDayKey(now)
	resetEpoch := now.Unix() + common.SecondsUntilNextCETMidnight(now)

	sessionKey := fmt.Sprintf("session:%s", sessionID)
	allowedSession, err := l.store.IncrementDaily(ctx, sessionKey, dayKey, l.dailyPerSession)
	if err != nil {
		l.logger.Warn().Err(err).Str("key", sessionKey).Msg("daily per-session counter check failed open")
		l.failOpenCount.Add(1)
		return nil
	}
	if !allowedSession {
		return common.ErrRateLimit("daily per-session limit exceeded", common.SecondsUntilNextCETMidnight(now), resetEpoch)
	}

	allowedGlobal, err := l.store.IncrementDaily(ctx, "global", dayKey, l.dailyGlobal)
	if err != nil {
		l.logger.Warn().Err(err).Msg("daily global counter check failed open")
		l.failOpenCount.Add(1)
		return nil
	}
	if !allowedGlobal {
		return common.ErrRateLimit("daily global limit exceeded", common.SecondsUntilNextCETMidnight(now), resetEpoch)
	}

	return nil
}
