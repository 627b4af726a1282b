package surrealdb

import (
	"fmt"
	"context"
	"time"

	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/interfaces"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

type bucketRow struct {
	Key        string    `json:"key"`
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

type dailyRow struct {
	Key   string `json:"key"`
	Day   int64  `json:"day"`
	Count int    `json:"count"`
}

// RateLimitStore implements interfaces.RateLimitStore over two SurrealDB
// tables, following the same SELECT-then-conditional-UPDATE shape as
// JobStore.AcquireLock: refill math happens in Go (the one deliberately
// hand-rolled piece per the rate limiter's design), the atomic claim of the
// resulting balance happens in SurrealQL.
type RateLimitStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewRateLimitStore creates a new RateLimitStore.
func NewRateLimitStore(db *surrealdb.DB, logger *common.Logger) *RateLimitStore {
	return &RateLimitStore{db: db, logger: logger}
}

func (s *RateLimitStore) ConsumeBucket(ctx context.Context, key string, rate, burst, cost float64, now time.Time) (bool, float64, error) {
	sql := "SELECT key, tokens, last_refill FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("ratelimit_bucket", key)}
	results, err := surrealdb.Query[[]bucketRow](ctx, s.db, sql, vars)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read bucket %s: %w", key, err)
	}

	tokens := burst
	lastRefill := now
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		row := (*results)[0].Result[0]
		elapsed := now.Sub(row.LastRefill).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		tokens = row.Tokens + elapsed*rate
		if tokens > burst {
			tokens = burst
		}
		lastRefill = now
	}

	if tokens < cost {
		deficit := cost - tokens
		retryAfter := 0.0
		if rate > 0 {
			retryAfter = deficit / rate
		}
		// Persist the refill even on denial so a burst of denied requests
		// doesn't re-donate tokens on every retry.
		if err := s.upsertBucket(ctx, key, tokens, lastRefill); err != nil {
			return false, retryAfter, err
		}
		return false, retryAfter, nil
	}

	if err := s.upsertBucket(ctx, key, tokens-cost, lastRefill); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}

func (s *RateLimitStore) upsertBucket(ctx context.Context, key string, tokens float64, lastRefill time.Time) error {
	sql := `UPSERT $rid SET tokens = $tokens, last_refill = $last_refill`
	vars := map[string]any{
		"rid":         surrealmodels.NewRecordID("ratelimit_bucket", key),
		"tokens":      tokens,
		"last_refill": lastRefill,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to persist bucket %s: %w", key, err)
	}
	return nil
}

func (s *RateLimitStore) IncrementDaily(ctx context.Context, key string, dayKey int64, limit int) (bool, error) {
	recordID := fmt.Sprintf("%s:%d", key, dayKey)
	sql := "SELECT key, day, count FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("ratelimit_daily", recordID)}
	results, err := surrealdb.Query[[]dailyRow](ctx, s.db, sql, vars)
	if err != nil {
		return false, fmt.Errorf("failed to read daily counter %s: %w", recordID, err)
	}

	count := 0
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		count = (*results)[0].Result[0].Count
	}
	if count >= limit {
		return false, nil
	}

	upsertSQL := `UPSERT $rid SET key = $key, day = $day, count = $count + 1`
	upsertVars := map[string]any{
		"rid":   surrealmodels.NewRecordID("ratelimit_daily", recordID),
		"key":   key,
		"day":   dayKey,
		"count": count,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, upsertSQL, upsertVars); err != nil {
		return false, fmt.Errorf("failed to increment daily counter %s: %w", recordID, err)
	}
	return true, nil
}

var _ interfaces.RateLimitStore = (*RateLimitStore)(nil)
