package surrealdb

import (
	"context"
	"testing"
	"time"
)

func TestRateLimitStore_ConsumeBucket_AllowsWithinBurst(t *testing.T) {
	db := testDB(t)
	store := NewRateLimitStore(db, testLogger())
	ctx := context.Background()

	now := time.Now().UTC()
	allowed, _, err := store.ConsumeBucket(ctx, "session-1:createUploadJobs", 1.0, 5.0, 1.0, now)
	if err != nil {
		t.Fatalf("ConsumeBucket failed: %v", err)
	}
	if !allowed {
		t.Error("expected first request within burst to be allowed")
	}
}

func TestRateLimitStore_ConsumeBucket_DeniesOnExhaustion(t *testing.T) {
	db := testDB(t)
	store := NewRateLimitStore(db, testLogger())
	ctx := context.Background()

	now := time.Now().UTC()
	key := "session-1:retry"
	for i := 0; i < 3; i++ {
		allowed, _, err := store.ConsumeBucket(ctx, key, 0.0, 3.0, 1.0, now)
		if err != nil {
			t.Fatalf("ConsumeBucket failed: %v", err)
		}
		if !allowed {
			t.Fatalf("expected request %d to be allowed within burst of 3", i)
		}
	}

	allowed, retryAfter, err := store.ConsumeBucket(ctx, key, 0.0, 3.0, 1.0, now)
	if err != nil {
		t.Fatalf("ConsumeBucket failed: %v", err)
	}
	if allowed {
		t.Error("expected bucket to be exhausted")
	}
	if retryAfter != 0 {
		t.Errorf("expected retryAfter=0 when rate is 0 (never refills), got %v", retryAfter)
	}
}

func TestRateLimitStore_ConsumeBucket_RefillsOverTime(t *testing.T) {
	db := testDB(t)
	store := NewRateLimitStore(db, testLogger())
	ctx := context.Background()

	now := time.Now().UTC()
	key := "session-1:createUploadJobs"
	store.ConsumeBucket(ctx, key, 1.0, 1.0, 1.0, now)

	allowed, _, err := store.ConsumeBucket(ctx, key, 1.0, 1.0, 1.0, now)
	if err != nil {
		t.Fatalf("ConsumeBucket failed: %v", err)
	}
	if allowed {
		t.Error("expected immediate second request to be denied (no time elapsed)")
	}

	later := now.Add(2 * time.Second)
	allowed, _, err = store.ConsumeBucket(ctx, key, 1.0, 1.0, 1.0, later)
	if err != nil {
		t.Fatalf("ConsumeBucket failed: %v", err)
	}
	if !allowed {
		t.Error("expected request after refill window to be allowed")
	}
}

func TestRateLimitStore_IncrementDaily_AllowsUnderLimit(t *testing.T) {
	db := testDB(t)
	store := NewRateLimitStore(db, testLogger())
	ctx := context.Background()

	dayKey := int64(19000)
	for i := 0; i < 5; i++ {
		allowed, err := store.IncrementDaily(ctx, "session-1", dayKey, 5)
		if err != nil {
			t.Fatalf("IncrementDaily failed: %v", err)
		}
		if !allowed {
			t.Fatalf("expected increment %d to be allowed under limit 5", i)
		}
	}
}

func TestRateLimitStore_IncrementDaily_DeniesOverLimit(t *testing.T) {
	db := testDB(t)
	store := NewRateLimitStore(db, testLogger())
	ctx := context.Background()

	dayKey := int64(19001)
	for i := 0; i < 3; i++ {
		store.IncrementDaily(ctx, "session-2", dayKey, 3)
	}

	allowed, err := store.IncrementDaily(ctx, "session-2", dayKey, 3)
	if err != nil {
		t.Fatalf("IncrementDaily failed: %v", err)
	}
	if allowed {
		t.Error("expected increment beyond limit to be denied")
	}
}

func TestRateLimitStore_IncrementDaily_IsolatedByDayKey(t *testing.T) {
	db := testDB(t)
	store := NewRateLimitStore(db, testLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		store.IncrementDaily(ctx, "session-3", 19002, 2)
	}
	allowed, err := store.IncrementDaily(ctx, "session-3", 19003, 2)
	if err != nil {
		t.Fatalf("IncrementDaily failed: %v", err)
	}
	if !allowed {
		t.Error("expected a new day key to start with a fresh counter")
	}
}
