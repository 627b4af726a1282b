// Package interfaces defines the collaborator contracts the orchestration
// facade and lifecycle engine are built against, so every property in
// spec's testable-properties section is directly testable with fakes.
package interfaces

import (
	"context"
	"time"

	"github.com/bobmcallan/invoicer/internal/models"
)

// LockOutcome classifies the result of a lock-acquisition attempt.
type LockOutcome int

const (
	// LockAcquired means the caller now holds the lock and the job's status
	// has been advanced to processing.
	LockAcquired LockOutcome = iota
	// LockNotFound means the job document does not exist (idempotent no-op).
	LockNotFound
	// LockTerminalNoop means the job is already in a terminal status
	// (idempotent no-op).
	LockTerminalNoop
	// LockContended means another worker holds a non-stale lock.
	LockContended
)

// JobStore is the transactional document store for jobs: composite-indexed
// query for "done by session" ordered by creation, and the single
// read-modify-write transaction lock acquisition depends on.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, jobID string) (*models.Job, error)

	// AcquireLock performs the lock-acquisition transaction. On LockAcquired
	// the returned job reflects status=processing, the new lock, and the
	// incremented attempt counter already committed. On any other outcome
	// the returned job (if non-nil) is informational only — no write
	// occurred.
	AcquireLock(ctx context.Context, jobID, workerID string, now time.Time, staleThreshold time.Duration) (*models.Job, LockOutcome, error)

	// Heartbeat refreshes heartbeatAt for the current lock holder. No-op
	// (without error) if the caller no longer holds the lock.
	Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) error

	// StampStage writes stages[stage]=at if unset and, when status is
	// non-empty, advances status — both gated by the forward-only check
	// (workerID must hold the lock and the job must not be beyond this
	// stage already). Returns ok=false without error when the gate fails.
	StampStage(ctx context.Context, jobID, workerID, stage, status string, at time.Time) (ok bool, err error)

	// SetOCROperation persists the async OCR operation handle, gated the
	// same way as StampStage.
	SetOCROperation(ctx context.Context, jobID, workerID, operationName string) (ok bool, err error)

	// ClearOCROperation clears the handle after the operation completes.
	ClearOCROperation(ctx context.Context, jobID, workerID string) (ok bool, err error)

	// CompleteSuccess writes resultJson, confidenceScore, the final stage
	// markers, transitions to done, and releases the lock — all gated by
	// the forward-only check, in one call so resultJson is never
	// observable without status=done already following it.
	CompleteSuccess(ctx context.Context, jobID, workerID string, result *models.InvoiceRecord, confidence float64, now time.Time) (ok bool, err error)

	// Fail transitions to failed, persists the error message, releases the
	// lock, and stamps stages.failed. Gated by the forward-only check.
	Fail(ctx context.Context, jobID, workerID, errMessage string, now time.Time) (ok bool, err error)

	// MarkQueued transitions uploaded -> queued after the dispatcher has
	// accepted the task, stamping stages.queued.
	MarkQueued(ctx context.Context, jobID string, now time.Time) error

	// ResetForRetry validates sessionID ownership and manualRetries < cap,
	// then clears error, resets status to queued, and increments
	// manualRetries. The checks and the reset are separate steps, not one
	// transaction.
	ResetForRetry(ctx context.Context, jobID, sessionID string, maxManualRetries int, now time.Time) (*models.Job, error)

	// ListBySession returns every job for a session, most recent first.
	ListBySession(ctx context.Context, sessionID string) ([]*models.Job, error)

	// ListDoneBySession returns jobs with status=done for a session,
	// ordered by createdAt descending via the composite index.
	ListDoneBySession(ctx context.Context, sessionID string) ([]*models.Job, error)

	// ListOlderThan returns up to limit jobs created before cutoff, for the
	// retention sweep to group by session.
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error)

	Delete(ctx context.Context, jobID string) error
	DeleteBySession(ctx context.Context, sessionID string) (int, error)
}

// RateLimitStore persists token-bucket and daily-counter documents under a
// deterministic key, transactionally, with the fail-open contention policy
// left to the caller (internal/ratelimit).
type RateLimitStore interface {
	// ConsumeBucket refills by (now-lastRefill)*rate capped at burst, then
	// attempts to subtract cost. Returns allowed and, if not allowed, the
	// number of seconds until enough tokens would be available.
	ConsumeBucket(ctx context.Context, key string, rate, burst, cost float64, now time.Time) (allowed bool, retryAfterSeconds float64, err error)

	// IncrementDaily reads the counter for dayKey; if below limit,
	// increments and returns allowed=true.
	IncrementDaily(ctx context.Context, key string, dayKey int64, limit int) (allowed bool, err error)
}

// BlobGateway is the object-store collaborator for input PDFs and OCR
// intermediate outputs.
type BlobGateway interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	Download(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	// List returns keys under prefix, used to concatenate OCR output shards
	// in shard order.
	List(ctx context.Context, prefix string) ([]string, error)
	// DeletePrefix removes every object under prefix, ignoring not-found.
	DeletePrefix(ctx context.Context, prefix string) error
}
