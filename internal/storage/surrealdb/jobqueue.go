package surrealdb

import (
	"fmt"
	"context"
	"time"

	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/interfaces"
	"github.com/bobmcallan/invoicer/internal/models"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// jobRow is the SurrealDB-facing projection of models.Job: flat fields map
// cleanly onto SurrealQL SET clauses the way vire's job_queue table flattens
// job_id out of the record ID; the lock and stage map are stored as nested
// objects and translated back to models.Job by toModel.
type jobRow struct {
	ID               string               `json:"id"`
	SessionID        string               `json:"session_id"`
	Filename         string               `json:"filename"`
	SizeBytes        int64                `json:"size_bytes"`
	PageCount        int                  `json:"page_count"`
	BlobPath         string               `json:"blob_path"`
	Status           string               `json:"status"`
	Stages           map[string]time.Time `json:"stages"`
	LockedBy         string               `json:"locked_by"`
	LockedAt         time.Time            `json:"locked_at"`
	Attempt          int                  `json:"attempt"`
	ManualRetries    int                  `json:"manual_retries"`
	OCROperationName string               `json:"ocr_operation_name"`
	ResultJSON       *models.InvoiceRecord `json:"result_json"`
	ConfidenceScore  *float64             `json:"confidence_score"`
	Error            string               `json:"error"`
	HeartbeatAt      time.Time            `json:"heartbeat_at"`
	AttemptHistory   []models.AttemptMarker `json:"attempt_history"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

func (r *jobRow) toModel() *models.Job {
	j := &models.Job{
		JobID:            r.ID,
		SessionID:        r.SessionID,
		Filename:         r.Filename,
		SizeBytes:        r.SizeBytes,
		PageCount:        r.PageCount,
		BlobPath:         r.BlobPath,
		Status:           r.Status,
		Stages:           r.Stages,
		Attempt:          r.Attempt,
		ManualRetries:    r.ManualRetries,
		OCROperationName: r.OCROperationName,
		ResultJSON:       r.ResultJSON,
		ConfidenceScore:  r.ConfidenceScore,
		Error:            r.Error,
		HeartbeatAt:      r.HeartbeatAt,
		AttemptHistory:   r.AttemptHistory,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.LockedBy != "" {
		j.ProcessingLock = &models.ProcessingLock{LockedBy: r.LockedBy, LockedAt: r.LockedAt}
		j.WorkerID = r.LockedBy
	}
	return j
}

const jobSelectFields = `id, session_id, filename, size_bytes, page_count, blob_path, status, stages,
	locked_by, locked_at, attempt, manual_retries, ocr_operation_name, result_json,
	confidence_score, error, heartbeat_at, attempt_history, created_at, updated_at`

// JobStore implements interfaces.JobStore using SurrealDB, following vire's
// jobqueue.go UPSERT/SELECT-then-conditional-UPDATE shape: the lock
// acquisition and every forward-only-gated write is a single UPDATE whose
// WHERE clause encodes the precondition, re-verified against the row that
// comes back.
type JobStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *surrealdb.DB, logger *common.Logger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = job.CreatedAt
	if job.Stages == nil {
		job.Stages = map[string]time.Time{}
	}

	sql := `UPSERT $rid SET
		session_id = $session_id, filename = $filename, size_bytes = $size_bytes,
		page_count = $page_count, blob_path = $blob_path, status = $status,
		stages = $stages, attempt = $attempt, manual_retries = $manual_retries,
		created_at = $created_at, updated_at = $updated_at`
	vars := map[string]any{
		"rid":            surrealmodels.NewRecordID("job", job.JobID),
		"session_id":     job.SessionID,
		"filename":       job.Filename,
		"size_bytes":     job.SizeBytes,
		"page_count":     job.PageCount,
		"blob_path":      job.BlobPath,
		"status":         job.Status,
		"stages":         job.Stages,
		"attempt":        job.Attempt,
		"manual_retries": job.ManualRetries,
		"created_at":     job.CreatedAt,
		"updated_at":     job.UpdatedAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("job", jobID)}

	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return (*results)[0].Result[0].toModel(), nil
}

// AcquireLock implements the lock-acquisition transaction of the lifecycle
// engine's critical section (spec §4.3 step 1-4): read, classify, then a
// single conditionally-gated UPDATE.
func (s *JobStore) AcquireLock(ctx context.Context, jobID, workerID string, now time.Time, staleThreshold time.Duration) (*models.Job, interfaces.LockOutcome, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, interfaces.LockNotFound, err
	}
	if job == nil {
		return nil, interfaces.LockNotFound, nil
	}
	if models.IsTerminal(job.Status) {
		return job, interfaces.LockTerminalNoop, nil
	}
	if job.ProcessingLock != nil && job.ProcessingLock.LockedBy != workerID && !job.IsLockStale(now, staleThreshold) {
		return job, interfaces.LockContended, nil
	}

	staleSeconds := staleThreshold.Seconds()
	sql := `UPDATE $rid SET
			locked_by = $worker, locked_at = $now, heartbeat_at = $now,
			attempt = attempt + 1, status = $processing, stages.processing = time::floor($now, 1s)
		WHERE status NOT IN [$done, $failed]
			AND (locked_by = NONE
				OR locked_by = $worker
				OR (time::unix($now) - time::unix(locked_at)) > $stale
				OR (heartbeat_at != NONE AND (time::unix($now) - time::unix(heartbeat_at)) > $stale))`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("job", jobID),
		"worker":     workerID,
		"now":        now,
		"processing": models.StatusProcessing,
		"done":       models.StatusDone,
		"failed":     models.StatusFailed,
		"stale":      staleSeconds,
	}
	if _, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars); err != nil {
		return nil, interfaces.LockNotFound, fmt.Errorf("failed to acquire lock on job %s: %w", jobID, err)
	}

	updated, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, interfaces.LockNotFound, err
	}
	if updated == nil {
		return nil, interfaces.LockNotFound, nil
	}
	if updated.ProcessingLock == nil || updated.ProcessingLock.LockedBy != workerID || updated.Status != models.StatusProcessing {
		// The conditional UPDATE didn't apply — a concurrent writer raced us.
		return updated, interfaces.LockContended, nil
	}
	return updated, interfaces.LockAcquired, nil
}

func (s *JobStore) Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) error {
	sql := `UPDATE $rid SET heartbeat_at = $now WHERE locked_by = $worker`
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("job", jobID),
		"worker": workerID,
		"now":    now,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to write heartbeat for job %s: %w", jobID, err)
	}
	return nil
}

func (s *JobStore) StampStage(ctx context.Context, jobID, workerID, stage, status string, at time.Time) (bool, error) {
	sql := fmt.Sprintf(`UPDATE $rid SET
			stages.%s = IF stages.%s IS NONE THEN $at ELSE stages.%s END,
			status = IF $status != "" THEN $status ELSE status END,
			updated_at = $at
		WHERE locked_by = $worker AND status NOT IN [$done, $failed]`, stage, stage, stage)
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("job", jobID),
		"worker": workerID,
		"at":     at,
		"status": status,
		"done":   models.StatusDone,
		"failed": models.StatusFailed,
	}
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return false, fmt.Errorf("failed to stamp stage %s for job %s: %w", stage, jobID, err)
	}
	return results != nil && len(*results) > 0 && len((*results)[0].Result) > 0, nil
}

func (s *JobStore) SetOCROperation(ctx context.Context, jobID, workerID, operationName string) (bool, error) {
	sql := `UPDATE $rid SET ocr_operation_name = $op, updated_at = $now WHERE locked_by = $worker`
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("job", jobID),
		"worker": workerID,
		"op":     operationName,
		"now":    time.Now().UTC(),
	}
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return false, fmt.Errorf("failed to set OCR operation for job %s: %w", jobID, err)
	}
	return results != nil && len(*results) > 0 && len((*results)[0].Result) > 0, nil
}

func (s *JobStore) ClearOCROperation(ctx context.Context, jobID, workerID string) (bool, error) {
	sql := `UPDATE $rid SET ocr_operation_name = "", updated_at = $now WHERE locked_by = $worker`
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("job", jobID),
		"worker": workerID,
		"now":    time.Now().UTC(),
	}
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return false, fmt.Errorf("failed to clear OCR operation for job %s: %w", jobID, err)
	}
	return results != nil && len(*results) > 0 && len((*results)[0].Result) > 0, nil
}

func (s *JobStore) CompleteSuccess(ctx context.Context, jobID, workerID string, result *models.InvoiceRecord, confidence float64, now time.Time) (bool, error) {
	sql := `UPDATE $rid SET
			result_json = $result, confidence_score = $confidence,
			stages.llm = IF stages.llm IS NONE THEN $now ELSE stages.llm END,
			stages.done = IF stages.done IS NONE THEN $now ELSE stages.done END,
			status = $done, locked_by = NONE, locked_at = NONE, updated_at = $now
		WHERE locked_by = $worker AND status NOT IN [$done, $failed]`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("job", jobID),
		"worker":     workerID,
		"result":     result,
		"confidence": confidence,
		"now":        now,
		"done":       models.StatusDone,
		"failed":     models.StatusFailed,
	}
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return false, fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	return results != nil && len(*results) > 0 && len((*results)[0].Result) > 0, nil
}

func (s *JobStore) Fail(ctx context.Context, jobID, workerID, errMessage string, now time.Time) (bool, error) {
	sql := `UPDATE $rid SET
			error = $error, status = $failed, locked_by = NONE, locked_at = NONE,
			stages.failed = IF stages.failed IS NONE THEN $now ELSE stages.failed END,
			updated_at = $now
		WHERE locked_by = $worker AND status NOT IN [$done, $failed]`
	vars := map[string]any{
		"rid":    surrealmodels.NewRecordID("job", jobID),
		"worker": workerID,
		"error":  errMessage,
		"now":    now,
		"done":   models.StatusDone,
		"failed": models.StatusFailed,
	}
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return false, fmt.Errorf("failed to fail job %s: %w", jobID, err)
	}
	return results != nil && len(*results) > 0 && len((*results)[0].Result) > 0, nil
}

func (s *JobStore) MarkQueued(ctx context.Context, jobID string, now time.Time) error {
	sql := `UPDATE $rid SET
			status = $queued,
			stages.queued = IF stages.queued IS NONE THEN $now ELSE stages.queued END,
			updated_at = $now
		WHERE status = $uploaded`
	vars := map[string]any{
		"rid":      surrealmodels.NewRecordID("job", jobID),
		"queued":   models.StatusQueued,
		"uploaded": models.StatusUploaded,
		"now":      now,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to mark job %s queued: %w", jobID, err)
	}
	return nil
}

func (s *JobStore) ResetForRetry(ctx context.Context, jobID, sessionID string, maxManualRetries int, now time.Time) (*models.Job, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, common.ErrNotFound("job not found")
	}
	if job.SessionID != sessionID {
		return nil, common.ErrNotFound("job not found")
	}
	if job.ManualRetries >= maxManualRetries {
		return nil, common.ErrRateLimit("manual retry limit exceeded", 0, 0)
	}
	if job.Status != models.StatusFailed {
		return nil, common.ErrConflict("job is not in a failed state")
	}

	sql := `UPDATE $rid SET
			error = "", status = $queued, manual_retries = manual_retries + 1, updated_at = $now
		WHERE status = $failed AND session_id = $session`
	vars := map[string]any{
		"rid":     surrealmodels.NewRecordID("job", jobID),
		"queued":  models.StatusQueued,
		"failed":  models.StatusFailed,
		"session": sessionID,
		"now":     now,
	}
	if _, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars); err != nil {
		return nil, fmt.Errorf("failed to reset job %s for retry: %w", jobID, err)
	}
	return s.Get(ctx, jobID)
}

func (s *JobStore) ListBySession(ctx context.Context, sessionID string) ([]*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM job WHERE session_id = $session ORDER BY created_at DESC"
	return s.queryJobs(ctx, sql, map[string]any{"session": sessionID})
}

func (s *JobStore) ListDoneBySession(ctx context.Context, sessionID string) ([]*models.Job, error) {
	sql := "SELECT " + jobSelectFields + " FROM job WHERE session_id = $session AND status = $done ORDER BY created_at DESC"
	return s.queryJobs(ctx, sql, map[string]any{"session": sessionID, "done": models.StatusDone})
}

func (s *JobStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 200
	}
	sql := "SELECT " + jobSelectFields + " FROM job WHERE created_at < $cutoff LIMIT $limit"
	return s.queryJobs(ctx, sql, map[string]any{"cutoff": cutoff, "limit": limit})
}

func (s *JobStore) Delete(ctx context.Context, jobID string) error {
	sql := "DELETE $rid"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("job", jobID)}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	return nil
}

func (s *JobStore) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	jobs, err := s.ListBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	sql := "DELETE FROM job WHERE session_id = $session"
	if _, err := surrealdb.Query[any](ctx, s.db, sql, map[string]any{"session": sessionID}); err != nil {
		return 0, fmt.Errorf("failed to delete jobs for session %s: %w", sessionID, err)
	}
	return len(jobs), nil
}

func (s *JobStore) queryJobs(ctx context.Context, sql string, vars map[string]any) ([]*models.Job, error) {
	results, err := surrealdb.Query[[]jobRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	var jobs []*models.Job
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			jobs = append(jobs, (*results)[0].Result[i].toModel())
		}
	}
	return jobs, nil
}

var _ interfaces.JobStore = (*JobStore)(nil)
