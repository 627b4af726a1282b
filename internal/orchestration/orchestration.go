// Package orchestration implements the facade the HTTP adapters call into:
// upload intake validation, retry, listing, CSV export, and session
// deletion. It is the glue between the rate limiter, blob gateway, job
// store, and task dispatcher.
package orchestration

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bobmcallan/invoicer/internal/clients/pdfutil"
	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/interfaces"
	"github.com/bobmcallan/invoicer/internal/models"
	"github.com/bobmcallan/invoicer/internal/ratelimit"
)

// Orchestrator implements interfaces.Orchestrator.
type Orchestrator struct {
	store      interfaces.JobStore
	blob       interfaces.BlobGateway
	dispatcher interfaces.TaskDispatcher
	limiter    *ratelimit.Limiter
	clock      common.Clock
	logger     *common.Logger

	intakeCfg    common.IntakeConfig
	lifecycleCfg common.LifecycleConfig

	// countPages defaults to pdfutil.CountPages; overridable in tests so
	// validation logic can be exercised without a byte-exact PDF fixture.
	countPages func([]byte) (int, error)
}

// New builds an Orchestrator from its collaborators and tuning config.
func New(
	store interfaces.JobStore,
	blob interfaces.BlobGateway,
	dispatcher interfaces.TaskDispatcher,
	limiter *ratelimit.Limiter,
	clock common.Clock,
	logger *common.Logger,
	intakeCfg common.IntakeConfig,
	lifecycleCfg common.LifecycleConfig,
) *Orchestrator {
	return &Orchestrator{
		store:        store,
		blob:         blob,
		dispatcher:   dispatcher,
		limiter:      limiter,
		clock:        clock,
		logger:       logger,
		intakeCfg:    intakeCfg,
		lifecycleCfg: lifecycleCfg,
		countPages:   pdfutil.CountPages,
	}
}

func (o *Orchestrator) limits() interfaces.Limits {
	return interfaces.Limits{
		MaxFiles:     o.intakeCfg.MaxFiles,
		MaxSizeMB:    o.intakeCfg.MaxSizeMB,
		MaxPages:     o.intakeCfg.MaxPages,
		AcceptedMime: o.intakeCfg.AcceptedMime,
	}
}

// CreateUploadJobs validates, rate-limits, and persists one job per
// accepted file, then dispatches each for processing. When
// intake.PartialAccept is false, any single invalid file rejects the whole
// batch before anything is uploaded or persisted; when true, invalid files
// are reported per-file and valid files proceed.
func (o *Orchestrator) CreateUploadJobs(ctx context.Context, sessionID string, files []interfaces.UploadedFile, clientIP string) (*interfaces.UploadResult, error) {
	if err := o.limiter.AllowIP(ctx, clientIP); err != nil {
		return nil, err
	}
	if err := o.limiter.Allow(ctx, sessionID, ratelimit.ActionCreateUploadJobs); err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, common.ErrFileValidation("no files provided")
	}
	if len(files) > o.intakeCfg.MaxFiles {
		return nil, common.ErrFileValidation(fmt.Sprintf("too many files: max %d, got %d", o.intakeCfg.MaxFiles, len(files)))
	}

	pageCounts := make([]int, len(files))
	if !o.intakeCfg.PartialAccept {
		for i, f := range files {
			pc, err := o.validateFile(f)
			if err != nil {
				return nil, err
			}
			pageCounts[i] = pc
		}
	}

	results := make([]interfaces.UploadFileResult, 0, len(files))
	emulatedAny := false

	for i, f := range files {
		if err := o.limiter.Allow(ctx, sessionID, ratelimit.ActionUploadFile); err != nil {
			msg := err.Error()
			results = append(results, interfaces.UploadFileResult{Filename: f.Filename, Error: &msg})
			continue
		}

		pageCount := pageCounts[i]
		if o.intakeCfg.PartialAccept {
			pc, err := o.validateFile(f)
			if err != nil {
				msg := err.Error()
				results = append(results, interfaces.UploadFileResult{Filename: f.Filename, Error: &msg})
				continue
			}
			pageCount = pc
		}

		jobID, emulated, err := o.createOneJob(ctx, sessionID, f, pageCount)
		if err != nil {
			msg := err.Error()
			results = append(results, interfaces.UploadFileResult{Filename: f.Filename, Error: &msg})
			continue
		}
		if emulated {
			emulatedAny = true
		}
		results = append(results, interfaces.UploadFileResult{Filename: f.Filename, JobID: jobID})
	}

	result := &interfaces.UploadResult{
		SessionID: sessionID,
		Jobs:      results,
		Limits:    o.limits(),
	}
	if emulatedAny {
		result.Note = "emulation mode: jobs are processed in-process, not via a task queue"
	}
	return result, nil
}

// validateFile checks MIME, size, and page count against intake config and
// returns the file's page count on success.
func (o *Orchestrator) validateFile(f interfaces.UploadedFile) (int, error) {
	if !looksLikePDF(f.Data) {
		return 0, common.ErrFileValidation(fmt.Sprintf("%s: unsupported file type, expected application/pdf", f.Filename))
	}
	if int64(len(f.Data)) > o.intakeCfg.MaxSizeBytes() {
		return 0, common.ErrPayloadTooLarge(fmt.Sprintf("%s: exceeds max size of %d MB", f.Filename, o.intakeCfg.MaxSizeMB))
	}
	pageCount, err := o.countPages(f.Data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", f.Filename, err)
	}
	if pageCount > o.intakeCfg.MaxPages {
		return 0, common.ErrFileValidation(fmt.Sprintf("%s: exceeds max page count of %d", f.Filename, o.intakeCfg.MaxPages))
	}
	return pageCount, nil
}

// looksLikePDF checks the PDF magic header, the cheap front-line check
// before the full parse in pdfutil.CountPages rejects anything malformed.
func looksLikePDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// createOneJob uploads the file's bytes, creates the job record, and
// dispatches it for processing.
func (o *Orchestrator) createOneJob(ctx context.Context, sessionID string, f interfaces.UploadedFile, pageCount int) (jobID string, emulated bool, err error) {
	jobID = common.NewJobID()
	blobPath := fmt.Sprintf("uploads/%s/%s.pdf", sessionID, jobID)

	if err := o.blob.Upload(ctx, blobPath, f.Data, "application/pdf"); err != nil {
		return "", false, common.ErrExternalService("failed to upload input blob", err)
	}

	now := o.clock.Now()
	job := &models.Job{
		JobID:     jobID,
		SessionID: sessionID,
		Filename:  f.Filename,
		SizeBytes: int64(len(f.Data)),
		PageCount: pageCount,
		BlobPath:  blobPath,
		Status:    models.StatusUploaded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	job.StampStage("uploaded", now)

	if err := o.store.Create(ctx, job); err != nil {
		_ = o.blob.Delete(ctx, blobPath)
		return "", false, common.ErrExternalService("failed to persist job record", err)
	}

	emulated, err = o.dispatcher.Dispatch(ctx, jobID, sessionID)
	if err != nil {
		o.logger.Warn().Err(err).Str("jobId", jobID).Msg("dispatch failed, job remains uploaded for later retry")
		return jobID, emulated, nil
	}

	if err := o.store.MarkQueued(ctx, jobID, o.clock.Now()); err != nil {
		o.logger.Warn().Err(err).Str("jobId", jobID).Msg("failed to mark job queued after successful dispatch")
	}

	return jobID, emulated, nil
}

// RetryJob re-queues a failed job: 404 if unknown or owned by another
// session, 409 if the input blob is gone (re-upload required), 429 if the
// manual retry cap is exceeded.
func (o *Orchestrator) RetryJob(ctx context.Context, jobID, sessionID string) (*models.Job, error) {
	if err := o.limiter.Allow(ctx, sessionID, ratelimit.ActionRetry); err != nil {
		return nil, err
	}

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, common.ErrExternalService("failed to read job", err)
	}
	if job == nil {
		return nil, common.ErrNotFound("job not found")
	}
	if job.SessionID != sessionID {
		return nil, common.ErrNotFound("job not found")
	}

	exists, err := o.blob.Exists(ctx, job.BlobPath)
	if err != nil {
		return nil, common.ErrExternalService("failed to check input blob", err)
	}
	if !exists {
		return nil, common.ErrConflict("input file no longer available, re-upload required")
	}

	updated, err := o.store.ResetForRetry(ctx, jobID, sessionID, o.lifecycleCfg.MaxManualRetries, o.clock.Now())
	if err != nil {
		return nil, err
	}

	if _, dispatchErr := o.dispatcher.Dispatch(ctx, jobID, sessionID); dispatchErr != nil {
		o.logger.Warn().Err(dispatchErr).Str("jobId", jobID).Msg("retry dispatch failed, job remains queued for later pickup")
		return updated, nil
	}

	if err := o.store.MarkQueued(ctx, jobID, o.clock.Now()); err != nil {
		o.logger.Warn().Err(err).Str("jobId", jobID).Msg("failed to mark retried job queued")
	}

	return updated, nil
}

// GetJob fetches a single job by ID. It does not check session ownership;
// the HTTP handler compares the job's session with the caller's.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return nil, common.ErrExternalService("failed to read job", err)
	}
	if job == nil {
		return nil, common.ErrNotFound("job not found")
	}
	return job, nil
}

// ListSessionJobs returns the lightweight list-view projection of every job
// in a session, most recent first.
func (o *Orchestrator) ListSessionJobs(ctx context.Context, sessionID string) ([]models.JobSummary, error) {
	jobs, err := o.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, common.ErrExternalService("failed to list session jobs", err)
	}
	summaries := make([]models.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		summaries = append(summaries, j.Summarize(o.lifecycleCfg.LowConfidenceThreshold))
	}
	return summaries, nil
}

// DeleteSessionData removes every job (and its blob, best-effort) for a
// session, returning the number of jobs deleted. Idempotent: deleting an
// empty or already-deleted session returns 0, not an error.
func (o *Orchestrator) DeleteSessionData(ctx context.Context, sessionID string) (int, error) {
	jobs, err := o.store.ListBySession(ctx, sessionID)
	if err != nil {
		return 0, common.ErrExternalService("failed to list session jobs for deletion", err)
	}
	for _, j := range jobs {
		if err := o.blob.Delete(ctx, j.BlobPath); err != nil {
			o.logger.Warn().Err(err).Str("jobId", j.JobID).Msg("failed to delete input blob during session deletion")
		}
	}
	count, err := o.store.DeleteBySession(ctx, sessionID)
	if err != nil {
		return 0, common.ErrExternalService("failed to delete session job records", err)
	}
	return count, nil
}

// Diagnostics reports in-process counters for the read-only diagnostics
// endpoint. Never errors: a counter snapshot has no failure mode.
func (o *Orchestrator) Diagnostics(ctx context.Context) interfaces.Diagnostics {
	return interfaces.Diagnostics{
		RateLimiterFailOpenCount: o.limiter.Stats().FailOpenCount,
	}
}
