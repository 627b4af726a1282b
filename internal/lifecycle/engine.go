// Package lifecycle runs the job state machine: lock acquisition, the
// OCR/sanitizer/LLM stage pipeline, heartbeats, error classification, and
// best-effort cleanup. One Engine instance is shared by every worker
// goroutine; per-job state never outlives a single ProcessJob call.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/extract"
	"github.com/bobmcallan/invoicer/internal/interfaces"
	"github.com/bobmcallan/invoicer/internal/models"
)

// errLockLost signals the forward-only gate rejected a write because
// another worker legitimately took over the job; callers abort silently.
var errLockLost = errors.New("lifecycle: lock no longer held")

// permanentError marks a stage failure that redelivery cannot fix: the
// job's own content or the LLM's output is unrecoverable, not the network
// path to an external provider. process() commits status=failed for these;
// every other non-nil, non-errLockLost error is treated as transient and
// left for the task queue to redeliver with backoff.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

const (
	initialPollBackoff = 2 * time.Second
	maxPollBackoff     = 30 * time.Second
)

// Engine is the lifecycle state-machine engine, implementing
// dispatcher.JobRunner for in-process emulation mode.
type Engine struct {
	store       interfaces.JobStore
	blob        interfaces.BlobGateway
	ocr         interfaces.OCRProvider
	primaryLLM  interfaces.LLMProvider
	fallbackLLM interfaces.LLMProvider
	clock       common.Clock
	logger      *common.Logger
	workerID    string

	lifecycleCfg  common.LifecycleConfig
	ocrCfg        common.OCRConfig
	promptVersion string
}

// New builds an Engine from its collaborators and tuning config.
func New(
	store interfaces.JobStore,
	blob interfaces.BlobGateway,
	ocr interfaces.OCRProvider,
	primaryLLM interfaces.LLMProvider,
	fallbackLLM interfaces.LLMProvider,
	clock common.Clock,
	logger *common.Logger,
	workerID string,
	lifecycleCfg common.LifecycleConfig,
	ocrCfg common.OCRConfig,
	promptVersion string,
) *Engine {
	return &Engine{
		store:         store,
		blob:          blob,
		ocr:           ocr,
		primaryLLM:    primaryLLM,
		fallbackLLM:   fallbackLLM,
		clock:         clock,
		logger:        logger,
		workerID:      workerID,
		lifecycleCfg:  lifecycleCfg,
		ocrCfg:        ocrCfg,
		promptVersion: promptVersion,
	}
}

// ProcessJob runs one lock-acquire-through-terminal attempt at jobID,
// recovering from any panic raised mid-pipeline the way the teacher's
// background job loops guard their own goroutines. It returns a non-nil
// error only for a transient external failure (network/5xx/timeout): the
// caller (the worker HTTP callback, or emulation mode) should treat that as
// "not yet processed" so the task queue's own redelivery mechanism retries.
// A permanent failure is fully handled here (status=failed persisted) and
// reported back as success, since there is nothing left for redelivery to do.
func (e *Engine) ProcessJob(ctx context.Context, jobID, sessionID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("jobId", jobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("recovered from panic processing job")
			err = nil
		}
	}()
	return e.process(ctx, jobID)
}

func (e *Engine) process(ctx context.Context, jobID string) error {
	now := e.clock.Now()
	job, outcome, err := e.store.AcquireLock(ctx, jobID, e.workerID, now, e.lifecycleCfg.StaleThreshold())
	if err != nil {
		e.logger.Error().Str("jobId", jobID).Err(err).Msg("lock acquisition failed")
		return nil
	}
	switch outcome {
	case interfaces.LockNotFound, interfaces.LockTerminalNoop, interfaces.LockContended:
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.lifecycleCfg.GetAttemptBudget())
	defer cancel()

	stopHeartbeat := e.startHeartbeat(ctx, job.JobID)
	defer stopHeartbeat()

	text, ocrQuality, err := e.runOCRStage(ctx, job)
	if err != nil {
		if errors.Is(err, errLockLost) {
			return nil
		}
		if isPermanent(err) {
			e.fail(ctx, job, err)
			return nil
		}
		e.logger.Warn().Str("jobId", job.JobID).Err(err).Msg("ocr stage failed transiently, leaving job for queue redelivery")
		return err
	}

	record, confidence, err := e.runLLMStage(ctx, job, text, ocrQuality)
	if err != nil {
		if errors.Is(err, errLockLost) {
			return nil
		}
		if isPermanent(err) {
			e.fail(ctx, job, err)
			return nil
		}
		e.logger.Warn().Str("jobId", job.JobID).Err(err).Msg("llm stage failed transiently, leaving job for queue redelivery")
		return err
	}

	ok, err := e.store.CompleteSuccess(ctx, job.JobID, e.workerID, record, confidence, e.clock.Now())
	if err != nil {
		e.logger.Error().Str("jobId", job.JobID).Err(err).Msg("failed to persist job completion")
		return nil
	}
	if !ok {
		return nil
	}

	e.cleanupBlob(ctx, job)
	return nil
}

// startHeartbeat launches a goroutine that refreshes heartbeatAt at the
// configured interval for as long as ctx is alive, returning a stop func.
func (e *Engine) startHeartbeat(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().Str("jobId", jobID).Str("panic", fmt.Sprintf("%v", r)).Msg("recovered from panic in heartbeat goroutine")
			}
		}()
		ticker := time.NewTicker(e.lifecycleCfg.GetHeartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := e.store.Heartbeat(ctx, jobID, e.workerID, e.clock.Now()); err != nil {
					e.logger.Warn().Str("jobId", jobID).Err(err).Msg("heartbeat write failed")
				}
			}
		}
	}()
	return func() { close(done) }
}

// runOCRStage extracts raw text from the job's input blob, choosing the
// sync or async tier by page count, and stamps stages.extracting on
// success. ocrQuality is always -1 (unavailable): no wired OCR provider
// reports a per-word confidence signal across both tiers.
func (e *Engine) runOCRStage(ctx context.Context, job *models.Job) (text string, ocrQuality float64, err error) {
	if job.ResultJSON != nil {
		return "", -1, nil
	}

	if job.PageCount <= e.ocrCfg.SyncMaxPages {
		text, err = e.ocr.ExtractSync(ctx, job.BlobPath, e.ocrCfg.RegionalHints)
		if err != nil {
			return "", 0, common.ErrExternalService("ocr sync extraction failed", err)
		}
	} else {
		text, err = e.runAsyncOCR(ctx, job)
		if err != nil {
			return "", 0, err
		}
	}

	ok, err := e.store.StampStage(ctx, job.JobID, e.workerID, "extracting", models.StatusExtracting, e.clock.Now())
	if err != nil {
		return "", 0, err
	}
	if !ok {
		return "", 0, errLockLost
	}

	return text, -1, nil
}

// runAsyncOCR submits (or resumes) a long-running OCR operation, polling
// with exponential backoff bounded by the attempt budget and heartbeating
// on every poll that exceeds the heartbeat interval.
func (e *Engine) runAsyncOCR(ctx context.Context, job *models.Job) (string, error) {
	opName := job.OCROperationName
	if opName == "" {
		outputPrefix := fmt.Sprintf("vision/%s/", job.JobID)
		name, err := e.ocr.SubmitAsync(ctx, job.BlobPath, outputPrefix, e.ocrCfg.RegionalHints)
		if err != nil {
			return "", common.ErrExternalService("ocr async submit failed", err)
		}
		ok, err := e.store.SetOCROperation(ctx, job.JobID, e.workerID, name)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errLockLost
		}
		ok, err = e.store.StampStage(ctx, job.JobID, e.workerID, "extracting", models.StatusExtracting, e.clock.Now())
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errLockLost
		}
		opName = name
	}

	backoff := initialPollBackoff
	lastHeartbeat := e.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		result, err := e.ocr.PollAsync(ctx, opName)
		if err != nil {
			return "", common.ErrExternalService("ocr async poll failed", err)
		}

		if result.Done {
			return e.collectShards(ctx, job, result.ShardPrefix)
		}

		if e.clock.Now().Sub(lastHeartbeat) >= e.lifecycleCfg.GetHeartbeatInterval() {
			if err := e.store.Heartbeat(ctx, job.JobID, e.workerID, e.clock.Now()); err != nil {
				e.logger.Warn().Str("jobId", job.JobID).Err(err).Msg("heartbeat write failed during ocr poll")
			}
			lastHeartbeat = e.clock.Now()
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxPollBackoff {
			backoff = maxPollBackoff
		}
	}
}

// collectShards concatenates an async OCR operation's output shards in
// shard order, deletes them, and clears the operation handle.
func (e *Engine) collectShards(ctx context.Context, job *models.Job, shardPrefix string) (string, error) {
	keys, err := e.blob.List(ctx, shardPrefix)
	if err != nil {
		return "", common.ErrExternalService("failed to list ocr output shards", err)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		data, err := e.blob.Download(ctx, key)
		if err != nil {
			return "", common.ErrExternalService("failed to download ocr shard", err)
		}
		sb.Write(data)
	}

	if err := e.blob.DeletePrefix(ctx, shardPrefix); err != nil {
		e.logger.Warn().Str("jobId", job.JobID).Err(err).Msg("failed to delete ocr output shards")
	}

	ok, err := e.store.ClearOCROperation(ctx, job.JobID, e.workerID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errLockLost
	}

	return sb.String(), nil
}

// runLLMStage sanitizes OCR text, calls the primary LLM (falling back to
// the secondary on error or an unparseable reply), parses the reply, and
// scores confidence.
func (e *Engine) runLLMStage(ctx context.Context, job *models.Job, rawText string, ocrQuality float64) (*models.InvoiceRecord, float64, error) {
	if job.ResultJSON != nil {
		return job.ResultJSON, derefConfidence(job.ConfidenceScore), nil
	}

	sanitized := extract.Sanitize(rawText, extract.SanitizeOptions{
		ZoneStripTop:    e.lifecycleCfg.ZoneStripTop,
		ZoneStripBottom: e.lifecycleCfg.ZoneStripBottom,
		MaxChars:        e.lifecycleCfg.PreprocessMaxChars,
		LinesPerPage:    estimateLinesPerPage(rawText, job.PageCount),
	})

	record, err := e.callLLMWithFallback(ctx, sanitized)
	if err != nil {
		return nil, 0, err
	}

	confidence := extract.Score(record, ocrQuality)

	ok, err := e.store.StampStage(ctx, job.JobID, e.workerID, "llm", models.StatusLLM, e.clock.Now())
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, errLockLost
	}

	return record, confidence, nil
}

// callLLMWithFallback tries the primary LLM, then the fallback on error or
// an unparseable reply. The two fallback failure modes are classified
// differently: the fallback provider's own Extract call erroring out is a
// live network/timeout failure (transient, redelivery may succeed once the
// provider recovers); the fallback replying but the reply not parsing as a
// valid invoice record means neither provider produced a usable result, which
// redelivery cannot fix (permanent).
func (e *Engine) callLLMWithFallback(ctx context.Context, sanitized string) (*models.InvoiceRecord, error) {
	rawReply, err := e.primaryLLM.Extract(ctx, sanitized, e.promptVersion)
	var record *models.InvoiceRecord
	if err == nil {
		record, err = extract.ParseInvoiceReply(rawReply)
	}
	if err == nil {
		return record, nil
	}

	e.logger.Warn().Err(err).Msg("primary LLM extraction failed, falling back")

	rawReply, fbErr := e.fallbackLLM.Extract(ctx, sanitized, e.promptVersion)
	if fbErr != nil {
		return nil, common.ErrExternalService("both primary and fallback LLM extraction failed", fbErr)
	}
	record, err = extract.ParseInvoiceReply(rawReply)
	if err != nil {
		return nil, permanent(common.ErrExternalService("fallback LLM reply failed to parse", err))
	}
	return record, nil
}

func (e *Engine) fail(ctx context.Context, job *models.Job, failErr error) {
	e.logger.Warn().Str("jobId", job.JobID).Err(failErr).Msg("job processing failed")
	if _, err := e.store.Fail(ctx, job.JobID, e.workerID, failErr.Error(), e.clock.Now()); err != nil {
		e.logger.Error().Str("jobId", job.JobID).Err(err).Msg("failed to persist job failure")
	}
}

// cleanupBlob best-effort deletes the input blob after a successful
// completion; a failure here never regresses job status.
func (e *Engine) cleanupBlob(ctx context.Context, job *models.Job) {
	if job.BlobPath == "" {
		return
	}
	if err := e.blob.Delete(ctx, job.BlobPath); err != nil {
		e.logger.Warn().Str("jobId", job.JobID).Err(err).Msg("best-effort input blob cleanup failed")
	}
}

func derefConfidence(score *float64) float64 {
	if score == nil {
		return 0
	}
	return *score
}

// estimateLinesPerPage approximates a per-page line count from a single
// concatenated OCR text blob, since the OCR provider contract returns text
// already joined across pages rather than a per-page split.
func estimateLinesPerPage(text string, pageCount int) int {
	if pageCount <= 0 {
		return 0
	}
	lines := strings.Count(text, "\n") + 1
	return lines / pageCount
}
