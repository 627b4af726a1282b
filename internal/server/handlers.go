package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/interfaces"
)

// handleHealthz reports liveness. Never session-scoped: used by
// load-balancer/orchestrator probes that don't carry a session identity.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   s.clock.Now().UTC(),
	})
}

// handleConfig echoes the upload limits the client needs to render
// constraints before the user picks files. Not session-scoped: a client
// fetches this once, before a session identity is even assigned.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, interfaces.Limits{
		MaxFiles:     s.config.Intake.MaxFiles,
		MaxSizeMB:    s.config.Intake.MaxSizeMB,
		MaxPages:     s.config.Intake.MaxPages,
		AcceptedMime: s.config.Intake.AcceptedMime,
	})
}

// handleCreateJobs accepts a multipart upload of one or more PDFs and
// creates a job per file.
func (s *Server) handleCreateJobs(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	sessionID := sessionIDFromContext(r.Context())

	maxBody := s.config.Intake.MaxSizeBytes()*int64(s.config.Intake.MaxFiles) + (1 << 20)
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := r.ParseMultipartForm(s.config.Intake.MaxSizeBytes()); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid multipart upload: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	fileHeaders := r.MultipartForm.File["files"]
	if len(fileHeaders) == 0 {
		WriteError(w, http.StatusBadRequest, "at least one file is required under the \"files\" field")
		return
	}

	files := make([]interfaces.UploadedFile, 0, len(fileHeaders))
	for _, fh := range fileHeaders {
		f, err := fh.Open()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "could not read uploaded file "+fh.Filename)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "could not read uploaded file "+fh.Filename)
			return
		}
		files = append(files, interfaces.UploadedFile{Filename: fh.Filename, Data: data})
	}

	result, err := s.orchestrator.CreateUploadJobs(r.Context(), sessionID, files, clientIP(r))
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, result)
}

// handleGetJob returns a single job's full detail. Jobs belong to the
// session that created them: a session ID mismatch reads as not-found
// rather than forbidden, so a probing client learns nothing about jobs
// outside its own session.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	sessionID := sessionIDFromContext(r.Context())

	job, err := s.orchestrator.GetJob(r.Context(), jobID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	if job.SessionID != sessionID {
		WriteAppError(w, common.ErrNotFound("job not found"))
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// handleRetryJob re-queues a failed job; a job in any other status is
// rejected with 409.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	sessionID := sessionIDFromContext(r.Context())

	job, err := s.orchestrator.RetryJob(r.Context(), jobID, sessionID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  job.JobID,
		"status": job.Status,
	})
}

// handleListSessionJobs lists every job belonging to a session. The path
// segment must match the caller's own X-Session-Id: a session can only
// ever list its own jobs.
func (s *Server) handleListSessionJobs(w http.ResponseWriter, r *http.Request, pathSessionID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	sessionID := sessionIDFromContext(r.Context())
	if pathSessionID != sessionID {
		WriteAppError(w, common.ErrNotFound("session not found"))
		return
	}

	jobs, err := s.orchestrator.ListSessionJobs(r.Context(), sessionID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"jobs":      jobs,
	})
}

// handleExportCSV streams the session's completed invoice data as CSV.
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request, pathSessionID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	sessionID := sessionIDFromContext(r.Context())
	if pathSessionID != sessionID {
		WriteAppError(w, common.ErrNotFound("session not found"))
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"invoices.csv\"")
	if err := s.orchestrator.WriteSessionJobsCSV(r.Context(), sessionID, w); err != nil {
		s.logger.Error().Err(err).Str("sessionId", sessionID).Msg("CSV export failed mid-stream")
	}
}

// handleDeleteSession purges all jobs and uploaded blobs for a session.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, pathSessionID string) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}
	sessionID := sessionIDFromContext(r.Context())
	if pathSessionID != sessionID {
		WriteAppError(w, common.ErrNotFound("session not found"))
		return
	}

	deleted, err := s.orchestrator.DeleteSessionData(r.Context(), sessionID)
	if err != nil {
		WriteAppError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sessionID,
		"deleted":   deleted,
	})
}

// taskProcessRequest is the worker-callback body the dispatcher posts
// after pulling a task off the queue.
type taskProcessRequest struct {
	JobID     string `json:"jobId"`
	SessionID string `json:"sessionId"`
}

// handleTaskProcess drives a single job through the lifecycle engine. It
// is idempotent: a job already past the processing stage (a redelivered
// or duplicate task) is a 200 no-op rather than an error, since the
// dispatcher retries on anything but a clean 2xx. A transient external
// failure (OCR/LLM provider down, timeout) is reported as 503 rather than
// 200: the dispatcher's own redelivery mechanism is the retry path, so the
// job is deliberately left untouched rather than marked failed.
func (s *Server) handleTaskProcess(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req taskProcessRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.JobID == "" || req.SessionID == "" {
		WriteError(w, http.StatusBadRequest, "jobId and sessionId are required")
		return
	}

	if err := s.runner.ProcessJob(r.Context(), req.JobID, req.SessionID); err != nil {
		s.logger.Warn().Str("jobId", req.JobID).Err(err).Msg("task processing failed transiently; signaling for redelivery")
		WriteError(w, http.StatusServiceUnavailable, "job processing failed transiently, retry via redelivery")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"jobId": req.JobID, "status": "processed"})
}

// handleDiagnostics reports read-only in-process counters: rate-limiter
// fail-open count and process uptime. Not session-scoped — an operator
// endpoint, not a client-facing one.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	diag := s.orchestrator.Diagnostics(r.Context())
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"rateLimiterFailOpenCount": diag.RateLimiterFailOpenCount,
		"uptimeSeconds":            s.clock.Now().Sub(s.startedAt).Seconds(),
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		return host[:idx]
	}
	return host
}
