package server

import (
	"net/http"
	"strings"
)

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)

	mux.Handle("/api/jobs", sessionMiddleware(http.HandlerFunc(s.handleCreateJobs)))
	mux.Handle("/api/jobs/", sessionMiddleware(http.HandlerFunc(s.routeJobs)))
	mux.Handle("/api/sessions/", sessionMiddleware(http.HandlerFunc(s.routeSessions)))

	workerAuth := workerAuthMiddleware(s.config.Dispatch.OIDCSigningSecret, s.config.Dispatch.WorkerCallbackURL, s.config.Dispatch.EmulationEnabled)
	mux.Handle("/api/tasks/process", workerAuth(http.HandlerFunc(s.handleTaskProcess)))
}

// routeJobs dispatches /api/jobs/{jobId} and /api/jobs/{jobId}/retry.
func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if path == "" {
		WriteError(w, http.StatusNotFound, "not found")
		return
	}

	if strings.HasSuffix(path, "/retry") {
		jobID := strings.TrimSuffix(path, "/retry")
		s.handleRetryJob(w, r, jobID)
		return
	}

	s.handleGetJob(w, r, path)
}

// routeSessions dispatches /api/sessions/{sid}/jobs,
// /api/sessions/{sid}/export.csv, and DELETE /api/sessions/{sid}.
func (s *Server) routeSessions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if path == "" {
		WriteError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case strings.HasSuffix(path, "/jobs"):
		sid := strings.TrimSuffix(path, "/jobs")
		s.handleListSessionJobs(w, r, sid)
	case strings.HasSuffix(path, "/export.csv"):
		sid := strings.TrimSuffix(path, "/export.csv")
		s.handleExportCSV(w, r, sid)
	default:
		s.handleDeleteSession(w, r, path)
	}
}
