package interfaces

import (
	"context"
	"io"

	"github.com/bobmcallan/invoicer/internal/models"
)

// UploadFileResult is the per-file outcome of createUploadJobs, one entry
// per uploaded file regardless of whether the request was accepted
// partially or rejected wholesale.
type UploadFileResult struct {
	Filename string  `json:"filename"`
	JobID    string  `json:"jobId,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// Limits is the subset of intake configuration a client needs to render
// upload constraints, echoed back on every createUploadJobs response.
type Limits struct {
	MaxFiles     int      `json:"maxFiles"`
	MaxSizeMB    int      `json:"maxSizeMb"`
	MaxPages     int      `json:"maxPages"`
	AcceptedMime []string `json:"acceptedMime"`
}

// UploadResult is the response shape for createUploadJobs.
type UploadResult struct {
	SessionID string              `json:"sessionId"`
	Jobs      []UploadFileResult  `json:"jobs"`
	Limits    Limits              `json:"limits"`
	Note      string              `json:"note,omitempty"`
}

// UploadedFile is one intake candidate: raw bytes plus client-reported
// metadata, already separated from HTTP multipart framing by the server
// adapter.
type UploadedFile struct {
	Filename string
	Data     []byte
}

// Diagnostics reports in-process counters for the read-only diagnostics
// endpoint. Never used to gate a decision — informational only.
type Diagnostics struct {
	RateLimiterFailOpenCount int64 `json:"rateLimiterFailOpenCount"`
}

// Orchestrator is the facade the HTTP adapters call into: upload intake,
// retry, listing, CSV export, and session deletion.
type Orchestrator interface {
	CreateUploadJobs(ctx context.Context, sessionID string, files []UploadedFile, clientIP string) (*UploadResult, error)
	RetryJob(ctx context.Context, jobID, sessionID string) (*models.Job, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListSessionJobs(ctx context.Context, sessionID string) ([]models.JobSummary, error)
	WriteSessionJobsCSV(ctx context.Context, sessionID string, w io.Writer) error
	DeleteSessionData(ctx context.Context, sessionID string) (int, error)
	Diagnostics(ctx context.Context) Diagnostics
}
