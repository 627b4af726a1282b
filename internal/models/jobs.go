package models

import "time"

// Job status constants, enumerated and monotonic except for controlled retry.
const (
	StatusUploaded   = "uploaded"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusExtracting = "extracting"
	StatusLLM        = "llm"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// statusOrder gives each status its position in the forward progression,
// exposed through StatusRank.
var statusOrder = map[string]int{
	StatusUploaded:   0,
	StatusQueued:     1,
	StatusProcessing: 2,
	StatusExtracting: 3,
	StatusLLM:        4,
	StatusDone:       5,
	StatusFailed:     5, // terminal, not "beyond" done in the ordering sense
}

// StatusRank returns a status's position in the forward progression, or -1
// for an unrecognized status.
func StatusRank(status string) int {
	rank, ok := statusOrder[status]
	if !ok {
		return -1
	}
	return rank
}

// IsTerminal reports whether status is one of the two terminal states.
func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusFailed
}

// ProcessingLock grants exclusive write rights to a worker for a bounded
// time, refreshed by heartbeat. Present iff a worker claims to be actively
// executing the job.
type ProcessingLock struct {
	LockedBy string    `json:"lockedBy"`
	LockedAt time.Time `json:"lockedAt"`
}

// AttemptMarker is one entry in a job's attempt history. No code appends
// to Job.AttemptHistory, and LifecycleConfig.EnableAttemptHistory is not
// read, so the history stays empty.
type AttemptMarker struct {
	Attempt int       `json:"attempt"`
	Stage   string     `json:"stage"`
	At      time.Time `json:"at"`
}

// Job is the central aggregate: one PDF's processing lifecycle.
type Job struct {
	JobID     string `json:"jobId"`
	SessionID string `json:"sessionId"`

	Filename  string `json:"filename"`
	SizeBytes int64  `json:"sizeBytes"`
	PageCount int    `json:"pageCount"`
	BlobPath  string `json:"blobPath"`

	Status string `json:"status"`

	// Stages maps stage name to the wall-clock ISO timestamp it was first
	// reached. Append-only: never overwritten once set.
	Stages map[string]time.Time `json:"stages"`

	ProcessingLock *ProcessingLock `json:"processingLock,omitempty"`
	// WorkerID mirrors ProcessingLock.LockedBy as its own projected field so
	// list/export queries don't need to unpack the lock struct.
	WorkerID string `json:"workerId,omitempty"`

	Attempt       int `json:"attempt"`
	ManualRetries int `json:"manualRetries"`

	OCROperationName string `json:"ocrOperationName,omitempty"`

	ResultJSON      *InvoiceRecord `json:"resultJson,omitempty"`
	ConfidenceScore *float64       `json:"confidenceScore,omitempty"`

	Error string `json:"error,omitempty"`

	HeartbeatAt time.Time `json:"heartbeatAt,omitempty"`

	AttemptHistory []AttemptMarker `json:"attemptHistory,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LivenessAt returns max(lockedAt, heartbeatAt), the timestamp the stale-lock
// check compares against the stale threshold.
func (j *Job) LivenessAt() time.Time {
	if j.ProcessingLock == nil {
		return time.Time{}
	}
	if j.HeartbeatAt.After(j.ProcessingLock.LockedAt) {
		return j.HeartbeatAt
	}
	return j.ProcessingLock.LockedAt
}

// IsLockStale reports whether the current lock's liveness timestamp is older
// than staleThreshold as of now.
func (j *Job) IsLockStale(now time.Time, staleThreshold time.Duration) bool {
	if j.ProcessingLock == nil {
		return false
	}
	return now.Sub(j.LivenessAt()) > staleThreshold
}

// StampStage records stage at t if it has not already been recorded
// (write-once per invariant 3).
func (j *Job) StampStage(stage string, t time.Time) {
	if j.Stages == nil {
		j.Stages = make(map[string]time.Time)
	}
	if _, ok := j.Stages[stage]; !ok {
		j.Stages[stage] = t
	}
}

// LowConfidence reports whether the job's confidence score is below
// threshold. Returns false for jobs with no score yet.
func (j *Job) LowConfidence(threshold float64) bool {
	if j.ConfidenceScore == nil {
		return false
	}
	return *j.ConfidenceScore < threshold
}

// JobSummary is the lightweight projection returned by listSessionJobs and
// embedded in the upload response — avoids shipping the full result payload
// and stage map for list views.
type JobSummary struct {
	JobID           string   `json:"jobId"`
	Filename        string   `json:"filename"`
	Status          string   `json:"status"`
	ConfidenceScore *float64 `json:"confidenceScore,omitempty"`
	LowConfidence   bool     `json:"lowConfidence"`
	Error           string   `json:"error,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Summarize projects a Job into its lightweight list-view shape.
func (j *Job) Summarize(lowConfidenceThreshold float64) JobSummary {
	return JobSummary{
		JobID:           j.JobID,
		Filename:        j.Filename,
		Status:          j.Status,
		ConfidenceScore: j.ConfidenceScore,
		LowConfidence:   j.LowConfidence(lowConfidenceThreshold),
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
	}
}

// JobEvent describes a job lifecycle state change. No code in this service
// constructs or broadcasts one.
type JobEvent struct {
	Type      string    `json:"type"` // "job_queued", "job_processing", "job_done", "job_failed"
	Job       *Job      `json:"job"`
	Timestamp time.Time `json:"timestamp"`
}
