package orchestration

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/interfaces"
	"github.com/bobmcallan/invoicer/internal/models"
	"github.com/bobmcallan/invoicer/internal/ratelimit"
)

// minimalPDF only needs to pass the magic-header sniff; the real
// page-count parse is stubbed out via Orchestrator.countPages in tests.
var minimalPDF = []byte("%PDF-1.4\n%%EOF")

type fakeJobStore struct {
	jobs        map[string]*models.Job
	createErr   error
	markQueued  []string
	resetErr    error
	deleteCount int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[string]*models.Job{}}
}

func (f *fakeJobStore) Create(ctx context.Context, job *models.Job) error {
	if f.createErr != nil {
		return f.createErr
	}
	cp := *job
	f.jobs[job.JobID] = &cp
	return nil
}

func (f *fakeJobStore) Get(ctx context.Context, jobID string) (*models.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return j, nil
}

func (f *fakeJobStore) AcquireLock(ctx context.Context, jobID, workerID string, now time.Time, staleThreshold time.Duration) (*models.Job, interfaces.LockOutcome, error) {
	return nil, interfaces.LockNotFound, nil
}
func (f *fakeJobStore) Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) error {
	return nil
}
func (f *fakeJobStore) StampStage(ctx context.Context, jobID, workerID, stage, status string, at time.Time) (bool, error) {
	return true, nil
}
func (f *fakeJobStore) SetOCROperation(ctx context.Context, jobID, workerID, operationName string) (bool, error) {
	return true, nil
}
func (f *fakeJobStore) ClearOCROperation(ctx context.Context, jobID, workerID string) (bool, error) {
	return true, nil
}
func (f *fakeJobStore) CompleteSuccess(ctx context.Context, jobID, workerID string, result *models.InvoiceRecord, confidence float64, now time.Time) (bool, error) {
	return true, nil
}
func (f *fakeJobStore) Fail(ctx context.Context, jobID, workerID, errMessage string, now time.Time) (bool, error) {
	return true, nil
}
func (f *fakeJobStore) MarkQueued(ctx context.Context, jobID string, now time.Time) error {
	f.markQueued = append(f.markQueued, jobID)
	if j, ok := f.jobs[jobID]; ok {
		j.Status = models.StatusQueued
	}
	return nil
}
func (f *fakeJobStore) ResetForRetry(ctx context.Context, jobID, sessionID string, maxManualRetries int, now time.Time) (*models.Job, error) {
	if f.resetErr != nil {
		return nil, f.resetErr
	}
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, common.ErrNotFound("job not found")
	}
	if j.SessionID != sessionID {
		return nil, common.ErrNotFound("job not found")
	}
	if j.ManualRetries >= maxManualRetries {
		return nil, common.ErrRateLimit("manual retry limit exceeded", 0, 0)
	}
	j.ManualRetries++
	j.Status = models.StatusQueued
	j.Error = ""
	return j, nil
}
func (f *fakeJobStore) ListBySession(ctx context.Context, sessionID string) ([]*models.Job, error) {
	var out []*models.Job
	for _, j := range f.jobs {
		if j.SessionID == sessionID {
			out = append(out, j)
		}
	}
	return out, nil
}
func (f *fakeJobStore) ListDoneBySession(ctx context.Context, sessionID string) ([]*models.Job, error) {
	var out []*models.Job
	for _, j := range f.jobs {
		if j.SessionID == sessionID && j.Status == models.StatusDone {
			out = append(out, j)
		}
	}
	return out, nil
}
func (f *fakeJobStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) Delete(ctx context.Context, jobID string) error {
	delete(f.jobs, jobID)
	return nil
}
func (f *fakeJobStore) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	n := 0
	for id, j := range f.jobs {
		if j.SessionID == sessionID {
			delete(f.jobs, id)
			f.deleteCount++
			n++
		}
	}
	return n, nil
}

type fakeBlob struct {
	uploaded map[string][]byte
	missing  map[string]bool
	deleted  []string
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{uploaded: map[string][]byte{}, missing: map[string]bool{}}
}

func (f *fakeBlob) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	f.uploaded[path] = data
	return nil
}
func (f *fakeBlob) Download(ctx context.Context, path string) ([]byte, error) {
	return f.uploaded[path], nil
}
func (f *fakeBlob) Exists(ctx context.Context, path string) (bool, error) {
	if f.missing[path] {
		return false, nil
	}
	_, ok := f.uploaded[path]
	return ok, nil
}
func (f *fakeBlob) Delete(ctx context.Context, path string) error {
	f.deleted = append(f.deleted, path)
	delete(f.uploaded, path)
	return nil
}
func (f *fakeBlob) List(ctx context.Context, prefix string) ([]string, error) { return nil, nil }
func (f *fakeBlob) DeletePrefix(ctx context.Context, prefix string) error     { return nil }

type fakeDispatcher struct {
	emulated bool
	err      error
	calls    int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, jobID, sessionID string) (bool, error) {
	f.calls++
	return f.emulated, f.err
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type rlStore struct{}

func (rlStore) ConsumeBucket(ctx context.Context, key string, rate, burst, cost float64, now time.Time) (bool, float64, error) {
	return true, 0, nil
}
func (rlStore) IncrementDaily(ctx context.Context, key string, dayKey int64, limit int) (bool, error) {
	return true, nil
}

func testOrchestrator(t *testing.T) (*Orchestrator, *fakeJobStore, *fakeBlob, *fakeDispatcher) {
	t.Helper()
	store := newFakeJobStore()
	blob := newFakeBlob()
	dispatcher := &fakeDispatcher{emulated: true}
	limiter := ratelimit.New(rlStore{}, fixedClock{t: time.Now()}, common.NewSilentLogger(), common.RateLimitConfig{
		CreateJobsRate: 100, CreateJobsBurst: 100,
		UploadFileRate: 100, UploadFileBurst: 100,
		RetryRate: 100, RetryBurst: 100,
		DailyPerSession: 1000, DailyGlobal: 100000,
	})
	o := New(store, blob, dispatcher, limiter, fixedClock{t: time.Now()}, common.NewSilentLogger(),
		common.IntakeConfig{MaxFiles: 5, MaxSizeMB: 20, MaxPages: 50, AcceptedMime: []string{"application/pdf"}, PartialAccept: true},
		common.LifecycleConfig{MaxManualRetries: 2, LowConfidenceThreshold: 0.5},
	)
	o.countPages = func(data []byte) (int, error) { return 1, nil }
	return o, store, blob, dispatcher
}

func TestCreateUploadJobs_AcceptsValidFile(t *testing.T) {
	o, store, blob, dispatcher := testOrchestrator(t)

	result, err := o.CreateUploadJobs(context.Background(), "sess-1", []interfaces.UploadedFile{
		{Filename: "invoice.pdf", Data: minimalPDF},
	}, "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Jobs) != 1 || result.Jobs[0].Error != nil {
		t.Fatalf("expected one accepted job, got %+v", result.Jobs)
	}
	if result.Note == "" {
		t.Error("expected emulation note when dispatcher reports emulated=true")
	}
	if dispatcher.calls != 1 {
		t.Errorf("expected dispatcher called once, got %d", dispatcher.calls)
	}
	if len(store.markQueued) != 1 {
		t.Errorf("expected job marked queued after dispatch, got %v", store.markQueued)
	}
	if len(blob.uploaded) != 1 {
		t.Errorf("expected one blob uploaded, got %d", len(blob.uploaded))
	}
}

func TestCreateUploadJobs_PartialAcceptReportsPerFileErrors(t *testing.T) {
	o, _, _, _ := testOrchestrator(t)

	result, err := o.CreateUploadJobs(context.Background(), "sess-1", []interfaces.UploadedFile{
		{Filename: "good.pdf", Data: minimalPDF},
		{Filename: "bad.txt", Data: []byte("not a pdf")},
	}, "10.0.0.1")
	if err != nil {
		t.Fatalf("unexpected batch-level error with partialAccept: %v", err)
	}
	if len(result.Jobs) != 2 {
		t.Fatalf("expected 2 results, got %d", len(result.Jobs))
	}
	if result.Jobs[0].Error != nil {
		t.Errorf("expected good.pdf accepted, got error %v", result.Jobs[0].Error)
	}
	if result.Jobs[1].Error == nil {
		t.Error("expected bad.txt to report a per-file error")
	}
}

func TestCreateUploadJobs_RejectsWholeBatchWhenPartialAcceptDisabled(t *testing.T) {
	o, _, _, _ := testOrchestrator(t)
	o.intakeCfg.PartialAccept = false

	_, err := o.CreateUploadJobs(context.Background(), "sess-1", []interfaces.UploadedFile{
		{Filename: "good.pdf", Data: minimalPDF},
		{Filename: "bad.txt", Data: []byte("not a pdf")},
	}, "10.0.0.1")
	if err == nil {
		t.Fatal("expected whole-batch rejection when partialAccept is false")
	}
	appErr := common.AsAppError(err)
	if appErr.Code != common.CodeFileValidation {
		t.Errorf("expected fileValidation error, got %v", appErr.Code)
	}
}

func TestRetryJob_Succeeds(t *testing.T) {
	o, store, blob, dispatcher := testOrchestrator(t)
	store.jobs["job-1"] = &models.Job{JobID: "job-1", SessionID: "sess-1", BlobPath: "uploads/sess-1/job-1.pdf", Status: models.StatusFailed}
	blob.uploaded["uploads/sess-1/job-1.pdf"] = minimalPDF

	job, err := o.RetryJob(context.Background(), "job-1", "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != models.StatusQueued {
		t.Errorf("expected status queued after retry, got %s", job.Status)
	}
	if dispatcher.calls != 1 {
		t.Errorf("expected dispatch called once, got %d", dispatcher.calls)
	}
}

func TestRetryJob_MissingBlobReturnsConflict(t *testing.T) {
	o, store, blob, _ := testOrchestrator(t)
	store.jobs["job-1"] = &models.Job{JobID: "job-1", SessionID: "sess-1", BlobPath: "uploads/sess-1/job-1.pdf", Status: models.StatusFailed}
	blob.missing["uploads/sess-1/job-1.pdf"] = true

	_, err := o.RetryJob(context.Background(), "job-1", "sess-1")
	appErr := common.AsAppError(err)
	if appErr == nil || appErr.Code != common.CodeConflict {
		t.Fatalf("expected conflict error for missing blob, got %v", err)
	}
}

func TestRetryJob_AtCapReturnsRateLimit(t *testing.T) {
	o, store, blob, _ := testOrchestrator(t)
	store.jobs["job-1"] = &models.Job{JobID: "job-1", SessionID: "sess-1", BlobPath: "uploads/sess-1/job-1.pdf", Status: models.StatusFailed, ManualRetries: 2}
	blob.uploaded["uploads/sess-1/job-1.pdf"] = minimalPDF

	_, err := o.RetryJob(context.Background(), "job-1", "sess-1")
	appErr := common.AsAppError(err)
	if appErr == nil || appErr.Code != common.CodeRateLimit {
		t.Fatalf("expected rateLimit error at retry cap, got %v", err)
	}
}

func TestRetryJob_UnknownJobReturnsNotFound(t *testing.T) {
	o, _, _, _ := testOrchestrator(t)
	_, err := o.RetryJob(context.Background(), "missing-job", "sess-1")
	appErr := common.AsAppError(err)
	if appErr == nil || appErr.Code != common.CodeNotFound {
		t.Fatalf("expected notFound error, got %v", err)
	}
}

func TestListSessionJobs_ProjectsSummaries(t *testing.T) {
	o, store, _, _ := testOrchestrator(t)
	low := 0.2
	store.jobs["job-1"] = &models.Job{JobID: "job-1", SessionID: "sess-1", Filename: "a.pdf", Status: models.StatusDone, ConfidenceScore: &low}

	summaries, err := o.ListSessionJobs(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summaries) != 1 || !summaries[0].LowConfidence {
		t.Fatalf("expected one low-confidence summary, got %+v", summaries)
	}
}

func TestDeleteSessionData_DeletesJobsAndBlobs(t *testing.T) {
	o, store, blob, _ := testOrchestrator(t)
	store.jobs["job-1"] = &models.Job{JobID: "job-1", SessionID: "sess-1", BlobPath: "uploads/sess-1/job-1.pdf"}
	store.jobs["job-2"] = &models.Job{JobID: "job-2", SessionID: "sess-1", BlobPath: "uploads/sess-1/job-2.pdf"}
	blob.uploaded["uploads/sess-1/job-1.pdf"] = minimalPDF
	blob.uploaded["uploads/sess-1/job-2.pdf"] = minimalPDF

	count, err := o.DeleteSessionData(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 jobs deleted, got %d", count)
	}
	if len(blob.deleted) != 2 {
		t.Errorf("expected 2 blobs deleted, got %d", len(blob.deleted))
	}
}

func TestDeleteSessionData_EmptySessionIsIdempotent(t *testing.T) {
	o, _, _, _ := testOrchestrator(t)
	count, err := o.DeleteSessionData(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 for empty session, got %d", count)
	}
}

func TestWriteSessionJobsCSV_ExpandsLineItems(t *testing.T) {
	o, store, _, _ := testOrchestrator(t)
	conf := 0.9
	store.jobs["job-1"] = &models.Job{
		JobID: "job-1", SessionID: "sess-1", Filename: "a.pdf", Status: models.StatusDone,
		ConfidenceScore: &conf,
		ResultJSON: &models.InvoiceRecord{
			InvoiceNumber: "INV-1", InvoiceDate: "2026-01-01", VendorName: "Acme", Currency: "EUR",
			Subtotal: 100, Tax: 20, Total: 120,
			LineItems: []models.LineItem{
				{Description: "Widget", Quantity: 2, UnitPrice: 50, LineTotal: 100},
			},
		},
	}

	var buf bytes.Buffer
	if err := o.WriteSessionJobsCSV(context.Background(), "sess-1", &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse csv output: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header row + 1 line item row, got %d rows", len(rows))
	}

	wantHeader := []string{
		"invoiceNumber", "invoiceDate", "vendorName", "currency",
		"subtotal", "tax", "total", "dueDate",
		"lineItemIndex", "description", "quantity", "unitPrice", "lineTotal",
		"confidenceScore", "filename",
	}
	if len(rows[0]) != len(wantHeader) {
		t.Fatalf("expected %d columns, got %d: %v", len(wantHeader), len(rows[0]), rows[0])
	}
	for i, col := range wantHeader {
		if rows[0][i] != col {
			t.Errorf("header column %d = %q, want %q", i, rows[0][i], col)
		}
	}

	dataRow := rows[1]
	if len(dataRow) != len(wantHeader) {
		t.Fatalf("expected %d columns in data row, got %d: %v", len(wantHeader), len(dataRow), dataRow)
	}
	if dataRow[0] != "INV-1" || dataRow[len(dataRow)-1] != "a.pdf" {
		t.Errorf("expected row to start with invoiceNumber and end with filename, got %v", dataRow)
	}
	if !strings.Contains(dataRow[9], "Widget") {
		t.Errorf("expected line item description column to contain Widget, got %v", dataRow)
	}
}

func TestWriteSessionJobsCSV_EmptySessionWritesHeaderOnly(t *testing.T) {
	o, _, _, _ := testOrchestrator(t)
	var buf bytes.Buffer
	if err := o.WriteSessionJobsCSV(context.Background(), "sess-empty", &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Errorf("expected only header row, got %d lines", len(lines))
	}
}
