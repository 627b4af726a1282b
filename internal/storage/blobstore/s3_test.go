package blobstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bobmcallan/invoicer/internal/common"
)

// newTestStore points an S3Store at an httptest server standing in for an
// S3-compatible endpoint, mirroring how a MinIO/R2 deployment is configured
// via BlobConfig.Endpoint + ForcePathStyle.
func newTestStore(t *testing.T, handler http.HandlerFunc) (*S3Store, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := common.BlobConfig{
		Bucket:         "invoices",
		Region:         "us-east-1",
		Endpoint:       srv.URL,
		AccessKey:      "test",
		SecretKey:      "test",
		ForcePathStyle: true,
	}
	store, err := NewS3Store(context.Background(), common.NewSilentLogger(), cfg)
	if err != nil {
		t.Fatalf("NewS3Store failed: %v", err)
	}
	return store, srv
}

func TestS3Store_Upload_SendsPutObject(t *testing.T) {
	var gotMethod, gotPath string
	store, _ := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	err := store.Upload(context.Background(), "uploads/session-1/job-1.pdf", []byte("%PDF-1.4"), "application/pdf")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("expected PUT, got %s", gotMethod)
	}
	if gotPath != "/invoices/uploads/session-1/job-1.pdf" {
		t.Errorf("expected path-style bucket/key, got %s", gotPath)
	}
}

func TestS3Store_Download_NotFound(t *testing.T) {
	store, _ := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`<Error><Code>NoSuchKey</Code><Message>not found</Message></Error>`))
	})

	_, err := store.Download(context.Background(), "uploads/missing.pdf")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestS3Store_Exists_False(t *testing.T) {
	store, _ := newTestStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	exists, err := store.Exists(context.Background(), "uploads/missing.pdf")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expected exists=false for 404")
	}
}
