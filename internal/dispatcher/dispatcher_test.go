package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bobmcallan/invoicer/internal/common"
)

type fakeRunner struct {
	mu       sync.Mutex
	jobID    string
	sessID   string
	called   chan struct{}
	err      error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{called: make(chan struct{}, 1)}
}

func (f *fakeRunner) ProcessJob(ctx context.Context, jobID, sessionID string) error {
	f.mu.Lock()
	f.jobID = jobID
	f.sessID = sessionID
	f.mu.Unlock()
	f.called <- struct{}{}
	return f.err
}

func TestDispatch_EmulationModeRunsInProcess(t *testing.T) {
	runner := newFakeRunner()
	cfg := common.DispatchConfig{EmulationEnabled: true}
	d := New(cfg, runner, common.NewSilentLogger())

	emulated, err := d.Dispatch(context.Background(), "job-1", "session-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !emulated {
		t.Error("expected emulated=true")
	}

	select {
	case <-runner.called:
	case <-time.After(time.Second):
		t.Fatal("runner was never invoked")
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.jobID != "job-1" || runner.sessID != "session-1" {
		t.Errorf("runner got (%s, %s), want (job-1, session-1)", runner.jobID, runner.sessID)
	}
}

func TestDispatch_EmulationModeWithoutRunnerErrors(t *testing.T) {
	cfg := common.DispatchConfig{EmulationEnabled: true}
	d := New(cfg, nil, common.NewSilentLogger())

	if _, err := d.Dispatch(context.Background(), "job-1", "session-1"); err == nil {
		t.Fatal("expected error when emulation enabled with no runner")
	}
}

func TestDispatch_QueueModeSendsSignedToken(t *testing.T) {
	secret := "test-secret"
	var gotAuth string
	var gotBody dispatchPayload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = gotBody
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := common.DispatchConfig{
		EmulationEnabled:        false,
		TaskQueueTargetURL:      srv.URL,
		TaskQueueServiceAccount: "invoicer-dispatcher@local",
		OIDCSigningSecret:       secret,
		WorkerCallbackURL:       "https://invoicer.example.com/api/tasks/process",
	}
	d := New(cfg, nil, common.NewSilentLogger())

	emulated, err := d.Dispatch(context.Background(), "job-2", "session-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if emulated {
		t.Error("expected emulated=false for queue dispatch")
	}

	if len(gotAuth) < 8 || gotAuth[:7] != "Bearer " {
		t.Fatalf("expected Bearer token header, got %q", gotAuth)
	}
	tokenString := gotAuth[7:]

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		t.Fatalf("failed to verify dispatch token: %v", err)
	}
	if claims["iss"] != "invoicer-dispatcher@local" {
		t.Errorf("unexpected iss claim: %v", claims["iss"])
	}
	if claims["aud"] != cfg.WorkerCallbackURL {
		t.Errorf("unexpected aud claim: %v", claims["aud"])
	}

	if err := VerifyIdentityToken(tokenString, secret, cfg.WorkerCallbackURL); err != nil {
		t.Errorf("expected dispatch token to verify against its own callback URL: %v", err)
	}
}

func TestDispatch_QueueModeRejectsBadSigningMethod(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"iss": "x", "aud": "https://invoicer.example.com/api/tasks/process"})
	tokenString, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build none-alg token: %v", err)
	}
	if err := VerifyIdentityToken(tokenString, "secret", "https://invoicer.example.com/api/tasks/process"); err == nil {
		t.Fatal("expected rejection of alg=none token")
	}
}

func TestVerifyIdentityToken_RejectsAudienceMismatch(t *testing.T) {
	secret := "test-secret"
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "invoicer-dispatcher@local",
		"aud": "https://attacker.example.com/api/tasks/process",
	})
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	err = VerifyIdentityToken(tokenString, secret, "https://invoicer.example.com/api/tasks/process")
	if err == nil {
		t.Fatal("expected rejection of token minted for a different audience")
	}
}

func TestVerifyIdentityToken_AcceptsMatchingAudience(t *testing.T) {
	secret := "test-secret"
	callbackURL := "https://invoicer.example.com/api/tasks/process"
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "invoicer-dispatcher@local",
		"aud": callbackURL,
	})
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if err := VerifyIdentityToken(tokenString, secret, callbackURL); err != nil {
		t.Fatalf("expected matching audience to verify, got: %v", err)
	}
}

func TestDispatch_QueueModeErrorsOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := common.DispatchConfig{
		EmulationEnabled:        false,
		TaskQueueTargetURL:      srv.URL,
		TaskQueueServiceAccount: "invoicer-dispatcher@local",
		OIDCSigningSecret:       "secret",
	}
	d := New(cfg, nil, common.NewSilentLogger())

	_, err := d.Dispatch(context.Background(), "job-3", "session-3")
	appErr := common.AsAppError(err)
	if appErr == nil || appErr.Code != common.CodeExternalService {
		t.Fatalf("expected externalService AppError, got %v", err)
	}
}
