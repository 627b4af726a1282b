// Package dispatcher schedules lifecycle-engine work either in-process
// ("emulation", for local/dev deployments with no task queue) or via an
// HTTP POST to a task queue, signed with a self-issued OIDC-style identity
// token the queue's push subscription verifies before invoking the worker
// endpoint.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/interfaces"
)

// JobRunner is the in-process lifecycle engine entry point used by
// emulation mode. Defined here (consumer side) rather than imported from
// internal/lifecycle to avoid a dispatcher<->lifecycle import cycle. A
// non-nil error means the job failed transiently; emulation mode can only
// log it, since there is no task queue here to redeliver the work.
type JobRunner interface {
	ProcessJob(ctx context.Context, jobID, sessionID string) error
}

// Dispatcher implements interfaces.TaskDispatcher.
type Dispatcher struct {
	cfg        common.DispatchConfig
	runner     JobRunner
	httpClient *http.Client
	logger     *common.Logger
}

// New builds a Dispatcher. runner may be nil when emulation is disabled.
func New(cfg common.DispatchConfig, runner JobRunner, logger *common.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		runner:     runner,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

type dispatchPayload struct {
	JobID     string `json:"jobId"`
	SessionID string `json:"sessionId"`
}

// Dispatch schedules processing of (jobID, sessionID). In emulation mode
// the lifecycle engine runs synchronously in a detached goroutine and
// emulated=true is returned immediately so the caller doesn't block the
// HTTP response on OCR/LLM latency. In queue mode, Dispatch blocks on the
// POST to the task queue and returns its outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID, sessionID string) (bool, error) {
	if d.cfg.EmulationEnabled {
		if d.runner == nil {
			return false, fmt.Errorf("dispatcher: emulation enabled but no JobRunner configured")
		}
		go func() {
			if err := d.runner.ProcessJob(context.Background(), jobID, sessionID); err != nil {
				d.logger.Warn().Str("jobId", jobID).Err(err).Msg("emulated job processing failed transiently; emulation mode has no queue to redeliver from")
			}
		}()
		return true, nil
	}

	token, err := d.signIdentityToken()
	if err != nil {
		return false, common.ErrInternal("failed to sign task dispatch identity token", err)
	}

	payload, err := json.Marshal(dispatchPayload{JobID: jobID, SessionID: sessionID})
	if err != nil {
		return false, fmt.Errorf("failed to marshal dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.TaskQueueTargetURL, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("failed to create dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false, common.ErrExternalService("task queue dispatch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return false, common.ErrExternalService(fmt.Sprintf("task queue returned status %d", resp.StatusCode), nil)
	}

	d.logger.Debug().Str("jobId", jobID).Str("sessionId", sessionID).Msg("dispatched job to task queue")
	return false, nil
}

// signIdentityToken issues a short-lived, self-signed identity token
// asserting the dispatching server's service-account identity. It is always
// signed HS256 with the shared OIDCSigningSecret, which the receiving side
// must verify with the same secret; no RS256 service-account key is used.
func (d *Dispatcher) signIdentityToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": d.cfg.TaskQueueServiceAccount,
		"sub": d.cfg.TaskQueueServiceAccount,
		"aud": d.cfg.WorkerCallbackURL,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(d.cfg.OIDCSigningSecret))
}

// VerifyIdentityToken validates a token presented to the worker endpoint
// against secret and checks that its "aud" claim matches expectedAudience
// (the worker callback URL the task queue was configured to invoke), used
// by the server adapter's task-queue auth middleware. A token that is
// validly signed but minted for a different audience is rejected: a stolen
// or misdirected token for another deployment must not pass here.
func VerifyIdentityToken(tokenString, secret, expectedAudience string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("identity token: malformed claims")
	}
	aud, _ := claims["aud"].(string)
	if aud == "" || aud != expectedAudience {
		return fmt.Errorf("identity token: audience %q does not match expected callback URL %q", aud, expectedAudience)
	}
	return nil
}

var _ interfaces.TaskDispatcher = (*Dispatcher)(nil)
