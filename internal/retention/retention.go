// Package retention implements the background sweeper that expires
// sessions older than the configured retention window: a single,
// process-wide cooperative loop grounded on the teacher's
// ticker-driven scan-and-act watch loop, generalized from "stale market
// data" to "sessions past the retention window."
package retention

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/interfaces"
)

// sessionDeleter is the narrow slice of interfaces.Orchestrator the sweeper
// needs, so tests don't have to satisfy the whole facade.
type sessionDeleter interface {
	DeleteSessionData(ctx context.Context, sessionID string) (int, error)
}

// Sweeper periodically deletes session data for jobs older than the
// retention window.
type Sweeper struct {
	store interfaces.JobStore
	del   sessionDeleter
	clock common.Clock
	cfg   common.RetentionConfig
	log   *common.Logger

	running int32 // single-flight guard; 0=idle, 1=sweep in progress
}

// New builds a Sweeper from its collaborators and config.
func New(store interfaces.JobStore, del sessionDeleter, clock common.Clock, logger *common.Logger, cfg common.RetentionConfig) *Sweeper {
	return &Sweeper{store: store, del: del, clock: clock, cfg: cfg, log: logger}
}

// Run blocks, ticking every LoopIntervalMin and sweeping each tick, until
// ctx is canceled. A no-op if LoopEnable is false.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.cfg.LoopEnable {
		s.log.Info().Msg("retention: loop disabled by configuration")
		return
	}

	interval := time.Duration(s.cfg.LoopIntervalMin) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs a single bounded sweep, skipping entirely if a previous
// sweep is still in flight (guarantees no overlap with itself).
func (s *Sweeper) sweepOnce(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		s.log.Warn().Msg("retention: previous sweep still in progress, skipping this tick")
		return
	}
	defer atomic.StoreInt32(&s.running, 0)

	cutoff := s.clock.Now().Add(-time.Duration(s.cfg.Hours) * time.Hour)
	jobs, err := s.store.ListOlderThan(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.log.Warn().Err(err).Msg("retention: failed to list expired jobs")
		return
	}
	if len(jobs) == 0 {
		s.log.Debug().Msg("retention: no expired jobs this sweep")
		return
	}

	sessions := make(map[string]struct{})
	for _, j := range jobs {
		sessions[j.SessionID] = struct{}{}
	}

	deleted := 0
	for sessionID := range sessions {
		n, err := s.del.DeleteSessionData(ctx, sessionID)
		if err != nil {
			s.log.Warn().Err(err).Str("sessionId", sessionID).Msg("retention: failed to delete expired session")
			continue
		}
		deleted += n
	}

	s.log.Info().Int("sessions", len(sessions)).Int("jobsDeleted", deleted).Msg("retention: sweep complete")
}
