package surrealdb

import (
	"context"
	"fmt"

	"github.com/bobmcallan/invoicer/internal/common"
	"github.com/bobmcallan/invoicer/internal/interfaces"
	"github.com/surrealdb/surrealdb.go"
)

// Manager wires the SurrealDB connection to the job and rate-limit stores.
type Manager struct {
	db     *surrealdb.DB
	logger *common.Logger

	jobStore       *JobStore
	rateLimitStore *RateLimitStore
}

// NewManager connects to SurrealDB, selects the configured namespace and
// database, and ensures the tables the lifecycle engine and rate limiter
// depend on exist.
func NewManager(logger *common.Logger, config *common.Config) (*Manager, error) {
	ctx := context.Background()

	db, err := surrealdb.New(config.Storage.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": config.Storage.Username,
		"pass": config.Storage.Password,
	}); err != nil {
		return nil, fmt.Errorf("failed to sign in to SurrealDB: %w", err)
	}

	if err := db.Use(ctx, config.Storage.Namespace, config.Storage.Database); err != nil {
		return nil, fmt.Errorf("failed to select namespace/database: %w", err)
	}

	tables := []string{"job", "ratelimit_bucket", "ratelimit_daily"}
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surrealdb.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("failed to define table %s: %w", table, err)
		}
	}
	if _, err := surrealdb.Query[any](ctx, db,
		"DEFINE INDEX IF NOT EXISTS job_session_status ON TABLE job COLUMNS session_id, status, created_at", nil); err != nil {
		return nil, fmt.Errorf("failed to define job session/status index: %w", err)
	}

	m := &Manager{
		db:     db,
		logger: logger,
	}
	m.jobStore = NewJobStore(db, logger)
	m.rateLimitStore = NewRateLimitStore(db, logger)

	logger.Info().
		Str("address", config.Storage.Address).
		Str("namespace", config.Storage.Namespace).
		Str("database", config.Storage.Database).
		Msg("SurrealDB storage manager initialized")

	return m, nil
}

func (m *Manager) JobStore() interfaces.JobStore {
	return m.jobStore
}

func (m *Manager) RateLimitStore() interfaces.RateLimitStore {
	return m.rateLimitStore
}

func (m *Manager) Close() error {
	m.db.Close(context.Background())
	return nil
}
