// Package app wires configuration into the store, extraction client and
// pipeline shared by the server and the command-line tools.
package app

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/david/grant-tracker/internal/agent"
	"github.com/david/grant-tracker/internal/api"
	"github.com/david/grant-tracker/internal/archive"
	"github.com/david/grant-tracker/internal/config"
	"github.com/david/grant-tracker/internal/db"
	"github.com/david/grant-tracker/internal/ingest"
	"github.com/david/grant-tracker/internal/models"
)

// Store is everything the binaries need from a backend.
type Store interface {
	ingest.GrantStore
	api.ReadStore
	SaveOrganization(ctx context.Context, id, name string, sources []models.GrantSource) error
}

// OpenStore connects to the configured backend and brings its schema up to
// date. The returned func releases the connection.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (Store, func(), error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := db.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close() //nolint:errcheck
			return nil, nil, err
		}
		zap.L().Info("using sqlite store", zap.String("path", cfg.SQLitePath))
		return s, func() { s.Close() }, nil

	case "postgres", "":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, nil, &ingest.ConfigurationError{Message: "DATABASE_URL is not set"}
		}
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.ApplyMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return db.NewStore(pool), pool.Close, nil

	default:
		return nil, nil, eris.Errorf("app: unknown store driver %q", cfg.Driver)
	}
}

// NewPipeline builds the extraction client, the optional payload archive and
// the orchestrator on top of store.
func NewPipeline(ctx context.Context, cfg *config.Config, store ingest.GrantStore) (*ingest.Pipeline, error) {
	client := agent.NewClient(agent.Options{
		Endpoint:    cfg.Agent.Endpoint,
		APIKey:      cfg.Agent.APIKey,
		RateLimit:   cfg.Agent.RateLimit,
		MaxAttempts: cfg.Agent.MaxAttempts,
	})
	if err := client.Ready(); err != nil {
		// Runs will be rejected until the key is set; the service still starts.
		zap.L().Warn("extraction client not ready", zap.Error(err))
	}

	pc := ingest.Config{
		SourceTimeout:  cfg.Pipeline.SourceTimeout(),
		StaleWindow:    cfg.Pipeline.StaleWindow(),
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
	}
	if cfg.Archive.Enabled {
		a, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		pc.Archive = a
		zap.L().Info("archiving raw agent payloads", zap.String("bucket", cfg.Archive.Bucket))
	}

	return ingest.NewPipeline(client, store, pc), nil
}
