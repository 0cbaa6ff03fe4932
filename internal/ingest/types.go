package ingest

import (
	"context"
	"time"

	"github.com/david/grant-tracker/internal/models"
)

// Extractor fetches the raw agent payload for one source URL.
type Extractor interface {
	Extract(ctx context.Context, sourceURL string) (any, error)
	// Ready returns a non-nil error when the extractor cannot be used,
	// for example because its credentials are missing.
	Ready() error
}

// GrantStore persists runs and grants.
type GrantStore interface {
	CreateRun(ctx context.Context, run *models.AgentRun) error
	FinishRun(ctx context.Context, run *models.AgentRun) error
	UpsertGrant(ctx context.Context, g *models.GrantRecord) error
	MarkStale(ctx context.Context, organizationID string, cutoff time.Time) (int64, error)
}

// RawArchive keeps a copy of an upstream payload and returns its key.
type RawArchive interface {
	Put(ctx context.Context, runID, sourceURL string, payload any) (string, error)
}

// RunRequest is one inbound trigger. RunID is assigned by the pipeline
// unless an in-process caller sets it; it is never read from a request body.
type RunRequest struct {
	RunID          string         `json:"-" validate:"omitempty,uuid"`
	OrganizationID string         `json:"organization_id"`
	SourceURLs     []string       `json:"source_urls" validate:"required,min=1,dive,required,url"`
	RunType        models.RunType `json:"run_type" validate:"omitempty,oneof=manual scheduled"`
}

// RunOutcome is what a caller gets back from a run.
type RunOutcome struct {
	Success     bool                 `json:"success"`
	RunID       *string              `json:"run_id"`
	Status      models.RunStatus     `json:"status"`
	GrantsFound int                  `json:"grants_found"`
	Grants      []models.GrantRecord `json:"grants"`
	Errors      []string             `json:"errors"`
}

// sourceResult is everything one source contributed to a run.
type sourceResult struct {
	url      string
	grants   []models.GrantRecord
	errors   []string
	strategy string
	archive  string
}
