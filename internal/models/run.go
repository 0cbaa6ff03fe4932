package models

import "time"

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

type RunType string

const (
	RunTypeManual    RunType = "manual"
	RunTypeScheduled RunType = "scheduled"
)

// AgentRun is the persisted record of one ingestion attempt. Only the
// orchestrator mutates it and it is immutable once FinishedAt is set.
type AgentRun struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	RunType        RunType         `json:"run_type"`
	SourcesCount   int             `json:"sources_count"`
	Status         RunStatus       `json:"status"`
	GrantsFound    int             `json:"grants_found"`
	Errors         []string        `json:"errors"`
	Sources        []SourceOutcome `json:"sources,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at"`
}

// SourceOutcome summarises what a single source URL contributed to a run.
type SourceOutcome struct {
	SourceURL  string `json:"source_url"`
	Grants     int    `json:"grants"`
	Errors     int    `json:"errors"`
	Strategy   string `json:"parse_strategy,omitempty"`
	ArchiveKey string `json:"archive_key,omitempty"`
}

// GrantSource is an entry in an organization's list of pages to scan.
type GrantSource struct {
	ID             string `json:"id" yaml:"id"`
	OrganizationID string `json:"organization_id" yaml:"-"`
	Name           string `json:"name" yaml:"name"`
	URL            string `json:"url" yaml:"url"`
	Category       string `json:"category,omitempty" yaml:"category,omitempty"`
	IsActive       bool   `json:"is_active" yaml:"active"`
}
