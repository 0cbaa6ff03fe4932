package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/david/grant-tracker/internal/models"
)

const dateLayout = "2006-01-02"

// Store is the Postgres-backed grant and run store.
type Store struct {
	pool Pool
}

func NewStore(pool Pool) *Store {
	return &Store{pool: pool}
}

// GrantFilter narrows ListGrants.
type GrantFilter struct {
	OrganizationID string
	// Stale selects only stale (true) or only fresh (false) grants when set.
	Stale  *bool
	Limit  int
	Offset int
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	OrganizationID string
	Limit          int
}

func (f GrantFilter) limit() int { return clampLimit(f.Limit) }
func (f RunFilter) limit() int   { return clampLimit(f.Limit) }

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return 50
	case n > 500:
		return 500
	}
	return n
}

var pgUpsertGrantSQL = buildGrantUpsert(func(i int) string { return fmt.Sprintf("$%d", i) }, "NOW()")

const (
	pgInsertRunSQL = `INSERT INTO agent_runs (id, organization_id, run_type, sources_count, status, started_at) VALUES ($1, $2, $3, $4, $5, $6)`
	pgFinishRunSQL = `UPDATE agent_runs SET status = $1, grants_found = $2, errors_json = $3, raw_response_json = $4, finished_at = $5 WHERE id = $6`
	pgMarkStaleSQL = `UPDATE grants SET is_stale = TRUE, needs_review = TRUE, updated_at = NOW() WHERE organization_id = $1 AND last_seen_at < $2 AND is_stale = FALSE`

	runCols = `id, organization_id, run_type, sources_count, status, grants_found, errors_json, raw_response_json, started_at, finished_at`
)

var grantSelectCols = strings.Join(grantColumns, ", ")

func (s *Store) CreateRun(ctx context.Context, run *models.AgentRun) error {
	_, err := s.pool.Exec(ctx, pgInsertRunSQL,
		run.ID, run.OrganizationID, string(run.RunType), run.SourcesCount, string(run.Status), run.StartedAt)
	if err != nil {
		return eris.Wrapf(err, "db: insert run %s", run.ID)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, run *models.AgentRun) error {
	errorsJSON, sourcesJSON, err := runJSON(run)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, pgFinishRunSQL,
		string(run.Status), run.GrantsFound, errorsJSON, sourcesJSON, run.FinishedAt, run.ID)
	if err != nil {
		return eris.Wrapf(err, "db: finish run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "db: finish run %s", run.ID)
	}
	return nil
}

// UpsertGrant writes g as one statement keyed by (organization_id, source_url).
func (s *Store) UpsertGrant(ctx context.Context, g *models.GrantRecord) error {
	if _, err := s.pool.Exec(ctx, pgUpsertGrantSQL, pgGrantArgs(g)...); err != nil {
		return eris.Wrapf(err, "db: upsert grant %q", g.SourceURL)
	}
	return nil
}

// MarkStale flags the organization's grants not seen since cutoff and
// returns how many were flagged.
func (s *Store) MarkStale(ctx context.Context, organizationID string, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, pgMarkStaleSQL, organizationID, cutoff)
	if err != nil {
		return 0, eris.Wrapf(err, "db: mark stale for %s", organizationID)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runCols+` FROM agent_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "db: get run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "db: get run %s", id)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]models.AgentRun, error) {
	query := `SELECT ` + runCols + ` FROM agent_runs`
	args := []any{}
	if f.OrganizationID != "" {
		args = append(args, f.OrganizationID)
		query += ` WHERE organization_id = $1`
	}
	args = append(args, f.limit())
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "db: list runs")
	}
	defer rows.Close()

	runs := []models.AgentRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "db: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "db: list runs")
}

func (s *Store) ListGrants(ctx context.Context, f GrantFilter) ([]models.GrantRecord, error) {
	var where []string
	var args []any
	if f.OrganizationID != "" {
		args = append(args, f.OrganizationID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if f.Stale != nil {
		args = append(args, *f.Stale)
		where = append(where, fmt.Sprintf("is_stale = $%d", len(args)))
	}

	query := `SELECT ` + grantSelectCols + ` FROM grants`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.limit(), f.Offset)
	query += fmt.Sprintf(` ORDER BY deadline_date ASC NULLS LAST, grant_title ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "db: list grants")
	}
	defer rows.Close()

	grants := []models.GrantRecord{}
	for rows.Next() {
		g, err := scanPGGrant(rows)
		if err != nil {
			return nil, eris.Wrap(err, "db: scan grant")
		}
		grants = append(grants, g)
	}
	return grants, eris.Wrap(rows.Err(), "db: list grants")
}

// ActiveSourceURLs returns the URLs of the organization's active grant sources.
func (s *Store) ActiveSourceURLs(ctx context.Context, organizationID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT url FROM grant_sources WHERE organization_id = $1 AND is_active = TRUE ORDER BY created_at ASC`,
		organizationID)
	if err != nil {
		return nil, eris.Wrapf(err, "db: list sources for %s", organizationID)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "db: scan source")
		}
		urls = append(urls, u)
	}
	return urls, eris.Wrap(rows.Err(), "db: list sources")
}

// SaveOrganization upserts the organization and its grant sources. Sources
// are matched on URL; their ids are assigned by the database.
func (s *Store) SaveOrganization(ctx context.Context, id, name string, sources []models.GrantSource) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO organizations (id, name) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, updated_at = NOW()`,
		id, name); err != nil {
		return eris.Wrapf(err, "db: save organization %s", id)
	}
	for _, src := range sources {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO grant_sources (organization_id, name, url, category, is_active) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (organization_id, url) DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category, is_active = EXCLUDED.is_active, updated_at = NOW()`,
			id, src.Name, src.URL, src.Category, src.IsActive); err != nil {
			return eris.Wrapf(err, "db: save source %s", src.URL)
		}
	}
	return nil
}

func runJSON(run *models.AgentRun) (errorsJSON, sourcesJSON []byte, err error) {
	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}
	errorsJSON, err = json.Marshal(errs)
	if err != nil {
		return nil, nil, eris.Wrap(err, "db: marshal run errors")
	}
	if run.Sources != nil {
		sourcesJSON, err = json.Marshal(map[string]any{"sources": run.Sources})
		if err != nil {
			return nil, nil, eris.Wrap(err, "db: marshal run sources")
		}
	}
	return errorsJSON, sourcesJSON, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*models.AgentRun, error) {
	var (
		run                    models.AgentRun
		runType, status        string
		sourcesCount, found    *int
		errorsJSON, sourcesRaw []byte
	)
	if err := row.Scan(&run.ID, &run.OrganizationID, &runType, &sourcesCount, &status, &found,
		&errorsJSON, &sourcesRaw, &run.StartedAt, &run.FinishedAt); err != nil {
		return nil, err
	}
	run.RunType = models.RunType(runType)
	run.Status = models.RunStatus(status)
	if sourcesCount != nil {
		run.SourcesCount = *sourcesCount
	}
	if found != nil {
		run.GrantsFound = *found
	}
	if err := decodeRunJSON(&run, errorsJSON, sourcesRaw); err != nil {
		return nil, err
	}
	return &run, nil
}

func decodeRunJSON(run *models.AgentRun, errorsJSON, sourcesRaw []byte) error {
	run.Errors = []string{}
	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &run.Errors); err != nil {
			return eris.Wrap(err, "db: decode run errors")
		}
	}
	if len(sourcesRaw) > 0 {
		var wrapper struct {
			Sources []models.SourceOutcome `json:"sources"`
		}
		if err := json.Unmarshal(sourcesRaw, &wrapper); err != nil {
			return eris.Wrap(err, "db: decode run sources")
		}
		run.Sources = wrapper.Sources
	}
	return nil
}

func pgGrantArgs(g *models.GrantRecord) []any {
	deadline := g.DeadlineDate
	if g.RollingDeadline {
		deadline = nil
	}

	var funding any
	if !g.FundingAmount.IsZero() {
		funding = []byte(g.FundingAmount.Raw)
	}

	return []any{
		g.OrganizationID,
		g.SourceURL,
		g.SourceDomain,
		g.GrantTitle,
		g.FunderName,
		g.ProgramName,
		g.Summary,
		g.Requirements,
		g.Documents,
		nonNil(g.FocusAreas),
		nonNil(g.EligibleApplicants),
		g.GeographicEligibility,
		g.FundingType,
		g.Status,
		funding,
		g.NumberOfAwards,
		dateParam(g.OpenDate),
		dateParam(deadline),
		g.DeadlineTime,
		g.Timezone,
		g.RollingDeadline,
		g.InfoSessionDates,
		dateParam(g.AwardAnnouncementDate),
		dateParam(g.ProjectStartDate),
		dateParam(g.ProjectEndDate),
		g.DateConfidence,
		g.DeadlineRawText,
		g.ApplicationURL,
		dateParam(g.LastVerifiedDate),
		g.LastSeenAt,
		g.IsStale,
		g.NeedsReview,
	}
}

func scanPGGrant(row scannable) (models.GrantRecord, error) {
	var (
		g                                         models.GrantRecord
		funding                                   []byte
		openDate, deadline, award, start, end, lv *time.Time
	)
	err := row.Scan(
		&g.OrganizationID, &g.SourceURL, &g.SourceDomain,
		&g.GrantTitle, &g.FunderName, &g.ProgramName, &g.Summary, &g.Requirements, &g.Documents,
		&g.FocusAreas, &g.EligibleApplicants, &g.GeographicEligibility, &g.FundingType, &g.Status,
		&funding, &g.NumberOfAwards,
		&openDate, &deadline, &g.DeadlineTime, &g.Timezone, &g.RollingDeadline, &g.InfoSessionDates,
		&award, &start, &end, &g.DateConfidence, &g.DeadlineRawText,
		&g.ApplicationURL,
		&lv, &g.LastSeenAt, &g.IsStale, &g.NeedsReview,
	)
	if err != nil {
		return g, err
	}
	if len(funding) > 0 {
		g.FundingAmount = models.FundingAmount{Raw: funding}
	}
	g.OpenDate = formatDate(openDate)
	g.DeadlineDate = formatDate(deadline)
	g.AwardAnnouncementDate = formatDate(award)
	g.ProjectStartDate = formatDate(start)
	g.ProjectEndDate = formatDate(end)
	g.LastVerifiedDate = formatDate(lv)
	return g, nil
}

// dateParam turns a canonical date string into a value pgx can bind to a DATE column.
func dateParam(s *string) any {
	if s == nil {
		return nil
	}
	t, err := time.Parse(dateLayout, *s)
	if err != nil {
		return nil
	}
	return t
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
