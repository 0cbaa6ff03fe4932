package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/david/grant-tracker/internal/models"
)

// sqliteTimeLayout is fixed width so stored timestamps compare correctly as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is a single-file store with the same semantics as Store, used
// for local runs and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens the database at dsn and switches it to WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS grant_sources (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	name            TEXT NOT NULL,
	url             TEXT NOT NULL,
	category        TEXT,
	is_active       INTEGER NOT NULL DEFAULT 1,
	created_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	UNIQUE (organization_id, url)
);

CREATE TABLE IF NOT EXISTS grants (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id         TEXT NOT NULL,
	source_url              TEXT NOT NULL,
	source_domain           TEXT NOT NULL,
	grant_title             TEXT NOT NULL,
	funder_name             TEXT,
	program_name            TEXT,
	summary                 TEXT,
	requirements            TEXT,
	documents               TEXT,
	focus_areas             TEXT NOT NULL DEFAULT '[]',
	eligible_applicants     TEXT NOT NULL DEFAULT '[]',
	geographic_eligibility  TEXT,
	funding_type            TEXT,
	status                  TEXT NOT NULL DEFAULT 'unknown',
	funding_amount_json     TEXT,
	number_of_awards        INTEGER,
	open_date               TEXT,
	deadline_date           TEXT,
	deadline_time           TEXT,
	timezone                TEXT,
	rolling_deadline        INTEGER NOT NULL DEFAULT 0,
	info_session_dates      TEXT,
	award_announcement_date TEXT,
	project_start_date      TEXT,
	project_end_date        TEXT,
	date_confidence         TEXT NOT NULL DEFAULT 'unknown',
	deadline_raw_text       TEXT,
	application_url         TEXT,
	last_verified_date      TEXT,
	last_seen_at            TEXT,
	is_stale                INTEGER NOT NULL DEFAULT 0,
	needs_review            INTEGER NOT NULL DEFAULT 0,
	updated_at              TEXT,
	UNIQUE (organization_id, source_url),
	CHECK (rolling_deadline = 0 OR deadline_date IS NULL)
);

CREATE TABLE IF NOT EXISTS agent_runs (
	id                TEXT PRIMARY KEY,
	organization_id   TEXT NOT NULL,
	run_type          TEXT NOT NULL DEFAULT 'manual',
	sources_count     INTEGER,
	status            TEXT NOT NULL DEFAULT 'running',
	grants_found      INTEGER,
	errors_json       TEXT,
	raw_response_json TEXT,
	started_at        TEXT NOT NULL,
	finished_at       TEXT
);

CREATE INDEX IF NOT EXISTS idx_grants_org_last_seen ON grants(organization_id, last_seen_at);
CREATE INDEX IF NOT EXISTS idx_agent_runs_org_started ON agent_runs(organization_id, started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var sqliteUpsertGrantSQL = buildGrantUpsert(func(int) string { return "?" }, "strftime('%Y-%m-%dT%H:%M:%fZ', 'now')")

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.AgentRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, organization_id, run_type, sources_count, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.OrganizationID, string(run.RunType), run.SourcesCount, string(run.Status), sqliteTime(run.StartedAt),
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *models.AgentRun) error {
	errorsJSON, sourcesJSON, err := runJSON(run)
	if err != nil {
		return err
	}

	var finished any
	if run.FinishedAt != nil {
		finished = sqliteTime(*run.FinishedAt)
	}
	var sources any
	if sourcesJSON != nil {
		sources = string(sourcesJSON)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = ?, grants_found = ?, errors_json = ?, raw_response_json = ?, finished_at = ? WHERE id = ?`,
		string(run.Status), run.GrantsFound, string(errorsJSON), sources, finished, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) UpsertGrant(ctx context.Context, g *models.GrantRecord) error {
	args, err := sqliteGrantArgs(g)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, sqliteUpsertGrantSQL, args...); err != nil {
		return eris.Wrapf(err, "sqlite: upsert grant %q", g.SourceURL)
	}
	return nil
}

func (s *SQLiteStore) MarkStale(ctx context.Context, organizationID string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE grants SET is_stale = 1, needs_review = 1 WHERE organization_id = ? AND last_seen_at < ? AND is_stale = 0`,
		organizationID, sqliteTime(cutoff),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: mark stale for %s", organizationID)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*models.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM agent_runs WHERE id = ?`, id)
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, f RunFilter) ([]models.AgentRun, error) {
	query := `SELECT ` + runCols + ` FROM agent_runs`
	var args []any
	if f.OrganizationID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, f.OrganizationID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	runs := []models.AgentRun{}
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs")
}

func (s *SQLiteStore) ListGrants(ctx context.Context, f GrantFilter) ([]models.GrantRecord, error) {
	var where []string
	var args []any
	if f.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.Stale != nil {
		where = append(where, "is_stale = ?")
		args = append(args, *f.Stale)
	}

	query := `SELECT ` + grantSelectCols + ` FROM grants`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY deadline_date IS NULL, deadline_date ASC, grant_title ASC LIMIT ? OFFSET ?`
	args = append(args, f.limit(), f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list grants")
	}
	defer rows.Close() //nolint:errcheck

	grants := []models.GrantRecord{}
	for rows.Next() {
		g, err := scanSQLiteGrant(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan grant")
		}
		grants = append(grants, g)
	}
	return grants, eris.Wrap(rows.Err(), "sqlite: list grants")
}

func (s *SQLiteStore) ActiveSourceURLs(ctx context.Context, organizationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM grant_sources WHERE organization_id = ? AND is_active = 1 ORDER BY created_at ASC, rowid ASC`,
		organizationID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list sources for %s", organizationID)
	}
	defer rows.Close() //nolint:errcheck

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		urls = append(urls, u)
	}
	return urls, eris.Wrap(rows.Err(), "sqlite: list sources")
}

// SaveOrganization inserts the organization and its sources, replacing
// sources that share a URL.
func (s *SQLiteStore) SaveOrganization(ctx context.Context, id, name string, sources []models.GrantSource) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO organizations (id, name) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		id, name); err != nil {
		return eris.Wrapf(err, "sqlite: save organization %s", id)
	}
	for _, src := range sources {
		srcID := src.ID
		if srcID == "" {
			srcID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO grant_sources (id, organization_id, name, url, category, is_active) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (organization_id, url) DO UPDATE SET name = excluded.name, category = excluded.category, is_active = excluded.is_active`,
			srcID, id, src.Name, src.URL, src.Category, src.IsActive); err != nil {
			return eris.Wrapf(err, "sqlite: save source %s", src.URL)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func scanSQLiteRun(row scannable) (*models.AgentRun, error) {
	var (
		run                    models.AgentRun
		runType, status        string
		sourcesCount, found    sql.NullInt64
		errorsJSON, sourcesRaw sql.NullString
		started                string
		finished               sql.NullString
	)
	if err := row.Scan(&run.ID, &run.OrganizationID, &runType, &sourcesCount, &status, &found,
		&errorsJSON, &sourcesRaw, &started, &finished); err != nil {
		return nil, err
	}
	run.RunType = models.RunType(runType)
	run.Status = models.RunStatus(status)
	run.SourcesCount = int(sourcesCount.Int64)
	run.GrantsFound = int(found.Int64)

	var err error
	if run.StartedAt, err = parseSQLiteTime(started); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse started_at")
	}
	if finished.Valid {
		t, err := parseSQLiteTime(finished.String)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse finished_at")
		}
		run.FinishedAt = &t
	}
	if err := decodeRunJSON(&run, []byte(errorsJSON.String), []byte(sourcesRaw.String)); err != nil {
		return nil, err
	}
	return &run, nil
}

func sqliteGrantArgs(g *models.GrantRecord) ([]any, error) {
	deadline := g.DeadlineDate
	if g.RollingDeadline {
		deadline = nil
	}

	focus, err := json.Marshal(nonNil(g.FocusAreas))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal focus_areas")
	}
	eligible, err := json.Marshal(nonNil(g.EligibleApplicants))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal eligible_applicants")
	}
	var sessions any
	if g.InfoSessionDates != nil {
		b, err := json.Marshal(g.InfoSessionDates)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal info_session_dates")
		}
		sessions = string(b)
	}
	var funding any
	if !g.FundingAmount.IsZero() {
		funding = string(g.FundingAmount.Raw)
	}
	var lastSeen any
	if g.LastSeenAt != nil {
		lastSeen = sqliteTime(*g.LastSeenAt)
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
		string(focus),
		string(eligible),
		g.GeographicEligibility,
		g.FundingType,
		g.Status,
		funding,
		g.NumberOfAwards,
		g.OpenDate,
		deadline,
		g.DeadlineTime,
		g.Timezone,
		g.RollingDeadline,
		sessions,
		g.AwardAnnouncementDate,
		g.ProjectStartDate,
		g.ProjectEndDate,
		g.DateConfidence,
		g.DeadlineRawText,
		g.ApplicationURL,
		g.LastVerifiedDate,
		lastSeen,
		g.IsStale,
		g.NeedsReview,
	}, nil
}

func scanSQLiteGrant(row scannable) (models.GrantRecord, error) {
	var (
		g                       models.GrantRecord
		focus, eligible         string
		funding, sessions, seen sql.NullString
		awards                  sql.NullInt64
	)
	err := row.Scan(
		&g.OrganizationID, &g.SourceURL, &g.SourceDomain,
		&g.GrantTitle, &g.FunderName, &g.ProgramName, &g.Summary, &g.Requirements, &g.Documents,
		&focus, &eligible, &g.GeographicEligibility, &g.FundingType, &g.Status,
		&funding, &awards,
		&g.OpenDate, &g.DeadlineDate, &g.DeadlineTime, &g.Timezone, &g.RollingDeadline, &sessions,
		&g.AwardAnnouncementDate, &g.ProjectStartDate, &g.ProjectEndDate, &g.DateConfidence, &g.DeadlineRawText,
		&g.ApplicationURL,
		&g.LastVerifiedDate, &seen, &g.IsStale, &g.NeedsReview,
	)
	if err != nil {
		return g, err
	}

	if err := json.Unmarshal([]byte(focus), &g.FocusAreas); err != nil {
		return g, eris.Wrap(err, "sqlite: decode focus_areas")
	}
	if err := json.Unmarshal([]byte(eligible), &g.EligibleApplicants); err != nil {
		return g, eris.Wrap(err, "sqlite: decode eligible_applicants")
	}
	if sessions.Valid {
		if err := json.Unmarshal([]byte(sessions.String), &g.InfoSessionDates); err != nil {
			return g, eris.Wrap(err, "sqlite: decode info_session_dates")
		}
	}
	if funding.Valid {
		g.FundingAmount = models.FundingAmount{Raw: []byte(funding.String)}
	}
	if awards.Valid {
		n := int(awards.Int64)
		g.NumberOfAwards = &n
	}
	if seen.Valid {
		t, err := parseSQLiteTime(seen.String)
		if err != nil {
			return g, eris.Wrap(err, "sqlite: parse last_seen_at")
		}
		g.LastSeenAt = &t
	}
	return g, nil
}
