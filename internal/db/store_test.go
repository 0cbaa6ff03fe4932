package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/grant-tracker/internal/models"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewStore(mock), mock
}

func strp(s string) *string { return &s }

func TestBuildGrantUpsert_IsLastWriteWins(t *testing.T) {
	sql := buildGrantUpsert(func(int) string { return "?" }, "NOW()")

	assert.Contains(t, sql, "ON CONFLICT (organization_id, source_url) DO UPDATE SET")
	assert.Contains(t, sql, "grant_title = EXCLUDED.grant_title")
	assert.Contains(t, sql, "last_seen_at = EXCLUDED.last_seen_at")
	assert.Contains(t, sql, "updated_at = NOW()")
	assert.True(t, strings.HasSuffix(sql, "WHERE grants.last_seen_at IS NULL OR grants.last_seen_at <= EXCLUDED.last_seen_at"))
	assert.NotContains(t, sql, "organization_id = EXCLUDED.organization_id")
	assert.NotContains(t, sql, "source_url = EXCLUDED.source_url")
}

func TestStore_UpsertGrant(t *testing.T) {
	s, mock := newMockStore(t)
	seen := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

	g := &models.GrantRecord{
		OrganizationID:   "7d1f3c52-0000-4000-8000-000000000001",
		SourceURL:        "https://funder.example.org/grants/1",
		SourceDomain:     "funder.example.org",
		GrantTitle:       "Arts Fund",
		Status:           "open",
		DateConfidence:   "exact",
		RollingDeadline:  true,
		DeadlineDate:     strp("2026-05-01"),
		OpenDate:         strp("2026-01-15"),
		LastVerifiedDate: strp("2026-03-20"),
		LastSeenAt:       &seen,
		FundingAmount:    models.FundingAmount{Raw: []byte(`{"amount":1000,"currency":"USD"}`)},
	}

	args := pgGrantArgs(g)
	require.Len(t, args, len(grantColumns))
	assert.Nil(t, args[17], "rolling grants never store a deadline")
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), args[16])
	assert.Equal(t, []string{}, args[9])

	mock.ExpectExec(`INSERT INTO grants .* ON CONFLICT \(organization_id, source_url\) DO UPDATE SET .* WHERE grants.last_seen_at IS NULL OR grants.last_seen_at <= EXCLUDED.last_seen_at`).
		WithArgs(args...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertGrant(context.Background(), g))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertGrant_Error(t *testing.T) {
	s, mock := newMockStore(t)
	g := &models.GrantRecord{OrganizationID: "org", SourceURL: "https://x.example.org", GrantTitle: "X"}

	mock.ExpectExec(`INSERT INTO grants`).
		WithArgs(pgGrantArgs(g)...).
		WillReturnError(errors.New("violates foreign key constraint"))

	err := s.UpsertGrant(context.Background(), g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "violates foreign key constraint")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MarkStale(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE grants SET is_stale = TRUE, needs_review = TRUE, .* WHERE organization_id = \$1 AND last_seen_at < \$2 AND is_stale = FALSE`).
		WithArgs("org-1", cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := s.MarkStale(context.Background(), "org-1", cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateAndFinishRun(t *testing.T) {
	s, mock := newMockStore(t)
	started := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	finished := started.Add(3 * time.Minute)

	run := &models.AgentRun{
		ID:             "run-1",
		OrganizationID: "org-1",
		RunType:        models.RunTypeManual,
		SourcesCount:   2,
		Status:         models.RunStatusRunning,
		StartedAt:      started,
	}

	mock.ExpectExec(`INSERT INTO agent_runs`).
		WithArgs("run-1", "org-1", "manual", 2, "running", started).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.CreateRun(context.Background(), run))

	run.Status = models.RunStatusPartial
	run.GrantsFound = 2
	run.Errors = []string{"[https://b.example.org] boom"}
	run.Sources = []models.SourceOutcome{{SourceURL: "https://a.example.org", Grants: 2}}
	run.FinishedAt = &finished

	mock.ExpectExec(`UPDATE agent_runs SET status = \$1`).
		WithArgs("partial", 2,
			[]byte(`["[https://b.example.org] boom"]`),
			[]byte(`{"sources":[{"source_url":"https://a.example.org","grants":2,"errors":0}]}`),
			&finished, "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.FinishRun(context.Background(), run))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FinishRun_Missing(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	run := &models.AgentRun{ID: "gone", Status: models.RunStatusFailed, FinishedAt: &now}

	mock.ExpectExec(`UPDATE agent_runs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), run)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetRun(t *testing.T) {
	s, mock := newMockStore(t)
	started := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	sourcesCount, found := 1, 0

	rows := pgxmock.NewRows([]string{"id", "organization_id", "run_type", "sources_count", "status", "grants_found", "errors_json", "raw_response_json", "started_at", "finished_at"}).
		AddRow("run-1", "org-1", "scheduled", &sourcesCount, "failed", &found,
			[]byte(`["[https://a.example.org] No grants found on this page"]`),
			[]byte(`{"sources":[{"source_url":"https://a.example.org","grants":0,"errors":1}]}`),
			started, &finished)

	mock.ExpectQuery(`SELECT id, organization_id, .* FROM agent_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(rows)

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunTypeScheduled, run.RunType)
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, 1, run.SourcesCount)
	assert.Equal(t, []string{"[https://a.example.org] No grants found on this page"}, run.Errors)
	require.Len(t, run.Sources, 1)
	assert.Equal(t, 1, run.Sources[0].Errors)
	require.NotNil(t, run.FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM agent_runs WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ActiveSourceURLs(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT url FROM grant_sources WHERE organization_id = \$1 AND is_active = TRUE`).
		WithArgs("org-1").
		WillReturnRows(pgxmock.NewRows([]string{"url"}).
			AddRow("https://a.example.org").
			AddRow("https://b.example.org"))

	urls, err := s.ActiveSourceURLs(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.org", "https://b.example.org"}, urls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveOrganization(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO organizations .* ON CONFLICT \(id\)`).
		WithArgs("org-1", "Example Nonprofit").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO grant_sources .* ON CONFLICT \(organization_id, url\)`).
		WithArgs("org-1", "NEA", "https://www.arts.gov/grants", "government", true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveOrganization(context.Background(), "org-1", "Example Nonprofit", []models.GrantSource{
		{ID: "nea-grants", Name: "NEA", URL: "https://www.arts.gov/grants", Category: "government", IsActive: true},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListRuns_Filter(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM agent_runs WHERE organization_id = \$1 ORDER BY started_at DESC LIMIT \$2`).
		WithArgs("org-1", 50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "organization_id", "run_type", "sources_count", "status", "grants_found", "errors_json", "raw_response_json", "started_at", "finished_at"}))

	runs, err := s.ListRuns(context.Background(), RunFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnect_RequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrNoDatabaseURL)
}

func TestApplyMigrations_SkipsApplied(t *testing.T) {
	_, mock := newMockStore(t)

	files, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	for _, f := range files {
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs(f).
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	}

	require.NoError(t, ApplyMigrations(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}
