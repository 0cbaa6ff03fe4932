package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/grant-tracker/internal/models"
)

func TestResolveIdentity(t *testing.T) {
	listURL := "https://funder.example.org/grants"

	tests := []struct {
		name       string
		grant      models.GrantRecord
		wantURL    string
		wantDomain string
	}{
		{
			name:       "own source_url wins",
			grant:      models.GrantRecord{SourceURL: "https://www.arts.gov/grants/challenge-america", ApplicationURL: strPtr("https://apply.example.org/1")},
			wantURL:    "https://www.arts.gov/grants/challenge-america",
			wantDomain: "www.arts.gov",
		},
		{
			name:       "application_url when no source_url",
			grant:      models.GrantRecord{ApplicationURL: strPtr("https://apply.example.org/1?ref=x")},
			wantURL:    "https://apply.example.org/1?ref=x",
			wantDomain: "apply.example.org",
		},
		{
			name:       "list url as last resort",
			grant:      models.GrantRecord{},
			wantURL:    listURL,
			wantDomain: "funder.example.org",
		},
		{
			name:       "unparseable url keeps raw string as domain",
			grant:      models.GrantRecord{SourceURL: "not a url"},
			wantURL:    "not a url",
			wantDomain: "not a url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := tt.grant
			ResolveIdentity(&g, "org-1", listURL)
			assert.Equal(t, "org-1", g.OrganizationID)
			assert.Equal(t, tt.wantURL, g.SourceURL)
			assert.Equal(t, tt.wantDomain, g.SourceDomain)
			assert.NotEmpty(t, g.SourceDomain)
		})
	}
}

func TestClaimIdentity(t *testing.T) {
	listURL := "https://funder.example.org/grants"
	taken := map[string]string{}

	first := models.GrantRecord{GrantTitle: "A", SourceURL: listURL}
	_, ok := claimIdentity(&first, taken)
	require.True(t, ok)
	assert.Equal(t, listURL, first.SourceURL)

	second := models.GrantRecord{GrantTitle: "B", SourceURL: listURL, ApplicationURL: strPtr(" https://apply.example.org/b ")}
	_, ok = claimIdentity(&second, taken)
	require.True(t, ok)
	assert.Equal(t, "https://apply.example.org/b", second.SourceURL)
	assert.Equal(t, "apply.example.org", second.SourceDomain)

	sameApply := models.GrantRecord{GrantTitle: "B again", SourceURL: listURL, ApplicationURL: strPtr("https://apply.example.org/b")}
	owner, ok := claimIdentity(&sameApply, taken)
	assert.False(t, ok)
	assert.Equal(t, "A", owner)

	noApply := models.GrantRecord{GrantTitle: "C", SourceURL: listURL}
	owner, ok = claimIdentity(&noApply, taken)
	assert.False(t, ok)
	assert.Equal(t, "A", owner)
}

func TestSourceDomain(t *testing.T) {
	assert.Equal(t, "example.org", SourceDomain("https://example.org:8443/path"))
	assert.Equal(t, "%zz", SourceDomain("%zz"))
	assert.Equal(t, "example.org/grants", SourceDomain("example.org/grants"))
}

func TestStampObservation(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	g := models.GrantRecord{
		IsStale:         true,
		NeedsReview:     true,
		RollingDeadline: true,
		DeadlineDate:    strPtr("2026-04-01"),
	}

	StampObservation(&g, now)

	require.NotNil(t, g.LastSeenAt)
	assert.True(t, g.LastSeenAt.Equal(now))
	assert.Equal(t, time.UTC, g.LastSeenAt.Location())
	assert.Equal(t, "2026-03-11", *g.LastVerifiedDate)
	assert.False(t, g.IsStale)
	assert.False(t, g.NeedsReview)
	assert.Nil(t, g.DeadlineDate)
}

func TestClassifyRun(t *testing.T) {
	assert.Equal(t, models.RunStatusSuccess, ClassifyRun(0, 0))
	assert.Equal(t, models.RunStatusSuccess, ClassifyRun(0, 5))
	assert.Equal(t, models.RunStatusPartial, ClassifyRun(1, 4))
	assert.Equal(t, models.RunStatusFailed, ClassifyRun(1, 0))
}

func TestStaleCutoff(t *testing.T) {
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(-14*24*time.Hour), StaleCutoff(now, 0))
	assert.Equal(t, now.Add(-2*time.Hour), StaleCutoff(now, 2*time.Hour))

	local := now.In(time.FixedZone("EST", -5*3600))
	assert.Equal(t, time.UTC, StaleCutoff(local, time.Hour).Location())
}
