package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/grant-tracker/internal/models"
)

func decodeGrant(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  *string
	}{
		{"canonical passthrough", "2026-03-15", strPtr("2026-03-15")},
		{"canonical with spaces", "  2026-03-15 ", strPtr("2026-03-15")},
		{"impossible calendar date", "2026-02-30", nil},
		{"rfc3339 converted to utc", "2026-03-15T23:30:00-05:00", strPtr("2026-03-16")},
		{"naive timestamp", "2026-03-15T10:00:00", strPtr("2026-03-15")},
		{"month name", "March 15, 2026", strPtr("2026-03-15")},
		{"abbreviated month", "Sept 1, 2026", strPtr("2026-09-01")},
		{"day first", "15 March 2026", strPtr("2026-03-15")},
		{"us numeric", "3/15/2026", strPtr("2026-03-15")},
		{"labelled prose", "Deadline: April 1st, 2026 at 5pm ET", strPtr("2026-04-01")},
		{"ordinal day", "March 15th, 2025", strPtr("2025-03-15")},
		{"month and year", "March 2025", strPtr("2025-03-01")},
		{"unpadded iso", "2025-3-5", strPtr("2025-03-05")},
		{"us dashed", "03-15-2025", strPtr("2025-03-15")},
		{"european dotted", "15.03.2025", strPtr("2025-03-15")},
		{"day month year with time", "12 Feb 2026, 19:17", strPtr("2026-02-12")},
		{"dotted year first", "2026.03.30", strPtr("2026-03-30")},
		{"garbage word", "garbage", nil},
		{"garbage", "sometime next spring", nil},
		{"empty", "", nil},
		{"number", float64(20260315), nil},
		{"nil", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeDate(tt.input)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

func TestNormalizeGrant_TitleFallbacks(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"grant_title", `{"grant_title":"Arts Fund","title":"ignored"}`, "Arts Fund"},
		{"title", `{"title":"Youth Program"}`, "Youth Program"},
		{"blank grant_title falls through", `{"grant_title":"  ","title":"Backup"}`, "Backup"},
		{"missing both", `{"funder_name":"Acme"}`, models.UntitledGrant},
		{"markup only", `{"grant_title":"<br/>"}`, models.UntitledGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NormalizeGrant(decodeGrant(t, tt.raw))
			assert.Equal(t, tt.want, g.GrantTitle)
		})
	}
}

func TestNormalizeGrant_Fields(t *testing.T) {
	raw := decodeGrant(t, `{
		"grant_title": "<b>Community</b> Arts &amp; Culture Grant",
		"funder": "Acme Foundation",
		"description": "<p>Supports   local <script>alert(1)</script>artists.</p>",
		"focus_areas": ["Arts", "arts", " Culture ", 7],
		"eligible_applicants": "nonprofits",
		"funding_amount": {"min_amount": 5000, "max_amount": 25000, "currency": "USD", "type": "range"},
		"number_of_awards": 12,
		"open_date": "January 5, 2026",
		"deadline_date": "2026-03-01",
		"rolling_deadline": "true",
		"info_session_dates": ["2026-01-20", "not a date", "Feb 3, 2026"],
		"documents": [{"name": "Guidelines", "url": "https://example.org/g.pdf"}],
		"deadline_raw_text": "  Applications due March 1, 2026 by 5pm  ",
		"status": "Open",
		"application_url": "https://example.org/apply"
	}`)

	g := NormalizeGrant(raw)

	assert.Equal(t, "Community Arts & Culture Grant", g.GrantTitle)
	require.NotNil(t, g.FunderName)
	assert.Equal(t, "Acme Foundation", *g.FunderName)
	require.NotNil(t, g.Summary)
	assert.Equal(t, "Supports local artists.", *g.Summary)
	assert.Equal(t, []string{"Arts", "Culture", "7"}, g.FocusAreas)
	assert.Equal(t, []string{}, g.EligibleApplicants)

	assert.Equal(t, models.FundingRange, g.FundingAmount.Shape().Kind)
	assert.JSONEq(t, `{"min_amount":5000,"max_amount":25000,"currency":"USD","type":"range"}`, string(g.FundingAmount.Raw))

	require.NotNil(t, g.NumberOfAwards)
	assert.Equal(t, 12, *g.NumberOfAwards)
	assert.Equal(t, "2026-01-05", *g.OpenDate)
	assert.Equal(t, "2026-03-01", *g.DeadlineDate)
	assert.False(t, g.RollingDeadline, "only a JSON true counts")
	assert.Equal(t, []string{"2026-01-20", "2026-02-03"}, g.InfoSessionDates)
	assert.JSONEq(t, `[{"name":"Guidelines","url":"https://example.org/g.pdf"}]`, *g.Documents)
	assert.Equal(t, "Applications due March 1, 2026 by 5pm", *g.DeadlineRawText)
	assert.Equal(t, "open", g.Status)
	assert.Equal(t, "unknown", g.DateConfidence)
	assert.Equal(t, "https://example.org/apply", *g.ApplicationURL)
}

func TestNormalizeGrant_RollingClearsDeadline(t *testing.T) {
	g := NormalizeGrant(decodeGrant(t, `{"grant_title":"R","rolling_deadline":true,"deadline_date":"2026-05-01"}`))
	assert.True(t, g.RollingDeadline)
	assert.Nil(t, g.DeadlineDate)
}

func TestNormalizeGrant_AbsentValues(t *testing.T) {
	g := NormalizeGrant(map[string]any{})

	assert.Equal(t, models.UntitledGrant, g.GrantTitle)
	assert.Equal(t, "unknown", g.Status)
	assert.Equal(t, "unknown", g.DateConfidence)
	assert.Nil(t, g.InfoSessionDates)
	assert.Equal(t, []string{}, g.FocusAreas)
	assert.Nil(t, g.Documents)
	assert.Nil(t, g.NumberOfAwards)
	assert.True(t, g.FundingAmount.IsZero())
	assert.Equal(t, models.FundingUnknown, g.FundingAmount.Shape().Kind)

	b, err := json.Marshal(g)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"funding_amount":null`)
}

func TestNormalizeGrant_InfoSessionDatesNotAList(t *testing.T) {
	g := NormalizeGrant(map[string]any{"info_session_dates": "2026-01-01"})
	assert.NotNil(t, g.InfoSessionDates)
	assert.Empty(t, g.InfoSessionDates)
}

func TestNormalizeGrant_InfoSessionDatesNull(t *testing.T) {
	g := NormalizeGrant(decodeGrant(t, `{"grant_title":"X","info_session_dates":null}`))
	assert.Nil(t, g.InfoSessionDates)

	g = NormalizeGrant(decodeGrant(t, `{"grant_title":"X"}`))
	assert.Nil(t, g.InfoSessionDates)
}

func TestNormalizeGrant_DocumentsString(t *testing.T) {
	g := NormalizeGrant(map[string]any{"documents": "Budget, narrative"})
	require.NotNil(t, g.Documents)
	assert.Equal(t, "Budget, narrative", *g.Documents)
}

func TestNormalizeGrant_NumberOfAwards(t *testing.T) {
	for _, v := range []any{float64(0), float64(2.5), "many", true} {
		assert.Nil(t, intField(v), "%v", v)
	}
	assert.Equal(t, 3, *intField("3"))
}

func TestFundingShape(t *testing.T) {
	tests := []struct {
		raw  string
		kind models.FundingKind
	}{
		{`{"amount":10000,"currency":"USD"}`, models.FundingExact},
		{`{"min_amount":1,"max_amount":2,"currency":"USD","type":"range"}`, models.FundingRange},
		{`{"max_amount":50000,"currency":"EUR","type":"cap"}`, models.FundingCap},
		{`{"type":"in_kind","details":"Cloud credits"}`, models.FundingInKind},
		{`{"currency":"USD"}`, models.FundingUnknown},
		{`"lots"`, models.FundingUnknown},
	}
	for _, tt := range tests {
		f := models.FundingAmount{Raw: json.RawMessage(tt.raw)}
		assert.Equal(t, tt.kind, f.Shape().Kind, tt.raw)
	}
}

func TestHTMLToText(t *testing.T) {
	assert.Equal(t, "R&D grants", HTMLToText("R&D grants"))
	assert.Equal(t, "Hello world", HTMLToText("<div>Hello</div>\n\n<div>world</div>"))
	assert.Equal(t, "plain text", HTMLToText("  plain \t text "))
}
