package db

import (
	"fmt"
	"strings"
)

// grantColumns is the write order of a grants row. The first two form the
// conflict key.
var grantColumns = []string{
	"organization_id",
	"source_url",
	"source_domain",
	"grant_title",
	"funder_name",
	"program_name",
	"summary",
	"requirements",
	"documents",
	"focus_areas",
	"eligible_applicants",
	"geographic_eligibility",
	"funding_type",
	"status",
	"funding_amount_json",
	"number_of_awards",
	"open_date",
	"deadline_date",
	"deadline_time",
	"timezone",
	"rolling_deadline",
	"info_session_dates",
	"award_announcement_date",
	"project_start_date",
	"project_end_date",
	"date_confidence",
	"deadline_raw_text",
	"application_url",
	"last_verified_date",
	"last_seen_at",
	"is_stale",
	"needs_review",
}

var grantConflictKeys = []string{"organization_id", "source_url"}

// buildGrantUpsert renders the single-row upsert for grants. Every
// non-key column is replaced by the incoming value, unless the stored row
// was observed later than the incoming one.
func buildGrantUpsert(placeholder func(i int) string, touchUpdatedAt string) string {
	conflict := make(map[string]bool, len(grantConflictKeys))
	for _, k := range grantConflictKeys {
		conflict[k] = true
	}

	values := make([]string, len(grantColumns))
	var sets []string
	for i, c := range grantColumns {
		values[i] = placeholder(i + 1)
		if !conflict[c] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}
	if touchUpdatedAt != "" {
		sets = append(sets, "updated_at = "+touchUpdatedAt)
	}

	return fmt.Sprintf(
		"INSERT INTO grants (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s WHERE grants.last_seen_at IS NULL OR grants.last_seen_at <= EXCLUDED.last_seen_at",
		strings.Join(grantColumns, ", "),
		strings.Join(values, ", "),
		strings.Join(grantConflictKeys, ", "),
		strings.Join(sets, ", "),
	)
}
