package ingest

import (
	"time"

	"github.com/david/grant-tracker/internal/models"
)

// DefaultStaleWindow is how long a grant may go unobserved before the sweep flags it.
const DefaultStaleWindow = 14 * 24 * time.Hour

// ClassifyRun derives the final status of a run from its aggregate counts.
func ClassifyRun(errorCount, grantsFound int) models.RunStatus {
	switch {
	case errorCount == 0:
		return models.RunStatusSuccess
	case grantsFound > 0:
		return models.RunStatusPartial
	default:
		return models.RunStatusFailed
	}
}

// StaleCutoff is the oldest last_seen_at that still counts as fresh.
func StaleCutoff(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		window = DefaultStaleWindow
	}
	return now.UTC().Add(-window)
}
