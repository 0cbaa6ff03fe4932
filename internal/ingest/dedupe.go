package ingest

import (
	"net/url"
	"strings"
	"time"

	"github.com/david/grant-tracker/internal/models"
)

// ResolveIdentity fills in the record's dedupe key. The first non-empty of
// the record's own source_url, its application_url and the list page it
// came from becomes source_url; source_domain is derived from it.
func ResolveIdentity(g *models.GrantRecord, organizationID, listURL string) {
	g.OrganizationID = organizationID

	identity := strings.TrimSpace(g.SourceURL)
	if identity == "" && g.ApplicationURL != nil {
		identity = strings.TrimSpace(*g.ApplicationURL)
	}
	if identity == "" {
		identity = listURL
	}

	g.SourceURL = identity
	g.SourceDomain = SourceDomain(identity)
}

// claimIdentity reserves g's key among the grants already taken from the
// same source. A repeated key is replaced by the grant's application_url
// when that one is still free; otherwise the grant is refused and the
// title that owns the key is returned.
func claimIdentity(g *models.GrantRecord, taken map[string]string) (owner string, ok bool) {
	if _, dup := taken[g.SourceURL]; !dup {
		taken[g.SourceURL] = g.GrantTitle
		return "", true
	}
	if g.ApplicationURL != nil {
		alt := strings.TrimSpace(*g.ApplicationURL)
		if _, dup := taken[alt]; alt != "" && !dup {
			g.SourceURL = alt
			g.SourceDomain = SourceDomain(alt)
			taken[alt] = g.GrantTitle
			return "", true
		}
	}
	return taken[g.SourceURL], false
}

// SourceDomain returns the hostname of rawURL, or rawURL itself when no
// host can be parsed out of it.
func SourceDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return u.Hostname()
}

// StampObservation records a fresh sighting of g at now.
func StampObservation(g *models.GrantRecord, now time.Time) {
	now = now.UTC()
	seen := now
	today := now.Format(canonicalDateLayout)

	g.LastSeenAt = &seen
	g.LastVerifiedDate = &today
	g.IsStale = false
	g.NeedsReview = false

	if g.RollingDeadline {
		g.DeadlineDate = nil
	}
}
