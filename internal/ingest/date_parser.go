package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

const canonicalDateLayout = "2006-01-02"

var (
	canonicalDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	isoInTextRe     = regexp.MustCompile(`\b((?:19|20)\d{2})-(\d{2})-(\d{2})\b`)
	usNumericRe     = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/((?:19|20)\d{2})\b`)
	monthFirstRe    = regexp.MustCompile(`(?i)\b(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+((?:19|20)\d{2})\b`)
	dayFirstRe      = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(January|February|March|April|May|June|July|August|September|October|November|December|Jan|Feb|Mar|Apr|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)\.?,?\s+((?:19|20)\d{2})\b`)
)

// exactDateLayouts cover the shapes listing pages use most. They are tried
// before the general parser so that ambiguous numeric forms resolve the
// same way every time: dashes and slashes are month first, dots day first.
var exactDateLayouts = []string{
	"2006-1-2",
	"1-2-2006",
	"1/2/2006",
	"2006/1/2",
	"2.1.2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2006",
	"Jan 2006",
}

// NormalizeDate coerces an agent-supplied date into YYYY-MM-DD.
// Anything that is not a string, or cannot be read as a date, yields nil.
func NormalizeDate(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if canonicalDateRe.MatchString(s) {
		if _, err := time.Parse(canonicalDateLayout, s); err == nil {
			return &s
		}
		return nil
	}

	t, err := parseDateRobust(s)
	if err != nil {
		return nil
	}
	out := t.Format(canonicalDateLayout)
	return &out
}

// parseDateRobust tries the exact layouts, then dateparse, and finally
// looks for a date embedded in surrounding prose. Zoned values are
// converted to UTC before the date is taken.
func parseDateRobust(text string) (time.Time, error) {
	text = cleanDateString(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	for _, layout := range exactDateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, nil
		}
	}

	if t, err := dateparse.ParseIn(text, time.UTC); err == nil {
		return t.UTC(), nil
	}

	if t, ok := parseDateWithRegex(text); ok {
		return t, nil
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", text)
}

func parseDateWithRegex(text string) (time.Time, bool) {
	if m := isoInTextRe.FindString(text); m != "" {
		if t, err := time.Parse(canonicalDateLayout, m); err == nil {
			return t, true
		}
	}

	if m := usNumericRe.FindStringSubmatch(text); len(m) == 4 {
		if t, err := time.Parse("1/2/2006", fmt.Sprintf("%s/%s/%s", m[1], m[2], m[3])); err == nil {
			return t, true
		}
	}

	if m := monthFirstRe.FindStringSubmatch(text); len(m) == 4 {
		if t, ok := monthDayYear(m[1], m[2], m[3]); ok {
			return t, true
		}
	}

	if m := dayFirstRe.FindStringSubmatch(text); len(m) == 4 {
		if t, ok := monthDayYear(m[2], m[1], m[3]); ok {
			return t, true
		}
	}

	return time.Time{}, false
}

func monthDayYear(month, day, year string) (time.Time, bool) {
	month = strings.ToLower(month)
	if len(month) > 3 {
		month = month[:3]
	}
	month = strings.ToUpper(month[:1]) + month[1:]
	t, err := time.Parse("Jan 2 2006", fmt.Sprintf("%s %s %s", month, day, year))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// cleanDateString drops the label prefixes listing pages put in front of dates.
func cleanDateString(s string) string {
	prefixes := []string{
		"closing date:", "deadline:", "due date:", "due:", "open:",
		"opens:", "expires:", "ends:", "application deadline:",
	}
	lower := strings.ToLower(s)
	for _, p := range prefixes {
		if idx := strings.Index(lower, p); idx != -1 {
			s = s[idx+len(p):]
			lower = lower[idx+len(p):]
		}
	}
	return normalizeSpace(s)
}
