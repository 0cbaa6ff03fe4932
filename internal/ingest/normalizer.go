package ingest

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/david/grant-tracker/internal/models"
)

var stripPolicy = bluemonday.StrictPolicy()

// HTMLToText strips markup from s and collapses whitespace.
func HTMLToText(s string) string {
	s = strings.ToValidUTF8(s, "")
	if !strings.ContainsAny(s, "<&") {
		return normalizeSpace(s)
	}
	sanitized := stripPolicy.Sanitize(s)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(sanitized))
	if err != nil {
		return normalizeSpace(sanitized)
	}
	return normalizeSpace(doc.Text())
}

// NormalizeGrant maps one agent-produced grant object onto the canonical
// record. Each field is coerced independently and a bad field never
// rejects the record. Identity and bookkeeping fields are left to
// ResolveIdentity and StampObservation.
func NormalizeGrant(raw map[string]any) models.GrantRecord {
	g := models.GrantRecord{
		GrantTitle:            models.UntitledGrant,
		FunderName:            textField(raw, "funder_name", "funder"),
		ProgramName:           textField(raw, "program_name"),
		Summary:               textField(raw, "summary", "description"),
		Requirements:          textField(raw, "requirements"),
		Documents:             documentsField(raw["documents"]),
		FocusAreas:            listField(raw["focus_areas"]),
		EligibleApplicants:    listField(raw["eligible_applicants"]),
		GeographicEligibility: textField(raw, "geographic_eligibility"),
		FundingType:           textField(raw, "funding_type"),
		Status:                "unknown",
		FundingAmount:         fundingField(raw["funding_amount"]),
		NumberOfAwards:        intField(raw["number_of_awards"]),
		OpenDate:              NormalizeDate(raw["open_date"]),
		DeadlineDate:          NormalizeDate(raw["deadline_date"]),
		DeadlineTime:          textField(raw, "deadline_time"),
		Timezone:              textField(raw, "timezone"),
		RollingDeadline:       raw["rolling_deadline"] == true,
		AwardAnnouncementDate: NormalizeDate(raw["award_announcement_date"]),
		ProjectStartDate:      NormalizeDate(raw["project_start_date"]),
		ProjectEndDate:        NormalizeDate(raw["project_end_date"]),
		DateConfidence:        "unknown",
		DeadlineRawText:       verbatimField(raw, "deadline_raw_text"),
		ApplicationURL:        verbatimField(raw, "application_url"),
	}

	if title := textField(raw, "grant_title", "title"); title != nil {
		g.GrantTitle = *title
	}
	if v := textField(raw, "status"); v != nil {
		g.Status = strings.ToLower(*v)
	}
	if v := textField(raw, "date_confidence"); v != nil {
		g.DateConfidence = strings.ToLower(*v)
	}
	if v := verbatimField(raw, "source_url"); v != nil {
		g.SourceURL = *v
	}

	if v := raw["info_session_dates"]; v != nil {
		g.InfoSessionDates = dateListField(v)
	}

	if g.RollingDeadline {
		g.DeadlineDate = nil
	}

	return g
}

// textField returns the first non-blank value among keys as cleaned plain text.
func textField(raw map[string]any, keys ...string) *string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		if s := HTMLToText(stringify(v)); s != "" {
			return &s
		}
	}
	return nil
}

// verbatimField keeps the value as received apart from surrounding whitespace.
func verbatimField(raw map[string]any, key string) *string {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil
	}
	s := strings.TrimSpace(stringify(v))
	if s == "" {
		return nil
	}
	return &s
}

func documentsField(v any) *string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return &t
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return strPtr(string(b))
	default:
		return strPtr(stringify(t))
	}
}

func listField(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	values := make([]string, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		values = append(values, HTMLToText(stringify(item)))
	}
	return mergeUniqueFold(out, values)
}

func dateListField(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if d := NormalizeDate(item); d != nil {
			out = append(out, *d)
		}
	}
	return out
}

func fundingField(v any) models.FundingAmount {
	if v == nil {
		return models.FundingAmount{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return models.FundingAmount{}
	}
	return models.FundingAmount{Raw: b}
}

// intField accepts positive whole numbers given as JSON numbers or digit strings.
func intField(v any) *int {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return nil
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(t), ",", ""), 64)
		if err != nil {
			return nil
		}
		f = n
	default:
		return nil
	}
	if f <= 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return nil
	}
	n := int(f)
	return &n
}
