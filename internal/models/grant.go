package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// UntitledGrant is stored when the agent returned neither grant_title nor title.
const UntitledGrant = "Untitled Grant"

// GrantRecord is one discovered funding opportunity, scoped to an organization.
// (OrganizationID, SourceURL) identifies the record.
type GrantRecord struct {
	OrganizationID string `json:"organization_id"`
	SourceURL      string `json:"source_url"`
	SourceDomain   string `json:"source_domain"`

	GrantTitle   string  `json:"grant_title"`
	FunderName   *string `json:"funder_name"`
	ProgramName  *string `json:"program_name"`
	Summary      *string `json:"summary"`
	Requirements *string `json:"requirements"`
	Documents    *string `json:"documents"`

	FocusAreas            []string `json:"focus_areas"`
	EligibleApplicants    []string `json:"eligible_applicants"`
	GeographicEligibility *string  `json:"geographic_eligibility"`
	FundingType           *string  `json:"funding_type"`
	Status                string   `json:"status"`

	FundingAmount  FundingAmount `json:"funding_amount"`
	NumberOfAwards *int          `json:"number_of_awards"`

	OpenDate              *string  `json:"open_date"`
	DeadlineDate          *string  `json:"deadline_date"`
	DeadlineTime          *string  `json:"deadline_time"`
	Timezone              *string  `json:"timezone"`
	RollingDeadline       bool     `json:"rolling_deadline"`
	InfoSessionDates      []string `json:"info_session_dates"`
	AwardAnnouncementDate *string  `json:"award_announcement_date"`
	ProjectStartDate      *string  `json:"project_start_date"`
	ProjectEndDate        *string  `json:"project_end_date"`
	DateConfidence        string   `json:"date_confidence"`
	DeadlineRawText       *string  `json:"deadline_raw_text"`

	ApplicationURL *string `json:"application_url"`

	LastVerifiedDate *string    `json:"last_verified_date"`
	LastSeenAt       *time.Time `json:"last_seen_at"`
	IsStale          bool       `json:"is_stale"`
	NeedsReview      bool       `json:"needs_review"`
}

// FundingKind is the tag of a FundingAmount.
type FundingKind string

const (
	FundingExact   FundingKind = "exact"
	FundingRange   FundingKind = "range"
	FundingCap     FundingKind = "cap"
	FundingInKind  FundingKind = "in_kind"
	FundingUnknown FundingKind = "unknown"
)

// FundingAmount holds the agent's tagged funding JSON exactly as received.
// An empty value means the amount is unknown; it is never read as zero.
type FundingAmount struct {
	Raw json.RawMessage
}

// FundingShape is a read-only view of a FundingAmount.
type FundingShape struct {
	Kind      FundingKind
	Amount    *float64
	MinAmount *float64
	MaxAmount *float64
	Currency  string
	Details   string
}

// IsZero reports whether no funding information was supplied.
func (f FundingAmount) IsZero() bool {
	trimmed := bytes.TrimSpace(f.Raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Shape decodes the tag without rewriting the stored value.
func (f FundingAmount) Shape() FundingShape {
	if f.IsZero() {
		return FundingShape{Kind: FundingUnknown}
	}

	var v struct {
		Type      string   `json:"type"`
		Amount    *float64 `json:"amount"`
		MinAmount *float64 `json:"min_amount"`
		MaxAmount *float64 `json:"max_amount"`
		Currency  string   `json:"currency"`
		Details   string   `json:"details"`
	}
	if err := json.Unmarshal(f.Raw, &v); err != nil {
		return FundingShape{Kind: FundingUnknown}
	}

	shape := FundingShape{
		Amount:    v.Amount,
		MinAmount: v.MinAmount,
		MaxAmount: v.MaxAmount,
		Currency:  v.Currency,
		Details:   v.Details,
	}
	switch {
	case v.Type == "in_kind":
		shape.Kind = FundingInKind
	case v.Type == "range" || (v.MinAmount != nil && v.MaxAmount != nil):
		shape.Kind = FundingRange
	case v.Type == "cap" || v.MaxAmount != nil:
		shape.Kind = FundingCap
	case v.Amount != nil:
		shape.Kind = FundingExact
	default:
		shape.Kind = FundingUnknown
	}
	return shape
}

func (f FundingAmount) MarshalJSON() ([]byte, error) {
	if f.IsZero() {
		return []byte("null"), nil
	}
	return f.Raw, nil
}

func (f *FundingAmount) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		f.Raw = nil
		return nil
	}
	f.Raw = append(f.Raw[:0], data...)
	return nil
}
