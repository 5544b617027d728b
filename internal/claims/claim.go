// Package claims holds the domain model for in-flight insurance claims: the
// unit of work driven through the processing pipeline.
package claims

import (
	"fmt"
	"time"

	"github.com/sehha/claimsbridge/internal/envelope"
)

// ClaimType enumerates the NPHIES claim categories.
type ClaimType string

const (
	TypeProfessional  ClaimType = "professional"
	TypeInstitutional ClaimType = "institutional"
	TypePharmacy      ClaimType = "pharmacy"
	TypeVision        ClaimType = "vision"
)

// Patient identifies the beneficiary on a claim.
type Patient struct {
	Name       string `json:"name"`
	NationalID string `json:"national_id"`
	Age        int    `json:"age"`
	Gender     string `json:"gender"`
}

// Payer identifies the insurer and the patient's membership.
type Payer struct {
	PayerID  string `json:"payer_id"`
	MemberID string `json:"member_id"`
}

// LineItem is one billed service on a claim. InternalCode is the facility's
// proprietary code; SBSCode is filled in by the normalizer.
type LineItem struct {
	Sequence     int     `json:"sequence"`
	InternalCode string  `json:"internal_code"`
	Quantity     int     `json:"quantity"`
	UnitPrice    float64 `json:"unit_price"`
	ServiceDate  string  `json:"service_date"`
	Description  string  `json:"description,omitempty"`

	// Populated by the pipeline stages.
	SBSCode        string `json:"sbs_code,omitempty"`
	SBSDescription string `json:"sbs_description,omitempty"`
}

// Claim is the caller-supplied claim document. ClaimID is opaque, globally
// unique and doubles as the idempotency anchor for upstream submission.
type Claim struct {
	ClaimID        string     `json:"claim_id"`
	FacilityID     int        `json:"facility_id"`
	ClaimType      ClaimType  `json:"claim_type"`
	Patient        Patient    `json:"patient"`
	Payer          Payer      `json:"payer"`
	ServiceDate    string     `json:"service_date"`
	DiagnosisCodes []string   `json:"diagnosis_codes"`
	LineItems      []LineItem `json:"line_items"`
}

// Stage names the pipeline stages in execution order.
type Stage string

const (
	StageNormalize Stage = "normalize"
	StagePrice     Stage = "price"
	StageSign      Stage = "sign"
	StageSubmit    Stage = "submit"
)

// Stages lists the pipeline stages in order.
var Stages = []Stage{StageNormalize, StagePrice, StageSign, StageSubmit}

// Index returns the position of the stage in the pipeline, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// State is a pipeline state for a claim.
type State string

const (
	StateReceived    State = "received"
	StateNormalizing State = "normalizing"
	StatePricing     State = "pricing"
	StateSigning     State = "signing"
	StateSubmitting  State = "submitting"
	StateSubmitted   State = "submitted"
)

// FailedState renders the terminal failure state for a stage.
func FailedState(stage Stage) State {
	switch stage {
	case StageNormalize:
		return "failed:normalizing"
	case StagePrice:
		return "failed:pricing"
	case StageSign:
		return "failed:signing"
	case StageSubmit:
		return "failed:submitting"
	default:
		return "failed:unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	if s == StateSubmitted {
		return true
	}
	return len(s) > 7 && s[:7] == "failed:"
}

// AcceptedAt timestamps a claim accepted by the API.
type Accepted struct {
	ClaimID     string    `json:"claim_id"`
	AcceptedAt  time.Time `json:"accepted_at"`
	TrackingURL string    `json:"tracking_url"`
}

// Validate enforces the structural invariants on a submitted claim document.
// It returns the first rejection with its precise field path.
func (c *Claim) Validate() *envelope.FieldError {
	if fe := envelope.CheckClaimID("claim_id", c.ClaimID); fe != nil {
		return fe
	}
	if c.FacilityID <= 0 {
		return &envelope.FieldError{Path: "facility_id", Reason: "must be positive"}
	}
	switch c.ClaimType {
	case TypeProfessional, TypeInstitutional, TypePharmacy, TypeVision:
	default:
		return &envelope.FieldError{Path: "claim_type", Reason: "unknown claim type"}
	}
	if fe := envelope.CheckNationalID("patient.national_id", c.Patient.NationalID); fe != nil {
		return fe
	}
	if c.Payer.PayerID == "" {
		return &envelope.FieldError{Path: "payer.payer_id", Reason: "missing"}
	}
	if c.Payer.MemberID == "" {
		return &envelope.FieldError{Path: "payer.member_id", Reason: "missing"}
	}
	if _, err := time.Parse("2006-01-02", c.ServiceDate); err != nil {
		return &envelope.FieldError{Path: "service_date", Reason: "not an ISO-8601 date"}
	}
	if len(c.LineItems) == 0 {
		return &envelope.FieldError{Path: "line_items", Reason: "must not be empty"}
	}

	net := 0.0
	for i, li := range c.LineItems {
		prefix := fmt.Sprintf("line_items[%d]", i)
		if li.Quantity < 1 {
			return &envelope.FieldError{Path: prefix + ".quantity", Reason: "must be at least 1"}
		}
		if li.UnitPrice < 0 {
			return &envelope.FieldError{Path: prefix + ".unit_price", Reason: "must not be negative"}
		}
		if li.InternalCode == "" {
			return &envelope.FieldError{Path: prefix + ".internal_code", Reason: "missing"}
		}
		net += float64(li.Quantity) * li.UnitPrice
	}
	if net <= 0 {
		return &envelope.FieldError{Path: "line_items", Reason: "claim net amount must be positive"}
	}
	return nil
}
