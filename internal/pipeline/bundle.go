package pipeline

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/sehha/claimsbridge/internal/claims"
	"github.com/sehha/claimsbridge/internal/envelope"
	"github.com/sehha/claimsbridge/internal/pricing"
	"github.com/sehha/claimsbridge/internal/signer"
)

// bundleEntry is one priced service line in the outbound bundle.
type bundleEntry struct {
	Sequence     int             `json:"sequence"`
	SBSCode      string          `json:"sbs_code"`
	Description  string          `json:"description,omitempty"`
	Quantity     int             `json:"quantity"`
	Billed       decimal.Decimal `json:"billed"`
	Allowed      decimal.Decimal `json:"allowed"`
	BundleID     string          `json:"bundle_id,omitempty"`
	ServiceDate  string          `json:"service_date,omitempty"`
	InternalCode string          `json:"internal_code"`
}

// claimBundle is the canonical document the signer signs and the gateway
// receives. Field set is stable; canonicalization sorts keys and strips
// insignificant whitespace.
type claimBundle struct {
	ResourceType   string           `json:"resourceType"`
	ClaimID        string           `json:"claim_id"`
	ClaimType      claims.ClaimType `json:"claim_type"`
	FacilityID     int              `json:"facility_id"`
	Patient        claims.Patient   `json:"patient"`
	Payer          claims.Payer     `json:"payer"`
	ServiceDate    string           `json:"service_date"`
	DiagnosisCodes []string         `json:"diagnosis_codes"`
	Entries        []bundleEntry    `json:"entries"`
	Totals         pricing.Totals   `json:"totals"`
}

// signedEnvelope pairs the canonical bundle with its detached signature.
type signedEnvelope struct {
	Bundle    json.RawMessage   `json:"bundle"`
	Signature *signer.Signature `json:"signature"`
}

// buildBundle assembles the canonical bundle bytes for signing.
func buildBundle(claim *claims.Claim, priced *pricing.Result) ([]byte, error) {
	byLine := make(map[int]pricing.PricedLine, len(priced.Lines))
	for _, pl := range priced.Lines {
		byLine[pl.Sequence] = pl
	}

	b := claimBundle{
		ResourceType:   "Bundle",
		ClaimID:        claim.ClaimID,
		ClaimType:      claim.ClaimType,
		FacilityID:     claim.FacilityID,
		Patient:        claim.Patient,
		Payer:          claim.Payer,
		ServiceDate:    claim.ServiceDate,
		DiagnosisCodes: claim.DiagnosisCodes,
		Totals:         priced.Totals,
	}
	for _, li := range claim.LineItems {
		pl := byLine[li.Sequence]
		b.Entries = append(b.Entries, bundleEntry{
			Sequence:     li.Sequence,
			SBSCode:      li.SBSCode,
			Description:  li.SBSDescription,
			Quantity:     li.Quantity,
			Billed:       pl.Billed,
			Allowed:      pl.Allowed,
			BundleID:     pl.BundleID,
			ServiceDate:  li.ServiceDate,
			InternalCode: li.InternalCode,
		})
	}
	return canonicalJSON(b)
}

// canonicalJSON renders v with sorted object keys and no insignificant
// whitespace, so equal documents always produce equal bytes.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, envelope.Wrap(err, envelope.KindInternal, "PIPELINE_CANONICALIZE", "bundle serialization failed")
	}
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, envelope.Wrap(err, envelope.KindInternal, "PIPELINE_CANONICALIZE", "bundle serialization failed")
	}
	out, err := json.Marshal(tree)
	if err != nil {
		return nil, envelope.Wrap(err, envelope.KindInternal, "PIPELINE_CANONICALIZE", "bundle serialization failed")
	}
	return out, nil
}
