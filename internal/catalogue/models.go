// Package catalogue owns the read-mostly relational data the pipeline
// depends on: SBS master codes, per-facility code mappings, payer pricing
// tiers, signing certificates, and the append-only transaction log.
package catalogue

import "time"

// MappingSource tells where a normalization came from.
type MappingSource string

const (
	SourceDB MappingSource = "db"
	SourceAI MappingSource = "ai"
)

// SBSMapping maps a facility-internal code to the national catalogue.
// DB rows carry confidence 1.0; AI rows are provisional until promoted.
type SBSMapping struct {
	FacilityID     int
	InternalCode   string
	SBSCode        string
	SBSDescription string
	Confidence     float64
	Source         MappingSource
	IsActive       bool
	UpdatedAt      time.Time
}

// Bundle is a set of SBS codes priced at a flat amount when all members
// appear in one claim.
type Bundle struct {
	BundleID  string
	FlatPrice float64
	Members   []string
}

// PricingTier is the (facility, payer) pricing policy.
type PricingTier struct {
	FacilityID      int
	PayerID         string
	MarkupPct       float64
	Cap             *float64 // per-item allowed cap, nil when uncapped
	PatientSharePct float64
	Bundles         []Bundle
}

// CertMeta describes the active signing certificate for a facility. Private
// key material is referenced, never embedded.
type CertMeta struct {
	FacilityID    int
	Serial        string
	NotBefore     time.Time
	NotAfter      time.Time
	PrivateKeyRef string
	PublicKeyPEM  string
}

// TxnStatus is the status of one transaction log row.
type TxnStatus string

const (
	TxnStarted TxnStatus = "started"
	TxnOK      TxnStatus = "ok"
	TxnFailed  TxnStatus = "failed"
)

// TransactionRecord is one append-only audit row. Retries append new rows,
// never mutate.
type TransactionRecord struct {
	TxnID         string
	ClaimID       string
	Stage         string
	Attempt       int
	Status        TxnStatus
	ErrorCode     string
	UpstreamTxnID string
	RequestHash   string
	HTTPStatus    int
	DurationMs    int64
	CorrelationID string
	CreatedAt     time.Time
}
