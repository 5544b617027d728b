package catalogue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/sehha/claimsbridge/internal/envelope"
)

// Store wraps the pooled Postgres connection. All queries are parameterized
// and hit the (facility_id, ...) indexes; a handle is held only for the
// duration of one call.
type Store struct {
	db *sql.DB
}

// Open connects with the given pool bounds and verifies connectivity.
func Open(dsn string, poolMin, poolMax int) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(poolMax)
	db.SetMaxIdleConns(poolMin)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports store reachability for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetMapping looks up the active mapping for (facility_id, internal_code).
// Returns nil on miss.
func (s *Store) GetMapping(ctx context.Context, facilityID int, internalCode string) (*SBSMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.sbs_code, COALESCE(sm.description, ''), m.confidence, m.source, m.updated_at
		FROM sbs_normalization_map m
		LEFT JOIN sbs_master sm ON sm.code = m.sbs_code
		WHERE m.facility_id = $1 AND m.internal_code = $2 AND m.is_active = TRUE`,
		facilityID, internalCode)

	m := SBSMapping{FacilityID: facilityID, InternalCode: internalCode, IsActive: true}
	var source string
	err := row.Scan(&m.SBSCode, &m.SBSDescription, &m.Confidence, &source, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "CATALOGUE_MAPPING_QUERY")
	}
	m.Source = MappingSource(source)
	if m.Confidence < 0 || m.Confidence > 1 {
		return nil, envelope.New(envelope.KindDataCorrupt, "CATALOGUE_MAPPING_CORRUPT",
			fmt.Sprintf("mapping confidence %g out of range", m.Confidence))
	}
	return &m, nil
}

// GetTier resolves the pricing tier for (facility_id, payer_id) including its
// bundle definitions. Returns nil on miss.
func (s *Store) GetTier(ctx context.Context, facilityID int, payerID string) (*PricingTier, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT markup_pct, cap, COALESCE(patient_share_pct, 0)
		FROM pricing_tiers
		WHERE facility_id = $1 AND payer_id = $2`,
		facilityID, payerID)

	tier := PricingTier{FacilityID: facilityID, PayerID: payerID}
	var cap sql.NullFloat64
	err := row.Scan(&tier.MarkupPct, &cap, &tier.PatientSharePct)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "CATALOGUE_TIER_QUERY")
	}
	if cap.Valid {
		tier.Cap = &cap.Float64
	}

	bundles, err := s.loadBundles(ctx, facilityID, payerID)
	if err != nil {
		return nil, err
	}
	tier.Bundles = bundles
	return &tier, nil
}

func (s *Store) loadBundles(ctx context.Context, facilityID int, payerID string) ([]Bundle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.bundle_id, b.flat_price, m.sbs_code
		FROM pricing_bundles b
		JOIN pricing_bundle_members m ON m.bundle_id = b.bundle_id
		WHERE b.facility_id = $1 AND b.payer_id = $2
		ORDER BY b.bundle_id, m.sbs_code`,
		facilityID, payerID)
	if err != nil {
		return nil, storeErr(err, "CATALOGUE_BUNDLE_QUERY")
	}
	defer rows.Close()

	byID := make(map[string]*Bundle)
	var order []string
	for rows.Next() {
		var id, member string
		var flat float64
		if err := rows.Scan(&id, &flat, &member); err != nil {
			return nil, envelope.Wrap(err, envelope.KindDataCorrupt, "CATALOGUE_BUNDLE_CORRUPT", "malformed bundle row")
		}
		b, ok := byID[id]
		if !ok {
			b = &Bundle{BundleID: id, FlatPrice: flat}
			byID[id] = b
			order = append(order, id)
		}
		b.Members = append(b.Members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "CATALOGUE_BUNDLE_QUERY")
	}

	bundles := make([]Bundle, 0, len(order))
	for _, id := range order {
		bundles = append(bundles, *byID[id])
	}
	return bundles, nil
}

// GetActiveCert returns the single active certificate for the facility, or
// nil when none exists.
func (s *Store) GetActiveCert(ctx context.Context, facilityID int) (*CertMeta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT serial, not_before, not_after, private_key_ref, public_key
		FROM facility_certificates
		WHERE facility_id = $1 AND is_active = TRUE`,
		facilityID)

	cert := CertMeta{FacilityID: facilityID}
	err := row.Scan(&cert.Serial, &cert.NotBefore, &cert.NotAfter, &cert.PrivateKeyRef, &cert.PublicKeyPEM)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "CATALOGUE_CERT_QUERY")
	}
	if cert.PrivateKeyRef == "" {
		return nil, envelope.New(envelope.KindDataCorrupt, "CATALOGUE_CERT_CORRUPT", "certificate row missing key reference")
	}
	return &cert, nil
}

// RecordAISuggestion appends a provisional AI mapping. It never overwrites an
// existing mapping: the row lands inactive, awaiting operator promotion.
func (s *Store) RecordAISuggestion(ctx context.Context, facilityID int, internalCode, suggestedSBS string, confidence float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sbs_normalization_map (facility_id, internal_code, sbs_code, confidence, source, is_active, updated_at)
		VALUES ($1, $2, $3, $4, 'ai', FALSE, NOW())
		ON CONFLICT (facility_id, internal_code, sbs_code) DO NOTHING`,
		facilityID, internalCode, suggestedSBS, confidence)
	if err != nil {
		return storeErr(err, "CATALOGUE_AI_SUGGESTION")
	}
	return nil
}

func storeErr(err error, code string) error {
	return envelope.Wrap(err, envelope.KindUpstreamUnavailable, code, "catalogue store unavailable")
}
