package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sehha/claimsbridge/internal/catalogue"
	"github.com/sehha/claimsbridge/internal/claims"
	"github.com/sehha/claimsbridge/internal/envelope"
	"github.com/sehha/claimsbridge/internal/normalizer"
	"github.com/sehha/claimsbridge/internal/nphies"
	"github.com/sehha/claimsbridge/internal/pricing"
	"github.com/sehha/claimsbridge/internal/signer"
)

// ===== Fakes =====

type memTxnStore struct {
	mu      sync.Mutex
	rows    []catalogue.TransactionRecord
	locked  map[string]bool
	lockErr error
}

func newMemTxnStore() *memTxnStore {
	return &memTxnStore{locked: make(map[string]bool)}
}

func (m *memTxnStore) AppendTransaction(_ context.Context, rec *catalogue.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.CreatedAt = time.Now()
	m.rows = append(m.rows, *rec)
	return nil
}

func (m *memTxnStore) ListTransactions(_ context.Context, claimID string) ([]catalogue.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []catalogue.TransactionRecord
	for _, r := range m.rows {
		if r.ClaimID == claimID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memTxnStore) AcquireClaimLock(_ context.Context, claimID string) (*catalogue.ClaimLock, error) {
	if m.lockErr != nil {
		return nil, m.lockErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked[claimID] {
		return nil, nil
	}
	m.locked[claimID] = true
	return &catalogue.ClaimLock{}, nil
}

func (m *memTxnStore) stageRows(claimID, stage string) []catalogue.TransactionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []catalogue.TransactionRecord
	for _, r := range m.rows {
		if r.ClaimID == claimID && r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

type stubNormalizer struct {
	err   error
	delay time.Duration
}

func (s *stubNormalizer) Normalize(ctx context.Context, _ int, internalCode, _ string) (*normalizer.Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, envelope.Wrap(ctx.Err(), envelope.KindTimeout, "NORMALIZER_TIMEOUT", "deadline exceeded")
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &normalizer.Result{SBSCode: "SBS-" + internalCode, SBSDescription: "mapped", Confidence: 1.0, Source: "db"}, nil
}

type stubPricer struct {
	err error
}

func (s *stubPricer) Price(_ context.Context, claim *claims.Claim) (*pricing.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	res := &pricing.Result{}
	for _, li := range claim.LineItems {
		res.Lines = append(res.Lines, pricing.PricedLine{Sequence: li.Sequence, SBSCode: li.SBSCode, Quantity: li.Quantity})
	}
	return res, nil
}

type stubSigner struct {
	err error
}

func (s *stubSigner) Sign(_ context.Context, _ int, bundle []byte) (*signer.Signature, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &signer.Signature{SignatureB64: "c2ln", CertSerial: "CERT-1", Algorithm: "SHA256withRSA", SignedAt: time.Now()}, nil
}

type stubGateway struct {
	err      error
	envelope []byte
}

func (s *stubGateway) Submit(_ context.Context, _ nphies.Kind, _ int, _ string, envelopeBytes []byte) (*nphies.Result, error) {
	s.envelope = envelopeBytes
	if s.err != nil {
		return nil, s.err
	}
	return &nphies.Result{UpstreamTxnID: "NPHIES-0001", HTTPStatus: 200}, nil
}

type memNotifier struct {
	mu     sync.Mutex
	events []string
}

func (m *memNotifier) Emit(event string, _ map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func validClaim(id string) *claims.Claim {
	return &claims.Claim{
		ClaimID:     id,
		FacilityID:  1,
		ClaimType:   claims.TypeProfessional,
		Patient:     claims.Patient{Name: "x", NationalID: "1234567890", Age: 30, Gender: "male"},
		Payer:       claims.Payer{PayerID: "P1", MemberID: "M1"},
		ServiceDate: "2026-08-01",
		LineItems: []claims.LineItem{
			{Sequence: 1, InternalCode: "PROC-1", Quantity: 1, UnitPrice: 200},
		},
	}
}

func newOrchestrator(txns TxnStore, opts ...func(*Orchestrator)) *Orchestrator {
	o := New(txns, &stubNormalizer{}, &stubPricer{}, &stubSigner{}, &stubGateway{}, Deadlines{}, 10, nil, nil)
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// ===== Tests =====

func TestProcess_HappyPath(t *testing.T) {
	txns := newMemTxnStore()
	notifier := &memNotifier{}
	gw := &stubGateway{}
	o := New(txns, &stubNormalizer{}, &stubPricer{}, &stubSigner{}, gw, Deadlines{}, 10, notifier, nil)

	out, err := o.Process(context.Background(), validClaim("CLM-1"))
	require.NoError(t, err)
	assert.Equal(t, claims.StateSubmitted, out.TerminalState)
	assert.Equal(t, "NPHIES-0001", out.UpstreamTxnID)
	assert.Empty(t, out.StageErrors)

	// started + ok rows per stage, in pipeline order.
	for _, stage := range claims.Stages {
		rows := txns.stageRows("CLM-1", string(stage))
		require.Len(t, rows, 2, "stage %s", stage)
		assert.Equal(t, catalogue.TxnStarted, rows[0].Status)
		assert.Equal(t, catalogue.TxnOK, rows[1].Status)
	}
	assert.Equal(t, []string{EventSubmitted}, notifier.events)

	// The gateway received a signed envelope wrapping the canonical bundle.
	var env struct {
		Bundle    json.RawMessage `json:"bundle"`
		Signature struct {
			Algorithm string `json:"algorithm"`
		} `json:"signature"`
	}
	require.NoError(t, json.Unmarshal(gw.envelope, &env))
	assert.Equal(t, "SHA256withRSA", env.Signature.Algorithm)
	assert.NotEmpty(t, env.Bundle)
}

func TestProcess_NormalizeFailureStopsPipeline(t *testing.T) {
	txns := newMemTxnStore()
	notifier := &memNotifier{}
	o := New(txns, &stubNormalizer{err: envelope.New(envelope.KindNotFound, "NORMALIZER_NOT_FOUND", "no mapping")},
		&stubPricer{}, &stubSigner{}, &stubGateway{}, Deadlines{}, 10, notifier, nil)

	out, err := o.Process(context.Background(), validClaim("CLM-2"))
	require.Error(t, err)
	assert.Equal(t, claims.State("failed:normalizing"), out.TerminalState)
	require.Len(t, out.StageErrors, 1)
	assert.Equal(t, claims.StageNormalize, out.StageErrors[0].Stage)
	assert.Equal(t, "NORMALIZER_NOT_FOUND", out.StageErrors[0].Code)

	// Later stages never ran.
	assert.Empty(t, txns.stageRows("CLM-2", "price"))
	assert.Empty(t, txns.stageRows("CLM-2", "sign"))
	assert.Empty(t, txns.stageRows("CLM-2", "submit"))

	rows := txns.stageRows("CLM-2", "normalize")
	require.Len(t, rows, 2)
	assert.Equal(t, catalogue.TxnFailed, rows[1].Status)
	assert.Equal(t, "NORMALIZER_NOT_FOUND", rows[1].ErrorCode)
	assert.Equal(t, []string{EventFailed}, notifier.events)
}

func TestProcess_SubmitFailure(t *testing.T) {
	txns := newMemTxnStore()
	o := New(txns, &stubNormalizer{}, &stubPricer{}, &stubSigner{},
		&stubGateway{err: envelope.New(envelope.KindUpstreamRejected, "NPHIES_UPSTREAM_REJECTED", "bad member")},
		Deadlines{}, 10, nil, nil)

	out, err := o.Process(context.Background(), validClaim("CLM-3"))
	require.Error(t, err)
	assert.Equal(t, claims.State("failed:submitting"), out.TerminalState)
	assert.Equal(t, envelope.KindUpstreamRejected, envelope.KindOf(err))

	// All earlier stages completed.
	for _, stage := range []string{"normalize", "price", "sign"} {
		rows := txns.stageRows("CLM-3", stage)
		require.Len(t, rows, 2)
		assert.Equal(t, catalogue.TxnOK, rows[1].Status)
	}
}

func TestProcess_InvalidClaimRejectedBeforeAnyRow(t *testing.T) {
	txns := newMemTxnStore()
	o := newOrchestrator(txns)

	bad := validClaim("CLM-4")
	bad.LineItems = nil
	_, err := o.Process(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, envelope.KindInvalidInput, envelope.KindOf(err))
	assert.Empty(t, txns.rows)
}

func TestProcess_ConcurrentRunConflicts(t *testing.T) {
	txns := newMemTxnStore()
	txns.locked["CLM-5"] = true
	o := newOrchestrator(txns)

	_, err := o.Process(context.Background(), validClaim("CLM-5"))
	require.Error(t, err)
	assert.Equal(t, envelope.KindConflict, envelope.KindOf(err))
	assert.Equal(t, "PIPELINE_CLAIM_IN_FLIGHT", envelope.CodeOf(err))
}

func TestProcess_SaturationIsRateLimited(t *testing.T) {
	txns := newMemTxnStore()
	o := New(txns, &stubNormalizer{}, &stubPricer{}, &stubSigner{}, &stubGateway{}, Deadlines{}, 1, nil, nil)

	// Occupy the single in-flight slot.
	o.inflight <- struct{}{}
	defer func() { <-o.inflight }()

	_, err := o.Process(context.Background(), validClaim("CLM-6"))
	require.Error(t, err)
	assert.Equal(t, envelope.KindRateLimited, envelope.KindOf(err))
}

func TestProcess_StageDeadlineYieldsTimeout(t *testing.T) {
	txns := newMemTxnStore()
	o := New(txns, &stubNormalizer{delay: 300 * time.Millisecond}, &stubPricer{}, &stubSigner{}, &stubGateway{},
		Deadlines{Normalize: 50 * time.Millisecond}, 10, nil, nil)

	out, err := o.Process(context.Background(), validClaim("CLM-7"))
	require.Error(t, err)
	assert.Equal(t, envelope.KindTimeout, envelope.KindOf(err))
	assert.Equal(t, claims.State("failed:normalizing"), out.TerminalState)

	rows := txns.stageRows("CLM-7", "normalize")
	require.Len(t, rows, 2)
	assert.Equal(t, catalogue.TxnFailed, rows[1].Status)
}

func TestStatus_Projection(t *testing.T) {
	txns := newMemTxnStore()
	o := newOrchestrator(txns)

	_, err := o.Process(context.Background(), validClaim("CLM-8"))
	require.NoError(t, err)

	view, err := o.Status(context.Background(), "CLM-8")
	require.NoError(t, err)
	assert.Equal(t, claims.StateSubmitted, view.TerminalState)
	assert.Equal(t, "NPHIES-0001", view.UpstreamTxnID)
	require.Len(t, view.Stages, 4)
	for _, st := range view.Stages {
		assert.Equal(t, catalogue.TxnOK, st.Status)
		assert.Equal(t, 1, st.Attempts)
	}
}

func TestStatus_FailedRun(t *testing.T) {
	txns := newMemTxnStore()
	o := New(txns, &stubNormalizer{}, &stubPricer{err: envelope.New(envelope.KindNotFound, "PRICING_TIER_NOT_FOUND", "no tier")},
		&stubSigner{}, &stubGateway{}, Deadlines{}, 10, nil, nil)

	_, err := o.Process(context.Background(), validClaim("CLM-9"))
	require.Error(t, err)

	view, err := o.Status(context.Background(), "CLM-9")
	require.NoError(t, err)
	assert.Equal(t, claims.State("failed:pricing"), view.TerminalState)
	require.Len(t, view.Stages, 2)
	assert.Equal(t, catalogue.TxnFailed, view.Stages[1].Status)
	assert.Equal(t, "PRICING_TIER_NOT_FOUND", view.Stages[1].ErrorCode)
}

func TestStatus_UnknownClaim(t *testing.T) {
	o := newOrchestrator(newMemTxnStore())

	_, err := o.Status(context.Background(), "CLM-NONE")
	require.Error(t, err)
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(err))
}

func TestEnqueue_ProcessesAsynchronously(t *testing.T) {
	txns := newMemTxnStore()
	o := newOrchestrator(txns)

	require.NoError(t, o.Enqueue(context.Background(), validClaim("CLM-A1")))

	assert.Eventually(t, func() bool {
		view, err := o.Status(context.Background(), "CLM-A1")
		return err == nil && view.TerminalState == claims.StateSubmitted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueue_SynchronousRejections(t *testing.T) {
	txns := newMemTxnStore()
	txns.locked["CLM-A2"] = true
	o := newOrchestrator(txns)

	err := o.Enqueue(context.Background(), validClaim("CLM-A2"))
	require.Error(t, err)
	assert.Equal(t, envelope.KindConflict, envelope.KindOf(err))

	bad := validClaim("CLM-A3")
	bad.Patient.NationalID = "bogus"
	err = o.Enqueue(context.Background(), bad)
	require.Error(t, err)
	assert.Equal(t, envelope.KindInvalidInput, envelope.KindOf(err))

	// Rejections must not leak in-flight slots.
	assert.Empty(t, o.inflight)
}

func TestCanonicalJSON_StableAcrossEquivalentInputs(t *testing.T) {
	a, err := canonicalJSON(map[string]interface{}{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := canonicalJSON(map[string]interface{}{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":2,"b":1}`, string(a))
}
