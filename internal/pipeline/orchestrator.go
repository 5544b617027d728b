// Package pipeline drives a claim through its four stages in order:
// normalize, price, sign, submit. Every stage boundary is persisted as an
// append-only transaction row, so the log alone reconstructs what happened
// to any claim.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sehha/claimsbridge/internal/catalogue"
	"github.com/sehha/claimsbridge/internal/claims"
	"github.com/sehha/claimsbridge/internal/envelope"
	"github.com/sehha/claimsbridge/internal/metrics"
	"github.com/sehha/claimsbridge/internal/normalizer"
	"github.com/sehha/claimsbridge/internal/nphies"
	"github.com/sehha/claimsbridge/internal/pricing"
	"github.com/sehha/claimsbridge/internal/signer"
)

// abandonGrace is how long past its deadline a stage may run before the
// orchestrator gives up on it and records a timeout.
const abandonGrace = 2 * time.Second

// Lifecycle event names emitted to webhook subscribers.
const (
	EventSubmitted = "claim.submitted"
	EventFailed    = "claim.failed"
)

// ===== Collaborator contracts =====

// TxnStore persists transaction rows and owns the per-claim advisory lock.
type TxnStore interface {
	AppendTransaction(ctx context.Context, rec *catalogue.TransactionRecord) error
	ListTransactions(ctx context.Context, claimID string) ([]catalogue.TransactionRecord, error)
	AcquireClaimLock(ctx context.Context, claimID string) (*catalogue.ClaimLock, error)
}

// Normalizer maps one internal code to the national catalogue.
type Normalizer interface {
	Normalize(ctx context.Context, facilityID int, internalCode, description string) (*normalizer.Result, error)
}

// Pricer applies the payer tier rules.
type Pricer interface {
	Price(ctx context.Context, claim *claims.Claim) (*pricing.Result, error)
}

// BundleSigner signs the canonical bundle.
type BundleSigner interface {
	Sign(ctx context.Context, facilityID int, bundle []byte) (*signer.Signature, error)
}

// Submitter sends the signed envelope upstream.
type Submitter interface {
	Submit(ctx context.Context, kind nphies.Kind, facilityID int, claimID string, envelopeBytes []byte) (*nphies.Result, error)
}

// Notifier receives lifecycle events. May be nil.
type Notifier interface {
	Emit(event string, payload map[string]interface{})
}

// ===== Results =====

// StageError describes where and how a run failed.
type StageError struct {
	Stage   claims.Stage  `json:"stage"`
	Kind    envelope.Kind `json:"kind"`
	Code    string        `json:"code"`
	Message string        `json:"message"`
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	ClaimID       string       `json:"claim_id"`
	TerminalState claims.State `json:"terminal_state"`
	UpstreamTxnID string       `json:"upstream_txn_id,omitempty"`
	StageErrors   []StageError `json:"stage_errors,omitempty"`
}

// StageStatus is one stage's projection in a status view.
type StageStatus struct {
	Stage     claims.Stage        `json:"stage"`
	Status    catalogue.TxnStatus `json:"status"`
	Attempts  int                 `json:"attempts"`
	ErrorCode string              `json:"error_code,omitempty"`
}

// StatusView is the Status projection assembled from the transaction log.
type StatusView struct {
	ClaimID       string        `json:"claim_id"`
	Stages        []StageStatus `json:"stages"`
	Current       claims.State  `json:"current"`
	TerminalState claims.State  `json:"terminal_state,omitempty"`
	UpstreamTxnID string        `json:"upstream_txn_id,omitempty"`
}

// Deadlines are the per-stage execution budgets.
type Deadlines struct {
	Normalize time.Duration
	Price     time.Duration
	Sign      time.Duration
	Submit    time.Duration
}

func (d Deadlines) forStage(stage claims.Stage) time.Duration {
	switch stage {
	case claims.StageNormalize:
		return d.Normalize
	case claims.StagePrice:
		return d.Price
	case claims.StageSign:
		return d.Sign
	default:
		return d.Submit
	}
}

// ===== Orchestrator =====

// Orchestrator runs claims through the pipeline with a bounded in-flight
// budget. It is stateless across runs; the transaction log is the record.
type Orchestrator struct {
	txns       TxnStore
	normalizer Normalizer
	pricer     Pricer
	signer     BundleSigner
	gateway    Submitter
	notifier   Notifier
	metrics    *metrics.Metrics

	deadlines Deadlines
	inflight  chan struct{}
}

// New assembles the orchestrator. inflightMax bounds concurrent runs.
func New(txns TxnStore, n Normalizer, p Pricer, s BundleSigner, g Submitter, deadlines Deadlines, inflightMax int, notifier Notifier, m *metrics.Metrics) *Orchestrator {
	if inflightMax <= 0 {
		inflightMax = 200
	}
	if deadlines.Normalize <= 0 {
		deadlines.Normalize = 15 * time.Second
	}
	if deadlines.Price <= 0 {
		deadlines.Price = 5 * time.Second
	}
	if deadlines.Sign <= 0 {
		deadlines.Sign = 10 * time.Second
	}
	if deadlines.Submit <= 0 {
		deadlines.Submit = 45 * time.Second
	}
	return &Orchestrator{
		txns:       txns,
		normalizer: n,
		pricer:     p,
		signer:     s,
		gateway:    g,
		notifier:   notifier,
		metrics:    m,
		deadlines:  deadlines,
		inflight:   make(chan struct{}, inflightMax),
	}
}

// run carries the intermediate stage outputs of one pipeline pass.
type run struct {
	claim         *claims.Claim
	priced        *pricing.Result
	envelopeBytes []byte
	upstreamTxnID string
}

// Process drives the claim to a terminal state. At most one run per claim_id
// is in flight across the fleet; a concurrent attempt fails with a conflict.
func (o *Orchestrator) Process(ctx context.Context, claim *claims.Claim) (*Outcome, error) {
	select {
	case o.inflight <- struct{}{}:
	default:
		if o.metrics != nil {
			o.metrics.ClaimsThrottled.Inc()
		}
		return nil, envelope.New(envelope.KindRateLimited, "PIPELINE_SATURATED",
			"pipeline in-flight budget exhausted").WithDetail("retry_after_ms", "1000")
	}
	defer func() { <-o.inflight }()

	if o.metrics != nil {
		o.metrics.ClaimsInflight.Inc()
		defer o.metrics.ClaimsInflight.Dec()
	}

	if fe := claim.Validate(); fe != nil {
		return nil, fe.AsInvalidInput("PIPELINE_CLAIM_INVALID")
	}

	lock, err := o.txns.AcquireClaimLock(ctx, claim.ClaimID)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, catalogue.ErrClaimLocked(claim.ClaimID)
	}
	defer lock.Release()

	return o.runStages(ctx, claim)
}

// Enqueue accepts the claim for asynchronous processing. Saturation, invalid
// claims, and in-flight conflicts are reported synchronously; stage outcomes
// land in the transaction log and are observable through Status.
func (o *Orchestrator) Enqueue(ctx context.Context, claim *claims.Claim) error {
	select {
	case o.inflight <- struct{}{}:
	default:
		if o.metrics != nil {
			o.metrics.ClaimsThrottled.Inc()
		}
		return envelope.New(envelope.KindRateLimited, "PIPELINE_SATURATED",
			"pipeline in-flight budget exhausted").WithDetail("retry_after_ms", "1000")
	}

	if fe := claim.Validate(); fe != nil {
		<-o.inflight
		return fe.AsInvalidInput("PIPELINE_CLAIM_INVALID")
	}

	lock, err := o.txns.AcquireClaimLock(ctx, claim.ClaimID)
	if err != nil {
		<-o.inflight
		return err
	}
	if lock == nil {
		<-o.inflight
		return catalogue.ErrClaimLocked(claim.ClaimID)
	}

	// The run outlives the HTTP request; only the correlation ID carries over.
	runCtx := envelope.WithCorrelation(context.Background(), envelope.CorrelationFrom(ctx))
	go func() {
		defer func() { <-o.inflight }()
		defer lock.Release()
		if o.metrics != nil {
			o.metrics.ClaimsInflight.Inc()
			defer o.metrics.ClaimsInflight.Dec()
		}
		if _, err := o.runStages(runCtx, claim); err != nil {
			log.Printf("[PIPELINE] ❌ claim %s terminated with error: %v", claim.ClaimID, err)
		}
	}()
	return nil
}

// runStages executes the four stages in order and records the terminal state.
func (o *Orchestrator) runStages(ctx context.Context, claim *claims.Claim) (*Outcome, error) {
	r := &run{claim: claim}
	outcome := &Outcome{ClaimID: claim.ClaimID}

	for _, stage := range claims.Stages {
		if err := o.runStage(ctx, r, stage); err != nil {
			outcome.TerminalState = claims.FailedState(stage)
			outcome.StageErrors = append(outcome.StageErrors, StageError{
				Stage:   stage,
				Kind:    envelope.KindOf(err),
				Code:    envelope.CodeOf(err),
				Message: err.Error(),
			})
			o.recordTerminal(outcome)
			if e, ok := err.(*envelope.Error); ok {
				err = e.WithDetail("stage", string(stage))
			}
			return outcome, err
		}
	}

	outcome.TerminalState = claims.StateSubmitted
	outcome.UpstreamTxnID = r.upstreamTxnID
	o.recordTerminal(outcome)
	return outcome, nil
}

// runStage writes the started row, executes the stage under its deadline plus
// the abandonment grace, and writes the terminal row before returning.
func (o *Orchestrator) runStage(ctx context.Context, r *run, stage claims.Stage) error {
	correlationID := envelope.CorrelationFrom(ctx)
	started := &catalogue.TransactionRecord{
		ClaimID:       r.claim.ClaimID,
		Stage:         string(stage),
		Attempt:       1,
		Status:        catalogue.TxnStarted,
		CorrelationID: correlationID,
	}
	if err := o.txns.AppendTransaction(ctx, started); err != nil {
		return err
	}

	deadline := o.deadlines.forStage(stage)
	stageCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type stageDone struct {
		digest string
		err    error
	}
	done := make(chan stageDone, 1)
	begin := time.Now()
	go func() {
		digest, err := o.execute(stageCtx, r, stage)
		done <- stageDone{digest: digest, err: err}
	}()

	graceCtx, graceCancel := context.WithTimeout(context.Background(), deadline+abandonGrace)
	defer graceCancel()

	var digest string
	var stageErr error
	select {
	case d := <-done:
		digest, stageErr = d.digest, d.err
	case <-graceCtx.Done():
		// The stage ignored its deadline; abandon it. The in-flight work may
		// still finish in the background; its result is discarded.
		log.Printf("[PIPELINE] ⚠️ stage %s abandoned for claim %s after %s", stage, r.claim.ClaimID, deadline+abandonGrace)
		stageErr = envelope.New(envelope.KindTimeout, "PIPELINE_STAGE_ABANDONED",
			fmt.Sprintf("stage %s exceeded its deadline", stage))
	}
	elapsed := time.Since(begin)

	rec := &catalogue.TransactionRecord{
		ClaimID:       r.claim.ClaimID,
		Stage:         string(stage),
		Attempt:       1,
		RequestHash:   digest,
		DurationMs:    elapsed.Milliseconds(),
		CorrelationID: correlationID,
	}
	if stageErr != nil {
		if stageCtx.Err() != nil && envelope.KindOf(stageErr) != envelope.KindTimeout {
			stageErr = envelope.Wrap(stageErr, envelope.KindTimeout, "PIPELINE_STAGE_TIMEOUT",
				fmt.Sprintf("stage %s deadline exceeded", stage))
		}
		rec.Status = catalogue.TxnFailed
		rec.ErrorCode = envelope.CodeOf(stageErr)
	} else {
		rec.Status = catalogue.TxnOK
		rec.UpstreamTxnID = r.upstreamTxnID
	}

	// The terminal row is written with a fresh context so a caller disconnect
	// cannot leave the log without an outcome.
	writeCtx, writeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer writeCancel()
	if err := o.txns.AppendTransaction(writeCtx, rec); err != nil {
		log.Printf("[PIPELINE] ❌ terminal row write failed for claim %s stage %s: %v", r.claim.ClaimID, stage, err)
		if stageErr == nil {
			return err
		}
	}

	if o.metrics != nil {
		o.metrics.RecordStage(string(stage), string(rec.Status), elapsed.Seconds())
	}
	return stageErr
}

// execute dispatches to the stage implementation and returns a digest of the
// stage output for the audit row.
func (o *Orchestrator) execute(ctx context.Context, r *run, stage claims.Stage) (string, error) {
	switch stage {
	case claims.StageNormalize:
		return o.normalize(ctx, r)
	case claims.StagePrice:
		return o.price(ctx, r)
	case claims.StageSign:
		return o.sign(ctx, r)
	case claims.StageSubmit:
		return o.submit(ctx, r)
	default:
		return "", envelope.New(envelope.KindInternal, "PIPELINE_UNKNOWN_STAGE", string(stage))
	}
}

func (o *Orchestrator) normalize(ctx context.Context, r *run) (string, error) {
	var codes []string
	for i := range r.claim.LineItems {
		li := &r.claim.LineItems[i]
		res, err := o.normalizer.Normalize(ctx, r.claim.FacilityID, li.InternalCode, li.Description)
		if err != nil {
			return "", err
		}
		li.SBSCode = res.SBSCode
		li.SBSDescription = res.SBSDescription
		codes = append(codes, res.SBSCode)
	}
	return digestOf(strings.Join(codes, ",")), nil
}

func (o *Orchestrator) price(ctx context.Context, r *run) (string, error) {
	priced, err := o.pricer.Price(ctx, r.claim)
	if err != nil {
		return "", err
	}
	r.priced = priced
	raw, _ := json.Marshal(priced.Totals)
	return digestOf(string(raw)), nil
}

func (o *Orchestrator) sign(ctx context.Context, r *run) (string, error) {
	bundle, err := buildBundle(r.claim, r.priced)
	if err != nil {
		return "", err
	}
	sig, err := o.signer.Sign(ctx, r.claim.FacilityID, bundle)
	if err != nil {
		return "", err
	}
	env, err := canonicalJSON(signedEnvelope{Bundle: bundle, Signature: sig})
	if err != nil {
		return "", err
	}
	r.envelopeBytes = env
	return sig.DigestHex, nil
}

func (o *Orchestrator) submit(ctx context.Context, r *run) (string, error) {
	res, err := o.gateway.Submit(ctx, nphies.KindClaim, r.claim.FacilityID, r.claim.ClaimID, r.envelopeBytes)
	if err != nil {
		return "", err
	}
	r.upstreamTxnID = res.UpstreamTxnID
	return digestOf(string(r.envelopeBytes)), nil
}

func (o *Orchestrator) recordTerminal(outcome *Outcome) {
	if o.metrics != nil {
		o.metrics.RecordTerminal(string(outcome.TerminalState))
	}
	if o.notifier == nil {
		return
	}
	payload := map[string]interface{}{
		"claim_id":       outcome.ClaimID,
		"terminal_state": string(outcome.TerminalState),
	}
	if outcome.TerminalState == claims.StateSubmitted {
		payload["upstream_txn_id"] = outcome.UpstreamTxnID
		o.notifier.Emit(EventSubmitted, payload)
		return
	}
	if len(outcome.StageErrors) > 0 {
		payload["error_code"] = outcome.StageErrors[0].Code
		payload["stage"] = string(outcome.StageErrors[0].Stage)
	}
	o.notifier.Emit(EventFailed, payload)
}

// Status projects the claim's pipeline history from the transaction log.
func (o *Orchestrator) Status(ctx context.Context, claimID string) (*StatusView, error) {
	rows, err := o.txns.ListTransactions(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, envelope.New(envelope.KindNotFound, "PIPELINE_CLAIM_UNKNOWN",
			"no pipeline run recorded for claim "+claimID)
	}

	view := &StatusView{ClaimID: claimID}
	latest := make(map[claims.Stage]*StageStatus)
	var lastStage claims.Stage
	var lastStatus catalogue.TxnStatus
	for _, row := range rows {
		stage := claims.Stage(row.Stage)
		if stage.Index() < 0 {
			// Gateway attempt rows and other audit entries are not pipeline
			// stage transitions.
			if row.UpstreamTxnID != "" {
				view.UpstreamTxnID = row.UpstreamTxnID
			}
			continue
		}
		st, ok := latest[stage]
		if !ok {
			st = &StageStatus{Stage: stage}
			latest[stage] = st
		}
		if row.Status == catalogue.TxnStarted {
			st.Attempts++
		}
		st.Status = row.Status
		st.ErrorCode = row.ErrorCode
		if row.UpstreamTxnID != "" {
			view.UpstreamTxnID = row.UpstreamTxnID
		}
		lastStage, lastStatus = stage, row.Status
	}

	for _, stage := range claims.Stages {
		if st, ok := latest[stage]; ok {
			view.Stages = append(view.Stages, *st)
		}
	}

	switch {
	case lastStage == claims.StageSubmit && lastStatus == catalogue.TxnOK:
		view.TerminalState = claims.StateSubmitted
		view.Current = claims.StateSubmitted
	case lastStatus == catalogue.TxnFailed:
		view.TerminalState = claims.FailedState(lastStage)
		view.Current = view.TerminalState
	default:
		view.Current = activeState(lastStage)
	}
	return view, nil
}

func activeState(stage claims.Stage) claims.State {
	switch stage {
	case claims.StageNormalize:
		return claims.StateNormalizing
	case claims.StagePrice:
		return claims.StatePricing
	case claims.StageSign:
		return claims.StateSigning
	case claims.StageSubmit:
		return claims.StateSubmitting
	default:
		return claims.StateReceived
	}
}

func digestOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
