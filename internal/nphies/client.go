// Package nphies is the outbound client for the national claims platform.
// It submits signed FHIR bundles with bounded retries, a per facility+endpoint
// circuit breaker, and an append-only audit row per attempt.
package nphies

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sehha/claimsbridge/internal/breaker"
	"github.com/sehha/claimsbridge/internal/catalogue"
	"github.com/sehha/claimsbridge/internal/envelope"
	"github.com/sehha/claimsbridge/internal/metrics"
)

// Kind selects the upstream message type.
type Kind string

const (
	KindClaim         Kind = "claim"
	KindPreauth       Kind = "preauth"
	KindCommunication Kind = "communication"
)

var endpoints = map[Kind]string{
	KindClaim:         "claims",
	KindPreauth:       "preauths",
	KindCommunication: "communications",
}

// maxBodyExcerpt caps how much upstream body is kept on rejections.
const maxBodyExcerpt = 1024

// TxnLog is the audit surface the client writes attempt rows to.
type TxnLog interface {
	AppendTransaction(ctx context.Context, rec *catalogue.TransactionRecord) error
	FindUpstreamTxn(ctx context.Context, claimID, requestHash string) (string, error)
}

// Result is a successful (or deduplicated) submission.
type Result struct {
	UpstreamTxnID string
	HTTPStatus    int
	ResponseBlob  []byte
	Deduplicated  bool
}

// Config is the transport policy.
type Config struct {
	BaseURL        string
	Token          string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	RetriesMax     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	PoolMax        int
}

// Client submits signed envelopes. One breaker per (facility, endpoint).
type Client struct {
	cfg      Config
	http     *http.Client
	txns     TxnLog
	breakers *breaker.Manager
	metrics  *metrics.Metrics
}

// New assembles the client.
func New(cfg Config, txns TxnLog, m *metrics.Metrics) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RetriesMax <= 0 {
		cfg.RetriesMax = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	if cfg.PoolMax <= 0 {
		cfg.PoolMax = 30
	}

	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		MaxIdleConnsPerHost: cfg.PoolMax,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		txns:     txns,
		breakers: breaker.NewManager(breaker.ForGateway),
		metrics:  m,
	}
}

// IdempotencyKey derives the stable upstream idempotency key for one logical
// submission.
func IdempotencyKey(claimID string, kind Kind, requestHash string) string {
	sum := sha256.Sum256([]byte(claimID + string(kind) + requestHash))
	return hex.EncodeToString(sum[:])
}

// Submit sends the signed envelope upstream. Retries cover timeouts and 5xx
// responses; 4xx responses surface immediately as rejections. Duplicate
// submissions (same claim and payload already acknowledged upstream) return
// the recorded transaction id without a network call.
func (c *Client) Submit(ctx context.Context, kind Kind, facilityID int, claimID string, envelopeBytes []byte) (*Result, error) {
	endpoint, ok := endpoints[kind]
	if !ok {
		return nil, envelope.New(envelope.KindInvalidInput, "NPHIES_BAD_KIND", fmt.Sprintf("unknown submission kind %q", kind))
	}

	hashSum := sha256.Sum256(envelopeBytes)
	requestHash := hex.EncodeToString(hashSum[:])
	correlationID := envelope.CorrelationFrom(ctx)

	if prior, err := c.txns.FindUpstreamTxn(ctx, claimID, requestHash); err == nil && prior != "" {
		log.Printf("[NPHIES] ✅ dedup hit for claim %s, upstream txn %s", claimID, prior)
		return &Result{UpstreamTxnID: prior, Deduplicated: true}, nil
	}

	br := c.breakers.Get(fmt.Sprintf("%d/%s", facilityID, endpoint))
	idemKey := IdempotencyKey(claimID, kind, requestHash)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.BackoffBase
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.25
	policy.MaxInterval = c.cfg.BackoffCap
	policy.MaxElapsedTime = 0

	var res *Result
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetriesMax; attempt++ {
		start := time.Now()
		var attemptRes *Result
		err := br.Execute(func() error {
			var ierr error
			attemptRes, ierr = c.post(ctx, endpoint, envelopeBytes, idemKey, correlationID)
			return ierr
		})
		elapsed := time.Since(start)

		// Classify short circuits first so the audit row carries the real
		// code, not the bare sentinel.
		circuitOpen := errors.Is(err, breaker.ErrOpen) || errors.Is(err, breaker.ErrTooManyRequests)
		if circuitOpen {
			err = envelope.New(envelope.KindUpstreamUnavailable, "NPHIES_CIRCUIT_OPEN",
				"gateway circuit breaker is open").WithCorrelation(correlationID)
		}

		rec := &catalogue.TransactionRecord{
			ClaimID:       claimID,
			Stage:         "gateway:" + string(kind),
			Attempt:       attempt,
			RequestHash:   requestHash,
			DurationMs:    elapsed.Milliseconds(),
			CorrelationID: correlationID,
		}
		if err == nil {
			rec.Status = catalogue.TxnOK
			rec.HTTPStatus = attemptRes.HTTPStatus
			rec.UpstreamTxnID = attemptRes.UpstreamTxnID
		} else {
			rec.Status = catalogue.TxnFailed
			rec.ErrorCode = envelope.CodeOf(err)
			if attemptRes != nil {
				rec.HTTPStatus = attemptRes.HTTPStatus
			}
		}
		if logErr := c.txns.AppendTransaction(ctx, rec); logErr != nil {
			log.Printf("[NPHIES] ⚠️ attempt audit write failed for claim %s: %v", claimID, logErr)
		}
		c.recordAttempt(string(kind), err, elapsed)

		if err == nil {
			res = attemptRes
			break
		}
		lastErr = err

		if circuitOpen {
			return nil, err
		}
		if !envelope.IsRetryable(err) {
			return nil, err
		}
		if attempt == c.cfg.RetriesMax {
			break
		}

		wait := policy.NextBackOff()
		select {
		case <-ctx.Done():
			return nil, envelope.Wrap(ctx.Err(), envelope.KindTimeout, "NPHIES_DEADLINE", "submission deadline exceeded")
		case <-time.After(wait):
		}
	}

	if res == nil {
		return nil, lastErr
	}
	return res, nil
}

// post performs one HTTP attempt and classifies the outcome.
func (c *Client) post(ctx context.Context, endpoint string, body []byte, idemKey, correlationID string) (*Result, error) {
	url := c.cfg.BaseURL + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, envelope.Wrap(err, envelope.KindInternal, "NPHIES_REQUEST_BUILD", "building upstream request failed")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("X-Idempotency-Key", idemKey)
	req.Header.Set(envelope.HeaderCorrelationID, correlationID)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, envelope.Wrap(ctx.Err(), envelope.KindTimeout, "NPHIES_DEADLINE", "submission deadline exceeded")
		}
		return nil, envelope.Wrap(err, envelope.KindUpstreamUnavailable, "NPHIES_UNREACHABLE", "gateway request failed")
	}
	defer resp.Body.Close()

	blob, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, envelope.Wrap(err, envelope.KindUpstreamUnavailable, "NPHIES_RESPONSE_READ", "reading gateway response failed")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Result{
			UpstreamTxnID: extractTxnID(blob),
			HTTPStatus:    resp.StatusCode,
			ResponseBlob:  blob,
		}, nil
	case resp.StatusCode >= 500:
		return &Result{HTTPStatus: resp.StatusCode}, envelope.New(envelope.KindUpstreamUnavailable, "NPHIES_UPSTREAM_5XX",
			fmt.Sprintf("gateway returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Result{HTTPStatus: resp.StatusCode}, envelope.New(envelope.KindUpstreamUnavailable, "NPHIES_THROTTLED",
			"gateway throttled the request")
	default:
		excerpt := envelope.SanitizeText(envelope.Truncate(string(blob), maxBodyExcerpt))
		return &Result{HTTPStatus: resp.StatusCode}, envelope.New(envelope.KindUpstreamRejected, "NPHIES_UPSTREAM_REJECTED",
			fmt.Sprintf("gateway rejected the submission with %d", resp.StatusCode)).
			WithDetail("upstream_status", fmt.Sprintf("%d", resp.StatusCode)).
			WithDetail("upstream_body", excerpt)
	}
}

// extractTxnID tolerates both response shapes the platform produces: a FHIR
// bundle carrying entry[0].response.location, or a flat transaction_id.
func extractTxnID(blob []byte) string {
	var flat struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(blob, &flat); err == nil && flat.TransactionID != "" {
		return flat.TransactionID
	}

	var fhir struct {
		Entry []struct {
			Response struct {
				Location string `json:"location"`
			} `json:"response"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(blob, &fhir); err == nil && len(fhir.Entry) > 0 {
		return fhir.Entry[0].Response.Location
	}
	return ""
}

func (c *Client) recordAttempt(kind string, err error, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.RecordGatewayAttempt(kind, outcome, elapsed.Seconds())
}
