package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/sehha/claimsbridge/internal/breaker"
	"github.com/sehha/claimsbridge/internal/cache"
	"github.com/sehha/claimsbridge/internal/catalogue"
	"github.com/sehha/claimsbridge/internal/envelope"
	"github.com/sehha/claimsbridge/internal/metrics"
)

// defaultAIConfidence applies when the provider reports no confidence.
const defaultAIConfidence = 0.75

// MappingStore is the catalogue surface the normalizer needs.
type MappingStore interface {
	GetMapping(ctx context.Context, facilityID int, internalCode string) (*catalogue.SBSMapping, error)
	RecordAISuggestion(ctx context.Context, facilityID int, internalCode, suggestedSBS string, confidence float64) error
}

// Result is one normalization outcome.
type Result struct {
	SBSCode        string  `json:"sbs_code"`
	SBSDescription string  `json:"sbs_description"`
	Confidence     float64 `json:"confidence"`
	Source         string  `json:"source"` // db or ai
	Cached         bool    `json:"cached"`
}

// Config tunes the normalizer.
type Config struct {
	AIEnabled bool
	TTLDB     time.Duration // cache TTL for catalogue hits
	TTLAI     time.Duration // shorter TTL for provisional AI results
}

// Normalizer resolves (facility_id, internal_code) to an SBS code. The cache
// is consulted first, then the catalogue, then the breaker-guarded AI
// capability.
type Normalizer struct {
	store     MappingStore
	cache     *cache.Cache
	suggester Suggester
	guard     *breaker.Breaker
	cfg       Config
	metrics   *metrics.Metrics
	logger    *log.Logger
}

// New assembles the normalizer. suggester and guard may be nil when AI is
// disabled; metrics may be nil in tests.
func New(store MappingStore, c *cache.Cache, suggester Suggester, guard *breaker.Breaker, cfg Config, m *metrics.Metrics) *Normalizer {
	if cfg.TTLDB <= 0 {
		cfg.TTLDB = time.Hour
	}
	if cfg.TTLAI <= 0 {
		cfg.TTLAI = 5 * time.Minute
	}
	return &Normalizer{
		store:     store,
		cache:     c,
		suggester: suggester,
		guard:     guard,
		cfg:       cfg,
		metrics:   m,
		logger:    log.New(log.Writer(), "[NORMALIZER] ", log.LstdFlags),
	}
}

// Normalize resolves one internal code. Misses everywhere yield NOT_FOUND;
// an unreachable catalogue or a short-circuited AI call yields
// UPSTREAM_UNAVAILABLE.
func (n *Normalizer) Normalize(ctx context.Context, facilityID int, internalCode, description string) (*Result, error) {
	key := cache.Key(cache.NamespaceSBSMap, strconv.Itoa(facilityID), internalCode)

	if raw := n.cache.Get(ctx, key, n.cfg.TTLDB); raw != nil {
		var res Result
		if err := json.Unmarshal(raw, &res); err == nil {
			res.Cached = true
			n.recordCache(true)
			n.record("cache")
			return &res, nil
		}
		// Unreadable snapshot: drop it and fall through to the source.
		n.cache.Invalidate(ctx, key)
	}
	n.recordCache(false)

	mapping, err := n.store.GetMapping(ctx, facilityID, internalCode)
	if err != nil {
		return nil, err
	}
	if mapping != nil {
		res := &Result{
			SBSCode:        mapping.SBSCode,
			SBSDescription: mapping.SBSDescription,
			Confidence:     1.0,
			Source:         string(catalogue.SourceDB),
		}
		n.writeBack(ctx, key, res, n.cfg.TTLDB)
		n.record("db")
		return res, nil
	}

	if !n.cfg.AIEnabled || n.suggester == nil {
		return nil, envelope.New(envelope.KindNotFound, "NORMALIZER_NOT_FOUND",
			"no mapping for internal code "+internalCode)
	}
	return n.suggest(ctx, facilityID, internalCode, description, key)
}

func (n *Normalizer) suggest(ctx context.Context, facilityID int, internalCode, description, key string) (*Result, error) {
	var suggestion *Suggestion
	start := time.Now()

	call := func() error {
		s, err := n.suggester.Suggest(ctx, internalCode, description)
		if err != nil {
			return err
		}
		suggestion = s
		return nil
	}

	var err error
	if n.guard != nil {
		err = n.guard.Execute(call)
	} else {
		err = call()
	}
	latency := float64(time.Since(start).Milliseconds())

	if err != nil {
		n.recordAI(latency, true)
		if errors.Is(err, breaker.ErrOpen) || errors.Is(err, breaker.ErrTooManyRequests) {
			return nil, envelope.New(envelope.KindUpstreamUnavailable, "NORMALIZER_AI_UNAVAILABLE",
				"suggestion capability short-circuited").WithRetryable(true)
		}
		if ctx.Err() != nil {
			return nil, envelope.Wrap(err, envelope.KindTimeout, "NORMALIZER_AI_TIMEOUT", "suggestion call timed out")
		}
		n.logger.Printf("⚠️ AI suggestion failed for %d/%s: %v", facilityID, internalCode, err)
		return nil, envelope.Wrap(err, envelope.KindUpstreamUnavailable, "NORMALIZER_AI_UNAVAILABLE",
			"suggestion capability unavailable")
	}
	n.recordAI(latency, false)

	confidence := defaultAIConfidence
	if suggestion.Confidence != nil && *suggestion.Confidence >= 0 && *suggestion.Confidence <= 1 {
		confidence = *suggestion.Confidence
	}

	// Persist the provisional mapping; a write failure is logged, not fatal,
	// since the claim can still proceed with the suggested code.
	if err := n.store.RecordAISuggestion(ctx, facilityID, internalCode, suggestion.SBSCode, confidence); err != nil {
		n.logger.Printf("⚠️ failed to persist AI suggestion for %d/%s: %v", facilityID, internalCode, err)
	}

	res := &Result{
		SBSCode:        suggestion.SBSCode,
		SBSDescription: suggestion.Description,
		Confidence:     confidence,
		Source:         string(catalogue.SourceAI),
	}
	n.writeBack(ctx, key, res, n.cfg.TTLAI)
	n.record("ai")
	return res, nil
}

func (n *Normalizer) writeBack(ctx context.Context, key string, res *Result, ttl time.Duration) {
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	n.cache.Set(ctx, key, raw, ttl)
}

func (n *Normalizer) record(source string) {
	if n.metrics != nil {
		n.metrics.RecordNormalize(source)
	}
}

func (n *Normalizer) recordCache(hit bool) {
	if n.metrics != nil {
		n.metrics.RecordCache(cache.NamespaceSBSMap, hit)
	}
}

func (n *Normalizer) recordAI(latencyMs float64, failed bool) {
	if n.metrics != nil {
		n.metrics.RecordAICall(latencyMs, failed)
	}
}
