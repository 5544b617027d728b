// Package normalizer maps facility-internal service codes to the national
// SBS catalogue: catalogue lookup first, AI suggestion as fallback.
package normalizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sehha/claimsbridge/internal/envelope"
)

// Suggestion is one candidate mapping returned by the AI capability.
// Confidence is nil when the provider reports none.
type Suggestion struct {
	SBSCode     string   `json:"sbs_code_candidate"`
	Description string   `json:"description"`
	Confidence  *float64 `json:"confidence"`
}

// Suggester is the abstract AI suggestion capability. The normalizer never
// depends on a concrete provider.
type Suggester interface {
	Suggest(ctx context.Context, internalCode, description string) (*Suggestion, error)
}

// HTTPSuggester calls a remote suggestion endpoint over HTTPS/JSON.
type HTTPSuggester struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPSuggester builds the default provider client.
func NewHTTPSuggester(endpoint, token string, timeout time.Duration) *HTTPSuggester {
	return &HTTPSuggester{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSuggester) Suggest(ctx context.Context, internalCode, description string) (*Suggestion, error) {
	body, err := json.Marshal(map[string]string{
		"internal_code": internalCode,
		"description":   description,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	req.Header.Set(envelope.HeaderCorrelationID, envelope.CorrelationFrom(ctx))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("suggestion call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("suggestion provider returned %d: %s",
			resp.StatusCode, envelope.SanitizeText(string(excerpt)))
	}

	var s Suggestion
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("suggestion decode: %w", err)
	}
	if s.SBSCode == "" {
		return nil, fmt.Errorf("suggestion provider returned no candidate")
	}
	return &s, nil
}
