package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sehha/claimsbridge/internal/claims"
	"github.com/sehha/claimsbridge/internal/envelope"
	"github.com/sehha/claimsbridge/internal/webhooks"
)

// handleSubmitClaim accepts a claim document and hands it to the pipeline.
// Success is 202: processing continues asynchronously and is observable via
// the tracking URL.
func (s *Server) handleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		envelope.WriteHTTP(w, r, envelope.New(envelope.KindInvalidInput, "API_BODY_TOO_LARGE",
			"request body exceeds the configured limit"))
		return
	}

	// Depth check on the raw tree before binding to the claim shape.
	var tree interface{}
	if err := json.Unmarshal(body, &tree); err != nil {
		envelope.WriteHTTP(w, r, envelope.New(envelope.KindInvalidInput, "API_MALFORMED_JSON",
			"request body is not valid JSON"))
		return
	}
	if fe := envelope.CheckDepth(tree, s.cfg.DepthMax); fe != nil {
		envelope.WriteHTTP(w, r, fe.AsInvalidInput("API_DEPTH_EXCEEDED"))
		return
	}

	var claim claims.Claim
	if err := json.Unmarshal(body, &claim); err != nil {
		envelope.WriteHTTP(w, r, envelope.New(envelope.KindInvalidInput, "API_MALFORMED_JSON",
			"claim document does not match the expected shape"))
		return
	}
	if fe := claim.Validate(); fe != nil {
		envelope.WriteHTTP(w, r, fe.AsInvalidInput("API_CLAIM_INVALID"))
		return
	}

	if err := s.pipeline.Enqueue(r.Context(), &claim); err != nil {
		envelope.WriteHTTP(w, r, err)
		return
	}

	accepted := claims.Accepted{
		ClaimID:     claim.ClaimID,
		AcceptedAt:  time.Now().UTC(),
		TrackingURL: s.cfg.BaseURL + "/claim/" + claim.ClaimID,
	}
	if s.notifier != nil {
		s.notifier.Emit(string(webhooks.EventClaimAccepted), map[string]interface{}{
			"claim_id":    claim.ClaimID,
			"facility_id": claim.FacilityID,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(accepted)
}

// handleClaimStatus projects the claim's pipeline history.
func (s *Server) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	claimID := mux.Vars(r)["claim_id"]
	if fe := envelope.CheckClaimID("claim_id", claimID); fe != nil {
		envelope.WriteHTTP(w, r, fe.AsInvalidInput("API_CLAIM_ID_INVALID"))
		return
	}

	view, err := s.pipeline.Status(r.Context(), claimID)
	if err != nil {
		envelope.WriteHTTP(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReadyz verifies the store connection before declaring readiness.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			envelope.WriteHTTP(w, r, envelope.Wrap(err, envelope.KindUpstreamUnavailable, "API_NOT_READY",
				"dependency not reachable"))
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
