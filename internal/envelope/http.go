package envelope

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Error     string            `json:"error"`
	ErrorCode string            `json:"error_code"`
	ErrorID   string            `json:"error_id"`
	Timestamp string            `json:"timestamp"`
	Status    int               `json:"status"`
	Path      string            `json:"path"`
	Details   map[string]string `json:"details,omitempty"`
}

// WriteHTTP renders err as the standard error envelope. Unclassified errors
// surface as INTERNAL without leaking their message.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	kind := KindOf(err)
	status := HTTPStatus(kind)

	body := ErrorBody{
		Error:     string(kind),
		ErrorCode: CodeOf(err),
		ErrorID:   CorrelationFrom(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    status,
		Path:      r.URL.Path,
	}
	var e *Error
	if errors.As(err, &e) {
		body.Details = SanitizeMap(e.Details)
		if e.CorrelationID != "" {
			body.ErrorID = e.CorrelationID
		}
	}
	if body.ErrorCode == "" {
		body.ErrorCode = "INTERNAL"
	}

	w.Header().Set("Content-Type", "application/json")
	if kind == KindRateLimited {
		w.Header().Set("Retry-After", retryAfterSeconds(body.Details))
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// retryAfterSeconds converts the retry_after_ms detail into whole seconds for
// the Retry-After header, rounding up.
func retryAfterSeconds(details map[string]string) string {
	if ms, err := strconv.Atoi(details["retry_after_ms"]); err == nil && ms > 0 {
		return strconv.Itoa((ms + 999) / 1000)
	}
	return "60"
}
