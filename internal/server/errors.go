package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"

	"github.com/logoslabs/logos-gateway/internal/domain"
)

// errorResponse is the wire envelope for error payloads.
type errorResponse struct {
	Error *domain.APIError `json:"error"`
}

// toAPIError converts any error to the canonical taxonomy. APIErrors pass
// through; everything else becomes a generic internal error so gateway-side
// details do not leak to callers.
func toAPIError(err error) *domain.APIError {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return domain.ErrInternal("internal server error")
}

// writeError renders err as a JSON error response with the matching status
// code. Rate-limit rejections get a retry-after header.
func writeError(w http.ResponseWriter, err error) {
	apiErr := toAPIError(err)

	if apiErr.RetryAfter > 0 {
		w.Header().Set("retry-after", itoa(int(math.Ceil(apiErr.RetryAfter.Seconds()))))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(errorResponse{Error: apiErr})
}
