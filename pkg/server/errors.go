package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/modelrelay/modelrelay/pkg/auth/exchange"
	"github.com/modelrelay/modelrelay/pkg/auth/flow"
	"github.com/modelrelay/modelrelay/pkg/auth/jwks"
	"github.com/modelrelay/modelrelay/pkg/auth/state"
	"github.com/modelrelay/modelrelay/pkg/auth/verifier"
	"github.com/modelrelay/modelrelay/pkg/logger"
)

// errorResponse is the JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}

// statusForError maps domain errors to HTTP statuses: caller mistakes are
// 4xx, upstream provider trouble is 502/503, everything else is 500.
func statusForError(err error) int {
	var (
		decodeErr   *state.DecodeError
		expiredErr  *verifier.ExpiredError
		claimErr    *verifier.ClaimError
		endpointErr *exchange.EndpointError
		fetchErr    *jwks.FetchError
	)

	switch {
	case errors.As(err, &decodeErr),
		errors.Is(err, flow.ErrStateNotFound),
		errors.Is(err, flow.ErrNoRefreshToken),
		errors.Is(err, flow.ErrRedirectNotAllowed):
		return http.StatusBadRequest
	case errors.As(err, &expiredErr),
		errors.As(err, &claimErr),
		errors.Is(err, verifier.ErrNoToken),
		errors.Is(err, verifier.ErrKeyNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, flow.ErrUnknownProvider),
		errors.Is(err, flow.ErrNotAuthenticated):
		return http.StatusNotFound
	case errors.As(err, &endpointErr),
		errors.Is(err, exchange.ErrEndpointUnavailable):
		return http.StatusBadGateway
	case errors.As(err, &fetchErr),
		errors.Is(err, jwks.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends the error as JSON with the mapped status.
func writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("request failed: %v", err)
	} else {
		logger.Debugf("request rejected: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("Failed to encode response: %v", err)
	}
}
