package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"d2dtreasury/native/bank"
	"d2dtreasury/native/treasury"
)

var (
	errNoCaller   = errors.New("caller identity required")
	errBadRequest = errors.New("malformed request")
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps a failure onto an HTTP status by its treasury kind.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errNoCaller):
		return http.StatusUnauthorized
	case errors.Is(err, errBadRequest), errors.Is(err, bank.ErrUnsupportedAsset):
		return http.StatusBadRequest
	}
	switch treasury.KindOf(err) {
	case treasury.KindAuthorization:
		return http.StatusForbidden
	case treasury.KindPrecondition:
		switch {
		case isNotFound(err):
			return http.StatusNotFound
		case isInvalidInput(err):
			return http.StatusBadRequest
		default:
			return http.StatusConflict
		}
	case treasury.KindArithmetic:
		return http.StatusUnprocessableEntity
	case treasury.KindInsufficientFunds:
		return http.StatusConflict
	case treasury.KindTimelock:
		if errors.Is(err, treasury.ErrTimelockNotExpired) {
			return http.StatusTooEarly
		}
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func isNotFound(err error) bool {
	for _, target := range []error{
		treasury.ErrDeployRequestNotFound,
		treasury.ErrPositionNotFound,
		treasury.ErrQueueEntryNotFound,
		treasury.ErrEscrowNotFound,
		treasury.ErrProgramNotManaged,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isInvalidInput(err error) bool {
	for _, target := range []error{
		treasury.ErrInvalidAmount,
		treasury.ErrInvalidRequestID,
		treasury.ErrInvalidReason,
		treasury.ErrInvalidTimelockDuration,
		treasury.ErrInvalidAPYParams,
		treasury.ErrInvalidTokenType,
		treasury.ErrInvalidDistributionPct,
		treasury.ErrInvalidIdentity,
		treasury.ErrSubscriptionExtensionTooBig,
		treasury.ErrInvalidRecoveredFunds,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	if kind := treasury.KindOf(err); kind != treasury.KindUnknown {
		resp.Kind = kind.String()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		resp.Error = http.StatusText(status)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}
