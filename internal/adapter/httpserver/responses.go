// Package httpserver contains the HTTP handlers and middleware of the job
// orchestration API. It keeps HTTP concerns out of the business logic:
// handlers validate and translate, the usecase layer decides.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain error taxonomy onto HTTP statuses. Messages
// pass through verbatim; no stack traces leak.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrNoCandidate):
		code = http.StatusUnprocessableEntity
		codeStr = "NO_CANDIDATE"
	case errors.Is(err, domain.ErrConnection):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM_CONNECTION"
	case errors.Is(err, domain.ErrCFChallenge):
		code = http.StatusBadGateway
		codeStr = "CF_CHALLENGE"
	case errors.Is(err, domain.ErrTokenAuth):
		code = http.StatusBadGateway
		codeStr = "TOKEN_AUTH"
	case errors.Is(err, domain.ErrOverload):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_OVERLOAD"
	case errors.Is(err, domain.ErrWatermarkDisabled):
		code = http.StatusConflict
		codeStr = "WATERMARK_DISABLED"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
