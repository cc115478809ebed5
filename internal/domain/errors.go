package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy (sentinels). HTTP mapping lives in the httpserver adapter.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrConnection      = errors.New("connection error")
	ErrCFChallenge     = errors.New("cloudflare challenge")
	ErrTokenAuth       = errors.New("token auth failure")
	ErrOverload        = errors.New("upstream overload")
	ErrCanceled        = errors.New("canceled")
	ErrNoCandidate     = errors.New("无可用账号")
	ErrInternal        = errors.New("internal error")
)

// ErrWatermarkDisabled marks the explicit "post-processor disabled" error,
// which must never be converted into a fallback completion.
var ErrWatermarkDisabled = errors.New("watermark disabled")

// APIError carries a non-zero broker RPC code for downstream mapping.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("broker api error %d: %s", e.Code, e.Message) }

// AsAPIError unwraps err to an *APIError if present.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// OverloadMarker is the upstream heavy-load substring. If the upstream ever
// changes this wording the auto-retry policy degrades to "never auto-retry".
const OverloadMarker = "heavy load"

// IsOverload reports whether the error (or recorded message) carries the
// upstream heavy-load marker.
func IsOverload(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOverload) {
		return true
	}
	return IsOverloadMessage(err.Error())
}

// IsOverloadMessage is the message-level overload check used when only the
// persisted error string is available.
func IsOverloadMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), OverloadMarker)
}
