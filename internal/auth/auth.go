// Package auth validates the bearer credential on inbound requests.
package auth

import (
	"crypto/subtle"
	"strings"
)

const (
	keyPrefix    = "sk-"
	minKeyLength = 10
	bearerPrefix = "Bearer "
)

// Reason identifies why a credential was rejected. All reasons surface
// externally as the same 401 so callers cannot probe which check failed;
// the reason is only logged server-side.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonMissingHeader
	ReasonMalformedFormat
	ReasonTooShort
	ReasonMismatch
)

// String returns the log label for the reason.
func (r Reason) String() string {
	switch r {
	case ReasonMissingHeader:
		return "missing_header"
	case ReasonMalformedFormat:
		return "malformed_format"
	case ReasonTooShort:
		return "too_short"
	case ReasonMismatch:
		return "mismatch"
	default:
		return "none"
	}
}

// Result is the outcome of validating one Authorization header value.
type Result struct {
	OK     bool
	Reason Reason
	// Candidate holds a truncated copy of the presented key, safe to log.
	// Never more than the first 10 characters, never the configured secret.
	Candidate string
}

// Validator checks presented credentials against the configured API key.
// The key is fixed for the process lifetime.
type Validator struct {
	apiKey string
}

// NewValidator creates a Validator for the configured key.
func NewValidator(apiKey string) *Validator {
	return &Validator{apiKey: apiKey}
}

// Validate checks an Authorization header value.
//
// The "Bearer " prefix is optional but matched case-sensitively when present.
// The remaining candidate must start with "sk-", be at least 10 characters,
// and equal the configured key byte-for-byte (compared in constant time).
func (v *Validator) Validate(headerValue string) Result {
	if headerValue == "" {
		return Result{Reason: ReasonMissingHeader}
	}

	candidate := strings.TrimPrefix(headerValue, bearerPrefix)

	if !strings.HasPrefix(candidate, keyPrefix) {
		return Result{Reason: ReasonMalformedFormat, Candidate: truncate(candidate)}
	}
	if len(candidate) < minKeyLength {
		return Result{Reason: ReasonTooShort, Candidate: truncate(candidate)}
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(v.apiKey)) != 1 {
		return Result{Reason: ReasonMismatch, Candidate: truncate(candidate)}
	}

	return Result{OK: true}
}

func truncate(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}
