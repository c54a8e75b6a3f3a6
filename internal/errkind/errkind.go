// Package errkind classifies errors into stable, machine-parseable kinds so
// transport layers can map failures to HTTP status codes and operators get
// actionable hints without leaking internals.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind partitions failures by origin and recovery strategy.
type Kind string

const (
	KindConfig   Kind = "config"
	KindAuth     Kind = "auth"
	KindNotFound Kind = "not_found"

	KindProviderAuth      Kind = "provider_auth"
	KindProviderRateLimit Kind = "provider_rate_limit"
	KindProviderTimeout   Kind = "provider_timeout"
	KindProviderTransient Kind = "provider_transient"
	KindProviderFormat    Kind = "provider_format"

	KindBackendUnavailable Kind = "backend_unavailable"
	KindBackendTimeout     Kind = "backend_timeout"
	KindBackendAuthInvalid Kind = "backend_auth_invalid"
	KindLineCountMismatch  Kind = "line_count_mismatch"
	KindHallucination      Kind = "hallucination_detected"

	KindNoSourceAvailable   Kind = "no_source_available"
	KindUpgradeGateRejected Kind = "upgrade_gate_rejected"
	KindCancelled           Kind = "cancelled"

	KindStoreIntegrity Kind = "store_integrity"
	KindStoreLocked    Kind = "store_locked"
	KindStoreCorrupted Kind = "store_corrupted"

	KindPathOutsideMedia  Kind = "path_outside_media"
	KindArchiveSuspicious Kind = "archive_suspicious"
	KindDiskFull          Kind = "disk_full"

	KindInternal Kind = "internal"
)

// E is a classified error. Message is safe to surface to operators; Hint is
// an optional one-line remediation step.
type E struct {
	Kind    Kind
	Message string
	Hint    string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

// New constructs a classified error without a cause.
func New(kind Kind, message string) *E {
	return &E{Kind: kind, Message: message}
}

// Newf constructs a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(kind Kind, message string, err error) *E {
	return &E{Kind: kind, Message: message, Err: err}
}

// WithHint returns a copy carrying an operator-facing remediation hint.
func (e *E) WithHint(hint string) *E {
	clone := *e
	clone.Hint = strings.TrimSpace(hint)
	return &clone
}

// KindOf extracts the Kind from err, or KindInternal when unclassified.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HintOf extracts the remediation hint from err, if any.
func HintOf(err error) string {
	var e *E
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the status code the API surfaces.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindConfig:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindProviderTimeout, KindBackendTimeout:
		return http.StatusGatewayTimeout
	case KindProviderAuth, KindProviderRateLimit, KindProviderTransient, KindProviderFormat,
		KindBackendUnavailable, KindBackendAuthInvalid, KindLineCountMismatch, KindHallucination:
		return http.StatusBadGateway
	case KindCancelled, KindUpgradeGateRejected:
		return http.StatusConflict
	case KindNoSourceAvailable:
		return http.StatusOK
	case KindStoreIntegrity, KindStoreLocked, KindStoreCorrupted:
		return http.StatusInternalServerError
	case KindPathOutsideMedia, KindArchiveSuspicious:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Transient reports whether an error kind warrants trying an alternative
// (next provider, next backend) rather than failing the operation outright.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindProviderRateLimit, KindProviderTimeout, KindProviderTransient,
		KindBackendUnavailable, KindBackendTimeout:
		return true
	default:
		return false
	}
}
