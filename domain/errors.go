package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures surfaced by credential issuance and session start.
type Kind string

const (
	KindNotConfigured       Kind = "not_configured"
	KindPermissionDenied    Kind = "permission_denied"
	KindUpstream            Kind = "upstream_error"
	KindMalformedCredential Kind = "malformed_credential"
	KindSessionStart        Kind = "session_start_error"
	KindInternal            Kind = "internal_error"
)

// Error is the application error type. Status and Body are only set for
// KindUpstream and carry the provider's response.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Body    string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s: %s (status %d): %v", e.Kind, e.Message, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Message, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// ConfigProblem reports whether the failure is fixed by configuration rather than by retrying.
func (e *Error) ConfigProblem() bool {
	switch e.Kind {
	case KindNotConfigured:
		return true
	case KindUpstream:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden || e.Status == http.StatusNotFound
	default:
		return false
	}
}

// NewError creates an Error of the given kind.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// NewUpstreamError creates a KindUpstream error carrying the provider's status and body.
func NewUpstreamError(status int, body string) *Error {
	return &Error{
		Kind:    KindUpstream,
		Message: fmt.Sprintf("ElevenLabs API error: %d %s", status, http.StatusText(status)),
		Status:  status,
		Body:    body,
	}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// Describe turns any error into the single human-readable message shown to the
// user and whether setup instructions should accompany it.
func Describe(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var de *Error
	if errors.As(err, &de) {
		msg := de.Message
		if msg == "" {
			msg = string(de.Kind)
		}
		return msg, de.ConfigProblem()
	}
	return err.Error(), false
}
