package auth

import (
	"fmt"
	"strings"
)

// ErrorKind classifies failures crossing the authorization layer's boundary.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is a typed failure with an explicit kind, used instead of exceptions
// for control flow across service boundaries.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates a typed error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from an error, defaulting to Unavailable for
// anything that is not a typed *Error.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindUnavailable
}

// OAuthError is an OAuth 2.0 error response in wire shape.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Standard OAuth2 error codes used by the token path.
const (
	OAuthInvalidRequest       = "invalid_request"
	OAuthInvalidClient        = "invalid_client"
	OAuthInvalidGrant         = "invalid_grant"
	OAuthUnsupportedGrantType = "unsupported_grant_type"
	OAuthServerError          = "server_error"
)

// ValidationIssue is a single problem found while validating an authorize or
// launch request, carrying the offending field and a human-readable message.
type ValidationIssue struct {
	Location string `json:"location"`
	Message  string `json:"message"`
}

// ValidationError aggregates every issue found in one validation pass so the
// caller sees the full list rather than the first failure.
type ValidationError struct {
	Issues []ValidationIssue `json:"issues"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = fmt.Sprintf("%s: %s", issue.Location, issue.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// add appends an issue and returns the receiver for chaining.
func (e *ValidationError) add(location, message string) *ValidationError {
	e.Issues = append(e.Issues, ValidationIssue{Location: location, Message: message})
	return e
}

// orNil returns nil when no issues were collected.
func (e *ValidationError) orNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}
