package oauth

import (
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"

	// Device flow error codes (RFC 8628)
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeExpiredToken         = "expired_token"
)

// errorStatus maps every error code to its HTTP status. The mapping is
// total: codes absent from the table get 400, the same as invalid_request,
// so an unmapped code can never leak a 200.
var errorStatus = map[string]int{
	ErrorCodeInvalidClient:          http.StatusUnauthorized,
	ErrorCodeInvalidGrant:           http.StatusForbidden,
	ErrorCodeUnauthorizedClient:     http.StatusForbidden,
	ErrorCodeAccessDenied:           http.StatusForbidden,
	ErrorCodeServerError:            http.StatusInternalServerError,
	ErrorCodeTemporarilyUnavailable: http.StatusBadGateway,
}

// StatusForCode returns the HTTP status an error code renders with.
func StatusForCode(code string) int {
	if status, ok := errorStatus[code]; ok {
		return status
	}
	return http.StatusBadRequest
}

// OAuthError is an OAuth 2.0 error response (RFC 6749 section 5.2). The
// HTTP status is derived from the code, never stored, so the same error
// value renders identically everywhere.
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	URI         string // Optional link to error documentation
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Status returns the HTTP status this error renders with.
func (e *OAuthError) Status() int {
	return StatusForCode(e.Code)
}

// Response converts the error to its JSON wire form.
func (e *OAuthError) Response() ErrorResponse {
	return ErrorResponse{
		Error:            e.Code,
		ErrorDescription: e.Description,
		ErrorURI:         e.URI,
	}
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc)
	}

	// ErrInvalidGrant indicates the presented grant is invalid, expired, or consumed
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc)
	}

	// ErrInvalidScope indicates the requested scope is unknown or exceeds the client's grant
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc)
	}

	// ErrUnauthorizedClient indicates the client may not use the requested grant type
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc)
	}

	// ErrUnsupportedResponseType indicates the response type is not supported
	ErrUnsupportedResponseType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedResponseType, desc)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc)
	}

	// ErrAuthorizationPending indicates the device flow user decision is still outstanding
	ErrAuthorizationPending = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAuthorizationPending, desc)
	}

	// ErrSlowDown indicates the device client is polling faster than the advertised interval
	ErrSlowDown = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeSlowDown, desc)
	}

	// ErrExpiredToken indicates the device code expired before the user decided
	ErrExpiredToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeExpiredToken, desc)
	}
)

// AuthorizationError is an OAuthError that arose after the client identity
// and redirect URI were validated, so it is safe to deliver by redirect.
// Errors raised before that point must never redirect; they stay plain
// OAuthErrors and render directly.
type AuthorizationError struct {
	OAuthError
	RedirectURI string
	State       string
}

// Unwrap exposes the underlying protocol error to errors.As chains.
func (e *AuthorizationError) Unwrap() error {
	return &e.OAuthError
}

// NewAuthorizationError wraps err for redirect delivery to redirectURI,
// echoing state when present.
func NewAuthorizationError(err *OAuthError, redirectURI, state string) *AuthorizationError {
	return &AuthorizationError{
		OAuthError:  *err,
		RedirectURI: redirectURI,
		State:       state,
	}
}
