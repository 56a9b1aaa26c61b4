// Package oauth implements an embeddable OAuth 2.0 authorization server:
// authorization and token endpoints with PKCE, pushed authorization
// requests, device authorization, token introspection and revocation, and
// RFC 8414 server metadata.
package oauth

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ErrorURI points to error documentation
	ErrorURI string `json:"error_uri,omitempty"`
}

// TokenResponse is the token endpoint success body (RFC 6749 section 5.1).
type TokenResponse struct {
	// AccessToken is the opaque bearer token
	AccessToken string `json:"access_token"`

	// TokenType is always "Bearer"
	TokenType string `json:"token_type"`

	// ExpiresIn is the access token lifetime in seconds
	ExpiresIn int64 `json:"expires_in"`

	// RefreshToken is issued with every grant
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the space-delimited granted scope set
	Scope string `json:"scope,omitempty"`
}

// IntrospectionResponse is the introspection endpoint body (RFC 7662).
// Inactive tokens carry active=false and nothing else, so callers cannot
// distinguish unknown, expired, and revoked tokens.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Username  string `json:"username,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Audience  string `json:"aud,omitempty"`
	Issuer    string `json:"iss,omitempty"`
}

// DeviceAuthorizationResponse is the device authorization endpoint body
// (RFC 8628 section 3.2).
type DeviceAuthorizationResponse struct {
	DeviceCode string `json:"device_code"`

	// UserCode is formatted for display, e.g. "BCD-FGH"
	UserCode string `json:"user_code"`

	VerificationURI string `json:"verification_uri"`

	// VerificationURIComplete embeds the user code for QR display
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`

	// ExpiresIn is the device code lifetime in seconds
	ExpiresIn int64 `json:"expires_in"`

	// Interval is the minimum seconds between token endpoint polls
	Interval int64 `json:"interval"`
}

// PushedAuthorizationResponse is the PAR endpoint body (RFC 9126).
type PushedAuthorizationResponse struct {
	// RequestURI is "urn:ietf:params:oauth:request_uri:" + the request ID
	RequestURI string `json:"request_uri"`

	// ExpiresIn is the request lifetime in seconds
	ExpiresIn int64 `json:"expires_in"`
}

// UserInfoResponse carries the userinfo endpoint claims.
type UserInfoResponse struct {
	Subject       string `json:"sub"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	UpdatedAt     int64  `json:"updated_at,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// DeviceAuthorizationEndpoint is the URL of the device authorization endpoint (RFC 8628)
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint,omitempty"`

	// PushedAuthorizationRequestEndpoint is the URL of the PAR endpoint (RFC 9126)
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint,omitempty"`

	// IntrospectionEndpoint is the URL of the token introspection endpoint (RFC 7662)
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// RevocationEndpoint is the URL of the token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// UserinfoEndpoint is the URL of the userinfo endpoint
	UserinfoEndpoint string `json:"userinfo_endpoint,omitempty"`

	// ScopesSupported lists the OAuth scopes supported
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the OAuth grant types supported
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE challenge methods supported (RFC 7636)
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}
