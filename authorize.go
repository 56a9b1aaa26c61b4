package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/kiosklabs/kiosk-oauth/internal/random"
	"github.com/kiosklabs/kiosk-oauth/storage"
)

// ResponseTypeCode is the only supported response type.
const ResponseTypeCode = "code"

// requestURIPrefix is the PAR request URI scheme (RFC 9126 section 2.2).
const requestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// AuthorizationRequest is a validated authorization request, either parsed
// from the query string or redeemed from a pushed request.
type AuthorizationRequest struct {
	ClientID            string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	RedirectURI         string
	Scopes              []string
	State               string
}

// validateRedirectURI applies the redirect URI policy: http is allowed for
// loopback addresses only, private-use schemes in the scheme:/... form are
// allowed for native clients, everything else must be https.
func validateRedirectURI(redirectURI string) error {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("malformed redirect URI")
	}
	if u.Scheme == "" {
		return fmt.Errorf("redirect URI must be absolute")
	}
	switch u.Scheme {
	case "https":
		if u.Host == "" {
			return fmt.Errorf("redirect URI must have a host")
		}
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return nil
		}
		return fmt.Errorf("http redirect URIs are allowed for localhost only")
	default:
		// Private-use scheme, e.g. com.example.app:/callback. Opaque URIs
		// such as javascript: or data: never name a redirect target.
		if u.Opaque != "" || !strings.HasPrefix(u.Path, "/") {
			return fmt.Errorf("redirect URI scheme is not allowed")
		}
		return nil
	}
}

// ValidateAuthorization validates raw authorization parameters and returns
// the effective request. allowRequestURI permits redemption of a pushed
// request via the request_uri parameter.
//
// Errors raised before the client and redirect URI are validated are plain
// OAuthErrors and must be shown to the caller directly; errors after that
// point are AuthorizationErrors and may be delivered by redirect.
// Redirecting any earlier would make the server an open redirector.
func (s *Server) ValidateAuthorization(ctx context.Context, params url.Values, allowRequestURI bool) (*AuthorizationRequest, error) {
	clientID := params.Get("client_id")
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	redirectURI := params.Get("redirect_uri")
	if redirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	if err := validateRedirectURI(redirectURI); err != nil {
		return nil, ErrInvalidRequest(err.Error())
	}

	// A pushed redemption still had to pass the checks above; the stored
	// parameters win over anything else supplied alongside request_uri.
	if requestURI := params.Get("request_uri"); requestURI != "" && allowRequestURI {
		return s.redeemPushedRequest(ctx, clientID, requestURI)
	}

	client, err := s.loadClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.Confidential() {
		return nil, ErrInvalidClient("client cannot use the authorization endpoint")
	}
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	// The client and redirect URI are good from here on; failures are
	// safe to deliver on the redirect.
	state := params.Get("state")
	fail := func(oe *OAuthError) error {
		return NewAuthorizationError(oe, redirectURI, state)
	}

	responseType := params.Get("response_type")
	if responseType != ResponseTypeCode {
		return nil, fail(ErrUnsupportedResponseType(fmt.Sprintf("unsupported response_type %q", responseType)))
	}
	codeChallenge := params.Get("code_challenge")
	if codeChallenge == "" {
		return nil, fail(ErrInvalidRequest("code_challenge is required"))
	}
	method := params.Get("code_challenge_method")
	if method != CodeChallengeMethodS256 {
		return nil, fail(ErrUnsupportedResponseType(fmt.Sprintf("unsupported code_challenge_method %q", method)))
	}

	requested, oerr := parseScopeParam(params.Get("scope"))
	if oerr != nil {
		return nil, fail(oerr)
	}
	scopes, err := s.resolveScopes(ctx, client, requested)
	if err != nil {
		var oe *OAuthError
		if errors.As(err, &oe) {
			return nil, fail(oe)
		}
		return nil, err
	}

	return &AuthorizationRequest{
		ClientID:            clientID,
		ResponseType:        responseType,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: method,
		RedirectURI:         redirectURI,
		Scopes:              scopes,
		State:               state,
	}, nil
}

// redeemPushedRequest consumes a pushed authorization request exactly once
// and returns its stored parameters verbatim.
func (s *Server) redeemPushedRequest(ctx context.Context, clientID, requestURI string) (*AuthorizationRequest, error) {
	id, ok := strings.CutPrefix(requestURI, requestURIPrefix)
	if !ok || id == "" {
		return nil, ErrInvalidRequest("malformed request_uri")
	}
	req, err := s.store.ConsumeAuthorizationRequest(ctx, id, clientID, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidRequest("unknown, expired, or already used request_uri")
		}
		s.logger.Error("pushed request redemption failed", "error", err)
		return nil, ErrServerError("pushed request redemption failed")
	}
	return &AuthorizationRequest{
		ClientID:            req.ClientID,
		ResponseType:        req.ResponseType,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes,
		State:               req.State,
	}, nil
}

// PushAuthorizationRequest validates and stores an authorization request
// pushed ahead of time (RFC 9126), returning its one-time reference URI.
func (s *Server) PushAuthorizationRequest(ctx context.Context, params url.Values) (*PushedAuthorizationResponse, error) {
	// A pushed request must not itself reference a pushed request.
	if params.Get("request_uri") != "" {
		return nil, ErrInvalidRequest("request_uri is not allowed in a pushed authorization request")
	}

	req, err := s.ValidateAuthorization(ctx, params, false)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ttl := s.config.TTL.PushedAuthorizationRequest
	stored := &storage.AuthorizationRequest{
		ID:                  uuid.NewString(),
		ClientID:            req.ClientID,
		ResponseType:        req.ResponseType,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes,
		State:               req.State,
		ExpiresAt:           now.Add(ttl),
	}
	if err := s.store.CreateAuthorizationRequest(ctx, stored); err != nil {
		s.logger.Error("failed to store pushed request", "client_id", req.ClientID, "error", err)
		return nil, ErrServerError("failed to store pushed request")
	}

	s.logger.Info("pushed authorization request accepted",
		"client_id", req.ClientID,
		"request_id", stored.ID)

	return &PushedAuthorizationResponse{
		RequestURI: requestURIPrefix + stored.ID,
		ExpiresIn:  int64(ttl.Seconds()),
	}, nil
}

// CompleteAuthorization issues an authorization code for a validated
// request on behalf of userID and returns the redirect URL delivering it.
func (s *Server) CompleteAuthorization(ctx context.Context, req *AuthorizationRequest, userID string) (string, error) {
	now := s.now()
	code := &storage.AuthorizationCode{
		Code:        random.Code(),
		ClientID:    req.ClientID,
		UserID:      userID,
		RedirectURI: req.RedirectURI,
		Challenge:   req.CodeChallenge,
		Scopes:      req.Scopes,
		ExpiresAt:   now.Add(s.config.TTL.AuthorizationCode),
	}
	if err := s.store.CreateAuthorizationCode(ctx, code); err != nil {
		s.logger.Error("failed to store authorization code", "client_id", req.ClientID, "error", err)
		return "", NewAuthorizationError(ErrServerError("failed to store authorization code"), req.RedirectURI, req.State)
	}

	if s.auditor != nil {
		s.auditor.LogAuthorizationGranted(req.ClientID, userID, req.Scopes)
	}

	u, err := url.Parse(req.RedirectURI)
	if err != nil {
		// The URI was validated earlier; a parse failure here is a bug.
		return "", ErrServerError("invalid redirect URI")
	}
	q := u.Query()
	q.Set("code", code.Code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
