package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kiosklabs/kiosk-oauth/storage"
)

// Supported grant types. The set is closed: the dispatcher matches on it
// exhaustively and there is no registration mechanism.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// grantHandler is the contract every grant type implements. validate
// parses and checks the grant-specific fields, so missing type-specific
// parameters produce grant-appropriate errors instead of a generic one;
// handle performs the side effect proving authorization and issues tokens.
// Handlers never call each other.
type grantHandler interface {
	validate(form url.Values, client *storage.Client) error
	handle(ctx context.Context, client *storage.Client, now time.Time) (*TokenResponse, error)
}

// Token is the single entry point for the token endpoint: it resolves the
// client, dispatches on grant_type, and sequences validate then handle.
func (s *Server) Token(ctx context.Context, form url.Values) (*TokenResponse, error) {
	clientID := form.Get("client_id")
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	client, err := s.loadClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	grantType := form.Get("grant_type")
	if grantType == "" {
		return nil, ErrInvalidRequest("grant_type is required")
	}

	var handler grantHandler
	switch grantType {
	case GrantTypeAuthorizationCode:
		handler = &authorizationCodeGrant{server: s}
	case GrantTypeClientCredentials:
		handler = &clientCredentialsGrant{server: s}
	case GrantTypeRefreshToken:
		handler = &refreshTokenGrant{server: s}
	case GrantTypeDeviceCode:
		handler = &deviceCodeGrant{server: s}
	default:
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("unsupported grant_type %q", grantType))
	}

	if err := handler.validate(form, client); err != nil {
		s.recordGrantFailure(ctx, grantType, err)
		return nil, err
	}
	resp, err := handler.handle(ctx, client, s.now())
	if err != nil {
		s.recordGrantFailure(ctx, grantType, err)
		return nil, err
	}
	return resp, nil
}

func (s *Server) recordGrantFailure(ctx context.Context, grantType string, err error) {
	var oe *OAuthError
	code := ErrorCodeServerError
	if errors.As(err, &oe) {
		code = oe.Code
	}
	if s.metrics != nil {
		s.metrics.GrantFailed(ctx, grantType, code)
	}
	if s.auditor != nil {
		s.auditor.LogGrantFailure(grantType, code)
	}
}

// authorizationCodeGrant redeems a one-time authorization code bound to a
// PKCE challenge.
type authorizationCodeGrant struct {
	server *Server

	code         string
	redirectURI  string
	codeVerifier string
}

func (g *authorizationCodeGrant) validate(form url.Values, _ *storage.Client) error {
	g.code = form.Get("code")
	g.redirectURI = form.Get("redirect_uri")
	g.codeVerifier = form.Get("code_verifier")
	if g.code == "" {
		return ErrInvalidRequest("code is required")
	}
	if g.redirectURI == "" {
		return ErrInvalidRequest("redirect_uri is required")
	}
	if g.codeVerifier == "" {
		return ErrInvalidRequest("code_verifier is required")
	}
	return nil
}

func (g *authorizationCodeGrant) handle(ctx context.Context, client *storage.Client, now time.Time) (*TokenResponse, error) {
	s := g.server

	// The consuming read and the consuming write are one store
	// operation, so under concurrent redemption exactly one request sees
	// the unused row.
	ac, err := s.store.ConsumeAuthorizationCode(ctx, g.code, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("invalid authorization code")
		}
		s.logger.Error("authorization code redemption failed", "error", err)
		return nil, ErrServerError("authorization code redemption failed")
	}

	if ac.ClientID != client.ID {
		return nil, ErrInvalidClient("authorization code was issued to another client")
	}
	if client.Personal && ac.UserID != client.UserID {
		return nil, ErrInvalidClient("authorization code was issued to another user")
	}
	if ac.Revoked {
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if !ac.ExpiresAt.After(now) {
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if ac.RedirectURI != g.redirectURI {
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if !verifyPKCE(ac.Challenge, g.codeVerifier) {
		return nil, ErrInvalidGrant("invalid authorization code")
	}

	return s.issueTokens(ctx, client.ID, ac.UserID, ac.Scopes, true, now, nil)
}

// clientCredentialsGrant authenticates a confidential client by secret and
// issues tokens with no user binding.
type clientCredentialsGrant struct {
	server *Server

	clientSecret string
	scopes       []string
	scopeGiven   bool
}

func (g *clientCredentialsGrant) validate(form url.Values, client *storage.Client) error {
	if !client.Confidential() {
		return ErrInvalidClient("client cannot use the client_credentials grant")
	}
	g.clientSecret = form.Get("client_secret")
	if g.clientSecret == "" {
		return ErrInvalidRequest("client_secret is required")
	}
	scopes, oerr := parseScopeParam(form.Get("scope"))
	if oerr != nil {
		return oerr
	}
	g.scopes = scopes
	g.scopeGiven = len(scopes) > 0
	return nil
}

func (g *clientCredentialsGrant) handle(ctx context.Context, client *storage.Client, now time.Time) (*TokenResponse, error) {
	s := g.server

	// A wrong secret is invalid_request, not invalid_client: the client
	// shape was already established, only the credential is bad. The
	// distinction is part of the wire contract.
	if err := bcrypt.CompareHashAndPassword(client.SecretHash, []byte(g.clientSecret)); err != nil {
		if s.auditor != nil {
			s.auditor.LogClientAuthFailure(client.ID)
		}
		return nil, ErrInvalidRequest("invalid client secret")
	}

	scopes := client.Scopes
	echoScope := false
	if g.scopeGiven {
		if !scopesSubset(g.scopes, client.Scopes) {
			return nil, ErrInvalidScope("requested scope exceeds the client grant")
		}
		scopes = g.scopes
		echoScope = true
	}

	return s.issueTokens(ctx, client.ID, "", scopes, echoScope, now, nil)
}

// refreshTokenGrant rotates a refresh token: issuing the replacement pair
// and revoking the consumed token are one transaction.
type refreshTokenGrant struct {
	server *Server

	refreshToken string
	scopes       []string
	scopeGiven   bool
}

func (g *refreshTokenGrant) validate(form url.Values, _ *storage.Client) error {
	g.refreshToken = form.Get("refresh_token")
	if g.refreshToken == "" {
		return ErrInvalidRequest("refresh_token is required")
	}
	scopes, oerr := parseScopeParam(form.Get("scope"))
	if oerr != nil {
		return oerr
	}
	g.scopes = scopes
	g.scopeGiven = len(scopes) > 0
	return nil
}

func (g *refreshTokenGrant) handle(ctx context.Context, client *storage.Client, now time.Time) (*TokenResponse, error) {
	s := g.server

	rt, err := s.store.GetRefreshToken(ctx, g.refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("invalid refresh token")
		}
		s.logger.Error("refresh token lookup failed", "error", err)
		return nil, ErrServerError("refresh token lookup failed")
	}
	if rt.ClientID != client.ID {
		return nil, ErrInvalidClient("refresh token was issued to another client")
	}
	if rt.RevokedAt != nil || !rt.ExpiresAt.After(now) {
		return nil, ErrInvalidGrant("invalid refresh token")
	}

	scopes := rt.Scopes
	echoScope := false
	if g.scopeGiven {
		if !scopesSubset(g.scopes, rt.Scopes) {
			return nil, ErrInvalidScope("requested scope exceeds the refresh token grant")
		}
		scopes = g.scopes
		echoScope = true
	}

	// Revoking the consumed token inside the issuance transaction is
	// also the concurrency guard: of two racing rotations, only one
	// revoke affects a row.
	return s.issueTokens(ctx, client.ID, rt.UserID, scopes, echoScope, now, func(tx storage.Tx) error {
		n, err := tx.RevokeRefreshToken(ctx, client.ID, rt.Token, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInvalidGrant("invalid refresh token")
		}
		return nil
	})
}
