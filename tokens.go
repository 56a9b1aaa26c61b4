package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kiosklabs/kiosk-oauth/internal/random"
	"github.com/kiosklabs/kiosk-oauth/storage"
)

const tokenTypeBearer = "Bearer"

// issueTokens creates an access and refresh token pair inside one
// transaction. sideEffect, when non-nil, runs in the same transaction so
// that the consumption proving the grant (marking a device challenge used,
// revoking a rotated refresh token) and the issuance are atomic: a crash
// can never leave one without the other.
//
// echoScope controls whether the response carries the scope member; RFC
// 6749 section 5.1 requires it whenever the granted set can differ from
// what the client asked for.
func (s *Server) issueTokens(ctx context.Context, clientID, userID string, scopes []string, echoScope bool, now time.Time, sideEffect func(storage.Tx) error) (*TokenResponse, error) {
	access := &storage.AccessToken{
		ID:        uuid.NewString(),
		Token:     random.Token(),
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		ExpiresAt: now.Add(s.config.TTL.AccessToken),
	}
	refresh := &storage.RefreshToken{
		ID:        uuid.NewString(),
		Token:     random.Token(),
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		ExpiresAt: now.Add(s.config.TTL.RefreshToken),
	}

	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		if sideEffect != nil {
			if err := sideEffect(tx); err != nil {
				return err
			}
		}
		if err := tx.CreateAccessToken(ctx, access); err != nil {
			return err
		}
		return tx.CreateRefreshToken(ctx, refresh)
	})
	if err != nil {
		var oe *OAuthError
		if errors.As(err, &oe) {
			return nil, oe
		}
		s.logger.Error("token issuance failed", "client_id", clientID, "error", err)
		return nil, ErrServerError("token issuance failed")
	}

	if s.auditor != nil {
		s.auditor.LogTokensIssued(clientID, userID, scopes)
	}
	if s.metrics != nil {
		s.metrics.TokensIssued(ctx, clientID)
	}

	resp := &TokenResponse{
		AccessToken:  access.Token,
		TokenType:    tokenTypeBearer,
		ExpiresIn:    int64(s.config.TTL.AccessToken.Seconds()),
		RefreshToken: refresh.Token,
	}
	if echoScope {
		resp.Scope = scopeString(scopes)
	}
	return resp, nil
}

// Revoke invalidates a token presented by clientID, trying refresh-token
// revocation first and falling back to access-token revocation when no
// refresh row matched. Unknown and already-revoked tokens succeed: per RFC
// 7009 the endpoint never tells a caller whether the token existed.
func (s *Server) Revoke(ctx context.Context, clientID, token string) error {
	if token == "" {
		return nil
	}
	now := s.now()
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		n, err := tx.RevokeRefreshToken(ctx, clientID, token, now)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.RevokeAccessToken(ctx, clientID, token, now)
		return err
	})
	if err != nil {
		s.logger.Error("token revocation failed", "client_id", clientID, "error", err)
		return ErrServerError("token revocation failed")
	}
	if s.auditor != nil {
		s.auditor.LogTokenRevoked(clientID)
	}
	return nil
}

// Introspect answers an RFC 7662 introspection query for the
// authenticated client. A token that does not exist, is expired, is
// revoked, or belongs to another client is reported as active=false with
// no further detail; the four cases are indistinguishable on the wire.
func (s *Server) Introspect(ctx context.Context, clientID, token string) (*IntrospectionResponse, error) {
	inactive := &IntrospectionResponse{Active: false}
	if token == "" {
		return inactive, nil
	}
	now := s.now()

	if at, err := s.store.GetAccessToken(ctx, token); err == nil {
		if at.ClientID != clientID || at.RevokedAt != nil || !at.ExpiresAt.After(now) {
			return inactive, nil
		}
		return &IntrospectionResponse{
			Active:    true,
			Scope:     scopeString(at.Scopes),
			ClientID:  at.ClientID,
			Username:  at.UserID,
			TokenType: tokenTypeBearer,
			ExpiresAt: at.ExpiresAt.Unix(),
			Subject:   at.UserID,
			Issuer:    s.config.Issuer,
		}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("introspection lookup failed", "error", err)
		return nil, ErrServerError("introspection failed")
	}

	rt, err := s.store.GetRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return inactive, nil
		}
		s.logger.Error("introspection lookup failed", "error", err)
		return nil, ErrServerError("introspection failed")
	}
	if rt.ClientID != clientID || rt.RevokedAt != nil || !rt.ExpiresAt.After(now) {
		return inactive, nil
	}
	return &IntrospectionResponse{
		Active:    true,
		Scope:     scopeString(rt.Scopes),
		ClientID:  rt.ClientID,
		Username:  rt.UserID,
		TokenType: "refresh_token",
		ExpiresAt: rt.ExpiresAt.Unix(),
		Subject:   rt.UserID,
		Issuer:    s.config.Issuer,
	}, nil
}

// AuthenticateBearer resolves a bearer token to its live access token
// record. Every failure mode reads the same to the caller.
func (s *Server) AuthenticateBearer(ctx context.Context, token string) (*storage.AccessToken, error) {
	denied := ErrAccessDenied("invalid access token")
	if token == "" {
		return nil, denied
	}
	at, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, denied
		}
		s.logger.Error("bearer lookup failed", "error", err)
		return nil, ErrServerError("authentication failed")
	}
	if at.RevokedAt != nil || !at.ExpiresAt.After(s.now()) {
		return nil, denied
	}
	return at, nil
}
