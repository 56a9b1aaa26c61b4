package oauth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kiosklabs/kiosk-oauth/storage"
)

// UserInfo resolves a bearer token to the profile claims of the user it
// was issued for. Client-only tokens have no subject and are refused.
func (s *Server) UserInfo(ctx context.Context, token string) (*UserInfoResponse, *storage.AccessToken, error) {
	at, err := s.AuthenticateBearer(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if at.UserID == "" {
		return nil, nil, ErrAccessDenied("token has no user subject")
	}
	user, err := s.store.GetUser(ctx, at.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrAccessDenied("invalid access token")
		}
		s.logger.Error("user lookup failed", "error", err)
		return nil, nil, ErrServerError("user lookup failed")
	}
	return &UserInfoResponse{
		Subject:       user.ID,
		Name:          user.Name,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		UpdatedAt:     user.UpdatedAt.Unix(),
	}, at, nil
}

// SignUserInfo renders the claims as a compact HS256 JWT addressed to the
// requesting client. Requires a configured signing key.
func (s *Server) SignUserInfo(info *UserInfoResponse, clientID string) (string, error) {
	if len(s.config.UserInfoSigningKey) == 0 {
		return "", errors.New("userinfo signing key is not configured")
	}
	now := s.now()
	claims := jwt.MapClaims{
		"iss":            s.config.Issuer,
		"aud":            clientID,
		"iat":            now.Unix(),
		"sub":            info.Subject,
		"name":           info.Name,
		"email":          info.Email,
		"email_verified": info.EmailVerified,
		"updated_at":     info.UpdatedAt,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.config.UserInfoSigningKey)
}
