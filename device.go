package oauth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiosklabs/kiosk-oauth/internal/random"
	"github.com/kiosklabs/kiosk-oauth/storage"
)

// StartDeviceAuthorization begins the device flow for a client: it mints a
// device code for polling and a short user code for the person to type on
// a separate browser.
func (s *Server) StartDeviceAuthorization(ctx context.Context, clientID, scopeParam string) (*DeviceAuthorizationResponse, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	client, err := s.loadClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	requested, oerr := parseScopeParam(scopeParam)
	if oerr != nil {
		return nil, oerr
	}
	// A nil scope set means the challenge inherits the client's scopes
	// at approval time.
	var scopes []string
	if len(requested) > 0 {
		if _, err := s.resolveScopes(ctx, client, requested); err != nil {
			return nil, err
		}
		if !scopesSubset(requested, client.Scopes) {
			return nil, ErrInvalidScope("requested scope exceeds the client grant")
		}
		scopes = requested
	}

	now := s.now()
	ttl := s.config.TTL.DeviceChallenge
	ch := &storage.DeviceChallenge{
		ID:         uuid.NewString(),
		DeviceCode: random.Token(),
		UserCode:   random.UserCode(),
		ClientID:   client.ID,
		Scopes:     scopes,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	if err := s.store.CreateDeviceChallenge(ctx, ch); err != nil {
		s.logger.Error("failed to store device challenge", "client_id", clientID, "error", err)
		return nil, ErrServerError("failed to start device authorization")
	}

	s.logger.Info("device authorization started", "client_id", clientID, "challenge_id", ch.ID)
	if s.metrics != nil {
		s.metrics.DeviceChallengeCreated(ctx, clientID)
	}

	userCode := FormatUserCode(ch.UserCode)
	verificationURI := s.config.DeviceVerificationURL
	complete := verificationURI + "?user_code=" + url.QueryEscape(userCode)
	return &DeviceAuthorizationResponse{
		DeviceCode:              ch.DeviceCode,
		UserCode:                userCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: complete,
		ExpiresIn:               int64(ttl.Seconds()),
		Interval:                int64(s.config.DevicePollInterval.Seconds()),
	}, nil
}

// FormatUserCode renders a stored user code for display: uppercase, split
// in the middle by a dash ("bcdfgh" becomes "BCD-FGH").
func FormatUserCode(code string) string {
	c := strings.ToUpper(code)
	if len(c) != random.UserCodeLength {
		return c
	}
	return c[:3] + "-" + c[3:]
}

// NormalizeUserCode undoes the display formatting of a typed user code.
func NormalizeUserCode(code string) string {
	c := strings.ToLower(strings.TrimSpace(code))
	c = strings.ReplaceAll(c, "-", "")
	return strings.ReplaceAll(c, " ", "")
}

// ResolveDeviceChallenge looks up a still-decidable challenge by its typed
// user code, for the consent surface to display. Decided, consumed, and
// expired challenges are not found; that filter is also what makes the
// eventual decision single-shot.
func (s *Server) ResolveDeviceChallenge(ctx context.Context, userCode string) (*storage.DeviceChallenge, *storage.Client, error) {
	ch, err := s.store.GetDeviceChallengeByUserCode(ctx, NormalizeUserCode(userCode), s.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, ErrInvalidRequest("unknown or expired code")
		}
		s.logger.Error("device challenge lookup failed", "error", err)
		return nil, nil, ErrServerError("device challenge lookup failed")
	}
	client, err := s.loadClient(ctx, ch.ClientID)
	if err != nil {
		return nil, nil, err
	}
	return ch, client, nil
}

// HasUserConsent reports whether userID holds a live consent for clientID.
// The consent surface uses this to skip the prompt and approve directly.
func (s *Server) HasUserConsent(ctx context.Context, clientID, userID string) (bool, error) {
	_, err := s.store.GetUserConsent(ctx, clientID, userID, s.now())
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	s.logger.Error("consent lookup failed", "error", err)
	return false, ErrServerError("consent lookup failed")
}

// ApproveDevice records userID's approval of the challenge behind
// userCode and the consent grant backing it, in one transaction.
func (s *Server) ApproveDevice(ctx context.Context, userCode, userID string) error {
	ch, client, err := s.ResolveDeviceChallenge(ctx, userCode)
	if err != nil {
		return err
	}
	// A personal client can only be approved by its owner.
	if client.Personal && client.UserID != userID {
		return ErrAccessDenied("client is not usable by this account")
	}

	scopes := ch.Scopes
	if scopes == nil {
		scopes = client.Scopes
	}

	now := s.now()
	hasConsent, err := s.HasUserConsent(ctx, client.ID, userID)
	if err != nil {
		return err
	}

	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.DecideDeviceChallenge(ctx, ch.ID, true, userID, scopes); err != nil {
			return err
		}
		if hasConsent {
			return nil
		}
		expires := now.Add(s.config.TTL.UserConsent)
		return tx.GrantUserConsent(ctx, &storage.UserConsent{
			ID:        uuid.NewString(),
			ClientID:  client.ID,
			UserID:    userID,
			Scopes:    scopes,
			GrantedAt: now,
			ExpiresAt: &expires,
		})
	})
	if err != nil {
		s.logger.Error("device approval failed", "challenge_id", ch.ID, "error", err)
		return ErrServerError("device approval failed")
	}

	if s.auditor != nil {
		s.auditor.LogDeviceDecision(client.ID, userID, true)
	}
	return nil
}

// DenyDevice records a denial of the challenge behind userCode. Denial is
// terminal: the polling client receives access_denied and must restart.
func (s *Server) DenyDevice(ctx context.Context, userCode, userID string) error {
	ch, client, err := s.ResolveDeviceChallenge(ctx, userCode)
	if err != nil {
		return err
	}
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.DecideDeviceChallenge(ctx, ch.ID, false, "", nil)
	})
	if err != nil {
		s.logger.Error("device denial failed", "challenge_id", ch.ID, "error", err)
		return ErrServerError("device denial failed")
	}
	if s.auditor != nil {
		s.auditor.LogDeviceDecision(client.ID, userID, false)
	}
	return nil
}

// deviceCodeGrant is the terminal step of the device flow: the polling
// client trades an approved, unconsumed challenge for tokens.
type deviceCodeGrant struct {
	server *Server

	deviceCode string
}

func (g *deviceCodeGrant) validate(form url.Values, _ *storage.Client) error {
	g.deviceCode = form.Get("device_code")
	if g.deviceCode == "" {
		return ErrInvalidRequest("device_code is required")
	}
	return nil
}

func (g *deviceCodeGrant) handle(ctx context.Context, client *storage.Client, now time.Time) (*TokenResponse, error) {
	s := g.server

	// The read and the last_poll_at stamp are one store operation, so
	// two concurrent polls can never both observe "no previous poll".
	ch, err := s.store.PollDeviceChallenge(ctx, client.ID, g.deviceCode, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("unknown device code")
		}
		s.logger.Error("device poll failed", "error", err)
		return nil, ErrServerError("device poll failed")
	}
	if s.metrics != nil {
		s.metrics.DevicePoll(ctx, client.ID)
	}

	if !ch.ExpiresAt.After(now) {
		return nil, ErrExpiredToken("device code expired")
	}
	// The poll cadence applies regardless of the approval state.
	if ch.LastPollAt != nil && now.Sub(*ch.LastPollAt) < s.config.DevicePollInterval {
		return nil, ErrSlowDown("polling too frequently")
	}
	switch {
	case ch.Approved == nil:
		return nil, ErrAuthorizationPending("user decision pending")
	case !*ch.Approved:
		return nil, ErrAccessDenied("user denied the request")
	}
	if ch.UsedAt != nil {
		return nil, ErrInvalidGrant("device code already used")
	}

	scopes := ch.Scopes
	if scopes == nil {
		scopes = client.Scopes
	}

	return s.issueTokens(ctx, client.ID, ch.UserID, scopes, true, now, func(tx storage.Tx) error {
		n, err := tx.MarkDeviceChallengeUsed(ctx, ch.ID, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInvalidGrant("device code already used")
		}
		return nil
	})
}
