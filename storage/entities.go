package storage

import "time"

// Client is a registered OAuth client. Clients are managed outside this
// module and are read-only here.
//
// A client is either public (non-nil RedirectURIs, no secret) or
// confidential (nil RedirectURIs, bcrypt secret hash); the two shapes are
// mutually exclusive.
type Client struct {
	ID           string
	Name         string
	Description  string
	RedirectURIs []string // nil for confidential clients
	SecretHash   []byte   // bcrypt hash; nil for public clients
	UserID       string   // owning user; empty for non-personal clients
	Personal     bool
	Active       bool
	Revoked      bool
	Scopes       []string
	CreatedAt    time.Time
}

// Confidential reports whether the client authenticates with a secret
// instead of a redirect URI set.
func (c *Client) Confidential() bool {
	return c.RedirectURIs == nil
}

// Scope is a named permission unit. Scopes form a flat set, no hierarchy.
type Scope struct {
	ID          string
	Description string
}

// AuthorizationRequest is a pushed authorization request (RFC 9126),
// consumable exactly once and only before expiry.
type AuthorizationRequest struct {
	ID                  string
	ClientID            string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	RedirectURI         string
	Scopes              []string
	State               string
	ExpiresAt           time.Time
	UsedAt              *time.Time
}

// AuthorizationCode is redeemable exactly once, only by the client that
// requested it, with a matching redirect URI and PKCE verifier.
type AuthorizationCode struct {
	Code        string
	ClientID    string
	UserID      string
	RedirectURI string
	Challenge   string // PKCE S256 challenge
	Scopes      []string
	ExpiresAt   time.Time
	UsedAt      *time.Time
	Revoked     bool
}

// AccessToken is an opaque bearer credential. UserID is empty for
// client-only grants.
type AccessToken struct {
	ID        string
	Token     string
	ClientID  string
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// RefreshToken mirrors AccessToken; refresh tokens are issued for every
// grant and rotated on use.
type RefreshToken struct {
	ID        string
	Token     string
	ClientID  string
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// DeviceChallenge is a pending device authorization (RFC 8628).
//
// Approved is a tri-state: nil while the user decision is pending, then
// true or false exactly once. UserID is recorded with an approval, so the
// eventual token exchange knows who authorized the device. UsedAt is set
// exactly once, at the first successful token exchange after approval.
type DeviceChallenge struct {
	ID         string
	DeviceCode string
	UserCode   string
	ClientID   string
	UserID     string   // set on approval
	Scopes     []string // nil inherits the client's scope set
	ExpiresAt  time.Time
	LastPollAt *time.Time
	Approved   *bool
	UsedAt     *time.Time
	CreatedAt  time.Time
}

// UserConsent records that a user granted a client a scope set. A live
// consent short-circuits repeat device flow prompts.
type UserConsent struct {
	ID        string
	ClientID  string
	UserID    string
	Scopes    []string
	GrantedAt time.Time
	ExpiresAt *time.Time
	RevokedAt *time.Time
}

// Live reports whether the consent is currently effective.
func (c *UserConsent) Live(now time.Time) bool {
	if c.RevokedAt != nil {
		return false
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		return false
	}
	return true
}

// User carries the profile claims served by the userinfo endpoint. User
// management lives outside this module.
type User struct {
	ID            string
	Name          string
	Email         string
	EmailVerified bool
	UpdatedAt     time.Time
}
