package oauth

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Config holds the OAuth handler configuration
type Config struct {
	// Issuer is the server's issuer identifier, the base URL all
	// advertised endpoints hang off (required).
	Issuer string

	// LoginURL is where unauthenticated authorization requests are sent
	// (required). The original request URL is appended as ?next=.
	LoginURL string

	// DeviceVerificationURL is where device-flow users are told to enter
	// their user code. Default: Issuer + "/device".
	DeviceVerificationURL string

	// UserInfoSigningKey signs userinfo responses requested as JWTs.
	// Empty disables the JWT representation; JSON stays available.
	UserInfoSigningKey []byte

	// Lifetimes of issued artifacts. Zero values take the defaults below.
	TTL TTLConfig

	// DevicePollInterval is the minimum interval between device token
	// polls, advertised to and enforced against device clients.
	// Default: 5 seconds.
	DevicePollInterval time.Duration

	// Rate limiting for the token and PAR endpoints.
	RateLimit RateLimitConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// TTLConfig holds the lifetimes of issued artifacts.
type TTLConfig struct {
	// AuthorizationCode is how long authorization codes are redeemable.
	// Default: 10 minutes.
	AuthorizationCode time.Duration

	// AccessToken is the access token lifetime. Default: 1 hour.
	AccessToken time.Duration

	// RefreshToken is the refresh token lifetime. Default: 30 days.
	RefreshToken time.Duration

	// PushedAuthorizationRequest is how long a pushed request stays
	// redeemable. Default: 90 seconds.
	PushedAuthorizationRequest time.Duration

	// DeviceChallenge is how long a device code stays pollable.
	// Default: 30 minutes.
	DeviceChallenge time.Duration

	// UserConsent is how long a recorded consent short-circuits repeat
	// device approvals. Default: 7 days.
	UserConsent time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool
}

const (
	defaultAuthorizationCodeTTL = 10 * time.Minute
	defaultAccessTokenTTL       = time.Hour
	defaultRefreshTokenTTL      = 30 * 24 * time.Hour
	defaultPARRequestTTL        = 90 * time.Second
	defaultDeviceChallengeTTL   = 30 * time.Minute
	defaultUserConsentTTL       = 7 * 24 * time.Hour
	defaultDevicePollInterval   = 5 * time.Second
)

// Validate checks the required fields and rejects obviously broken values.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.Issuer)
	}
	if strings.HasSuffix(c.Issuer, "/") {
		return fmt.Errorf("issuer must not end with a slash: %q", c.Issuer)
	}
	if c.LoginURL == "" {
		return fmt.Errorf("login URL is required")
	}
	if _, err := url.Parse(c.LoginURL); err != nil {
		return fmt.Errorf("invalid login URL: %w", err)
	}
	return nil
}

// applyDefaults fills zero values in place and returns the config.
func (c *Config) applyDefaults() *Config {
	if c.TTL.AuthorizationCode == 0 {
		c.TTL.AuthorizationCode = defaultAuthorizationCodeTTL
	}
	if c.TTL.AccessToken == 0 {
		c.TTL.AccessToken = defaultAccessTokenTTL
	}
	if c.TTL.RefreshToken == 0 {
		c.TTL.RefreshToken = defaultRefreshTokenTTL
	}
	if c.TTL.PushedAuthorizationRequest == 0 {
		c.TTL.PushedAuthorizationRequest = defaultPARRequestTTL
	}
	if c.TTL.DeviceChallenge == 0 {
		c.TTL.DeviceChallenge = defaultDeviceChallengeTTL
	}
	if c.TTL.UserConsent == 0 {
		c.TTL.UserConsent = defaultUserConsentTTL
	}
	if c.DeviceVerificationURL == "" {
		c.DeviceVerificationURL = c.Issuer + "/device"
	}
	if c.DevicePollInterval == 0 {
		c.DevicePollInterval = defaultDevicePollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
