// Package security provides the security plumbing around the OAuth core:
// audit logging with PII protection, per-IP rate limiting, response
// hardening headers, and client IP extraction.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"
)

// Auditor logs security-relevant events as structured records. User IDs
// are hashed before logging; token and secret material never reaches it.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a security auditor. When enabled is false every Log*
// call is a no-op.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a single security audit record.
type Event struct {
	Type      string
	ClientID  string
	UserID    string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs an audit event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}
	event.Timestamp = time.Now()
	a.logger.Info("security_audit",
		"event_type", event.Type,
		"client_id", event.ClientID,
		"user_id_hash", hashForLogging(event.UserID),
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogAuthorizationGranted records a successful authorization code issuance.
func (a *Auditor) LogAuthorizationGranted(clientID, userID string, scopes []string) {
	a.LogEvent(Event{
		Type:     "authorization_granted",
		ClientID: clientID,
		UserID:   userID,
		Details:  map[string]any{"scope": strings.Join(scopes, " ")},
	})
}

// LogTokensIssued records an access/refresh token pair issuance.
func (a *Auditor) LogTokensIssued(clientID, userID string, scopes []string) {
	a.LogEvent(Event{
		Type:     "tokens_issued",
		ClientID: clientID,
		UserID:   userID,
		Details:  map[string]any{"scope": strings.Join(scopes, " ")},
	})
}

// LogTokenRevoked records a revocation request by a client.
func (a *Auditor) LogTokenRevoked(clientID string) {
	a.LogEvent(Event{
		Type:     "token_revoked",
		ClientID: clientID,
	})
}

// LogGrantFailure records a failed token grant with its protocol error code.
func (a *Auditor) LogGrantFailure(grantType, errorCode string) {
	a.LogEvent(Event{
		Type: "grant_failure",
		Details: map[string]any{
			"grant_type": grantType,
			"error":      errorCode,
		},
	})
}

// LogClientAuthFailure records a failed client secret check.
func (a *Auditor) LogClientAuthFailure(clientID string) {
	a.LogEvent(Event{
		Type:     "client_auth_failure",
		ClientID: clientID,
	})
}

// LogDeviceDecision records a user's approval or denial of a device
// challenge.
func (a *Auditor) LogDeviceDecision(clientID, userID string, approved bool) {
	a.LogEvent(Event{
		Type:     "device_decision",
		ClientID: clientID,
		UserID:   userID,
		Details:  map[string]any{"approved": approved},
	})
}

// LogRateLimitExceeded records a request refused by the rate limiter.
func (a *Auditor) LogRateLimitExceeded(ip, path string) {
	a.LogEvent(Event{
		Type: "rate_limit_exceeded",
		Details: map[string]any{
			"ip_hash": hashForLogging(ip),
			"path":    path,
		},
	})
}

// hashForLogging produces a short stable hash so events about the same
// subject correlate without the subject itself appearing in logs.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
