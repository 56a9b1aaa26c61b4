package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiosklabs/kiosk-oauth/instrumentation"
	"github.com/kiosklabs/kiosk-oauth/security"
	"github.com/kiosklabs/kiosk-oauth/storage"
)

// Server implements the OAuth 2.0 authorization server logic. It holds no
// mutable protocol state of its own; all cross-request coordination lives
// in the store's atomic operations.
type Server struct {
	store   storage.Store
	config  *Config
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics

	// now is the single authoritative clock read per operation; every
	// store call within one operation sees the same instant.
	now func() time.Time
}

// NewServer creates a new OAuth server backed by store.
func NewServer(store storage.Store, config *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.applyDefaults()

	return &Server{
		store:  store,
		config: config,
		logger: config.Logger,
		now:    time.Now,
	}, nil
}

// SetAuditor installs a security audit logger. Nil disables auditing.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.auditor = aud
}

// SetMetrics installs the metric instruments. Nil disables them.
func (s *Server) SetMetrics(m *instrumentation.Metrics) {
	s.metrics = m
}

// SetClock overrides the server clock. Tests use this to pin time.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Config returns the effective configuration after defaulting.
func (s *Server) Config() *Config {
	return s.config
}

// loadClient resolves a client that must be usable right now: present,
// active, and not revoked. Every failure reads the same to the caller.
func (s *Server) loadClient(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient("unknown client")
		}
		s.logger.Error("client lookup failed", "client_id", clientID, "error", err)
		return nil, ErrServerError("client lookup failed")
	}
	if !client.Active || client.Revoked {
		return nil, ErrInvalidClient("unknown client")
	}
	return client, nil
}
