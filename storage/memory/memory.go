// Package memory provides an in-memory implementation of storage.Store.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kiosklabs/kiosk-oauth/storage"
)

// Store is an in-memory implementation of storage.Store. All state is
// guarded by a single mutex; the atomic consume operations hold it across
// the read and the mutation, which is what makes them atomic here.
type Store struct {
	mu sync.Mutex

	clients map[string]*storage.Client
	scopes  map[string]*storage.Scope
	users   map[string]*storage.User

	authRequests  map[string]*storage.AuthorizationRequest
	authCodes     map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken // keyed by token value
	refreshTokens map[string]*storage.RefreshToken
	challenges    map[string]*storage.DeviceChallenge // keyed by ID
	consents      map[string]*storage.UserConsent

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates an in-memory store with a one-minute expiry sweep.
func New(logger *slog.Logger) *Store {
	return NewWithInterval(logger, time.Minute)
}

// NewWithInterval creates an in-memory store sweeping expired short-lived
// state at the given interval. An interval of zero disables the sweep.
func NewWithInterval(logger *slog.Logger, interval time.Duration) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		clients:         make(map[string]*storage.Client),
		scopes:          make(map[string]*storage.Scope),
		users:           make(map[string]*storage.User),
		authRequests:    make(map[string]*storage.AuthorizationRequest),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		challenges:      make(map[string]*storage.DeviceChallenge),
		consents:        make(map[string]*storage.UserConsent),
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
	}
	if interval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// Close stops the background expiry sweep.
func (s *Store) Close() {
	select {
	case <-s.stopCleanup:
	default:
		close(s.stopCleanup)
	}
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanupExpired(time.Now())
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanupExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, req := range s.authRequests {
		if !req.ExpiresAt.After(now) {
			delete(s.authRequests, id)
			removed++
		}
	}
	for code, ac := range s.authCodes {
		if !ac.ExpiresAt.After(now) {
			delete(s.authCodes, code)
			removed++
		}
	}
	for id, ch := range s.challenges {
		if !ch.ExpiresAt.After(now) {
			delete(s.challenges, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept expired authorization state", "removed", removed)
	}
}

// SeedClient registers a client. Client management is out of scope for the
// server itself, so seeding is the only write path for clients.
func (s *Store) SeedClient(c *storage.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
}

// SeedScope registers a scope.
func (s *Store) SeedScope(sc *storage.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[sc.ID] = sc
}

// SeedUser registers a user.
func (s *Store) SeedUser(u *storage.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) GetClient(_ context.Context, id string) (*storage.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetScopes(_ context.Context, ids []string) ([]*storage.Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Scope
	for _, id := range ids {
		if sc, ok := s.scopes[id]; ok {
			cp := *sc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ListScopes(_ context.Context) ([]*storage.Scope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.Scope, 0, len(s.scopes))
	for _, sc := range s.scopes {
		cp := *sc
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *storage.Scope) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *Store) GetUser(_ context.Context, id string) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) CreateAuthorizationRequest(_ context.Context, req *storage.AuthorizationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.authRequests[req.ID] = &cp
	return nil
}

func (s *Store) ConsumeAuthorizationRequest(_ context.Context, id, clientID string, now time.Time) (*storage.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.authRequests[id]
	if !ok || req.ClientID != clientID || req.UsedAt != nil || !req.ExpiresAt.After(now) {
		return nil, storage.ErrNotFound
	}
	used := now
	req.UsedAt = &used
	cp := *req
	return &cp, nil
}

func (s *Store) CreateAuthorizationCode(_ context.Context, code *storage.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *code
	s.authCodes[code.Code] = &cp
	return nil
}

func (s *Store) ConsumeAuthorizationCode(_ context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.authCodes[code]
	if !ok || ac.UsedAt != nil {
		return nil, storage.ErrNotFound
	}
	used := now
	ac.UsedAt = &used
	cp := *ac
	return &cp, nil
}

func (s *Store) GetAccessToken(_ context.Context, token string) (*storage.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.accessTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) GetRefreshToken(_ context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) CreateDeviceChallenge(_ context.Context, ch *storage.DeviceChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ch
	s.challenges[ch.ID] = &cp
	return nil
}

func (s *Store) PollDeviceChallenge(_ context.Context, clientID, deviceCode string, now time.Time) (*storage.DeviceChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.challenges {
		if ch.DeviceCode != deviceCode || ch.ClientID != clientID {
			continue
		}
		// Return the pre-stamp snapshot so the caller can rate-check
		// against the previous poll.
		cp := *ch
		polled := now
		ch.LastPollAt = &polled
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (s *Store) GetDeviceChallengeByUserCode(_ context.Context, userCode string, now time.Time) (*storage.DeviceChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.challenges {
		if ch.UserCode != userCode {
			continue
		}
		if ch.Approved != nil || ch.UsedAt != nil || !ch.ExpiresAt.After(now) {
			return nil, storage.ErrNotFound
		}
		cp := *ch
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (s *Store) GetUserConsent(_ context.Context, clientID, userID string, now time.Time) (*storage.UserConsent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.consents {
		if c.ClientID != clientID || c.UserID != userID {
			continue
		}
		if !c.Live(now) {
			continue
		}
		cp := *c
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

// InTx runs fn while holding the store lock for the whole callback, so the
// mutations inside observe and produce a single consistent state. There is
// no rollback: fn is expected to fail only before its first mutation,
// which every caller in this module honors.
func (s *Store) InTx(_ context.Context, fn func(storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{s: s})
}

type memTx struct {
	s *Store
}

var _ storage.Tx = (*memTx)(nil)

func (tx *memTx) CreateAccessToken(_ context.Context, t *storage.AccessToken) error {
	cp := *t
	tx.s.accessTokens[t.Token] = &cp
	return nil
}

func (tx *memTx) CreateRefreshToken(_ context.Context, t *storage.RefreshToken) error {
	cp := *t
	tx.s.refreshTokens[t.Token] = &cp
	return nil
}

func (tx *memTx) RevokeAccessToken(_ context.Context, clientID, token string, now time.Time) (int64, error) {
	t, ok := tx.s.accessTokens[token]
	if !ok || t.ClientID != clientID || t.RevokedAt != nil || !t.ExpiresAt.After(now) {
		return 0, nil
	}
	revoked := now
	t.RevokedAt = &revoked
	return 1, nil
}

func (tx *memTx) RevokeRefreshToken(_ context.Context, clientID, token string, now time.Time) (int64, error) {
	t, ok := tx.s.refreshTokens[token]
	if !ok || t.ClientID != clientID || t.RevokedAt != nil || !t.ExpiresAt.After(now) {
		return 0, nil
	}
	revoked := now
	t.RevokedAt = &revoked
	return 1, nil
}

func (tx *memTx) MarkDeviceChallengeUsed(_ context.Context, id string, now time.Time) (int64, error) {
	ch, ok := tx.s.challenges[id]
	if !ok || ch.UsedAt != nil {
		return 0, nil
	}
	used := now
	ch.UsedAt = &used
	return 1, nil
}

func (tx *memTx) DecideDeviceChallenge(_ context.Context, id string, approved bool, userID string, scopes []string) error {
	ch, ok := tx.s.challenges[id]
	if !ok {
		return storage.ErrNotFound
	}
	ch.Approved = &approved
	if approved {
		ch.UserID = userID
		ch.Scopes = scopes
	}
	return nil
}

func (tx *memTx) GrantUserConsent(_ context.Context, consent *storage.UserConsent) error {
	cp := *consent
	tx.s.consents[consent.ID] = &cp
	return nil
}
