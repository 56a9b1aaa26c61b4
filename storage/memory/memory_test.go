package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kiosklabs/kiosk-oauth/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewWithInterval(nil, 0)
	t.Cleanup(s.Close)
	return s
}

func TestConsumeAuthorizationCodeOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	err := s.CreateAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code-1",
		ClientID:  "client-1",
		UserID:    "user-1",
		ExpiresAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}

	ac, err := s.ConsumeAuthorizationCode(ctx, "code-1", now)
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if ac.UsedAt == nil {
		t.Error("expected UsedAt to be set on the returned code")
	}

	if _, err := s.ConsumeAuthorizationCode(ctx, "code-1", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second consume: got %v, want ErrNotFound", err)
	}
}

func TestConsumeAuthorizationCodeConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	if err := s.CreateAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code-race",
		ClientID:  "client-1",
		ExpiresAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, "code-race", now); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("got %d successful consumes, want exactly 1", wins)
	}
}

func TestConsumeAuthorizationCodeIgnoresExpiry(t *testing.T) {
	// Expiry is the caller's check: an expired code is still consumable
	// exactly once, so a replay after expiry still reads as "used".
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	if err := s.CreateAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code-expired",
		ClientID:  "client-1",
		ExpiresAt: now.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}

	ac, err := s.ConsumeAuthorizationCode(ctx, "code-expired", now)
	if err != nil {
		t.Fatalf("consume expired code: %v", err)
	}
	if ac.ExpiresAt.After(now) {
		t.Error("expected returned code to still carry its past expiry")
	}
}

func TestConsumeAuthorizationRequest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	if err := s.CreateAuthorizationRequest(ctx, &storage.AuthorizationRequest{
		ID:        "req-1",
		ClientID:  "client-1",
		ExpiresAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("CreateAuthorizationRequest: %v", err)
	}

	tests := []struct {
		name     string
		id       string
		clientID string
		now      time.Time
		wantErr  bool
	}{
		{"wrong client", "req-1", "other-client", now, true},
		{"expired", "req-1", "client-1", now.Add(2 * time.Minute), true},
		{"ok", "req-1", "client-1", now, false},
		{"already used", "req-1", "client-1", now, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ConsumeAuthorizationRequest(ctx, tt.id, tt.clientID, tt.now)
			if tt.wantErr && !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("got %v, want ErrNotFound", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("got %v, want nil", err)
			}
		})
	}
}

func TestPollDeviceChallengeReturnsPreviousPoll(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	if err := s.CreateDeviceChallenge(ctx, &storage.DeviceChallenge{
		ID:         "ch-1",
		DeviceCode: "device-code-1",
		UserCode:   "bcdfgh",
		ClientID:   "client-1",
		ExpiresAt:  now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateDeviceChallenge: %v", err)
	}

	first, err := s.PollDeviceChallenge(ctx, "client-1", "device-code-1", now)
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if first.LastPollAt != nil {
		t.Error("first poll should see no previous poll time")
	}

	second, err := s.PollDeviceChallenge(ctx, "client-1", "device-code-1", now.Add(time.Second))
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if second.LastPollAt == nil || !second.LastPollAt.Equal(now) {
		t.Errorf("second poll LastPollAt = %v, want %v", second.LastPollAt, now)
	}

	if _, err := s.PollDeviceChallenge(ctx, "other-client", "device-code-1", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("poll with wrong client: got %v, want ErrNotFound", err)
	}

	// Expired challenges still come back so the caller can classify.
	expired, err := s.PollDeviceChallenge(ctx, "client-1", "device-code-1", now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("poll after expiry: %v", err)
	}
	if expired.ExpiresAt.After(now.Add(2 * time.Hour)) {
		t.Error("expected expired challenge")
	}
}

func TestGetDeviceChallengeByUserCodeFiltersDecided(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	if err := s.CreateDeviceChallenge(ctx, &storage.DeviceChallenge{
		ID:         "ch-2",
		DeviceCode: "device-code-2",
		UserCode:   "jklmnp",
		ClientID:   "client-1",
		ExpiresAt:  now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateDeviceChallenge: %v", err)
	}

	if _, err := s.GetDeviceChallengeByUserCode(ctx, "jklmnp", now); err != nil {
		t.Fatalf("lookup pending challenge: %v", err)
	}

	err := s.InTx(ctx, func(tx storage.Tx) error {
		return tx.DecideDeviceChallenge(ctx, "ch-2", false, "", nil)
	})
	if err != nil {
		t.Fatalf("DecideDeviceChallenge: %v", err)
	}

	if _, err := s.GetDeviceChallengeByUserCode(ctx, "jklmnp", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("lookup decided challenge: got %v, want ErrNotFound", err)
	}
}

func TestRevokeTokensRowsAffected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	err := s.InTx(ctx, func(tx storage.Tx) error {
		return tx.CreateRefreshToken(ctx, &storage.RefreshToken{
			ID:        "rt-1",
			Token:     "refresh-1",
			ClientID:  "client-1",
			ExpiresAt: now.Add(time.Hour),
		})
	})
	if err != nil {
		t.Fatalf("CreateRefreshToken: %v", err)
	}

	revoke := func(clientID string) int64 {
		t.Helper()
		var n int64
		if err := s.InTx(ctx, func(tx storage.Tx) error {
			var err error
			n, err = tx.RevokeRefreshToken(ctx, clientID, "refresh-1", now)
			return err
		}); err != nil {
			t.Fatalf("RevokeRefreshToken: %v", err)
		}
		return n
	}

	if n := revoke("other-client"); n != 0 {
		t.Errorf("revoke by wrong client affected %d rows, want 0", n)
	}
	if n := revoke("client-1"); n != 1 {
		t.Errorf("first revoke affected %d rows, want 1", n)
	}
	if n := revoke("client-1"); n != 0 {
		t.Errorf("second revoke affected %d rows, want 0", n)
	}
}

func TestGetUserConsentFiltersDead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()
	past := now.Add(-time.Hour)

	grant := func(id string, expiresAt, revokedAt *time.Time) {
		t.Helper()
		err := s.InTx(ctx, func(tx storage.Tx) error {
			return tx.GrantUserConsent(ctx, &storage.UserConsent{
				ID:        id,
				ClientID:  "client-" + id,
				UserID:    "user-1",
				GrantedAt: past,
				ExpiresAt: expiresAt,
				RevokedAt: revokedAt,
			})
		})
		if err != nil {
			t.Fatalf("GrantUserConsent: %v", err)
		}
	}

	grant("live", nil, nil)
	grant("expired", &past, nil)
	grant("revoked", nil, &past)

	if _, err := s.GetUserConsent(ctx, "client-live", "user-1", now); err != nil {
		t.Errorf("live consent: %v", err)
	}
	if _, err := s.GetUserConsent(ctx, "client-expired", "user-1", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expired consent: got %v, want ErrNotFound", err)
	}
	if _, err := s.GetUserConsent(ctx, "client-revoked", "user-1", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("revoked consent: got %v, want ErrNotFound", err)
	}
}

func TestGetScopesSkipsUnknown(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.SeedScope(&storage.Scope{ID: "read", Description: "Read access"})
	s.SeedScope(&storage.Scope{ID: "write", Description: "Write access"})

	got, err := s.GetScopes(ctx, []string{"read", "admin", "write"})
	if err != nil {
		t.Fatalf("GetScopes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d scopes, want 2", len(got))
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()

	if err := s.CreateAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "stale",
		ExpiresAt: now.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}
	if err := s.CreateAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "fresh",
		ExpiresAt: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}

	s.cleanupExpired(now)

	if _, err := s.ConsumeAuthorizationCode(ctx, "stale", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale code survived cleanup: %v", err)
	}
	if _, err := s.ConsumeAuthorizationCode(ctx, "fresh", now); err != nil {
		t.Errorf("fresh code removed by cleanup: %v", err)
	}
}
