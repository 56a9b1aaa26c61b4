package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row, or when an atomic
// consume finds the row already used, expired, or otherwise out of the
// state the operation requires. Callers must not be able to tell which.
var ErrNotFound = errors.New("storage: not found")

// Store is the read and single-step-mutation surface of the backing store.
//
// The Consume*, Poll*, and GetDeviceChallengeByUserCode methods are atomic
// read-modify (or filtered-read) operations; see the package documentation
// for why they are shaped this way.
type Store interface {
	// GetClient returns the client by ID regardless of its active or
	// revoked flags; callers decide what those mean per operation.
	GetClient(ctx context.Context, id string) (*Client, error)

	// GetScopes returns the scopes whose IDs are in ids, in no particular
	// order. IDs that match nothing are simply absent from the result.
	GetScopes(ctx context.Context, ids []string) ([]*Scope, error)

	// ListScopes returns every registered scope.
	ListScopes(ctx context.Context) ([]*Scope, error)

	GetUser(ctx context.Context, id string) (*User, error)

	CreateAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error

	// ConsumeAuthorizationRequest atomically marks the pushed request used
	// and returns it. It returns ErrNotFound if the request does not
	// exist, is already used, or is expired at now.
	ConsumeAuthorizationRequest(ctx context.Context, id, clientID string, now time.Time) (*AuthorizationRequest, error)

	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically marks the code used and returns
	// it. Only the used flag gates consumption; expiry and revocation are
	// the caller's to check, so a second redemption of an expired code
	// still reads as "already used".
	ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*AuthorizationCode, error)

	// GetAccessToken looks up a token by its opaque value, regardless of
	// expiry or revocation.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	CreateDeviceChallenge(ctx context.Context, ch *DeviceChallenge) error

	// PollDeviceChallenge atomically stamps last_poll_at with now and
	// returns the challenge as it was BEFORE the stamp, so the caller can
	// rate-check against the previous poll. Expired challenges are still
	// returned; expiry is the caller's to classify.
	PollDeviceChallenge(ctx context.Context, clientID, deviceCode string, now time.Time) (*DeviceChallenge, error)

	// GetDeviceChallengeByUserCode returns the challenge for a user code
	// only while it is still decidable: pending (no decision), unused,
	// and unexpired. The filter is what guarantees at most one decision
	// ever lands.
	GetDeviceChallengeByUserCode(ctx context.Context, userCode string, now time.Time) (*DeviceChallenge, error)

	// GetUserConsent returns the live consent for the pair, or
	// ErrNotFound if none exists or the stored one is revoked or expired.
	GetUserConsent(ctx context.Context, clientID, userID string, now time.Time) (*UserConsent, error)

	// InTx runs fn inside a single transaction. If fn returns an error
	// the transaction is rolled back and the error returned unchanged.
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the mutation surface available inside a Store.InTx callback.
// Everything here commits or rolls back together.
type Tx interface {
	CreateAccessToken(ctx context.Context, t *AccessToken) error
	CreateRefreshToken(ctx context.Context, t *RefreshToken) error

	// RevokeAccessToken sets revoked_at on a live, unexpired token owned
	// by clientID and returns the number of rows affected (0 or 1).
	RevokeAccessToken(ctx context.Context, clientID, token string, now time.Time) (int64, error)

	RevokeRefreshToken(ctx context.Context, clientID, token string, now time.Time) (int64, error)

	// MarkDeviceChallengeUsed stamps used_at on a not-yet-used challenge
	// and returns the number of rows affected. Zero means another
	// exchange already consumed it.
	MarkDeviceChallengeUsed(ctx context.Context, id string, now time.Time) (int64, error)

	// DecideDeviceChallenge records the user's approve/deny decision.
	// Approvals also record the deciding user and the granted scopes.
	// Single-decision semantics are enforced by the lookup filter, not
	// here.
	DecideDeviceChallenge(ctx context.Context, id string, approved bool, userID string, scopes []string) error

	GrantUserConsent(ctx context.Context, consent *UserConsent) error
}
