// Package sqlite provides a SQLite-backed implementation of storage.Store.
//
// The atomic consume operations are single UPDATE ... RETURNING statements,
// so exactly-once semantics hold across processes sharing the same file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kiosklabs/kiosk-oauth/storage"
)

// Store is a SQLite-backed implementation of storage.Store.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (and if necessary creates) the database at dsn and applies the
// schema. Use ":memory:" for an ephemeral database.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY on concurrent
	// transactions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for seeding and migrations.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	redirect_uris TEXT,
	secret_hash   BLOB,
	user_id       TEXT NOT NULL DEFAULT '',
	personal      INTEGER NOT NULL DEFAULT 0,
	active        INTEGER NOT NULL DEFAULT 1,
	revoked       INTEGER NOT NULL DEFAULT 0,
	scopes        TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS scopes (
	id          TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	email          TEXT NOT NULL DEFAULT '',
	email_verified INTEGER NOT NULL DEFAULT 0,
	updated_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS authorization_requests (
	id                    TEXT PRIMARY KEY,
	client_id             TEXT NOT NULL,
	response_type         TEXT NOT NULL,
	code_challenge        TEXT NOT NULL,
	code_challenge_method TEXT NOT NULL,
	redirect_uri          TEXT NOT NULL,
	scopes                TEXT NOT NULL DEFAULT '',
	state                 TEXT NOT NULL DEFAULT '',
	expires_at            TIMESTAMP NOT NULL,
	used_at               TIMESTAMP
);

CREATE TABLE IF NOT EXISTS authorization_codes (
	code         TEXT PRIMARY KEY,
	client_id    TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	challenge    TEXT NOT NULL,
	scopes       TEXT NOT NULL DEFAULT '',
	expires_at   TIMESTAMP NOT NULL,
	used_at      TIMESTAMP,
	revoked      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS access_tokens (
	id         TEXT PRIMARY KEY,
	token      TEXT NOT NULL UNIQUE,
	client_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	scopes     TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMP NOT NULL,
	revoked_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	id         TEXT PRIMARY KEY,
	token      TEXT NOT NULL UNIQUE,
	client_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	scopes     TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMP NOT NULL,
	revoked_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS device_challenges (
	id           TEXT PRIMARY KEY,
	device_code  TEXT NOT NULL UNIQUE,
	user_code    TEXT NOT NULL,
	client_id    TEXT NOT NULL,
	user_id      TEXT NOT NULL DEFAULT '',
	scopes       TEXT,
	expires_at   TIMESTAMP NOT NULL,
	last_poll_at TIMESTAMP,
	approved     INTEGER,
	used_at      TIMESTAMP,
	created_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS user_consents (
	id         TEXT PRIMARY KEY,
	client_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	scopes     TEXT NOT NULL DEFAULT '',
	granted_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP,
	revoked_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_device_challenges_user_code ON device_challenges(user_code);
CREATE INDEX IF NOT EXISTS idx_user_consents_pair ON user_consents(client_id, user_id);
`

// joinScopes and splitScopes map scope slices to the space-joined TEXT
// columns. nil round-trips as NULL where the column allows it.
func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, " ")
}

type clientRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Description  string         `db:"description"`
	RedirectURIs sql.NullString `db:"redirect_uris"`
	SecretHash   []byte         `db:"secret_hash"`
	UserID       string         `db:"user_id"`
	Personal     bool           `db:"personal"`
	Active       bool           `db:"active"`
	Revoked      bool           `db:"revoked"`
	Scopes       string         `db:"scopes"`
	CreatedAt    time.Time      `db:"created_at"`
}

func (r *clientRow) toEntity() *storage.Client {
	c := &storage.Client{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		SecretHash:  r.SecretHash,
		UserID:      r.UserID,
		Personal:    r.Personal,
		Active:      r.Active,
		Revoked:     r.Revoked,
		Scopes:      splitScopes(r.Scopes),
		CreatedAt:   r.CreatedAt,
	}
	if r.RedirectURIs.Valid {
		c.RedirectURIs = splitScopes(r.RedirectURIs.String)
		if c.RedirectURIs == nil {
			c.RedirectURIs = []string{}
		}
	}
	return c
}

func (s *Store) GetClient(ctx context.Context, id string) (*storage.Client, error) {
	var row clientRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM clients WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return row.toEntity(), nil
}

func (s *Store) GetScopes(ctx context.Context, ids []string) ([]*storage.Scope, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, description FROM scopes WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build scope query: %w", err)
	}
	var out []*storage.Scope
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("get scopes: %w", err)
	}
	return out, nil
}

func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	var out []*storage.Scope
	if err := s.db.SelectContext(ctx, &out, `SELECT id, description FROM scopes ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	return out, nil
}

type userRow struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	Email         string    `db:"email"`
	EmailVerified bool      `db:"email_verified"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &storage.User{
		ID:            row.ID,
		Name:          row.Name,
		Email:         row.Email,
		EmailVerified: row.EmailVerified,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

func (s *Store) CreateAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_requests
			(id, client_id, response_type, code_challenge, code_challenge_method, redirect_uri, scopes, state, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ClientID, req.ResponseType, req.CodeChallenge, req.CodeChallengeMethod,
		req.RedirectURI, joinScopes(req.Scopes), req.State, req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create authorization request: %w", err)
	}
	return nil
}

type authRequestRow struct {
	ID                  string       `db:"id"`
	ClientID            string       `db:"client_id"`
	ResponseType        string       `db:"response_type"`
	CodeChallenge       string       `db:"code_challenge"`
	CodeChallengeMethod string       `db:"code_challenge_method"`
	RedirectURI         string       `db:"redirect_uri"`
	Scopes              string       `db:"scopes"`
	State               string       `db:"state"`
	ExpiresAt           time.Time    `db:"expires_at"`
	UsedAt              sql.NullTime `db:"used_at"`
}

func (s *Store) ConsumeAuthorizationRequest(ctx context.Context, id, clientID string, now time.Time) (*storage.AuthorizationRequest, error) {
	var row authRequestRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE authorization_requests
		SET used_at = ?
		WHERE id = ? AND client_id = ? AND used_at IS NULL AND expires_at > ?
		RETURNING *`,
		now, id, clientID, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume authorization request: %w", err)
	}
	return &storage.AuthorizationRequest{
		ID:                  row.ID,
		ClientID:            row.ClientID,
		ResponseType:        row.ResponseType,
		CodeChallenge:       row.CodeChallenge,
		CodeChallengeMethod: row.CodeChallengeMethod,
		RedirectURI:         row.RedirectURI,
		Scopes:              splitScopes(row.Scopes),
		State:               row.State,
		ExpiresAt:           row.ExpiresAt,
		UsedAt:              nullTimePtr(row.UsedAt),
	}, nil
}

func (s *Store) CreateAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes
			(code, client_id, user_id, redirect_uri, challenge, scopes, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.ClientID, code.UserID, code.RedirectURI, code.Challenge,
		joinScopes(code.Scopes), code.ExpiresAt, code.Revoked)
	if err != nil {
		return fmt.Errorf("create authorization code: %w", err)
	}
	return nil
}

type authCodeRow struct {
	Code        string       `db:"code"`
	ClientID    string       `db:"client_id"`
	UserID      string       `db:"user_id"`
	RedirectURI string       `db:"redirect_uri"`
	Challenge   string       `db:"challenge"`
	Scopes      string       `db:"scopes"`
	ExpiresAt   time.Time    `db:"expires_at"`
	UsedAt      sql.NullTime `db:"used_at"`
	Revoked     bool         `db:"revoked"`
}

func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string, now time.Time) (*storage.AuthorizationCode, error) {
	// Only the used flag gates consumption here; expiry and revocation
	// stay visible to the caller on the returned row.
	var row authCodeRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE authorization_codes
		SET used_at = ?
		WHERE code = ? AND used_at IS NULL
		RETURNING *`,
		now, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	return &storage.AuthorizationCode{
		Code:        row.Code,
		ClientID:    row.ClientID,
		UserID:      row.UserID,
		RedirectURI: row.RedirectURI,
		Challenge:   row.Challenge,
		Scopes:      splitScopes(row.Scopes),
		ExpiresAt:   row.ExpiresAt,
		UsedAt:      nullTimePtr(row.UsedAt),
		Revoked:     row.Revoked,
	}, nil
}

type tokenRow struct {
	ID        string       `db:"id"`
	Token     string       `db:"token"`
	ClientID  string       `db:"client_id"`
	UserID    string       `db:"user_id"`
	Scopes    string       `db:"scopes"`
	ExpiresAt time.Time    `db:"expires_at"`
	RevokedAt sql.NullTime `db:"revoked_at"`
}

func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM access_tokens WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get access token: %w", err)
	}
	return &storage.AccessToken{
		ID:        row.ID,
		Token:     row.Token,
		ClientID:  row.ClientID,
		UserID:    row.UserID,
		Scopes:    splitScopes(row.Scopes),
		ExpiresAt: row.ExpiresAt,
		RevokedAt: nullTimePtr(row.RevokedAt),
	}, nil
}

func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	var row tokenRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM refresh_tokens WHERE token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return &storage.RefreshToken{
		ID:        row.ID,
		Token:     row.Token,
		ClientID:  row.ClientID,
		UserID:    row.UserID,
		Scopes:    splitScopes(row.Scopes),
		ExpiresAt: row.ExpiresAt,
		RevokedAt: nullTimePtr(row.RevokedAt),
	}, nil
}

func (s *Store) CreateDeviceChallenge(ctx context.Context, ch *storage.DeviceChallenge) error {
	var scopes sql.NullString
	if ch.Scopes != nil {
		scopes = sql.NullString{String: joinScopes(ch.Scopes), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_challenges
			(id, device_code, user_code, client_id, scopes, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.DeviceCode, ch.UserCode, ch.ClientID, scopes, ch.ExpiresAt, ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("create device challenge: %w", err)
	}
	return nil
}

type deviceChallengeRow struct {
	ID         string         `db:"id"`
	DeviceCode string         `db:"device_code"`
	UserCode   string         `db:"user_code"`
	ClientID   string         `db:"client_id"`
	UserID     string         `db:"user_id"`
	Scopes     sql.NullString `db:"scopes"`
	ExpiresAt  time.Time      `db:"expires_at"`
	LastPollAt sql.NullTime   `db:"last_poll_at"`
	Approved   sql.NullBool   `db:"approved"`
	UsedAt     sql.NullTime   `db:"used_at"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r *deviceChallengeRow) toEntity() *storage.DeviceChallenge {
	ch := &storage.DeviceChallenge{
		ID:         r.ID,
		DeviceCode: r.DeviceCode,
		UserCode:   r.UserCode,
		ClientID:   r.ClientID,
		UserID:     r.UserID,
		ExpiresAt:  r.ExpiresAt,
		LastPollAt: nullTimePtr(r.LastPollAt),
		UsedAt:     nullTimePtr(r.UsedAt),
		CreatedAt:  r.CreatedAt,
	}
	if r.Scopes.Valid {
		ch.Scopes = splitScopes(r.Scopes.String)
		if ch.Scopes == nil {
			ch.Scopes = []string{}
		}
	}
	if r.Approved.Valid {
		approved := r.Approved.Bool
		ch.Approved = &approved
	}
	return ch
}

func (s *Store) PollDeviceChallenge(ctx context.Context, clientID, deviceCode string, now time.Time) (*storage.DeviceChallenge, error) {
	// RETURNING sees post-update values, and the caller needs the
	// previous last_poll_at, so this is a read-then-stamp transaction
	// rather than a single UPDATE ... RETURNING.
	var out *storage.DeviceChallenge
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row deviceChallengeRow
		err := tx.GetContext(ctx, &row, `
			SELECT * FROM device_challenges
			WHERE device_code = ? AND client_id = ?`,
			deviceCode, clientID)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("poll device challenge: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE device_challenges SET last_poll_at = ? WHERE id = ?`,
			now, row.ID); err != nil {
			return fmt.Errorf("stamp device poll: %w", err)
		}
		out = row.toEntity()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetDeviceChallengeByUserCode(ctx context.Context, userCode string, now time.Time) (*storage.DeviceChallenge, error) {
	var row deviceChallengeRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM device_challenges
		WHERE user_code = ? AND approved IS NULL AND used_at IS NULL AND expires_at > ?`,
		userCode, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device challenge by user code: %w", err)
	}
	return row.toEntity(), nil
}

type consentRow struct {
	ID        string       `db:"id"`
	ClientID  string       `db:"client_id"`
	UserID    string       `db:"user_id"`
	Scopes    string       `db:"scopes"`
	GrantedAt time.Time    `db:"granted_at"`
	ExpiresAt sql.NullTime `db:"expires_at"`
	RevokedAt sql.NullTime `db:"revoked_at"`
}

func (s *Store) GetUserConsent(ctx context.Context, clientID, userID string, now time.Time) (*storage.UserConsent, error) {
	var row consentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM user_consents
		WHERE client_id = ? AND user_id = ?
			AND revoked_at IS NULL
			AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY granted_at DESC
		LIMIT 1`,
		clientID, userID, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user consent: %w", err)
	}
	return &storage.UserConsent{
		ID:        row.ID,
		ClientID:  row.ClientID,
		UserID:    row.UserID,
		Scopes:    splitScopes(row.Scopes),
		GrantedAt: row.GrantedAt,
		ExpiresAt: nullTimePtr(row.ExpiresAt),
		RevokedAt: nullTimePtr(row.RevokedAt),
	}, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// InTx implements storage.Store.
func (s *Store) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return fn(&sqlTx{tx: tx})
	})
}

type sqlTx struct {
	tx *sqlx.Tx
}

var _ storage.Tx = (*sqlTx)(nil)

func (t *sqlTx) CreateAccessToken(ctx context.Context, tok *storage.AccessToken) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO access_tokens (id, token, client_id, user_id, scopes, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tok.ID, tok.Token, tok.ClientID, tok.UserID, joinScopes(tok.Scopes), tok.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create access token: %w", err)
	}
	return nil
}

func (t *sqlTx) CreateRefreshToken(ctx context.Context, tok *storage.RefreshToken) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, token, client_id, user_id, scopes, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tok.ID, tok.Token, tok.ClientID, tok.UserID, joinScopes(tok.Scopes), tok.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

func (t *sqlTx) RevokeAccessToken(ctx context.Context, clientID, token string, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE access_tokens
		SET revoked_at = ?
		WHERE token = ? AND client_id = ? AND revoked_at IS NULL AND expires_at > ?`,
		now, token, clientID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke access token: %w", err)
	}
	return res.RowsAffected()
}

func (t *sqlTx) RevokeRefreshToken(ctx context.Context, clientID, token string, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = ?
		WHERE token = ? AND client_id = ? AND revoked_at IS NULL AND expires_at > ?`,
		now, token, clientID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token: %w", err)
	}
	return res.RowsAffected()
}

func (t *sqlTx) MarkDeviceChallengeUsed(ctx context.Context, id string, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE device_challenges SET used_at = ? WHERE id = ? AND used_at IS NULL`, now, id)
	if err != nil {
		return 0, fmt.Errorf("mark device challenge used: %w", err)
	}
	return res.RowsAffected()
}

func (t *sqlTx) DecideDeviceChallenge(ctx context.Context, id string, approved bool, userID string, scopes []string) error {
	var err error
	if approved {
		_, err = t.tx.ExecContext(ctx,
			`UPDATE device_challenges SET approved = 1, user_id = ?, scopes = ? WHERE id = ?`,
			userID, joinScopes(scopes), id)
	} else {
		_, err = t.tx.ExecContext(ctx,
			`UPDATE device_challenges SET approved = 0 WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("decide device challenge: %w", err)
	}
	return nil
}

func (t *sqlTx) GrantUserConsent(ctx context.Context, consent *storage.UserConsent) error {
	var expiresAt sql.NullTime
	if consent.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *consent.ExpiresAt, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_consents (id, client_id, user_id, scopes, granted_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		consent.ID, consent.ClientID, consent.UserID, joinScopes(consent.Scopes),
		consent.GrantedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("grant user consent: %w", err)
	}
	return nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}
