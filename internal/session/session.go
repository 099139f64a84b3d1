// Package session is the Session Authority (C9): it issues first-party
// access/refresh token pairs and enforces true revocation.
//
// The donor's internal/auth.JWTManager is a stateless MVP — a JWT's own
// exp claim is the only thing standing between a leaked refresh token
// and forever. This package keeps that signing/verification mechanism
// (same HS256 Claims shape, same library) but adds a Postgres-backed
// row per issued session: the DB row is authoritative on refresh, the
// JWT's exp is advisory defense-in-depth. Deleting the row revokes the
// session immediately, regardless of what the JWT itself still claims.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafhq/leaf-pds/internal/apperr"
	"github.com/leafhq/leaf-pds/internal/auth"
	"github.com/leafhq/leaf-pds/internal/keymgr"
)

// Token lifetimes, per spec — deliberately shorter than auth's own
// defaults (2h/90d), which this package supersedes.
const (
	AccessTTL  = 15 * time.Minute
	RefreshTTL = 30 * 24 * time.Hour
)

// Manager issues and validates sessions for one PDS instance. It is
// stateless itself — every call takes the tenant pool the session row
// lives in, matching the rest of the codebase's per-tenant style.
type Manager struct {
	jwt *auth.JWTManager
}

// NewManager wraps a JWTManager configured with the deployment's JWT
// secret and issuer URL.
func NewManager(jwt *auth.JWTManager) *Manager {
	return &Manager{jwt: jwt}
}

// TokenPair is re-exported for callers that don't need the rest of
// package auth.
type TokenPair = auth.TokenPair

// CreateSession mints a new access/refresh token pair for did and
// records the refresh token's hash so it can be revoked or rotated
// later. The row's expires_at tracks the refresh token's lifetime —
// the whole session dies when the refresh token would.
func (m *Manager) CreateSession(ctx context.Context, pool *pgxpool.Pool, did string) (*TokenPair, error) {
	tokens, err := m.jwt.CreateTokenPairTTL(did, AccessTTL, RefreshTTL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "session.CreateSession", err)
	}

	_, err = pool.Exec(ctx,
		`INSERT INTO sessions (did, access_token_hash, refresh_token_hash, expires_at)
		 VALUES ($1, $2, $3, NOW() + $4::interval)`,
		did, keymgr.HashToken(tokens.AccessJwt), keymgr.HashToken(tokens.RefreshJwt), RefreshTTL.String(),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "session.CreateSession", err)
	}
	return tokens, nil
}

// ValidateAccess checks an access token's signature/scope/exp via the
// JWT itself, then confirms the session row backing it hasn't been
// revoked. Returns the caller's DID on success.
func (m *Manager) ValidateAccess(ctx context.Context, pool *pgxpool.Pool, accessToken string) (string, error) {
	did, err := m.jwt.ValidateAccessToken(accessToken)
	if err != nil {
		return "", apperr.New(apperr.KindAuth, "session.ValidateAccess", err)
	}

	var exists bool
	err = pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE did = $1 AND access_token_hash = $2 AND expires_at > NOW())`,
		did, keymgr.HashToken(accessToken),
	).Scan(&exists)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "session.ValidateAccess", err)
	}
	if !exists {
		return "", apperr.New(apperr.KindAuth, "session.ValidateAccess", fmt.Errorf("session revoked or expired"))
	}
	return did, nil
}

// RefreshSession validates a refresh token against its session row
// (not just the JWT's own exp, per I7), then rotates: the old row is
// deleted and a new token pair + row are issued. A refresh token that
// has already been used (row gone) is rejected even if the JWT itself
// hasn't expired yet.
func (m *Manager) RefreshSession(ctx context.Context, pool *pgxpool.Pool, refreshToken string) (*TokenPair, string, error) {
	did, err := m.jwt.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, "", apperr.New(apperr.KindAuth, "session.RefreshSession", err)
	}

	hash := keymgr.HashToken(refreshToken)
	tag, err := pool.Exec(ctx,
		`DELETE FROM sessions WHERE did = $1 AND refresh_token_hash = $2 AND expires_at > NOW()`,
		did, hash,
	)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindStorage, "session.RefreshSession", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, "", apperr.New(apperr.KindAuth, "session.RefreshSession", fmt.Errorf("refresh token revoked, rotated away, or expired"))
	}

	tokens, err := m.CreateSession(ctx, pool, did)
	if err != nil {
		return nil, "", err
	}
	return tokens, did, nil
}

// DeleteSession revokes a single session identified by either its
// access or refresh token (logout).
func (m *Manager) DeleteSession(ctx context.Context, pool *pgxpool.Pool, did, token string) error {
	hash := keymgr.HashToken(token)
	_, err := pool.Exec(ctx,
		`DELETE FROM sessions WHERE did = $1 AND (access_token_hash = $2 OR refresh_token_hash = $2)`,
		did, hash,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "session.DeleteSession", err)
	}
	return nil
}

// DeleteAllForDID revokes every session belonging to did. No handler
// calls it at present: password change, rotate_signing_key, and
// tombstone leave existing sessions in place.
func (m *Manager) DeleteAllForDID(ctx context.Context, pool *pgxpool.Pool, did string) error {
	_, err := pool.Exec(ctx, `DELETE FROM sessions WHERE did = $1`, did)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "session.DeleteAllForDID", err)
	}
	return nil
}
