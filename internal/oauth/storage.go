package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/leafhq/leaf-pds/internal/apperr"
	"github.com/leafhq/leaf-pds/internal/keymgr"
)

// parRecord is a pending pushed-authorization request.
type parRecord struct {
	RequestURI          string
	ClientID             string
	RedirectURI          string
	Scope                 string
	CodeChallenge         string
	CodeChallengeMethod   string
	DPoPJKT               string
	State                 string
	CSRFToken             string
	CSRFExpiresAt         time.Time
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "oauth.randomHex", err)
	}
	return hex.EncodeToString(b), nil
}

// storePAR persists a pending PAR request under a fresh request_uri.
func (m *Manager) storePAR(ctx context.Context, rec parRecord) (string, error) {
	token, err := randomHex(16)
	if err != nil {
		return "", err
	}
	requestURI := "urn:ietf:params:oauth:request_uri:" + token

	_, err = m.pool.Exec(ctx,
		`INSERT INTO oauth_par_requests
		   (request_uri, client_id, redirect_uri, scope, code_challenge, code_challenge_method, dpop_jkt, state, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW() + $9::interval)`,
		requestURI, rec.ClientID, rec.RedirectURI, rec.Scope, rec.CodeChallenge, rec.CodeChallengeMethod,
		nullableString(rec.DPoPJKT), nullableString(rec.State), PARTTL.String(),
	)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "oauth.storePAR", err)
	}
	return requestURI, nil
}

// getPAR fetches a still-valid pending PAR request.
func (m *Manager) getPAR(ctx context.Context, requestURI string) (*parRecord, error) {
	var rec parRecord
	var dpopJKT, state, csrfToken *string
	var csrfExpiresAt *time.Time
	err := m.pool.QueryRow(ctx,
		`SELECT request_uri, client_id, redirect_uri, scope, code_challenge, code_challenge_method,
		        dpop_jkt, state, csrf_token, csrf_expires_at
		 FROM oauth_par_requests WHERE request_uri = $1 AND expires_at > NOW()`,
		requestURI,
	).Scan(&rec.RequestURI, &rec.ClientID, &rec.RedirectURI, &rec.Scope, &rec.CodeChallenge,
		&rec.CodeChallengeMethod, &dpopJKT, &state, &csrfToken, &csrfExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "oauth.getPAR", err)
		}
		return nil, apperr.Wrap(apperr.KindStorage, "oauth.getPAR", err)
	}
	if dpopJKT != nil {
		rec.DPoPJKT = *dpopJKT
	}
	if state != nil {
		rec.State = *state
	}
	if csrfToken != nil {
		rec.CSRFToken = *csrfToken
	}
	if csrfExpiresAt != nil {
		rec.CSRFExpiresAt = *csrfExpiresAt
	}
	return &rec, nil
}

// setPARConsent stamps a fresh CSRF token onto a pending PAR request,
// called each time GET /oauth/authorize renders the consent step.
func (m *Manager) setPARConsent(ctx context.Context, requestURI string) (string, error) {
	csrf, err := randomHex(24)
	if err != nil {
		return "", err
	}
	tag, err := m.pool.Exec(ctx,
		`UPDATE oauth_par_requests SET csrf_token = $1, csrf_expires_at = NOW() + $2::interval WHERE request_uri = $3`,
		csrf, CSRFTTL.String(), requestURI,
	)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "oauth.setPARConsent", err)
	}
	if tag.RowsAffected() == 0 {
		return "", apperr.New(apperr.KindNotFound, "oauth.setPARConsent", errInvalidRequest("unknown request_uri"))
	}
	return csrf, nil
}

// deletePAR removes a pending PAR request — consumed on approve/deny.
func (m *Manager) deletePAR(ctx context.Context, requestURI string) error {
	_, err := m.pool.Exec(ctx, `DELETE FROM oauth_par_requests WHERE request_uri = $1`, requestURI)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "oauth.deletePAR", err)
	}
	return nil
}

// authCodeRecord is an issued authorization code, pinned to the
// approving user and the original PAR parameters.
type authCodeRecord struct {
	Code                string
	UserDID             string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	DPoPJKT             string
}

// issueAuthCode mints an opaque 43-character base64url code and stores
// it pinned to the approving session.
func (m *Manager) issueAuthCode(ctx context.Context, rec authCodeRecord) (string, error) {
	code, err := opaqueToken(32)
	if err != nil {
		return "", err
	}
	_, err = m.pool.Exec(ctx,
		`INSERT INTO oauth_auth_codes
		   (code, user_did, client_id, redirect_uri, scope, code_challenge, code_challenge_method, dpop_jkt, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW() + $9::interval)`,
		code, rec.UserDID, rec.ClientID, rec.RedirectURI, rec.Scope, rec.CodeChallenge, rec.CodeChallengeMethod,
		nullableString(rec.DPoPJKT), AuthCodeTTL.String(),
	)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "oauth.issueAuthCode", err)
	}
	return code, nil
}

// consumeAuthCode fetches and deletes an authorization code atomically
// — codes are single-use regardless of whether the exchange that
// follows succeeds.
func (m *Manager) consumeAuthCode(ctx context.Context, code string) (*authCodeRecord, error) {
	var rec authCodeRecord
	var dpopJKT *string
	err := m.pool.QueryRow(ctx,
		`DELETE FROM oauth_auth_codes WHERE code = $1 AND expires_at > NOW()
		 RETURNING user_did, client_id, redirect_uri, scope, code_challenge, code_challenge_method, dpop_jkt`,
		code,
	).Scan(&rec.UserDID, &rec.ClientID, &rec.RedirectURI, &rec.Scope, &rec.CodeChallenge, &rec.CodeChallengeMethod, &dpopJKT)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "oauth.consumeAuthCode", errInvalidGrant("code is invalid, expired, or already used"))
		}
		return nil, apperr.Wrap(apperr.KindStorage, "oauth.consumeAuthCode", err)
	}
	rec.Code = code
	if dpopJKT != nil {
		rec.DPoPJKT = *dpopJKT
	}
	return &rec, nil
}

// refreshTokenRecord is an issued refresh token; only its hash is
// ever persisted, per I7/I9.
type refreshTokenRecord struct {
	UserDID  string
	ClientID string
	Scope    string
	DPoPJKT  string
}

// issueRefreshToken mints an opaque base64url refresh token and stores
// only its SHA-256 hash, bound to the client's DPoP key.
func (m *Manager) issueRefreshToken(ctx context.Context, rec refreshTokenRecord) (string, error) {
	token, err := opaqueToken(32)
	if err != nil {
		return "", err
	}
	_, err = m.pool.Exec(ctx,
		`INSERT INTO oauth_refresh_tokens (token_hash, user_did, client_id, scope, dpop_jkt, expires_at)
		 VALUES ($1, $2, $3, $4, $5, NOW() + $6::interval)`,
		keymgr.HashToken(token), rec.UserDID, rec.ClientID, rec.Scope, nullableString(rec.DPoPJKT), RefreshTokenTTL.String(),
	)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "oauth.issueRefreshToken", err)
	}
	return token, nil
}

// consumeRefreshToken fetches and deletes a refresh token by its hash
// in one statement — rotation invalidates the old token unconditionally,
// even if the caller never obtains a new one due to a later failure.
func (m *Manager) consumeRefreshToken(ctx context.Context, token string) (*refreshTokenRecord, error) {
	var rec refreshTokenRecord
	var dpopJKT *string
	err := m.pool.QueryRow(ctx,
		`DELETE FROM oauth_refresh_tokens WHERE token_hash = $1 AND expires_at > NOW()
		 RETURNING user_did, client_id, scope, dpop_jkt`,
		keymgr.HashToken(token),
	).Scan(&rec.UserDID, &rec.ClientID, &rec.Scope, &dpopJKT)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.KindNotFound, "oauth.consumeRefreshToken", errInvalidGrant("refresh token is invalid, expired, or already rotated"))
		}
		return nil, apperr.Wrap(apperr.KindStorage, "oauth.consumeRefreshToken", err)
	}
	if dpopJKT != nil {
		rec.DPoPJKT = *dpopJKT
	}
	return &rec, nil
}

// revokeRefreshToken deletes a refresh token by hash without revealing
// whether it existed — RFC 7009 always returns success.
func (m *Manager) revokeRefreshToken(ctx context.Context, token, jkt string) error {
	_, err := m.pool.Exec(ctx,
		`DELETE FROM oauth_refresh_tokens WHERE token_hash = $1 AND (dpop_jkt IS NULL OR dpop_jkt = $2)`,
		keymgr.HashToken(token), jkt,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "oauth.revokeRefreshToken", err)
	}
	return nil
}

func opaqueToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "oauth.opaqueToken", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
