// Package oauth is the OAuth Authorization Server (C10): PAR,
// authorization-code exchange with PKCE, DPoP proof-of-possession
// binding, refresh-token rotation, and RFC 7009 revocation, scoped to
// the ATProto OAuth profile (no device flow, no client_credentials).
//
// Storage lives in the management database rather than fosite's
// in-memory maps or a dedicated auth-service datastore, mirroring the
// storage-interface-segregation split the toolhive authserver reference
// keeps between pending requests, issued codes, and refresh tokens, and
// the dex storage.Storage AuthRequest/AuthCode/RefreshToken shapes.
package oauth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafhq/leaf-pds/internal/apperr"
	"github.com/leafhq/leaf-pds/internal/keymgr"
)

// Token lifetimes and TTLs, per spec §4.10.
const (
	PARTTL          = 60 * time.Second
	CSRFTTL         = 10 * time.Minute
	AuthCodeTTL     = 10 * time.Minute
	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 90 * 24 * time.Hour
	ClientCacheTTL  = 5 * time.Minute
	DPoPMaxAge      = 5 * time.Minute
	dpopReplayTTL   = 2 * DPoPMaxAge
)

// ScopeSet is the closed set of scopes a client may request.
var ScopeSet = map[string]bool{
	"atproto":               true,
	"transition:generic":    true,
	"transition:chat.bsky":  true,
}

// Manager owns the pending/issued OAuth state and the PDS's own ES256
// signing key. One Manager serves every tenant — OAuth state lives in
// the shared management database, not per-domain tenant pools, since
// a client_id and its pending requests aren't scoped to a single
// hosted domain.
type Manager struct {
	pool   *pgxpool.Pool
	km     *keymgr.Manager
	issuer string

	httpClient *http.Client

	mu         sync.Mutex
	signingKey *ecdsa.PrivateKey
	kid        string

	replay *replayCache
}

// NewManager constructs an OAuth Manager backed by the management
// database pool. issuer is the PDS's externally-visible base URL
// (config.Config.ServiceURL), used as the access token's iss/aud.
func NewManager(pool *pgxpool.Pool, km *keymgr.Manager, issuer string) *Manager {
	return &Manager{
		pool:       pool,
		km:         km,
		issuer:     issuer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		replay:     newReplayCache(),
	}
}

// ensureSigningKey lazily loads the PDS's ES256 OAuth signing key from
// the management database, generating and persisting one on first use.
// A unique-violation race on the insert just means another request
// won — the loser re-selects the winner's row.
func (m *Manager) ensureSigningKey(ctx context.Context) (*ecdsa.PrivateKey, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signingKey != nil {
		return m.signingKey, m.kid, nil
	}

	var w keymgr.OAuthSigningKey
	err := m.pool.QueryRow(ctx,
		`SELECT kid, ciphertext, nonce, salt FROM oauth_signing_key WHERE id = 1`,
	).Scan(&w.Kid, &w.Ciphertext, &w.Nonce, &w.Salt)
	if err == nil {
		priv, err := m.km.LoadOAuthSigningKey(w)
		if err != nil {
			return nil, "", err
		}
		m.signingKey, m.kid = priv, w.Kid
		return priv, w.Kid, nil
	}

	priv, wrapped, err := m.km.GenerateOAuthSigningKey()
	if err != nil {
		return nil, "", err
	}
	_, err = m.pool.Exec(ctx,
		`INSERT INTO oauth_signing_key (id, kid, ciphertext, nonce, salt) VALUES (1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		wrapped.Kid, wrapped.Ciphertext, wrapped.Nonce, wrapped.Salt,
	)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindStorage, "oauth.ensureSigningKey", err)
	}

	// Someone else may have won the race; re-select to get the row
	// that actually persisted.
	var w2 keymgr.OAuthSigningKey
	if err := m.pool.QueryRow(ctx,
		`SELECT kid, ciphertext, nonce, salt FROM oauth_signing_key WHERE id = 1`,
	).Scan(&w2.Kid, &w2.Ciphertext, &w2.Nonce, &w2.Salt); err != nil {
		return nil, "", apperr.Wrap(apperr.KindStorage, "oauth.ensureSigningKey", err)
	}
	if w2.Kid != wrapped.Kid {
		priv, err = m.km.LoadOAuthSigningKey(w2)
		if err != nil {
			return nil, "", err
		}
	}
	m.signingKey, m.kid = priv, w2.Kid
	return priv, w2.Kid, nil
}

// JWKS returns the PDS's public signing key as a single-entry JSON Web
// Key Set, per the /oauth/jwks endpoint.
func (m *Manager) JWKS(ctx context.Context) (map[string]any, error) {
	priv, kid, err := m.ensureSigningKey(ctx)
	if err != nil {
		return nil, err
	}
	jwk := ecdsaPublicJWK(&priv.PublicKey, kid)
	jwk["use"] = "sig"
	jwk["alg"] = "ES256"
	return map[string]any{"keys": []map[string]any{jwk}}, nil
}

// validScope reports whether scope is a space-separated subset of ScopeSet.
func validScope(scope string) bool {
	if scope == "" {
		return false
	}
	for _, s := range splitScope(scope) {
		if !ScopeSet[s] {
			return false
		}
	}
	return true
}

func splitScope(scope string) []string {
	var out []string
	cur := ""
	for _, r := range scope {
		if r == ' ' {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// oauthError is the RFC 6749 error envelope every OAuth endpoint uses.
type oauthError struct {
	Code string
	Desc string
}

func (e *oauthError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Desc) }

// AsError unwraps err to its RFC 6749 {error, error_description} pair,
// for callers (the HTTP layer) that need the code/description without
// reaching into this package's internals.
func AsError(err error) (code, desc string, ok bool) {
	var oe *oauthError
	if !errors.As(err, &oe) {
		return "", "", false
	}
	return oe.Code, oe.Desc, true
}

func errInvalidRequest(desc string) *oauthError  { return &oauthError{"invalid_request", desc} }
func errInvalidClient(desc string) *oauthError   { return &oauthError{"invalid_client", desc} }
func errInvalidGrant(desc string) *oauthError    { return &oauthError{"invalid_grant", desc} }
func errInvalidScope(desc string) *oauthError    { return &oauthError{"invalid_scope", desc} }
func errInvalidDPoPProof(desc string) *oauthError { return &oauthError{"invalid_dpop_proof", desc} }
func errAccessDenied(desc string) *oauthError    { return &oauthError{"access_denied", desc} }
