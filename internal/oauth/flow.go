package oauth

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/leafhq/leaf-pds/internal/apperr"
)

// PARInput is the body of POST /oauth/par.
type PARInput struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	DPoPProof           string
	RequestMethod       string
	RequestURL          string
}

// PushAuthorizationRequest validates and stores a pushed authorization
// request, returning its request_uri and TTL (spec §4.10 PAR).
func (m *Manager) PushAuthorizationRequest(ctx context.Context, in PARInput) (requestURI string, expiresIn int, err error) {
	if err := validateClientID(in.ClientID); err != nil {
		return "", 0, err
	}
	if in.CodeChallengeMethod != "S256" {
		return "", 0, errInvalidRequest("code_challenge_method must be S256")
	}
	if !validCodeChallenge(in.CodeChallenge) {
		return "", 0, errInvalidRequest("code_challenge must be a 43-character base64url string")
	}
	scope := normalizeScope(in.Scope)
	if !validScope(scope) {
		return "", 0, errInvalidScope("scope must be a subset of atproto, transition:generic, transition:chat.bsky")
	}

	md, err := m.fetchClientMetadata(ctx, in.ClientID)
	if err != nil {
		return "", 0, err
	}
	if !md.hasRedirectURI(in.RedirectURI) {
		return "", 0, errInvalidRequest("redirect_uri not registered for this client")
	}

	var jkt string
	if in.DPoPProof != "" {
		jkt, err = m.validateDPoPProof(in.DPoPProof, in.RequestMethod, in.RequestURL)
		if err != nil {
			return "", 0, err
		}
	}

	requestURI, err = m.storePAR(ctx, parRecord{
		ClientID:            in.ClientID,
		RedirectURI:         in.RedirectURI,
		Scope:               scope,
		CodeChallenge:       in.CodeChallenge,
		CodeChallengeMethod: in.CodeChallengeMethod,
		DPoPJKT:             jkt,
		State:               in.State,
	})
	if err != nil {
		return "", 0, err
	}
	return requestURI, int(PARTTL.Seconds()), nil
}

// ConsentView is what GET /oauth/authorize?request_uri=… returns for
// rendering the consent step. This package never renders HTML — per
// spec §7 Non-goals, front-end presentation is an external collaborator;
// it only issues the CSRF token the approve/deny POST must echo back.
type ConsentView struct {
	RequestURI string
	ClientID   string
	Scope      string
	CSRFToken  string
}

// BeginConsent loads a pending PAR request and stamps a fresh CSRF
// token onto it (spec §4.10 Authorize GET).
func (m *Manager) BeginConsent(ctx context.Context, requestURI string) (*ConsentView, error) {
	rec, err := m.getPAR(ctx, requestURI)
	if err != nil {
		return nil, err
	}
	csrf, err := m.setPARConsent(ctx, requestURI)
	if err != nil {
		return nil, err
	}
	return &ConsentView{RequestURI: requestURI, ClientID: rec.ClientID, Scope: rec.Scope, CSRFToken: csrf}, nil
}

// DecideInput is the body of POST /oauth/authorize.
type DecideInput struct {
	RequestURI string
	CSRFToken  string
	Action     string // "approve" or "deny"
	UserDID    string // the authenticated approving user
}

// Decide resolves a rendered consent step: deny redirects back with
// error=access_denied; approve mints an authorization code pinned to
// the approving user and the original PAR parameters. Returns the
// redirect URL the caller (a login UI) should send the user-agent to.
func (m *Manager) Decide(ctx context.Context, in DecideInput) (redirectURL string, err error) {
	rec, err := m.getPAR(ctx, in.RequestURI)
	if err != nil {
		return "", err
	}
	if rec.CSRFToken == "" || rec.CSRFToken != in.CSRFToken || time.Now().After(rec.CSRFExpiresAt) {
		return "", errInvalidRequest("invalid or expired csrf token")
	}

	if err := m.deletePAR(ctx, in.RequestURI); err != nil {
		return "", err
	}

	if in.Action != "approve" {
		return appendQuery(rec.RedirectURI, map[string]string{"error": "access_denied", "state": rec.State}), nil
	}
	if in.UserDID == "" {
		return "", apperr.New(apperr.KindAuth, "oauth.Decide", errAccessDenied("no authenticated user session"))
	}

	code, err := m.issueAuthCode(ctx, authCodeRecord{
		UserDID:             in.UserDID,
		ClientID:            rec.ClientID,
		RedirectURI:         rec.RedirectURI,
		Scope:               rec.Scope,
		CodeChallenge:       rec.CodeChallenge,
		CodeChallengeMethod: rec.CodeChallengeMethod,
		DPoPJKT:             rec.DPoPJKT,
	})
	if err != nil {
		return "", err
	}
	return appendQuery(rec.RedirectURI, map[string]string{"code": code, "state": rec.State}), nil
}

// TokenInput is the body of POST /oauth/token, covering both grant types.
type TokenInput struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	DPoPProof    string
	RequestMethod string
	RequestURL    string
}

// TokenResult is the JSON body returned by a successful token exchange.
type TokenResult struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// Exchange services both the authorization_code and refresh_token
// grants of POST /oauth/token (spec §4.10 Token). DPoP is mandatory
// for both.
func (m *Manager) Exchange(ctx context.Context, in TokenInput) (*TokenResult, error) {
	if in.DPoPProof == "" {
		return nil, errInvalidDPoPProof("DPoP proof is required")
	}
	jkt, err := m.validateDPoPProof(in.DPoPProof, in.RequestMethod, in.RequestURL)
	if err != nil {
		return nil, err
	}

	switch in.GrantType {
	case "authorization_code":
		return m.exchangeCode(ctx, in, jkt)
	case "refresh_token":
		return m.exchangeRefresh(ctx, in, jkt)
	default:
		return nil, errInvalidRequest("unsupported grant_type")
	}
}

func (m *Manager) exchangeCode(ctx context.Context, in TokenInput, jkt string) (*TokenResult, error) {
	rec, err := m.consumeAuthCode(ctx, in.Code)
	if err != nil {
		return nil, err
	}
	if rec.RedirectURI != in.RedirectURI {
		return nil, errInvalidGrant("redirect_uri does not match")
	}
	if rec.DPoPJKT != "" && rec.DPoPJKT != jkt {
		return nil, errInvalidGrant("DPoP key does not match the one bound at authorization time")
	}
	if err := verifyPKCE(in.CodeVerifier, rec.CodeChallenge, rec.CodeChallengeMethod); err != nil {
		return nil, err
	}

	return m.issueTokenPair(ctx, rec.UserDID, rec.ClientID, rec.Scope, jkt)
}

func (m *Manager) exchangeRefresh(ctx context.Context, in TokenInput, jkt string) (*TokenResult, error) {
	rec, err := m.consumeRefreshToken(ctx, in.RefreshToken)
	if err != nil {
		return nil, err
	}
	if rec.DPoPJKT != "" && rec.DPoPJKT != jkt {
		return nil, errInvalidGrant("DPoP key does not match the one bound to this refresh token")
	}
	return m.issueTokenPair(ctx, rec.UserDID, rec.ClientID, rec.Scope, jkt)
}

// issueTokenPair mints a DPoP-bound ES256 access token JWT and a fresh
// opaque refresh token, the shared tail of both grant types.
func (m *Manager) issueTokenPair(ctx context.Context, did, clientID, scope, jkt string) (*TokenResult, error) {
	accessToken, err := m.mintAccessToken(ctx, did, clientID, scope, jkt)
	if err != nil {
		return nil, err
	}
	refreshToken, err := m.issueRefreshToken(ctx, refreshTokenRecord{
		UserDID: did, ClientID: clientID, Scope: scope, DPoPJKT: jkt,
	})
	if err != nil {
		return nil, err
	}
	return &TokenResult{
		AccessToken:  accessToken,
		TokenType:    "DPoP",
		ExpiresIn:    int(AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

// atJWTClaims is the payload of the ES256 "at+jwt" access token, per
// spec §4.10 Token.
type atJWTClaims struct {
	jwt.RegisteredClaims
	ClientID string         `json:"client_id"`
	Scope    string         `json:"scope"`
	Cnf      map[string]any `json:"cnf"`
}

// mintAccessToken signs an ES256 access token JWT binding the caller's
// DPoP key via cnf.jkt (I8).
func (m *Manager) mintAccessToken(ctx context.Context, did, clientID, scope, jkt string) (string, error) {
	priv, kid, err := m.ensureSigningKey(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now()
	jti, err := randomHex(16)
	if err != nil {
		return "", err
	}

	claims := atJWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   did,
			Audience:  jwt.ClaimStrings{m.issuer},
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		ClientID: clientID,
		Scope:    scope,
		Cnf:      map[string]any{"jkt": jkt},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["typ"] = "at+jwt"
	tok.Header["kid"] = kid

	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "oauth.mintAccessToken", err)
	}
	return signed, nil
}

// Revoke implements RFC 7009: always succeeds from the caller's
// perspective, regardless of whether the token existed.
func (m *Manager) Revoke(ctx context.Context, token, dpopProof, method, rawURL string) error {
	if dpopProof == "" {
		return errInvalidDPoPProof("DPoP proof is required")
	}
	jkt, err := m.validateDPoPProof(dpopProof, method, rawURL)
	if err != nil {
		return err
	}
	return m.revokeRefreshToken(ctx, token, jkt)
}

func appendQuery(rawURL string, params map[string]string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	out := rawURL
	first := true
	for k, v := range params {
		if v == "" {
			continue
		}
		if first {
			out += sep
			first = false
		} else {
			out += "&"
		}
		out += k + "=" + url.QueryEscape(v)
	}
	return out
}
