package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/leafhq/leaf-pds/internal/apperr"
	"github.com/leafhq/leaf-pds/internal/oauth"
)

// oauthErrorResponse renders the RFC 6749 {error, error_description}
// envelope spec §6 requires of every OAuth endpoint.
func oauthErrorResponse(c echo.Context, status int, code, desc string) error {
	return c.JSON(status, map[string]string{"error": code, "error_description": desc})
}

// translateOAuthError maps an error returned by internal/oauth to an
// HTTP status and RFC 6749 error code.
func translateOAuthError(c echo.Context, err error) error {
	if code, desc, ok := oauth.AsError(err); ok {
		status := http.StatusBadRequest
		if code == "access_denied" {
			status = http.StatusForbidden
		}
		return oauthErrorResponse(c, status, code, desc)
	}

	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return oauthErrorResponse(c, http.StatusBadRequest, "invalid_grant", err.Error())
	case apperr.KindAuth:
		return oauthErrorResponse(c, http.StatusUnauthorized, "invalid_client", err.Error())
	case apperr.KindValidation:
		return oauthErrorResponse(c, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		return oauthErrorResponse(c, http.StatusInternalServerError, "server_error", "internal error")
	}
}

type parRequestBody struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	State               string `json:"state"`
}

// handleOAuthPAR implements POST /oauth/par (spec §4.10 PAR).
func (s *Server) handleOAuthPAR(c echo.Context) error {
	var req parRequestBody
	if err := c.Bind(&req); err != nil {
		return oauthErrorResponse(c, http.StatusBadRequest, "invalid_request", "malformed request body")
	}

	requestURI, expiresIn, err := s.oauth.PushAuthorizationRequest(c.Request().Context(), oauth.PARInput{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		State:               req.State,
		DPoPProof:           c.Request().Header.Get("DPoP"),
		RequestMethod:       c.Request().Method,
		RequestURL:          requestAbsoluteURL(c),
	})
	if err != nil {
		return translateOAuthError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"request_uri": requestURI,
		"expires_in":  expiresIn,
	})
}

// handleOAuthAuthorizeGet implements GET /oauth/authorize (spec §4.10
// Authorize). It returns the consent descriptor as JSON rather than
// rendering HTML — presentation is an external collaborator's job.
func (s *Server) handleOAuthAuthorizeGet(c echo.Context) error {
	requestURI := c.QueryParam("request_uri")
	if requestURI == "" {
		return oauthErrorResponse(c, http.StatusBadRequest, "invalid_request", "request_uri is required")
	}
	view, err := s.oauth.BeginConsent(c.Request().Context(), requestURI)
	if err != nil {
		return translateOAuthError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"request_uri": view.RequestURI,
		"client_id":   view.ClientID,
		"scope":       view.Scope,
		"csrf_token":  view.CSRFToken,
	})
}

type authorizeDecisionBody struct {
	RequestURI string `json:"request_uri"`
	CSRFToken  string `json:"csrf_token"`
	Action     string `json:"action"`
}

// handleOAuthAuthorizePost implements the approve/deny step of
// POST /oauth/authorize. The approving user is identified by the
// session access token the login UI attaches as a Bearer credential.
func (s *Server) handleOAuthAuthorizePost(c echo.Context) error {
	var req authorizeDecisionBody
	if err := c.Bind(&req); err != nil || req.RequestURI == "" || req.Action == "" {
		return oauthErrorResponse(c, http.StatusBadRequest, "invalid_request", "request_uri and action are required")
	}

	var userDID string
	if ac := getAuth(c); ac != nil {
		userDID = ac.DID
	}

	redirectURL, err := s.oauth.Decide(c.Request().Context(), oauth.DecideInput{
		RequestURI: req.RequestURI,
		CSRFToken:  req.CSRFToken,
		Action:     req.Action,
		UserDID:    userDID,
	})
	if err != nil {
		return translateOAuthError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"redirect": redirectURL})
}

// handleOAuthToken implements POST /oauth/token (spec §4.10 Token).
func (s *Server) handleOAuthToken(c echo.Context) error {
	grantType := c.FormValue("grant_type")
	result, err := s.oauth.Exchange(c.Request().Context(), oauth.TokenInput{
		GrantType:     grantType,
		Code:          c.FormValue("code"),
		RedirectURI:   c.FormValue("redirect_uri"),
		CodeVerifier:  c.FormValue("code_verifier"),
		RefreshToken:  c.FormValue("refresh_token"),
		DPoPProof:     c.Request().Header.Get("DPoP"),
		RequestMethod: c.Request().Method,
		RequestURL:    requestAbsoluteURL(c),
	})
	if err != nil {
		return translateOAuthError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// handleOAuthRevoke implements POST /oauth/revoke (RFC 7009). Returns
// 400 if no token is supplied; otherwise always returns 200 {} to avoid
// token-existence disclosure.
func (s *Server) handleOAuthRevoke(c echo.Context) error {
	token := c.FormValue("token")
	if token == "" {
		return oauthErrorResponse(c, http.StatusBadRequest, "invalid_request", "token is required")
	}
	_ = s.oauth.Revoke(c.Request().Context(), token, c.Request().Header.Get("DPoP"), c.Request().Method, requestAbsoluteURL(c))
	return c.JSON(http.StatusOK, map[string]any{})
}

// handleOAuthJWKS implements GET /oauth/jwks.
func (s *Server) handleOAuthJWKS(c echo.Context) error {
	jwks, err := s.oauth.JWKS(c.Request().Context())
	if err != nil {
		return oauthErrorResponse(c, http.StatusInternalServerError, "server_error", "failed to load signing key")
	}
	return c.JSON(http.StatusOK, jwks)
}

// requestAbsoluteURL reconstructs the absolute request URL (scheme +
// host + path) used as the DPoP proof's htu comparand. Behind Traefik,
// scheme reflects X-Forwarded-Proto via Echo's IsTLS()/Scheme().
func requestAbsoluteURL(c echo.Context) string {
	return c.Scheme() + "://" + c.Request().Host + c.Request().URL.Path
}
