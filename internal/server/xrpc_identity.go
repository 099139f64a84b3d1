package server

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/leafhq/leaf-pds/internal/account"
	"github.com/leafhq/leaf-pds/internal/apperr"
	"github.com/leafhq/leaf-pds/internal/identity"
	"github.com/leafhq/leaf-pds/internal/repo"
)

// atprotoDIDKey derives the did:key verification method string for an
// account's signing key, the value every PLC operation's
// verificationMethods.atproto field carries.
func atprotoDIDKey(signingKeyMultibase string) (string, error) {
	priv, err := repo.ParseKey(signingKeyMultibase)
	if err != nil {
		return "", err
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return "", err
	}
	return pub.DIDKey(), nil
}

// handleResolveDID implements com.atproto.identity.resolveDid (spec
// §4.3 resolve_did): fetches the live DID document from the PLC
// directory rather than serving a locally cached copy.
func (s *Server) handleResolveDID(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "did query parameter is required",
		})
	}

	doc, err := identity.ResolveDID(c.Request().Context(), s.cfg.PLCEndpoint, did)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "DIDNotFound",
			"message": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, doc)
}

type updateHandleRequest struct {
	Handle string `json:"handle"`
}

// handleUpdateHandle implements com.atproto.identity.updateHandle
// (spec §4.3 update_handle): validates and reserves the new handle in
// the tenant accounts table, then submits a chained PLC operation
// pointing alsoKnownAs at it.
func (s *Server) handleUpdateHandle(c echo.Context) error {
	ac := getAuth(c)
	if ac == nil || ac.DID == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "AuthRequired", "message": "Authentication required"})
	}

	var req updateHandleRequest
	if err := c.Bind(&req); err != nil || req.Handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "handle is required"})
	}

	ctx := c.Request().Context()
	pool, _, err := s.poolForDID(ctx, ac.DID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "AccountNotFound", "message": "account not found"})
	}
	accounts := s.tenantStore(pool)

	acct, err := accounts.GetByDID(ctx, ac.DID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "AccountNotFound", "message": "account not found"})
	}

	if err := accounts.UpdateHandle(ctx, ac.DID, req.Handle); err != nil {
		if apperr.KindOf(err) == apperr.KindValidation {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidHandle", "message": err.Error()})
		}
		if apperr.KindOf(err) == apperr.KindConflict {
			return c.JSON(http.StatusConflict, map[string]string{"error": "HandleNotAvailable", "message": err.Error()})
		}
		log.Printf("Error updating handle for %s: %v", ac.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "failed to update handle"})
	}

	didKey, err := atprotoDIDKey(acct.SigningKey)
	if err != nil {
		log.Printf("Error deriving did:key for %s: %v", ac.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "failed to derive signing key"})
	}
	endpoint := s.serviceEndpointForDomain(extractDomainFromHandle(req.Handle, s.pools))
	if err := identity.UpdateHandle(ctx, s.cfg.PLCEndpoint, ac.DID, req.Handle, []string{didKey}, didKey, endpoint, acct.SigningKey); err != nil {
		log.Printf("Warning: PLC update_handle for %s: %v", ac.DID, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"handle": req.Handle})
}

type updatePDSRequest struct {
	Endpoint string `json:"endpoint"`
}

// handleUpdatePDS implements the admin-only update_pds operation
// (spec §4.3): repoints a DID's PLC service entry at a new PDS, used
// during account migration once the destination is verified ready.
func (s *Server) handleUpdatePDS(c echo.Context) error {
	did := c.Param("did")
	var req updatePDSRequest
	if err := c.Bind(&req); err != nil || did == "" || req.Endpoint == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "did and endpoint are required"})
	}

	ctx := c.Request().Context()
	pool, _, err := s.poolForDID(ctx, did)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "AccountNotFound", "message": "account not found"})
	}
	acct, err := s.tenantStore(pool).GetByDID(ctx, did)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "AccountNotFound", "message": "account not found"})
	}

	didKey, err := atprotoDIDKey(acct.SigningKey)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "failed to derive signing key"})
	}

	if err := identity.UpdatePDS(ctx, s.cfg.PLCEndpoint, did, req.Endpoint, []string{didKey}, didKey, acct.Handle, acct.SigningKey); err != nil {
		log.Printf("Error updating PDS endpoint for %s: %v", did, err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "PLCError", "message": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"did": did, "endpoint": req.Endpoint})
}

// handleRotateSigningKey implements the admin-only rotate_signing_key
// operation (spec §4.3): generates a fresh repo signing key, encrypts
// and stores it, then submits a chained PLC op pointing
// verificationMethods.atproto at the new key.
func (s *Server) handleRotateSigningKey(c echo.Context) error {
	did := c.Param("did")
	if did == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "did is required"})
	}

	ctx := c.Request().Context()
	pool, _, err := s.poolForDID(ctx, did)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "AccountNotFound", "message": "account not found"})
	}
	accounts := s.tenantStore(pool)
	acct, err := accounts.GetByDID(ctx, did)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "AccountNotFound", "message": "account not found"})
	}

	oldDIDKey, err := atprotoDIDKey(acct.SigningKey)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "failed to derive signing key"})
	}

	newSigningKey, err := accounts.RotateSigningKey(ctx, did)
	if err != nil {
		log.Printf("Error rotating signing key material for %s: %v", did, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "failed to rotate signing key"})
	}

	newDIDKey, err := atprotoDIDKey(newSigningKey)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "failed to derive new signing key"})
	}

	endpoint := s.serviceEndpointForDomain(extractDomainFromHandle(acct.Handle, s.pools))
	// The rotation op must still be signed by a rotation key the
	// directory currently trusts — the old key, since the new one
	// isn't yet registered as a rotation key.
	if err := identity.RotateSigningKey(ctx, s.cfg.PLCEndpoint, did, newDIDKey, []string{oldDIDKey, newDIDKey}, acct.Handle, endpoint, acct.SigningKey); err != nil {
		log.Printf("Error submitting rotate_signing_key for %s: %v", did, err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "PLCError", "message": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]string{"did": did})
}

// handleTombstoneDID implements the admin-only tombstone operation
// (spec §4.3): irreversibly revokes a DID and marks the account removed.
func (s *Server) handleTombstoneDID(c echo.Context) error {
	did := c.Param("did")
	if did == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "did is required"})
	}

	ctx := c.Request().Context()
	pool, _, err := s.poolForDID(ctx, did)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "AccountNotFound", "message": "account not found"})
	}
	accounts := s.tenantStore(pool)
	acct, err := accounts.GetByDID(ctx, did)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "AccountNotFound", "message": "account not found"})
	}

	if err := identity.Tombstone(ctx, s.cfg.PLCEndpoint, did, acct.SigningKey); err != nil {
		log.Printf("Error tombstoning %s: %v", did, err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "PLCError", "message": err.Error()})
	}

	if _, err := accounts.UpdateStatus(ctx, acct.Handle, account.StatusRemoved); err != nil {
		log.Printf("Warning: mark %s removed after tombstone: %v", did, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"did": did, "status": "tombstoned"})
}

// handleResolveHandle resolves a handle to a DID.
// GET /xrpc/com.atproto.identity.resolveHandle?handle=...
func (s *Server) handleResolveHandle(c echo.Context) error {
	handle := c.QueryParam("handle")
	if handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle query parameter is required",
		})
	}

	ctx := c.Request().Context()

	// Extract domain from handle.
	domainName := extractDomainFromHandle(handle, s.pools)
	if domainName == "" {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "HandleNotFound",
			"message": "Unable to resolve handle: " + handle,
		})
	}

	pool := s.pools.Get(domainName)
	if pool == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "HandleNotFound",
			"message": "Unable to resolve handle: " + handle,
		})
	}

	did, err := s.tenantStore(pool).ResolveHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "HandleNotFound",
				"message": "Unable to resolve handle: " + handle,
			})
		}
		log.Printf("Error resolving handle %q: %v", handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve handle",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"did": did,
	})
}
