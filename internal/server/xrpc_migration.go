package server

import (
	"encoding/base64"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/leafhq/leaf-pds/internal/apperr"
	"github.com/leafhq/leaf-pds/internal/domain"
	"github.com/leafhq/leaf-pds/internal/identity"
	"github.com/leafhq/leaf-pds/internal/migration"
)

// Account migration (spec §4.11): an admin-only export/import pair
// that moves an account's did:plc identity, repo, and blobs onto this
// PDS (or off it), with a short-lived signed token standing in for
// proof the source PDS actually authorized the move.

type exportAccountRequest struct {
	DID                  string `json:"did"`
	IncludeBlobs         bool   `json:"includeBlobs"`
	IncludePlaintextKeys bool   `json:"includePlaintextKeys"`
}

type exportAccountResponse struct {
	Metadata migration.Metadata `json:"metadata"`
	RepoCAR  string             `json:"repoCar"` // base64-encoded CAR v1 archive
	BlobCAR  string             `json:"blobCar,omitempty"`
}

// handleExportAccount implements the admin-only export step of
// account migration (spec §4.11): bundles a hosted account's did:plc
// metadata, full repo, and (optionally) its blobs for transfer to
// another PDS.
func (s *Server) handleExportAccount(c echo.Context) error {
	var req exportAccountRequest
	if err := c.Bind(&req); err != nil || req.DID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "did is required"})
	}

	ctx := c.Request().Context()
	pool, domainName, err := s.poolForDID(ctx, req.DID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "AccountNotFound", "message": "account not found"})
	}

	bundle, err := s.migration.Export(ctx, pool, req.DID, s.serviceEndpointForDomain(domainName), migration.ExportOptions{
		IncludeBlobs:         req.IncludeBlobs,
		IncludePlaintextKeys: req.IncludePlaintextKeys,
	})
	if err != nil {
		log.Printf("Error exporting account %s: %v", req.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": err.Error()})
	}

	resp := exportAccountResponse{
		Metadata: bundle.Metadata,
		RepoCAR:  base64.StdEncoding.EncodeToString(bundle.RepoCAR),
	}
	if bundle.BlobCAR != nil {
		resp.BlobCAR = base64.StdEncoding.EncodeToString(bundle.BlobCAR)
	}
	return c.JSON(http.StatusOK, resp)
}

type generateMigrationTokenRequest struct {
	DID       string `json:"did"`
	SourcePDS string `json:"sourcePds"`
	TargetPDS string `json:"targetPds"`
}

// handleGenerateMigrationToken implements the admin-only migration
// token issuance step (spec §4.11): signs a short-lived claim that the
// source PDS authorizes did to move to targetPDS, over the account's
// own rotation key.
func (s *Server) handleGenerateMigrationToken(c echo.Context) error {
	var req generateMigrationTokenRequest
	if err := c.Bind(&req); err != nil || req.DID == "" || req.TargetPDS == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "did and targetPds are required"})
	}

	ctx := c.Request().Context()
	pool, domainName, err := s.poolForDID(ctx, req.DID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "AccountNotFound", "message": "account not found"})
	}
	sourcePDS := req.SourcePDS
	if sourcePDS == "" {
		sourcePDS = s.serviceEndpointForDomain(domainName)
	}

	token, err := s.migration.GenerateMigrationToken(ctx, pool, req.DID, sourcePDS, req.TargetPDS)
	if err != nil {
		log.Printf("Error generating migration token for %s: %v", req.DID, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token":     token,
		"expiresIn": int(migration.MigrationTokenTTL.Seconds()),
	})
}

type importAccountRequest struct {
	Domain            string             `json:"domain"`
	Metadata          migration.Metadata `json:"metadata"`
	RepoCAR           string             `json:"repoCar"`
	BlobCAR           string             `json:"blobCar,omitempty"`
	MigrationToken    string             `json:"migrationToken,omitempty"`
	ForceHandleChange bool               `json:"forceHandleChange"`
	SkipDIDUpdate     bool               `json:"skipDidUpdate"`
}

// handleImportAccount implements the admin-only import step of
// account migration (spec §4.11): reconstructs a previously exported
// account under domain, rejecting if the DID is already hosted here.
func (s *Server) handleImportAccount(c echo.Context) error {
	var req importAccountRequest
	if err := c.Bind(&req); err != nil || req.Domain == "" || req.Metadata.DID == "" || req.RepoCAR == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "domain, metadata, and repoCar are required"})
	}

	ctx := c.Request().Context()
	d, err := s.domains.GetByName(ctx, req.Domain)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "DomainNotFound", "message": "domain not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": err.Error()})
	}
	pool := s.pools.Get(req.Domain)
	if pool == nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": "domain has no open tenant pool"})
	}

	repoCAR, err := base64.StdEncoding.DecodeString(req.RepoCAR)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "repoCar is not valid base64"})
	}
	var blobCAR []byte
	if req.BlobCAR != "" {
		blobCAR, err = base64.StdEncoding.DecodeString(req.BlobCAR)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "blobCar is not valid base64"})
		}
	}

	result, err := s.migration.Import(ctx, pool, d.ID, req.Domain, s.serviceEndpointForDomain(req.Domain), req.Metadata, repoCAR, blobCAR, migration.ImportOptions{
		MigrationToken:    req.MigrationToken,
		ForceHandleChange: req.ForceHandleChange,
		SkipDIDUpdate:     req.SkipDIDUpdate,
	})
	if err != nil {
		if errors.Is(err, migration.ErrAlreadyExists) {
			return c.JSON(http.StatusConflict, map[string]string{"error": "AlreadyExists", "message": err.Error()})
		}
		switch apperr.KindOf(err) {
		case apperr.KindAuth:
			return c.JSON(http.StatusForbidden, map[string]string{"error": "InvalidMigrationToken", "message": err.Error()})
		case apperr.KindDirectory:
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "DIDNotResolvable", "message": err.Error()})
		case apperr.KindValidation:
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": err.Error()})
		}
		log.Printf("Error importing account %s into %s: %v", req.Metadata.DID, req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "InternalError", "message": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"did":             result.DID,
		"handle":          result.Handle,
		"recordsImported": result.RecordsImported,
		"blobsImported":   result.BlobsImported,
		"warnings":        result.Warnings,
	})
}

// handleAccountMigrationStatus implements a lightweight status check
// an operator can poll after initiating a migration: whether the DID
// is hosted locally yet, and what the did:plc directory currently
// resolves it to (useful while update_pds is still propagating).
func (s *Server) handleAccountMigrationStatus(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "did query parameter is required"})
	}

	ctx := c.Request().Context()
	status := map[string]any{"did": did, "hostedHere": false}

	if pool, _, err := s.poolForDID(ctx, did); err == nil {
		if acct, err := s.tenantStore(pool).GetByDID(ctx, did); err == nil {
			status["hostedHere"] = true
			status["handle"] = acct.Handle
			status["accountStatus"] = acct.Status
		}
	}

	doc, err := identity.ResolveDID(ctx, s.cfg.PLCEndpoint, did)
	if err != nil {
		status["resolvable"] = false
	} else {
		status["resolvable"] = true
		status["didDocument"] = doc
	}

	return c.JSON(http.StatusOK, status)
}
