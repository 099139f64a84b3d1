package server

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/leafhq/leaf-pds/internal/account"
	"github.com/leafhq/leaf-pds/internal/apperr"
	"github.com/leafhq/leaf-pds/internal/domain"
)

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// --- Public endpoints (no auth) ---
	s.echo.GET("/xrpc/_health", s.handleHealth)
	s.echo.GET("/.well-known/atproto-did", s.handleAtprotoDID)
	s.echo.GET("/xrpc/com.atproto.server.describeServer", s.handleDescribeServer)
	s.echo.POST("/xrpc/com.atproto.server.createSession", s.handleCreateSession)
	s.echo.GET("/xrpc/com.atproto.identity.resolveHandle", s.handleResolveHandle)
	s.echo.GET("/xrpc/com.atproto.identity.resolveDid", s.handleResolveDID)
	s.echo.GET("/xrpc/com.atproto.sync.getRepo", s.handleGetRepo)
	s.echo.GET("/xrpc/com.atproto.sync.getLatestCommit", s.handleGetLatestCommit)
	s.echo.GET("/xrpc/com.atproto.sync.getBlob", s.handleGetBlob)
	s.echo.GET("/xrpc/com.atproto.sync.subscribeRepos", s.handleSubscribeRepos)
	s.echo.POST("/xrpc/com.atproto.sync.requestCrawl", s.handleRequestCrawl)

	// createAccount is public-or-admin depending on cfg.RegistrationOpen,
	// which the handler itself checks — so it runs behind optionalAuth,
	// which recognizes an admin-key caller without rejecting anonymous ones.
	s.echo.POST("/xrpc/com.atproto.server.createAccount", s.handleCreateAccountXRPC, s.optionalAuth)

	// --- OAuth Authorization Server (spec §4.10) ---
	// Clients authenticating via OAuth aren't PDS session holders, so
	// these sit outside requireAuth/adminAuth. The authorize decision
	// step is the one exception: it needs to see an already-logged-in
	// user's session to know who is approving, hence optionalAuth.
	s.echo.POST("/oauth/par", s.handleOAuthPAR)
	s.echo.GET("/oauth/authorize", s.handleOAuthAuthorizeGet)
	s.echo.POST("/oauth/authorize", s.handleOAuthAuthorizePost, s.optionalAuth)
	s.echo.POST("/oauth/token", s.handleOAuthToken)
	s.echo.POST("/oauth/revoke", s.handleOAuthRevoke)
	s.echo.GET("/oauth/jwks", s.handleOAuthJWKS)

	// --- Session-authenticated endpoints (admin key or session token) ---
	authed := s.echo.Group("", s.requireAuth)
	authed.GET("/xrpc/com.atproto.server.getSession", s.handleGetSession)
	authed.POST("/xrpc/com.atproto.repo.createRecord", s.handleCreateRecord)
	authed.GET("/xrpc/com.atproto.repo.getRecord", s.handleGetRecord)
	authed.POST("/xrpc/com.atproto.repo.deleteRecord", s.handleDeleteRecord)
	authed.POST("/xrpc/com.atproto.repo.putRecord", s.handlePutRecord)
	authed.POST("/xrpc/com.atproto.repo.applyWrites", s.handleApplyWrites)
	authed.GET("/xrpc/com.atproto.repo.listRecords", s.handleListRecords)
	authed.GET("/xrpc/com.atproto.repo.describeRepo", s.handleDescribeRepo)
	authed.POST("/xrpc/com.atproto.repo.uploadBlob", s.handleUploadBlob)
	authed.POST("/xrpc/com.atproto.identity.updateHandle", s.handleUpdateHandle)

	// --- Refresh-token-authenticated endpoints ---
	refreshed := s.echo.Group("", s.requireRefresh)
	refreshed.POST("/xrpc/com.atproto.server.refreshSession", s.handleRefreshSession)
	refreshed.POST("/xrpc/com.atproto.server.deleteSession", s.handleDeleteSession)

	// --- Management API (admin auth required) ---
	admin := s.echo.Group("", s.adminAuth)

	// Domain management
	admin.POST("/xrpc/host.leaf.pds.addDomain", s.handleAddDomain)
	admin.GET("/xrpc/host.leaf.pds.listDomains", s.handleListDomains)
	admin.POST("/xrpc/host.leaf.pds.updateDomain", s.handleUpdateDomain)
	admin.POST("/xrpc/host.leaf.pds.removeDomain", s.handleRemoveDomain)

	// Account management
	admin.POST("/xrpc/host.leaf.pds.createAccount", s.handleCreateAccount)
	admin.GET("/xrpc/host.leaf.pds.listAccounts", s.handleListAccounts)
	admin.GET("/xrpc/host.leaf.pds.getAccount", s.handleGetAccount)
	admin.POST("/xrpc/host.leaf.pds.updateAccount", s.handleUpdateAccount)
	admin.POST("/xrpc/host.leaf.pds.deleteAccount", s.handleDeleteAccount)

	// Identity / did:plc operations (spec §4.3)
	admin.POST("/xrpc/host.leaf.pds.updatePds/:did", s.handleUpdatePDS)
	admin.POST("/xrpc/host.leaf.pds.rotateSigningKey/:did", s.handleRotateSigningKey)
	admin.POST("/xrpc/host.leaf.pds.tombstoneDid/:did", s.handleTombstoneDID)

	// Account migration (spec §4.11)
	admin.POST("/xrpc/host.leaf.pds.exportAccount", s.handleExportAccount)
	admin.POST("/xrpc/host.leaf.pds.generateMigrationToken", s.handleGenerateMigrationToken)
	admin.POST("/xrpc/host.leaf.pds.importAccount", s.handleImportAccount)
	admin.GET("/xrpc/host.leaf.pds.accountMigrationStatus", s.handleAccountMigrationStatus)
}

// optionalAuth runs requireAuth's token parsing but never rejects a
// request outright — it just populates authContext when a recognized
// token is present. handleCreateAccountXRPC does its own registrationOpen
// gating afterward, but wants to know if the caller is an admin.
func (s *Server) optionalAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return next(c)
		}
		if token == s.cfg.AdminKey {
			c.Set(authContextKey, &authContext{IsAdmin: true})
			return next(c)
		}
		if pool, _, err := s.poolForToken(c.Request().Context(), token); err == nil {
			if did, err := s.sessions.ValidateAccess(c.Request().Context(), pool, token); err == nil {
				c.Set(authContextKey, &authContext{DID: did})
			}
		}
		return next(c)
	}
}

// =====================================================================
// Public endpoints
// =====================================================================

// handleHealth returns basic server health information.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"version": "0.3.0",
	})
}

// handleAtprotoDID resolves a DID for the handle implied by the Host
// header. The Host header (e.g., "alice.1440.news") is looked up in the
// accounts table to find the corresponding DID.
func (s *Server) handleAtprotoDID(c echo.Context) error {
	handle := stripPort(c.Request().Host)
	ctx := c.Request().Context()

	domainName := extractDomainFromHandle(handle, s.pools)
	pool := s.pools.Get(domainName)
	if pool == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "AccountNotFound",
			"message": "No account found for handle: " + handle,
		})
	}

	did, err := s.tenantStore(pool).ResolveHandle(ctx, handle)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "No account found for handle: " + handle,
			})
		}
		log.Printf("Error resolving handle %q: %v", handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to resolve handle",
		})
	}

	return c.String(http.StatusOK, did)
}

// =====================================================================
// Domain management
// =====================================================================

type addDomainRequest struct {
	Domain string `json:"domain"`
}

// addDomainResponse includes the domain and its auto-created owner account.
type addDomainResponse struct {
	Domain        *domain.Domain   `json:"domain"`
	AdminAccount  *account.Account `json:"adminAccount"`
	AdminPassword string           `json:"adminPassword"`
}

// handleAddDomain creates a new hosted domain, auto-creates the domain
// admin (owner) account, and regenerates the Traefik routing config.
// The response includes the auto-generated admin password — this is the
// only time it's returned in plaintext.
func (s *Server) handleAddDomain(c echo.Context) error {
	var req addDomainRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Domain = strings.TrimSpace(strings.ToLower(req.Domain))
	if req.Domain == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "domain is required",
		})
	}

	ctx := c.Request().Context()

	// Create the domain.
	d, err := s.domains.Add(ctx, req.Domain)
	if err != nil {
		if isDuplicateKey(err) {
			return c.JSON(http.StatusConflict, map[string]string{
				"error":   "DomainExists",
				"message": "Domain already exists: " + req.Domain,
			})
		}
		log.Printf("Error adding domain %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to add domain",
		})
	}

	// Provision the tenant database and open its pool before anything
	// tries to write into it.
	if err := s.mgmtDB.CreateTenantDB(ctx, d.DBName); err != nil {
		log.Printf("Error creating tenant database for %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Domain created but tenant database provisioning failed",
		})
	}
	if err := s.pools.Add(ctx, req.Domain, d.DBName); err != nil {
		log.Printf("Error opening tenant pool for %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Domain created but tenant pool failed to open",
		})
	}
	pool := s.pools.Get(req.Domain)

	// Auto-create the domain admin (owner) account.
	// The handle is the bare domain name (e.g., "1440.news").
	adminPass, err := account.GeneratePassword()
	if err != nil {
		log.Printf("Error generating admin password for %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to generate admin password",
		})
	}

	adminAcct, _, err := s.tenantStore(pool).Create(ctx, account.CreateParams{
		Handle:          req.Domain,
		Password:        adminPass,
		DomainID:        d.ID,
		Role:            account.RoleOwner,
		ServiceEndpoint: s.serviceEndpointForDomain(req.Domain),
	})
	if err != nil {
		// Domain was created but admin account failed. Log but don't
		// roll back the domain — it can be retried.
		log.Printf("Error creating admin account for domain %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Domain created but admin account creation failed",
		})
	}

	if err := s.mgmtDB.InsertDIDRouting(ctx, adminAcct.DID, req.Domain); err != nil {
		log.Printf("Error inserting DID routing for %q: %v", adminAcct.DID, err)
	}
	if err := s.repos.InitRepo(ctx, pool, adminAcct.DID, adminAcct.SigningKey); err != nil {
		log.Printf("Warning: failed to init repo for %s: %v", adminAcct.DID, err)
	}

	s.refreshTraefik(c)
	log.Printf("Domain added: %s (admin: %s, did: %s)", req.Domain, adminAcct.Handle, adminAcct.DID)

	return c.JSON(http.StatusOK, addDomainResponse{
		Domain:        d,
		AdminAccount:  adminAcct,
		AdminPassword: adminPass,
	})
}

// handleListDomains returns all configured domains.
func (s *Server) handleListDomains(c echo.Context) error {
	domains, err := s.domains.List(c.Request().Context())
	if err != nil {
		log.Printf("Error listing domains: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to list domains",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"domains": domains,
	})
}

type updateDomainRequest struct {
	Domain string `json:"domain"`
	Status string `json:"status"`
}

// handleUpdateDomain changes a domain's status and regenerates Traefik config.
func (s *Server) handleUpdateDomain(c echo.Context) error {
	var req updateDomainRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Domain = strings.TrimSpace(strings.ToLower(req.Domain))
	if req.Domain == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "domain is required",
		})
	}

	switch req.Status {
	case "active", "disabled":
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "status must be 'active' or 'disabled'",
		})
	}

	d, err := s.domains.Update(c.Request().Context(), req.Domain, req.Status)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "DomainNotFound",
				"message": "Domain not found: " + req.Domain,
			})
		}
		log.Printf("Error updating domain %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to update domain",
		})
	}

	s.refreshTraefik(c)
	log.Printf("Domain updated: %s -> %s", req.Domain, req.Status)
	return c.JSON(http.StatusOK, d)
}

type removeDomainRequest struct {
	Domain string `json:"domain"`
}

// handleRemoveDomain deletes a domain (its DID routing rows via CASCADE,
// its accounts by dropping its tenant database) and regenerates the
// Traefik routing configuration.
func (s *Server) handleRemoveDomain(c echo.Context) error {
	var req removeDomainRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Domain = strings.TrimSpace(strings.ToLower(req.Domain))
	if req.Domain == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "domain is required",
		})
	}

	ctx := c.Request().Context()
	dbName, err := s.domains.Remove(ctx, req.Domain)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "DomainNotFound",
				"message": "Domain not found: " + req.Domain,
			})
		}
		log.Printf("Error removing domain %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to remove domain",
		})
	}

	s.pools.Remove(req.Domain)
	if err := s.mgmtDB.DropTenantDB(ctx, dbName); err != nil {
		log.Printf("Warning: failed to drop tenant database %q: %v", dbName, err)
	}

	s.refreshTraefik(c)
	log.Printf("Domain removed: %s (all accounts cascade-deleted)", req.Domain)
	return c.JSON(http.StatusOK, map[string]string{
		"message": "Domain removed: " + req.Domain,
	})
}

// =====================================================================
// Account management
// =====================================================================

type createAccountRequest struct {
	Domain   string `json:"domain"`
	Handle   string `json:"handle"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// handleCreateAccount creates a new account under a domain. The handle
// is automatically suffixed with the domain if not already (e.g.,
// "alice" under "1440.news" becomes "alice.1440.news"). If password is
// omitted, one is auto-generated and returned.
func (s *Server) handleCreateAccount(c echo.Context) error {
	var req createAccountRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Domain = strings.TrimSpace(strings.ToLower(req.Domain))
	req.Handle = strings.TrimSpace(strings.ToLower(req.Handle))

	if req.Domain == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "domain is required",
		})
	}
	if req.Handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle is required",
		})
	}

	// Validate role if provided.
	switch req.Role {
	case "", account.RoleUser, account.RoleAdmin:
		// Valid (empty defaults to user in the store).
	case account.RoleOwner:
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "owner role is assigned automatically during domain creation",
		})
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "role must be 'user' or 'admin'",
		})
	}

	ctx := c.Request().Context()

	// Look up the domain.
	d, err := s.domains.GetByName(ctx, req.Domain)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "DomainNotFound",
				"message": "Domain not found: " + req.Domain,
			})
		}
		log.Printf("Error looking up domain %q: %v", req.Domain, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to look up domain",
		})
	}

	pool := s.pools.Get(req.Domain)
	if pool == nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Domain has no open tenant pool",
		})
	}

	// Build the full handle: "alice" + "1440.news" → "alice.1440.news".
	// If the handle already ends with the domain, use it as-is.
	fullHandle := req.Handle
	if !strings.HasSuffix(fullHandle, "."+req.Domain) {
		fullHandle = req.Handle + "." + req.Domain
	}

	// Auto-generate password if not provided.
	password := req.Password
	autoGenerated := false
	if password == "" {
		password, err = account.GeneratePassword()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": "Failed to generate password",
			})
		}
		autoGenerated = true
	}

	acct, _, err := s.tenantStore(pool).Create(ctx, account.CreateParams{
		Handle:          fullHandle,
		Email:           req.Email,
		Password:        password,
		DomainID:        d.ID,
		Role:            req.Role,
		ServiceEndpoint: s.serviceEndpointForDomain(req.Domain),
	})
	if err != nil {
		if isDuplicateKey(err) {
			return c.JSON(http.StatusConflict, map[string]string{
				"error":   "HandleTaken",
				"message": "Handle already taken: " + fullHandle,
			})
		}
		if apperr.KindOf(err) == apperr.KindValidation {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error":   "InvalidHandle",
				"message": err.Error(),
			})
		}
		log.Printf("Error creating account %q: %v", fullHandle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to create account",
		})
	}

	if err := s.mgmtDB.InsertDIDRouting(ctx, acct.DID, req.Domain); err != nil {
		log.Printf("Error inserting DID routing for %q: %v", acct.DID, err)
	}
	if err := s.repos.InitRepo(ctx, pool, acct.DID, acct.SigningKey); err != nil {
		log.Printf("Warning: failed to init repo for %s: %v", acct.DID, err)
	}

	log.Printf("Account created: %s (did: %s, role: %s, domain: %s)", acct.Handle, acct.DID, acct.Role, req.Domain)

	resp := map[string]any{"account": acct}
	if autoGenerated {
		resp["password"] = password
	}
	return c.JSON(http.StatusOK, resp)
}

// handleListAccounts returns accounts, optionally filtered by domain.
// Query parameter: ?domain=1440.news
//
// Accounts live only in per-tenant databases, so a request scoped to one
// domain queries that domain's pool directly; an unscoped request has to
// fan out across every open tenant pool and aggregate the results.
func (s *Server) handleListAccounts(c echo.Context) error {
	ctx := c.Request().Context()

	if domainName := c.QueryParam("domain"); domainName != "" {
		if _, err := s.domains.GetByName(ctx, domainName); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{
					"error":   "DomainNotFound",
					"message": "Domain not found: " + domainName,
				})
			}
			log.Printf("Error looking up domain %q: %v", domainName, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": "Failed to look up domain",
			})
		}

		pool := s.pools.Get(domainName)
		if pool == nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": "No open database connection for domain",
			})
		}
		accounts, err := s.tenantStore(pool).List(ctx, 0)
		if err != nil {
			log.Printf("Error listing accounts for domain %q: %v", domainName, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": "Failed to list accounts",
			})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"accounts": accounts,
		})
	}

	accounts := []account.Account{}
	for _, domainName := range s.pools.Domains() {
		pool := s.pools.Get(domainName)
		if pool == nil {
			continue
		}
		tenantAccounts, err := s.tenantStore(pool).List(ctx, 0)
		if err != nil {
			log.Printf("Error listing accounts for domain %q: %v", domainName, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": "Failed to list accounts",
			})
		}
		accounts = append(accounts, tenantAccounts...)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"accounts": accounts,
	})
}

// handleGetAccount retrieves an account by handle or DID.
// Query parameters: ?handle=alice.1440.news or ?did=did:plc:...
func (s *Server) handleGetAccount(c echo.Context) error {
	ctx := c.Request().Context()
	handle := c.QueryParam("handle")
	did := c.QueryParam("did")

	if handle == "" && did == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle or did query parameter is required",
		})
	}

	var pool *pgxpool.Pool
	if handle != "" {
		domainName := extractDomainFromHandle(handle, s.pools)
		if domainName == "" {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "Account not found",
			})
		}
		pool = s.pools.Get(domainName)
	} else {
		var err error
		pool, _, err = s.poolForDID(ctx, did)
		if err != nil {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "Account not found",
			})
		}
	}
	if pool == nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "No open database connection for domain",
		})
	}

	var acct *account.Account
	var err error
	if handle != "" {
		acct, err = s.tenantStore(pool).GetByHandle(ctx, handle)
	} else {
		acct, err = s.tenantStore(pool).GetByDID(ctx, did)
	}

	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error":   "AccountNotFound",
				"message": "Account not found",
			})
		}
		log.Printf("Error getting account: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to get account",
		})
	}
	return c.JSON(http.StatusOK, acct)
}

type updateAccountRequest struct {
	Handle string `json:"handle"`
	Status string `json:"status"`
	Role   string `json:"role"`
}

// handleUpdateAccount modifies an account's status and/or role.
// At least one of status or role must be provided.
func (s *Server) handleUpdateAccount(c echo.Context) error {
	var req updateAccountRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Handle = strings.TrimSpace(strings.ToLower(req.Handle))
	if req.Handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle is required",
		})
	}

	if req.Status == "" && req.Role == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "at least one of status or role is required",
		})
	}

	ctx := c.Request().Context()

	domainName := extractDomainFromHandle(req.Handle, s.pools)
	pool := s.pools.Get(domainName)
	if pool == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "AccountNotFound",
			"message": "Account not found: " + req.Handle,
		})
	}
	store := s.tenantStore(pool)

	var result *account.Account
	var err error

	// Update status if provided.
	if req.Status != "" {
		switch req.Status {
		case account.StatusActive, account.StatusSuspended, account.StatusDisabled, account.StatusRemoved:
		default:
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error":   "InvalidRequest",
				"message": "status must be 'active', 'suspended', 'disabled', or 'removed'",
			})
		}

		result, err = store.UpdateStatus(ctx, req.Handle, req.Status)
		if err != nil {
			return accountError(c, err, req.Handle)
		}
	}

	// Update role if provided.
	if req.Role != "" {
		switch req.Role {
		case account.RoleAdmin, account.RoleUser:
		default:
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error":   "InvalidRequest",
				"message": "role must be 'admin' or 'user'",
			})
		}

		result, err = store.UpdateRole(ctx, req.Handle, req.Role)
		if err != nil {
			return accountError(c, err, req.Handle)
		}
	}

	log.Printf("Account updated: %s (status=%s, role=%s)", req.Handle, req.Status, req.Role)
	return c.JSON(http.StatusOK, result)
}

type deleteAccountRequest struct {
	Handle string `json:"handle"`
}

// handleDeleteAccount permanently removes an account. Owner accounts
// cannot be deleted — remove the domain instead.
func (s *Server) handleDeleteAccount(c echo.Context) error {
	var req deleteAccountRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "Invalid JSON body",
		})
	}

	req.Handle = strings.TrimSpace(strings.ToLower(req.Handle))
	if req.Handle == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":   "InvalidRequest",
			"message": "handle is required",
		})
	}

	domainName := extractDomainFromHandle(req.Handle, s.pools)
	pool := s.pools.Get(domainName)
	if pool == nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "AccountNotFound",
			"message": "Account not found: " + req.Handle,
		})
	}

	if err := s.tenantStore(pool).Delete(c.Request().Context(), req.Handle); err != nil {
		return accountError(c, err, req.Handle)
	}

	log.Printf("Account deleted: %s", req.Handle)
	return c.JSON(http.StatusOK, map[string]string{
		"message": "Account deleted: " + req.Handle,
	})
}

// =====================================================================
// Helpers
// =====================================================================

// refreshTraefik regenerates the Traefik dynamic config file.
func (s *Server) refreshTraefik(c echo.Context) {
	if err := s.domains.WriteTraefikConfig(c.Request().Context(), s.cfg.TraefikConfigDir); err != nil {
		log.Printf("Warning: failed to write Traefik config: %v", err)
	}
}

// accountError maps account package errors to HTTP responses.
func accountError(c echo.Context, err error, handle string) error {
	switch {
	case errors.Is(err, account.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{
			"error":   "AccountNotFound",
			"message": "Account not found: " + handle,
		})
	case errors.Is(err, account.ErrOwnerProtected):
		return c.JSON(http.StatusForbidden, map[string]string{
			"error":   "OwnerProtected",
			"message": err.Error(),
		})
	default:
		log.Printf("Error on account %q: %v", handle, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error":   "InternalError",
			"message": "Failed to update account",
		})
	}
}

// stripPort removes the port suffix from a host string.
func stripPort(host string) string {
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

// isDuplicateKey checks whether an error is a PostgreSQL unique
// constraint violation (error code 23505).
func isDuplicateKey(err error) bool {
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "unique constraint")
}
