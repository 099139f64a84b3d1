// Package server provides the HTTP server for leaf-pds, built on
// Echo v4. It hosts both the standard AT Protocol XRPC endpoints and
// the custom management API (host.leaf.pds.*).
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/leafhq/leaf-pds/internal/auth"
	"github.com/leafhq/leaf-pds/internal/blob"
	"github.com/leafhq/leaf-pds/internal/config"
	"github.com/leafhq/leaf-pds/internal/database"
	"github.com/leafhq/leaf-pds/internal/domain"
	"github.com/leafhq/leaf-pds/internal/events"
	"github.com/leafhq/leaf-pds/internal/keymgr"
	"github.com/leafhq/leaf-pds/internal/migration"
	"github.com/leafhq/leaf-pds/internal/oauth"
	"github.com/leafhq/leaf-pds/internal/repo"
	"github.com/leafhq/leaf-pds/internal/session"
)

// Server wraps the Echo instance and application dependencies.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	mgmtDB   *database.ManagementDB
	pools    *database.PoolManager
	domains  *domain.Store
	repos    *repo.Manager
	events   *events.Manager
	jwt      *auth.JWTManager
	km       *keymgr.Manager
	sessions  *session.Manager
	blobs     *blob.Store
	oauth     *oauth.Manager
	migration *migration.Service
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, mgmtDB *database.ManagementDB, pools *database.PoolManager, domains *domain.Store, repos *repo.Manager, evts *events.Manager, jwtMgr *auth.JWTManager, km *keymgr.Manager) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	blobs := blob.NewStore(cfg.MaxBlobSize)

	s := &Server{
		echo:      e,
		cfg:       cfg,
		mgmtDB:    mgmtDB,
		pools:     pools,
		domains:   domains,
		repos:     repos,
		events:    evts,
		jwt:       jwtMgr,
		km:        km,
		sessions:  session.NewManager(jwtMgr),
		blobs:     blobs,
		oauth:     oauth.NewManager(mgmtDB.Pool, km, cfg.ServiceURL),
		migration: migration.NewService(repos, blobs, km, cfg.PLCEndpoint),
	}

	s.registerRoutes()
	return s
}

// poolForDID resolves the tenant pool backing a DID's account, via the
// management database's did_routing table.
func (s *Server) poolForDID(ctx context.Context, did string) (*pgxpool.Pool, string, error) {
	domainName, err := s.mgmtDB.LookupDIDDomain(ctx, did)
	if err != nil {
		return nil, "", err
	}
	pool := s.pools.Get(domainName)
	if pool == nil {
		return nil, "", fmt.Errorf("server: no tenant pool open for domain %q", domainName)
	}
	return pool, domainName, nil
}

// authContext holds the authenticated caller's identity.
type authContext struct {
	DID     string
	IsAdmin bool
}

const authContextKey = "auth"

// getAuth retrieves the auth context set by middleware.
func getAuth(c echo.Context) *authContext {
	if ac, ok := c.Get(authContextKey).(*authContext); ok {
		return ac
	}
	return nil
}

// requireAuth is middleware that validates a Bearer token as either an
// admin key or a session access token. Sets authContext on the request.
//
// Validating a session means checking its DB-backed row, which lives in
// a tenant pool — but which pool depends on the token's own subject. So
// this peeks the JWT's subject claim without verifying it first, uses
// that to resolve the tenant pool, and only then runs the real check
// (signature, scope, expiry, and the session row) against that pool.
// The peek never authorizes anything by itself.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header with Bearer token is required",
			})
		}

		// Try admin key first.
		if token == s.cfg.AdminKey {
			c.Set(authContextKey, &authContext{IsAdmin: true})
			return next(c)
		}

		ctx := c.Request().Context()
		pool, _, err := s.poolForToken(ctx, token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidToken",
				"message": "Invalid or expired access token",
			})
		}

		did, err := s.sessions.ValidateAccess(ctx, pool, token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidToken",
				"message": "Invalid or expired access token",
			})
		}

		c.Set(authContextKey, &authContext{DID: did})
		return next(c)
	}
}

// requireRefresh is middleware that resolves the tenant pool for a
// Bearer refresh token from its unverified subject claim and sets
// authContext on the request. It does not verify the token: the
// handler's session.Manager call does that against the pool.
func (s *Server) requireRefresh(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractBearer(c)
		if token == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header with Bearer token is required",
			})
		}

		ctx := c.Request().Context()
		pool, did, err := s.poolForToken(ctx, token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidToken",
				"message": "Invalid or expired refresh token",
			})
		}

		c.Set(authContextKey, &authContext{DID: did})
		c.Set(refreshPoolKey, pool)
		return next(c)
	}
}

// poolForToken resolves the tenant pool a bearer token's claimed
// subject belongs to, ahead of fully validating the token against that
// pool's session table. Returns the DID it peeked, purely so callers
// that already need it (requireRefresh) don't have to re-parse.
func (s *Server) poolForToken(ctx context.Context, token string) (*pgxpool.Pool, string, error) {
	did, err := auth.PeekSubject(token)
	if err != nil {
		return nil, "", err
	}
	pool, _, err := s.poolForDID(ctx, did)
	if err != nil {
		return nil, "", err
	}
	return pool, did, nil
}

// refreshPoolKey stores the tenant pool resolved by requireRefresh so
// handleRefreshSession doesn't have to look it up a second time.
const refreshPoolKey = "refreshPool"

// getRefreshPool retrieves the pool set by requireRefresh.
func getRefreshPool(c echo.Context) *pgxpool.Pool {
	if p, ok := c.Get(refreshPoolKey).(*pgxpool.Pool); ok {
		return p
	}
	return nil
}

// extractBearer extracts the Bearer token from the Authorization header.
func extractBearer(c echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// Start begins listening for HTTP requests. It blocks until the context
// is cancelled, then performs a graceful shutdown allowing in-flight
// requests to complete.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Listening on %s", s.cfg.ListenAddr)
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("Shutting down HTTP server...")
		return s.echo.Shutdown(context.Background())
	}
}

// adminAuth is middleware that validates the Authorization header against
// the configured admin key. Management API endpoints are protected by
// this middleware.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get("Authorization")
		if auth == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header is required",
			})
		}

		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "InvalidAuth",
				"message": "Authorization header must use Bearer scheme",
			})
		}

		if auth[len(prefix):] != s.cfg.AdminKey {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error":   "Forbidden",
				"message": "Invalid admin key",
			})
		}

		return next(c)
	}
}
