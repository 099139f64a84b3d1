package server

import (
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafhq/leaf-pds/internal/account"
	"github.com/leafhq/leaf-pds/internal/database"
)

// tenantStore builds an account.Store bound to one tenant's pool. The
// multi-tenant architecture means there is no single global accounts
// table — every lookup has to know which domain's database to query
// first, so this is called fresh per-request rather than cached on
// Server.
func (s *Server) tenantStore(pool *pgxpool.Pool) *account.Store {
	return account.NewStore(&database.DB{Pool: pool}, s.km)
}

// extractDomainFromHandle finds the longest hosted-domain suffix of
// handle. Handles are always "<name>.<domain>", but a domain itself may
// contain dots (e.g. "1440.news"), so this can't just split on the
// first dot — it has to check candidates against the set of domains
// that actually have an open tenant pool.
func extractDomainFromHandle(handle string, pools *database.PoolManager) string {
	best := ""
	for _, d := range pools.Domains() {
		if handle == d || strings.HasSuffix(handle, "."+d) {
			if len(d) > len(best) {
				best = d
			}
		}
	}
	return best
}

// serviceEndpointForDomain returns the PDS base URL embedded in a new
// account's did:plc genesis operation and DID document service entry.
func (s *Server) serviceEndpointForDomain(domainName string) string {
	return "https://" + domainName
}
