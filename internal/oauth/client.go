package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/leafhq/leaf-pds/internal/apperr"
)

// clientMetadata is the subset of the client_id document this server
// inspects: its own self-reference and registered redirect URIs.
type clientMetadata struct {
	ClientID     string   `json:"client_id"`
	RedirectURIs []string `json:"redirect_uris"`
}

// validateClientID enforces the URL-shape rules spec §4.10 requires of
// a client_id: https (or http+localhost for development clients), no
// userinfo, no fragment.
func validateClientID(clientID string) error {
	u, err := url.Parse(clientID)
	if err != nil {
		return errInvalidClient("client_id is not a valid URL")
	}
	if u.Fragment != "" {
		return errInvalidClient("client_id must not contain a fragment")
	}
	if u.User != nil {
		return errInvalidClient("client_id must not contain credentials")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopback(u.Hostname()) {
			return errInvalidClient("http client_id only allowed for localhost")
		}
	default:
		return errInvalidClient("client_id must be https (or http+localhost)")
	}
	return nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// fetchClientMetadata resolves a client_id document, serving a cached
// copy from oauth_client_metadata_cache when younger than
// ClientCacheTTL, otherwise fetching it and refreshing the cache row.
func (m *Manager) fetchClientMetadata(ctx context.Context, clientID string) (*clientMetadata, error) {
	var raw []byte
	var fetchedAt time.Time
	err := m.pool.QueryRow(ctx,
		`SELECT metadata, fetched_at FROM oauth_client_metadata_cache WHERE client_id = $1`,
		clientID,
	).Scan(&raw, &fetchedAt)
	if err == nil && time.Since(fetchedAt) < ClientCacheTTL {
		var md clientMetadata
		if jerr := json.Unmarshal(raw, &md); jerr == nil {
			return &md, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clientID, nil)
	if err != nil {
		return nil, errInvalidClient("could not build client metadata request")
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, errInvalidClient("could not fetch client metadata: " + err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, errInvalidClient("could not read client metadata")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errInvalidClient(fmt.Sprintf("client metadata fetch returned %d", resp.StatusCode))
	}

	var md clientMetadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, errInvalidClient("client metadata is not valid JSON")
	}
	if md.ClientID != clientID {
		return nil, errInvalidClient("client metadata client_id does not self-reference")
	}

	_, err = m.pool.Exec(ctx,
		`INSERT INTO oauth_client_metadata_cache (client_id, metadata, fetched_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (client_id) DO UPDATE SET metadata = $2, fetched_at = NOW()`,
		clientID, body,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "oauth.fetchClientMetadata", err)
	}

	return &md, nil
}

func (md *clientMetadata) hasRedirectURI(redirectURI string) bool {
	for _, r := range md.RedirectURIs {
		if r == redirectURI {
			return true
		}
	}
	return false
}

func normalizeScope(scope string) string {
	return strings.TrimSpace(scope)
}
