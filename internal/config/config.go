// Package config handles loading and validating the application
// configuration from a db.json file.
//
// The configuration file is expected to be a JSON object with database
// connection details, HTTP listen address, Traefik integration settings,
// cryptographic secrets, and the closed set of OAuth/repo tuning knobs.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
)

// Default sizes, matching the closed configuration set.
const (
	DefaultMaxBlobSize   = 5 * 1 << 20 // 5 MiB
	DefaultMaxRecordSize = 150 * 1024  // 150 KiB
)

// Config holds all application configuration loaded from db.json.
// The file is read once at startup; changes require a restart.
type Config struct {
	// DBConn is the PostgreSQL host:port (e.g., "infra-postgres:5432").
	DBConn string `json:"dbConn"`

	// DBName is the PostgreSQL database name.
	DBName string `json:"dbName"`

	// DBUser is the PostgreSQL username.
	DBUser string `json:"dbUser"`

	// DBPass is the PostgreSQL password.
	DBPass string `json:"dbPass"`

	// ListenAddr is the HTTP listen address (default ":3000").
	ListenAddr string `json:"listenAddr"`

	// TraefikConfigDir is the directory where Traefik dynamic config YAML
	// files are written. Traefik's file provider should watch this directory
	// so route changes take effect automatically.
	TraefikConfigDir string `json:"traefikConfigDir"`

	// AdminKey is a shared secret for authenticating management API calls.
	// Clients send it as "Authorization: Bearer <adminKey>".
	AdminKey string `json:"adminKey"`

	// PLCEndpoint is the PLC directory URL (e.g., "https://plc.directory").
	PLCEndpoint string `json:"plcDirectoryUrl,omitempty"`

	// Hostname is the public hostname this instance is reachable at.
	Hostname string `json:"hostname"`

	// Port is the public-facing port (informational; ListenAddr governs
	// the actual bind address).
	Port int `json:"port,omitempty"`

	// ServiceURL is the externally-visible base URL of this PDS, used in
	// DID documents, OAuth issuer claims, relay announcements, and
	// migration metadata.
	ServiceURL string `json:"serviceUrl"`

	// RegistrationOpen allows account creation without an admin key.
	// Defaults to false (admin-provisioned accounts only).
	RegistrationOpen bool `json:"registrationOpen,omitempty"`

	// JWTSecret signs first-party session tokens (HS256). Must be at
	// least 32 characters; unset is fatal.
	JWTSecret string `json:"jwtSecret"`

	// KeyEncryptionSecret wraps signing/rotation keys at rest (AES-256-GCM
	// via HKDF-derived key) and the OAuth signing key (Scrypt + AES-256-GCM).
	KeyEncryptionSecret string `json:"keyEncryptionSecret"`

	// GithubClientID / GithubClientSecret are optional social-login
	// credentials. The core never drives the GitHub OAuth dance itself —
	// it only consumes the verified (provider, providerId, email) tuple —
	// but it holds these so the external collaborator can be configured
	// from the same file.
	GithubClientID     string `json:"githubClientId,omitempty"`
	GithubClientSecret string `json:"githubClientSecret,omitempty"`
	GoogleClientID     string `json:"googleClientId,omitempty"`
	GoogleClientSecret string `json:"googleClientSecret,omitempty"`

	// MaxBlobSize is the maximum accepted blob upload size, in bytes.
	MaxBlobSize int64 `json:"maxBlobSize,omitempty"`

	// MaxRecordSize is the maximum accepted DAG-CBOR record size, in bytes.
	MaxRecordSize int64 `json:"maxRecordSize,omitempty"`

	// HandleDomain is the default suffix new local handles are allocated
	// under when no domain is explicitly addressed.
	HandleDomain string `json:"handleDomain,omitempty"`
}

// Load reads and parses configuration from the given file path.
// It returns an error if the file cannot be read, parsed, or is missing
// required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.MaxBlobSize == 0 {
		cfg.MaxBlobSize = DefaultMaxBlobSize
	}
	if cfg.MaxRecordSize == 0 {
		cfg.MaxRecordSize = DefaultMaxRecordSize
	}
	if cfg.PLCEndpoint == "" {
		cfg.PLCEndpoint = "https://plc.directory"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks that all required fields are present.
func (c *Config) validate() error {
	switch {
	case c.DBConn == "":
		return fmt.Errorf("config: dbConn is required")
	case c.DBName == "":
		return fmt.Errorf("config: dbName is required")
	case c.DBUser == "":
		return fmt.Errorf("config: dbUser is required")
	case c.DBPass == "":
		return fmt.Errorf("config: dbPass is required")
	case c.TraefikConfigDir == "":
		return fmt.Errorf("config: traefikConfigDir is required")
	case c.AdminKey == "":
		return fmt.Errorf("config: adminKey is required")
	case len(c.JWTSecret) < 32:
		return fmt.Errorf("config: jwtSecret must be at least 32 characters")
	case c.KeyEncryptionSecret == "":
		return fmt.Errorf("config: keyEncryptionSecret is required")
	}
	return nil
}

// ConnString builds a PostgreSQL connection URI from the config fields.
// The password is URL-encoded to handle special characters safely.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
		url.QueryEscape(c.DBName),
	)
}

// ConnBase returns a connection string template without a database name.
// Used by PoolManager to construct per-tenant connection strings.
func (c *Config) ConnBase() string {
	return fmt.Sprintf("postgres://%s:%s@%s",
		url.QueryEscape(c.DBUser),
		url.QueryEscape(c.DBPass),
		c.DBConn,
	)
}
