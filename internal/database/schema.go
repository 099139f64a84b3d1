// Package database manages the PostgreSQL connection pool and
// bootstraps the schema on startup.
package database

// ManagementSchema contains the SQL statements for the management database
// (leaf_pds). It stores the domain registry and DID routing table.
const ManagementSchema = `
-- domains: Each row represents a domain hosted by this PDS instance.
-- Accounts are created under a domain as <handle>.<domain>.
-- db_name records the per-tenant database name for this domain.
CREATE TABLE IF NOT EXISTS domains (
    id          SERIAL PRIMARY KEY,
    domain      VARCHAR(253) UNIQUE NOT NULL,
    db_name     VARCHAR(253) NOT NULL,
    status      VARCHAR(20) NOT NULL DEFAULT 'active',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_domains_status ON domains(status);

-- did_routing: Maps DIDs to their home domain for cross-tenant lookups.
-- Populated on account creation, used for DID→domain resolution.
CREATE TABLE IF NOT EXISTS did_routing (
    did     VARCHAR(255) PRIMARY KEY,
    domain  VARCHAR(253) NOT NULL REFERENCES domains(domain) ON DELETE CASCADE
);

-- firehose_events: Sequenced event log for the com.atproto.sync.subscribeRepos
-- firehose. Each row is a CBOR-encoded commit event. The BIGSERIAL seq column
-- provides a monotonically increasing cursor for replay.
CREATE TABLE IF NOT EXISTS firehose_events (
    seq        BIGSERIAL PRIMARY KEY,
    event_type VARCHAR(20) NOT NULL,
    did        VARCHAR(255) NOT NULL,
    payload    BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_firehose_events_seq ON firehose_events(seq);

-- oauth_client_metadata_cache: cached client_id document fetches (5-minute
-- TTL enforced in application code via fetched_at).
CREATE TABLE IF NOT EXISTS oauth_client_metadata_cache (
    client_id   TEXT PRIMARY KEY,
    metadata    JSONB NOT NULL,
    fetched_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- oauth_par_requests: pushed authorization requests, 60-second expiry.
-- csrf_token/csrf_expires_at are set each time GET /oauth/authorize
-- renders the consent step (10-minute TTL, independent of the
-- PAR request's own 60-second expiry) and checked on the approve/deny
-- POST that follows.
CREATE TABLE IF NOT EXISTS oauth_par_requests (
    request_uri           VARCHAR(255) PRIMARY KEY,
    client_id             TEXT NOT NULL,
    redirect_uri          TEXT NOT NULL,
    scope                 TEXT NOT NULL,
    code_challenge        VARCHAR(128) NOT NULL,
    code_challenge_method VARCHAR(20) NOT NULL,
    dpop_jkt              VARCHAR(128),
    state                 TEXT,
    csrf_token            VARCHAR(64),
    csrf_expires_at       TIMESTAMPTZ,
    expires_at            TIMESTAMPTZ NOT NULL
);

-- oauth_auth_codes: issued authorization codes, pinned to the approving
-- user and the original PAR parameters. 10-minute expiry.
CREATE TABLE IF NOT EXISTS oauth_auth_codes (
    code                  VARCHAR(64) PRIMARY KEY,
    user_did              VARCHAR(255) NOT NULL,
    client_id             TEXT NOT NULL,
    redirect_uri          TEXT NOT NULL,
    scope                 TEXT NOT NULL,
    code_challenge        VARCHAR(128) NOT NULL,
    code_challenge_method VARCHAR(20) NOT NULL,
    dpop_jkt              VARCHAR(128),
    expires_at            TIMESTAMPTZ NOT NULL
);

-- oauth_refresh_tokens: only the SHA-256 hash of the opaque refresh token
-- is stored, per I7/I9. dpop_jkt binds the token to the client key that
-- requested it; a token request with a mismatched proof is rejected.
CREATE TABLE IF NOT EXISTS oauth_refresh_tokens (
    token_hash  VARCHAR(64) PRIMARY KEY,
    user_did    VARCHAR(255) NOT NULL,
    client_id   TEXT NOT NULL,
    scope       TEXT NOT NULL,
    dpop_jkt    VARCHAR(128),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at  TIMESTAMPTZ NOT NULL
);

-- oauth_signing_key: the PDS's ES256 OAuth signing key, generated on
-- first use and stored encrypted under the configured key-encryption
-- secret (Scrypt-derived AES-256-GCM key). Single row, id=1.
CREATE TABLE IF NOT EXISTS oauth_signing_key (
    id          SMALLINT PRIMARY KEY DEFAULT 1,
    kid         VARCHAR(64) NOT NULL,
    ciphertext  BYTEA NOT NULL,
    nonce       BYTEA NOT NULL,
    salt        BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CHECK (id = 1)
);
`

// TenantSchema contains the SQL statements for per-domain tenant databases.
// Each domain gets its own database with these tables.
const TenantSchema = `
-- accounts: User accounts hosted under a domain.
-- The handle is the user's AT Protocol identifier (e.g., "alice.1440.news").
-- The domain admin account uses the bare domain as its handle (e.g., "1440.news").
--
-- Roles:
--   owner — the domain admin account, created automatically with the domain.
--           Cannot be demoted or removed while the domain exists.
--   admin — can manage accounts within the same domain.
--   user  — regular account, can only manage itself.
--
-- Statuses:
--   active    — normal operation, fully functional.
--   suspended — admin flag; stored and reported only.
--   disabled  — admin flag; stored and reported only.
--   removed   — row kept as tombstone; excluded from handle resolution.
-- A status change does not delete the account's repo or blobs.
CREATE TABLE IF NOT EXISTS accounts (
    id          SERIAL PRIMARY KEY,
    did         VARCHAR(255) UNIQUE NOT NULL,
    handle      VARCHAR(253) UNIQUE NOT NULL,
    email       VARCHAR(255),
    password    VARCHAR(255) NOT NULL,
    signing_key VARCHAR(255),
    domain_id   INTEGER NOT NULL DEFAULT 0,
    role        VARCHAR(20) NOT NULL DEFAULT 'user',
    status      VARCHAR(20) NOT NULL DEFAULT 'active',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);

-- repo_blocks: Content-addressed blocks scoped per account.
-- Stores MST nodes, record data, and commit objects as CBOR bytes.
CREATE TABLE IF NOT EXISTS repo_blocks (
    did   VARCHAR(255) NOT NULL,
    cid   VARCHAR(255) NOT NULL,
    data  BYTEA NOT NULL,
    PRIMARY KEY (did, cid)
);

-- repo_roots: Current commit head per account repository.
CREATE TABLE IF NOT EXISTS repo_roots (
    did         VARCHAR(255) PRIMARY KEY REFERENCES accounts(did) ON DELETE CASCADE,
    commit_cid  VARCHAR(255) NOT NULL,
    rev         VARCHAR(50) NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- blobs: Content-addressed media storage for images and other binary data.
CREATE TABLE IF NOT EXISTS blobs (
    did        VARCHAR(255) NOT NULL,
    cid        VARCHAR(255) NOT NULL,
    mime_type  VARCHAR(255) NOT NULL,
    size       BIGINT NOT NULL,
    data       BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (did, cid)
);

-- blob_refs: reference counting rows linking a blob to the records that
-- embed it. A blob is eligible for sweep_orphans() once its ref count
-- drops to zero.
CREATE TABLE IF NOT EXISTS blob_refs (
    did        VARCHAR(255) NOT NULL,
    cid        VARCHAR(255) NOT NULL,
    record_uri TEXT NOT NULL,
    PRIMARY KEY (did, cid, record_uri)
);

-- sessions: PDS-internal first-party session rows (Session Authority,
-- C9). Only SHA-256 hashes of the bearer tokens are stored.
CREATE TABLE IF NOT EXISTS sessions (
    id                  SERIAL PRIMARY KEY,
    did                 VARCHAR(255) NOT NULL REFERENCES accounts(did) ON DELETE CASCADE,
    access_token_hash   VARCHAR(64) NOT NULL,
    refresh_token_hash  VARCHAR(64) UNIQUE NOT NULL,
    expires_at          TIMESTAMPTZ NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_sessions_access_hash ON sessions(access_token_hash);
CREATE INDEX IF NOT EXISTS idx_sessions_refresh_hash ON sessions(refresh_token_hash);
`
