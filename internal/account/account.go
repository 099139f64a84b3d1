// Package account provides the data model and operations for AT Protocol
// user accounts. Accounts belong to a domain and are identified by a
// DID (decentralized identifier) and a handle (DNS-based username).
//
// Roles control what an account can do within its domain:
//   - owner: the domain admin account, auto-created with the domain
//   - admin: can manage other accounts in the same domain
//   - user:  regular account
//
// Statuses record the account's operational state:
//   - active:    normal operation
//   - suspended: set by an admin; stored and reported only
//   - disabled:  set by an admin; stored and reported only
//   - removed:   tombstone row; excluded from handle resolution
//
// A status change only updates the row: it does not delete the
// account's repo or blobs, block record writes, or stop firehose events.
package account

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/leafhq/leaf-pds/internal/apperr"
	"github.com/leafhq/leaf-pds/internal/database"
	"github.com/leafhq/leaf-pds/internal/handle"
	"github.com/leafhq/leaf-pds/internal/keymgr"
)

// Sentinel errors for account operations.
var (
	ErrNotFound      = errors.New("account: not found")
	ErrHandleTaken   = errors.New("account: handle already taken")
	ErrEmailTaken    = errors.New("account: email already taken")
	ErrOwnerProtected = errors.New("account: owner account cannot be modified this way")
)

// Valid roles.
const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Valid statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDisabled  = "disabled"
	StatusRemoved   = "removed"
)

// Account represents a user account hosted under a domain.
//
// SigningKey holds the account's multibase-encoded secp256k1 repo
// signing key, decrypted on read. It is never serialized to JSON — the
// only consumers are internal/repo (to sign commits) and
// internal/account itself (to build DID documents).
type Account struct {
	ID         int       `json:"id"`
	DID        string    `json:"did"`
	Handle     string    `json:"handle"`
	Email      string    `json:"email,omitempty"`
	DomainID   int       `json:"domainId"`
	Role       string    `json:"role"`
	Status     string    `json:"status"`
	SigningKey string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CreateParams holds the parameters for creating a new account.
type CreateParams struct {
	Handle          string
	Email           string
	Password        string // plaintext, will be hashed
	DomainID        int
	Role            string // defaults to "user" if empty
	ServiceEndpoint string // PDS base URL, embedded in the did:plc genesis op
}

// Store provides account CRUD operations backed by PostgreSQL.
type Store struct {
	db *database.DB
	km *keymgr.Manager
}

// NewStore creates an account Store. km encrypts/decrypts the
// signing_key column at rest; pass nil only in contexts that never
// touch signing keys (none in production use).
func NewStore(db *database.DB, km *keymgr.Manager) *Store {
	return &Store{db: db, km: km}
}

// Create inserts a new account. It generates a secp256k1 signing key,
// derives a proper did:plc identifier from it (genesis operation not
// yet submitted to the directory — see internal/identity.RegisterDID),
// hashes the password, and stores the account with its signing key
// encrypted at rest. Returns the created Account (with SigningKey set
// to the plaintext key for immediate repo initialization) and the
// did:plc genesis operation for optional directory registration.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Account, *PLCOperation, error) {
	if err := handle.Validate(p.Handle); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindValidation, "account.create", err)
	}

	signingKey, err := keymgr.GenerateSigningKey()
	if err != nil {
		return nil, nil, fmt.Errorf("account: create: %w", err)
	}

	did, op, err := GeneratePLCDID(signingKey, p.Handle, p.ServiceEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("account: create: %w", err)
	}

	hash, err := HashPassword(p.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("account: create: %w", err)
	}

	enc, err := s.km.EncryptPrivateKey(signingKey)
	if err != nil {
		return nil, nil, fmt.Errorf("account: create: %w", err)
	}

	role := p.Role
	if role == "" {
		role = RoleUser
	}

	var a Account
	err = s.db.Pool.QueryRow(ctx,
		`INSERT INTO accounts (did, handle, email, password, signing_key, domain_id, role)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, did, handle, email, domain_id, role, status, created_at, updated_at`,
		did, p.Handle, p.Email, hash, enc.Encode(), p.DomainID, role,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.DomainID, &a.Role, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("account: create %q: %w", p.Handle, err)
	}
	a.SigningKey = signingKey
	return &a, op, nil
}

// ImportParams holds the parameters for importing an account whose
// DID and signing key already exist elsewhere (migration, spec
// §4.11), as opposed to Create, which always mints a fresh did:plc
// genesis identity.
type ImportParams struct {
	DID        string
	Handle     string
	Email      string
	DomainID   int
	SigningKey string // multibase, plaintext
}

// ImportAccount inserts an account row for a DID transplanted from
// another PDS. Unlike Create, it never derives a new did:plc — the
// caller (internal/migration) has already resolved p.DID against the
// directory and is just asking this PDS to start hosting it.
//
// The migrated account has no usable password: credentials aren't
// part of a migration bundle, so login must happen via OAuth or an
// operator-initiated password reset. ImportAccount stores a random,
// never-disclosed placeholder hash so the password column's NOT NULL
// constraint is satisfied without creating a guessable credential.
func (s *Store) ImportAccount(ctx context.Context, p ImportParams) (*Account, error) {
	if err := handle.Validate(p.Handle); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "account.importAccount", err)
	}

	var randBytes [32]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return nil, fmt.Errorf("account: import: %w", err)
	}
	hash, err := HashPassword(hex.EncodeToString(randBytes[:]))
	if err != nil {
		return nil, fmt.Errorf("account: import: %w", err)
	}

	enc, err := s.km.EncryptPrivateKey(p.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("account: import: %w", err)
	}

	var a Account
	err = s.db.Pool.QueryRow(ctx,
		`INSERT INTO accounts (did, handle, email, password, signing_key, domain_id, role)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, did, handle, email, domain_id, role, status, created_at, updated_at`,
		p.DID, p.Handle, p.Email, hash, enc.Encode(), p.DomainID, RoleUser,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.DomainID, &a.Role, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("account: import %q: %w", p.Handle, err)
	}
	a.SigningKey = p.SigningKey
	return &a, nil
}

// decryptSigningKey turns the ciphertext stored in the signing_key
// column into the plaintext multibase key callers expect on Account.
// A NULL/empty column (shouldn't occur outside of tests) decrypts to
// the empty string rather than erroring.
func (s *Store) decryptSigningKey(raw sql.NullString) (string, error) {
	if !raw.Valid || raw.String == "" {
		return "", nil
	}
	ek, err := keymgr.DecodeEncryptedKey(raw.String)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "account.decryptSigningKey", err)
	}
	return s.km.DecryptPrivateKey(ek)
}

// GetByHandle returns an account by its handle.
// Returns ErrNotFound if no account matches.
func (s *Store) GetByHandle(ctx context.Context, handle string) (*Account, error) {
	var a Account
	var signingKey sql.NullString
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, did, handle, email, signing_key, domain_id, role, status, created_at, updated_at
		 FROM accounts WHERE handle = $1`,
		handle,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &signingKey, &a.DomainID, &a.Role, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("account: get by handle %q: %w", handle, err)
	}
	if a.SigningKey, err = s.decryptSigningKey(signingKey); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByDID returns an account by its DID.
// Returns ErrNotFound if no account matches.
func (s *Store) GetByDID(ctx context.Context, did string) (*Account, error) {
	var a Account
	var signingKey sql.NullString
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, did, handle, email, signing_key, domain_id, role, status, created_at, updated_at
		 FROM accounts WHERE did = $1`,
		did,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &signingKey, &a.DomainID, &a.Role, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	if err != nil {
		return nil, fmt.Errorf("account: get by did %q: %w", did, err)
	}
	if a.SigningKey, err = s.decryptSigningKey(signingKey); err != nil {
		return nil, err
	}
	return &a, nil
}

// List returns all accounts, optionally filtered by domain ID.
// Pass domainID <= 0 to list all accounts across all domains.
func (s *Store) List(ctx context.Context, domainID int) ([]Account, error) {
	var query string
	var args []any

	if domainID > 0 {
		query = `SELECT id, did, handle, email, signing_key, domain_id, role, status, created_at, updated_at
				 FROM accounts WHERE domain_id = $1 ORDER BY handle`
		args = []any{domainID}
	} else {
		query = `SELECT id, did, handle, email, signing_key, domain_id, role, status, created_at, updated_at
				 FROM accounts ORDER BY handle`
	}

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("account: list: %w", err)
	}
	defer rows.Close()

	accounts := []Account{}
	for rows.Next() {
		var a Account
		var signingKey sql.NullString
		if err := rows.Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &signingKey, &a.DomainID, &a.Role, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("account: list scan: %w", err)
		}
		if a.SigningKey, err = s.decryptSigningKey(signingKey); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateStatus changes an account's status. The owner account cannot be
// set to "removed" — use domain removal instead.
func (s *Store) UpdateStatus(ctx context.Context, handle, status string) (*Account, error) {
	// Protect owner accounts from removal.
	if status == StatusRemoved {
		existing, err := s.GetByHandle(ctx, handle)
		if err != nil {
			return nil, err
		}
		if existing.Role == RoleOwner {
			return nil, fmt.Errorf("%w: cannot remove owner account directly, remove the domain instead", ErrOwnerProtected)
		}
	}

	var a Account
	var signingKey sql.NullString
	err := s.db.Pool.QueryRow(ctx,
		`UPDATE accounts SET status = $1, updated_at = NOW()
		 WHERE handle = $2
		 RETURNING id, did, handle, email, signing_key, domain_id, role, status, created_at, updated_at`,
		status, handle,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &signingKey, &a.DomainID, &a.Role, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("account: update status %q: %w", handle, err)
	}
	if a.SigningKey, err = s.decryptSigningKey(signingKey); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateRole changes an account's role within its domain. The owner role
// cannot be assigned or removed through this method — it is set only
// during domain creation.
func (s *Store) UpdateRole(ctx context.Context, handle, role string) (*Account, error) {
	if role == RoleOwner {
		return nil, fmt.Errorf("%w: cannot promote to owner", ErrOwnerProtected)
	}

	// Prevent demoting an owner.
	existing, err := s.GetByHandle(ctx, handle)
	if err != nil {
		return nil, err
	}
	if existing.Role == RoleOwner {
		return nil, fmt.Errorf("%w: cannot change owner role", ErrOwnerProtected)
	}

	var a Account
	var signingKey sql.NullString
	err = s.db.Pool.QueryRow(ctx,
		`UPDATE accounts SET role = $1, updated_at = NOW()
		 WHERE handle = $2
		 RETURNING id, did, handle, email, signing_key, domain_id, role, status, created_at, updated_at`,
		role, handle,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &signingKey, &a.DomainID, &a.Role, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("account: update role %q: %w", handle, err)
	}
	if a.SigningKey, err = s.decryptSigningKey(signingKey); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateHandle changes an account's handle by DID (spec §4.3
// update_handle). The caller is responsible for submitting the
// matching PLC alsoKnownAs update — this only touches the local
// handle record, wrapped in apperr so the HTTP boundary can tell a bad
// handle from an already-taken one.
func (s *Store) UpdateHandle(ctx context.Context, did, newHandle string) error {
	if err := handle.Validate(newHandle); err != nil {
		return apperr.Wrap(apperr.KindValidation, "account.updateHandle", err)
	}

	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE accounts SET handle = $1, updated_at = NOW() WHERE did = $2`,
		newHandle, did)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.KindConflict, "account.updateHandle", fmt.Errorf("handle %q already taken", newHandle))
		}
		return apperr.Wrap(apperr.KindStorage, "account.updateHandle", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotFound, "account.updateHandle", fmt.Errorf("%w: %s", ErrNotFound, did))
	}
	return nil
}

// RotateSigningKey generates a fresh repo signing key for did, encrypts
// it at rest, and replaces the stored key. Returns the new plaintext
// multibase key so the caller can sign the matching PLC
// rotate_signing_key operation before the old key is forgotten.
func (s *Store) RotateSigningKey(ctx context.Context, did string) (string, error) {
	newKey, err := keymgr.GenerateSigningKey()
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "account.rotateSigningKey", err)
	}
	enc, err := s.km.EncryptPrivateKey(newKey)
	if err != nil {
		return "", apperr.Wrap(apperr.KindCrypto, "account.rotateSigningKey", err)
	}

	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE accounts SET signing_key = $1, updated_at = NOW() WHERE did = $2`,
		enc.Encode(), did)
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "account.rotateSigningKey", err)
	}
	if tag.RowsAffected() == 0 {
		return "", apperr.New(apperr.KindNotFound, "account.rotateSigningKey", fmt.Errorf("%w: %s", ErrNotFound, did))
	}
	return newKey, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (error code 23505), the same check used elsewhere at the
// HTTP boundary for duplicate-handle/email detection.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "23505")
}

// Delete permanently removes an account. Owner accounts cannot be
// deleted directly — remove the domain instead (which drops the
// domain's tenant database).
func (s *Store) Delete(ctx context.Context, handle string) error {
	existing, err := s.GetByHandle(ctx, handle)
	if err != nil {
		return err
	}
	if existing.Role == RoleOwner {
		return fmt.Errorf("%w: cannot delete owner account directly, remove the domain instead", ErrOwnerProtected)
	}

	result, err := s.db.Pool.Exec(ctx,
		`DELETE FROM accounts WHERE handle = $1`, handle)
	if err != nil {
		return fmt.Errorf("account: delete %q: %w", handle, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	return nil
}

// ResolveHandle looks up the DID for a given handle. This is used by
// the /.well-known/atproto-did endpoint. Returns DIDs for every
// account whose status is not "removed".
func (s *Store) ResolveHandle(ctx context.Context, handle string) (string, error) {
	var did string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT did FROM accounts WHERE handle = $1 AND status != 'removed'`,
		handle,
	).Scan(&did)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return "", fmt.Errorf("account: resolve handle %q: %w", handle, err)
	}
	return did, nil
}

// VerifyPassword checks the password for an account identified by
// handle. Returns the Account on success or an error if the handle is
// not found or the password doesn't match.
func (s *Store) VerifyPassword(ctx context.Context, handle, password string) (*Account, error) {
	var a Account
	var hash string
	var signingKey sql.NullString
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, did, handle, email, password, signing_key, domain_id, role, status, created_at, updated_at
		 FROM accounts WHERE handle = $1`,
		handle,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &hash, &signingKey, &a.DomainID, &a.Role, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("account: verify password %q: %w", handle, err)
	}

	if err := CheckPassword(hash, password); err != nil {
		return nil, fmt.Errorf("account: invalid password for %q", handle)
	}
	if a.SigningKey, err = s.decryptSigningKey(signingKey); err != nil {
		return nil, err
	}
	return &a, nil
}
