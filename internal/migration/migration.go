// Package migration implements account migration between PDS instances
// (SPEC_FULL.md §4.11): exporting a full repository and blob bundle
// with its did:plc metadata, minting a short-lived migration token the
// source PDS signs with the account's own rotation key, and importing
// that bundle into a fresh account on another PDS.
//
// The export/import boundary mirrors com.atproto.server's account
// migration flow in the AT Protocol spec: a target PDS never trusts a
// source PDS's word for it — every block is re-verified against its
// CID, and the migration token is re-verified against the exported
// metadata's own rotation keys, not against whatever the importer's
// caller claims.
package migration

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafhq/leaf-pds/internal/account"
	"github.com/leafhq/leaf-pds/internal/apperr"
	"github.com/leafhq/leaf-pds/internal/blob"
	"github.com/leafhq/leaf-pds/internal/database"
	"github.com/leafhq/leaf-pds/internal/handle"
	"github.com/leafhq/leaf-pds/internal/identity"
	"github.com/leafhq/leaf-pds/internal/keymgr"
	"github.com/leafhq/leaf-pds/internal/repo"
)

// MigrationTokenTTL is how long a generated migration token remains
// valid, per spec §4.11.
const MigrationTokenTTL = 24 * time.Hour

// MetadataVersion is the current Metadata schema version.
const MetadataVersion = 1

// ExportOptions controls what Export includes in the bundle.
type ExportOptions struct {
	IncludeBlobs bool
	// IncludePlaintextKeys, if set, includes the account's decrypted
	// signing key in Metadata so the target PDS can re-encrypt it
	// under its own key-encryption secret without either PDS sharing
	// that secret. Off by default — most transfers instead rely on the
	// target PDS generating a fresh signing key and submitting a
	// rotate_signing_key operation after import.
	IncludePlaintextKeys bool
}

// Metadata describes an exported account, independent of the repo and
// blob CAR payloads (spec §4.11).
type Metadata struct {
	Version      int       `json:"version"`
	ExportedAt   time.Time `json:"exportedAt"`
	SourcePDS    string    `json:"sourcePds"`
	DID          string    `json:"did"`
	Handle       string    `json:"handle"`
	SigningKey   string    `json:"signingKey,omitempty"` // multibase, only if IncludePlaintextKeys
	RotationKeys []string  `json:"rotationKeys"`
	RepoHead     string    `json:"repoHead"`
	RepoRev      string    `json:"repoRev"`
	RecordCount  int       `json:"recordCount"`
	BlobCount    int       `json:"blobCount"`
	CommitCount  int       `json:"commitCount"`
}

// Bundle is the full export payload: metadata plus the repo's CAR
// archive and, when requested, a blob CAR archive.
type Bundle struct {
	Metadata Metadata
	RepoCAR  []byte
	BlobCAR  []byte // nil when ExportOptions.IncludeBlobs is false
}

// TokenClaims is the decoded payload of a migration token.
type TokenClaims struct {
	Type      string    `json:"type"`
	DID       string    `json:"did"`
	SourcePDS string    `json:"sourcePds"`
	TargetPDS string    `json:"targetPds"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Service orchestrates account export and import across the repo and
// blob stores, plus the did:plc directory. Unlike account.Store (bound
// to one tenant pool at construction), Service spans every tenant — a
// migration can move an account between two different hosted domains
// — so it builds a tenant-scoped account.Store per call from whatever
// pool the caller hands it, the same pattern internal/server's
// tenantStore uses.
type Service struct {
	repos       *repo.Manager
	blobs       *blob.Store
	km          *keymgr.Manager
	plcEndpoint string
}

// NewService constructs a migration Service.
func NewService(repos *repo.Manager, blobs *blob.Store, km *keymgr.Manager, plcEndpoint string) *Service {
	return &Service{repos: repos, blobs: blobs, km: km, plcEndpoint: plcEndpoint}
}

func (s *Service) tenantAccounts(pool *pgxpool.Pool) *account.Store {
	return account.NewStore(&database.DB{Pool: pool}, s.km)
}

// countRecords walks every collection in a repo and sums its record
// count, paging through ListRecords (which caps a single page at 100)
// rather than trusting a single oversized limit to return everything.
func (s *Service) countRecords(ctx context.Context, pool *pgxpool.Pool, did string) (int, error) {
	collections, err := s.repos.DescribeRepo(ctx, pool, did)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, c := range collections {
		cursor := ""
		for {
			entries, next, err := s.repos.ListRecords(ctx, pool, did, c, 100, cursor, false)
			if err != nil {
				return 0, fmt.Errorf("count records in %s: %w", c, err)
			}
			total += len(entries)
			if next == "" {
				break
			}
			cursor = next
		}
	}
	return total, nil
}

// Export builds a full migration bundle for did: did:plc metadata, the
// repo as a CAR archive, and — if opts.IncludeBlobs — every blob the
// account owns as a second CAR archive.
func (s *Service) Export(ctx context.Context, pool *pgxpool.Pool, did, sourcePDS string, opts ExportOptions) (*Bundle, error) {
	acct, err := s.tenantAccounts(pool).GetByDID(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("migration: export: %w", err)
	}

	privKey, err := repo.ParseKey(acct.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("migration: export: parse signing key: %w", err)
	}
	pubKey, err := privKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("migration: export: derive public key: %w", err)
	}

	repoHead, repoRev, err := s.repos.GetRoot(ctx, pool, did)
	if err != nil {
		return nil, fmt.Errorf("migration: export: %w", err)
	}

	recordCount, err := s.countRecords(ctx, pool, did)
	if err != nil {
		return nil, fmt.Errorf("migration: export: %w", err)
	}

	blobCount := 0
	if opts.IncludeBlobs {
		blobCount, err = s.blobs.Count(ctx, pool, did)
		if err != nil {
			return nil, fmt.Errorf("migration: export: %w", err)
		}
	}

	meta := Metadata{
		Version:      MetadataVersion,
		ExportedAt:   time.Now().UTC(),
		SourcePDS:    sourcePDS,
		DID:          did,
		Handle:       acct.Handle,
		RotationKeys: []string{pubKey.DIDKey()},
		RepoHead:     repoHead,
		RepoRev:      repoRev,
		RecordCount:  recordCount,
		BlobCount:    blobCount,
		// No commit-history table is kept — only the current head is
		// stored, so commit_count can only ever report the one commit
		// a fresh import will reconstruct from, not the source
		// account's full history length.
		CommitCount: 1,
	}
	if opts.IncludePlaintextKeys {
		meta.SigningKey = acct.SigningKey
	}

	var repoBuf bytes.Buffer
	if err := s.repos.ExportRepo(ctx, pool, did, &repoBuf); err != nil {
		return nil, fmt.Errorf("migration: export: %w", err)
	}

	bundle := &Bundle{Metadata: meta, RepoCAR: repoBuf.Bytes()}

	if opts.IncludeBlobs {
		var blobBuf bytes.Buffer
		if err := s.blobs.ExportCAR(ctx, pool, did, &blobBuf); err != nil {
			return nil, fmt.Errorf("migration: export: %w", err)
		}
		bundle.BlobCAR = blobBuf.Bytes()
	}

	return bundle, nil
}

// GenerateMigrationToken mints a migration token authorizing did to
// move from sourcePDS to targetPDS, signed with the account's own
// rotation (== repo signing) key, expiring after MigrationTokenTTL.
// The token has three base64url segments — header.payload.signature —
// mirroring the JWT shape the rest of this codebase already uses for
// bearer tokens (internal/auth, internal/oauth), though the signature
// here is a raw secp256k1 signature over "header.payload", not a
// registered JWT alg.
func (s *Service) GenerateMigrationToken(ctx context.Context, pool *pgxpool.Pool, did, sourcePDS, targetPDS string) (string, error) {
	acct, err := s.tenantAccounts(pool).GetByDID(ctx, did)
	if err != nil {
		return "", fmt.Errorf("migration: generate token: %w", err)
	}
	privKey, err := repo.ParseKey(acct.SigningKey)
	if err != nil {
		return "", fmt.Errorf("migration: generate token: parse signing key: %w", err)
	}

	claims := TokenClaims{
		Type:      "account_migration",
		DID:       did,
		SourcePDS: sourcePDS,
		TargetPDS: targetPDS,
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(MigrationTokenTTL),
	}
	return signToken(claims, privKey)
}

func signToken(claims TokenClaims, privKey atcrypto.PrivateKeyExportable) (string, error) {
	header := map[string]string{"alg": "ES256K", "typ": "migration+jws"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("migration: encode token header: %w", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("migration: encode token payload: %w", err)
	}

	signingInput := b64(headerJSON) + "." + b64(payloadJSON)
	sig, err := privKey.HashAndSign([]byte(signingInput))
	if err != nil {
		return "", fmt.Errorf("migration: sign token: %w", err)
	}
	return signingInput + "." + b64(sig), nil
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

// VerifyMigrationToken parses and verifies token: the signature must
// validate against one of rotationKeys (the did:key values from the
// exported Metadata, not from the importer's own say-so), the claimed
// type must be account_migration, the token must not be expired, and
// did/targetPDS must match what the importer expects.
func VerifyMigrationToken(token, expectDID, expectTargetPDS string, rotationKeys []string) (*TokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, apperr.New(apperr.KindValidation, "migration.verifyToken", fmt.Errorf("malformed migration token"))
	}
	headerB64, payloadB64, sigB64 := parts[0], parts[1], parts[2]

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "migration.verifyToken", fmt.Errorf("bad token payload encoding"))
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, apperr.New(apperr.KindValidation, "migration.verifyToken", fmt.Errorf("bad token signature encoding"))
	}

	var claims TokenClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return nil, apperr.New(apperr.KindValidation, "migration.verifyToken", fmt.Errorf("bad token payload: %w", err))
	}

	if claims.Type != "account_migration" {
		return nil, apperr.New(apperr.KindValidation, "migration.verifyToken", fmt.Errorf("unexpected token type %q", claims.Type))
	}
	if claims.DID != expectDID {
		return nil, apperr.New(apperr.KindValidation, "migration.verifyToken", fmt.Errorf("token was issued for a different DID"))
	}
	if claims.TargetPDS != expectTargetPDS {
		return nil, apperr.New(apperr.KindValidation, "migration.verifyToken", fmt.Errorf("token's target PDS does not match this server"))
	}
	if time.Now().UTC().After(claims.ExpiresAt) {
		return nil, apperr.New(apperr.KindValidation, "migration.verifyToken", fmt.Errorf("migration token expired"))
	}

	signingInput := headerB64 + "." + payloadB64
	verified := false
	var lastErr error
	for _, didKey := range rotationKeys {
		pubKey, err := atcrypto.ParsePublicDIDKey(didKey)
		if err != nil {
			lastErr = err
			continue
		}
		if err := pubKey.HashAndVerify([]byte(signingInput), sig); err == nil {
			verified = true
			break
		} else {
			lastErr = err
		}
	}
	if !verified {
		return nil, apperr.New(apperr.KindAuth, "migration.verifyToken", fmt.Errorf("signature does not match any rotation key: %w", lastErr))
	}

	return &claims, nil
}

// ImportOptions controls how Import reconciles the incoming bundle
// with the target domain's existing accounts and DID directory state.
type ImportOptions struct {
	MigrationToken    string
	ForceHandleChange bool
	SkipDIDUpdate     bool
}

// ImportResult summarizes what Import did.
type ImportResult struct {
	DID             string
	Handle          string
	RecordsImported int
	BlobsImported   int
	Warnings        []string
}

// ErrAlreadyExists is returned when the target already has an account
// under the migrating DID.
var ErrAlreadyExists = fmt.Errorf("migration: account already exists on this server")

// Import reconstructs an account from a previously exported bundle
// into domainID/pool, following spec §4.11's import sequence: reject
// if the DID is already hosted here, verify the migration token (when
// provided), confirm the DID still resolves, allocate a non-colliding
// handle, decode and verify the repo (and optional blob) CAR, persist
// everything, and — unless SkipDIDUpdate — sign and submit a
// did:plc update_pds pointing the identity at serviceEndpoint.
func (s *Service) Import(ctx context.Context, pool *pgxpool.Pool, domainID int, domainName, serviceEndpoint string, meta Metadata, repoCAR, blobCAR []byte, opts ImportOptions) (*ImportResult, error) {
	if len(meta.RotationKeys) == 0 {
		return nil, apperr.New(apperr.KindValidation, "migration.import", fmt.Errorf("metadata has no rotation keys"))
	}

	accounts := s.tenantAccounts(pool)

	if _, err := accounts.GetByDID(ctx, meta.DID); err == nil {
		return nil, apperr.New(apperr.KindConflict, "migration.import", ErrAlreadyExists)
	} else if !errors.Is(err, account.ErrNotFound) {
		return nil, fmt.Errorf("migration: import: %w", err)
	}

	var warnings []string

	if opts.MigrationToken != "" {
		if _, err := VerifyMigrationToken(opts.MigrationToken, meta.DID, serviceEndpoint, meta.RotationKeys); err != nil {
			return nil, apperr.New(apperr.KindAuth, "migration.import", fmt.Errorf("migration token verification failed: %w", err))
		}
	} else {
		warnings = append(warnings, "no migration token presented; proceeding on operator authority alone")
	}

	if _, err := identity.ResolveDID(ctx, s.plcEndpoint, meta.DID); err != nil {
		return nil, apperr.New(apperr.KindDirectory, "migration.import", fmt.Errorf("source DID does not resolve: %w", err))
	}

	existsFn := func(ctx context.Context, h string) (bool, error) {
		_, err := accounts.GetByHandle(ctx, h)
		if err != nil {
			if errors.Is(err, account.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	taken, err := existsFn(ctx, meta.Handle)
	if err != nil {
		return nil, fmt.Errorf("migration: import: %w", err)
	}

	finalHandle := meta.Handle
	if opts.ForceHandleChange || taken {
		base := handle.GenerateBase(localPart(meta.Handle))
		finalHandle, err = handle.Allocate(ctx, base, domainName, existsFn)
		if err != nil {
			return nil, fmt.Errorf("migration: import: allocate handle: %w", err)
		}
		if taken && !opts.ForceHandleChange {
			warnings = append(warnings, fmt.Sprintf("handle %q was already taken; reallocated to %q", meta.Handle, finalHandle))
		}
	}

	signingKey := meta.SigningKey
	if signingKey == "" {
		generated, err := keymgr.GenerateSigningKey()
		if err != nil {
			return nil, fmt.Errorf("migration: import: generate signing key: %w", err)
		}
		signingKey = generated
		warnings = append(warnings, "bundle did not include a plaintext signing key; a new local signing key was generated and must be announced with rotate_signing_key")
	}

	acct, err := accounts.ImportAccount(ctx, account.ImportParams{
		DID:        meta.DID,
		Handle:     finalHandle,
		DomainID:   domainID,
		SigningKey: signingKey,
	})
	if err != nil {
		return nil, fmt.Errorf("migration: import: %w", err)
	}

	if _, _, _, err := s.repos.ImportRepo(ctx, pool, acct.DID, bytes.NewReader(repoCAR)); err != nil {
		return nil, fmt.Errorf("migration: import: %w", err)
	}
	recordsImported, err := s.countRecords(ctx, pool, acct.DID)
	if err != nil {
		return nil, fmt.Errorf("migration: import: %w", err)
	}

	blobsImported := 0
	if len(blobCAR) > 0 {
		blobsImported, err = s.blobs.ImportCAR(ctx, pool, acct.DID, bytes.NewReader(blobCAR))
		if err != nil {
			return nil, fmt.Errorf("migration: import: %w", err)
		}
	}

	if !opts.SkipDIDUpdate {
		if err := identity.UpdatePDS(ctx, s.plcEndpoint, meta.DID, serviceEndpoint, meta.RotationKeys, meta.RotationKeys[0], finalHandle, signingKey); err != nil {
			warnings = append(warnings, fmt.Sprintf("repo and blobs imported, but the did:plc update_pds operation failed: %v; the identity still resolves to the source PDS until this is retried", err))
		}
	}

	return &ImportResult{
		DID:             acct.DID,
		Handle:          finalHandle,
		RecordsImported: recordsImported,
		BlobsImported:   blobsImported,
		Warnings:        warnings,
	}, nil
}

func localPart(fullHandle string) string {
	if i := strings.IndexByte(fullHandle, '.'); i >= 0 {
		return fullHandle[:i]
	}
	return fullHandle
}
