// Package blob provides content-addressed blob storage for AT Protocol
// media (images, video thumbnails, etc.). Blobs are stored in the
// tenant database keyed by (did, cid), validated against a closed
// allowed-MIME set (a declared image type must also be confirmed by
// sniffing the actual bytes), and reference-counted via
// blob_refs so orphaned uploads can be swept (spec §4.6).
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"

	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/multiformats/go-multihash"

	"github.com/leafhq/leaf-pds/internal/apperr"
)

// DefaultMaxBlobSize is used when a Store is constructed without an
// explicit override (tests, or a caller that hasn't read config yet).
const DefaultMaxBlobSize = 5 * 1 << 20

// AllowedMimeTypes is the closed set blobs are validated against. An
// upload whose declared Content-Type falls outside this set is
// rejected before any bytes reach Postgres; see validateMime for how
// the declared and sniffed types are reconciled.
var AllowedMimeTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"image/gif":       true,
	"video/mp4":       true,
	"video/webm":      true,
	"application/pdf": true,
}

// ErrMimeMismatch is returned when the declared Content-Type isn't in
// AllowedMimeTypes, when a declared image type isn't confirmed by the
// sniffed content, or when the content sniffs as a different allowed
// type than the one declared.
var ErrMimeMismatch = fmt.Errorf("blob: MimeMismatch")

// BlobRef is returned after a successful upload.
type BlobRef struct {
	CID      string `json:"cid"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Store handles blob uploads, retrieval, and reference counting.
type Store struct {
	maxSize int64
}

// NewStore creates a blob Store. maxSize <= 0 falls back to
// DefaultMaxBlobSize.
func NewStore(maxSize int64) *Store {
	if maxSize <= 0 {
		maxSize = DefaultMaxBlobSize
	}
	return &Store{maxSize: maxSize}
}

// Upload reads data from r, validates its size and sniffed MIME type,
// computes a CID, and stores the blob in the tenant database. A blob
// at exactly maxSize is accepted; one byte larger is rejected (the
// spec's testable boundary for max_blob_size).
func (s *Store) Upload(ctx context.Context, pool *pgxpool.Pool, did, declaredMime string, r io.Reader) (*BlobRef, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "blob.upload", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, apperr.New(apperr.KindValidation, "blob.upload", fmt.Errorf("exceeds maximum size of %d bytes", s.maxSize))
	}

	sniffed := http.DetectContentType(data)
	mimeType, err := validateMime(declaredMime, sniffed)
	if err != nil {
		return nil, err
	}

	hash := sha256.Sum256(data)
	mh, err := multihash.Encode(hash[:], multihash.SHA2_256)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "blob.upload", err)
	}
	c := cid.NewCidV1(cid.Raw, mh)
	cidStr := c.String()

	_, err = pool.Exec(ctx,
		`INSERT INTO blobs (did, cid, mime_type, size, data)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (did, cid) DO NOTHING`,
		did, cidStr, mimeType, len(data), data,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "blob.upload", err)
	}

	return &BlobRef{
		CID:      cidStr,
		MimeType: mimeType,
		Size:     int64(len(data)),
	}, nil
}

// validateMime reconciles the client-declared Content-Type with the
// sniffed content. The declared type must be in AllowedMimeTypes and
// match the sniffed base type family (http.DetectContentType is
// imprecise about specific image/video subtypes, e.g. it reports
// "image/webp" fine but often falls back to "application/octet-stream"
// for less common containers) — so a declared image type must be
// confirmed by the sniffed bytes, while any other declared allowed type
// wins as long as sniffing doesn't positively contradict it with a
// different, also-allowed type.
func validateMime(declared, sniffed string) (string, error) {
	declared = trimParams(declared)
	sniffed = trimParams(sniffed)

	if !AllowedMimeTypes[declared] {
		return "", apperr.New(apperr.KindValidation, "blob.validateMime",
			fmt.Errorf("%w: %q is not an accepted blob type", ErrMimeMismatch, declared))
	}
	if sniffed != declared && (AllowedMimeTypes[sniffed] || bytes.HasPrefix([]byte(declared), []byte("image/"))) {
		return "", apperr.New(apperr.KindValidation, "blob.validateMime",
			fmt.Errorf("%w: declared %q but content sniffed as %q", ErrMimeMismatch, declared, sniffed))
	}
	return declared, nil
}

func trimParams(mime string) string {
	if i := bytes.IndexByte([]byte(mime), ';'); i >= 0 {
		return mime[:i]
	}
	return mime
}

// Get retrieves a blob by DID and CID. Returns the data and MIME type.
func (s *Store) Get(ctx context.Context, pool *pgxpool.Pool, did, cidStr string) ([]byte, string, error) {
	var data []byte
	var mimeType string
	err := pool.QueryRow(ctx,
		`SELECT data, mime_type FROM blobs WHERE did = $1 AND cid = $2`,
		did, cidStr,
	).Scan(&data, &mimeType)
	if err != nil {
		return nil, "", apperr.New(apperr.KindNotFound, "blob.get", fmt.Errorf("blob not found: %w", err))
	}
	return data, mimeType, nil
}

// AddRef records that recordURI embeds cidStr, incrementing its
// effective reference count. Called whenever a record referencing a
// blob is created or updated (spec §4.6's add_ref).
func (s *Store) AddRef(ctx context.Context, pool *pgxpool.Pool, did, cidStr, recordURI string) error {
	_, err := pool.Exec(ctx,
		`INSERT INTO blob_refs (did, cid, record_uri) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		did, cidStr, recordURI)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "blob.addRef", err)
	}
	return nil
}

// RemoveRef drops the (did, cid, recordURI) reference row. Called when
// a record is deleted or updated to no longer embed the blob
// (remove_ref). The blob itself is untouched — only sweep_orphans
// deletes blob data.
func (s *Store) RemoveRef(ctx context.Context, pool *pgxpool.Pool, did, cidStr, recordURI string) error {
	_, err := pool.Exec(ctx,
		`DELETE FROM blob_refs WHERE did = $1 AND cid = $2 AND record_uri = $3`,
		did, cidStr, recordURI)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "blob.removeRef", err)
	}
	return nil
}

// RefCount returns the number of records currently referencing cidStr.
func (s *Store) RefCount(ctx context.Context, pool *pgxpool.Pool, did, cidStr string) (int, error) {
	var n int
	err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM blob_refs WHERE did = $1 AND cid = $2`, did, cidStr,
	).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "blob.refCount", err)
	}
	return n, nil
}

// SweepOrphans deletes every blob row for did whose reference count
// has dropped to zero, in a single transaction, and returns the CIDs
// removed. Run by the deleteRecord handler after a record is deleted
// (internal/server/xrpc_repo.go) rather than inline on every
// remove_ref, since a
// record update can legitimately drop a ref to zero transiently
// between delete-old/insert-new statements within the same commit.
func (s *Store) SweepOrphans(ctx context.Context, pool *pgxpool.Pool, did string) ([]string, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "blob.sweepOrphans", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT cid FROM blobs b WHERE b.did = $1
		 AND NOT EXISTS (SELECT 1 FROM blob_refs r WHERE r.did = b.did AND r.cid = b.cid)`,
		did)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "blob.sweepOrphans", err)
	}
	var orphans []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			rows.Close()
			return nil, apperr.Wrap(apperr.KindStorage, "blob.sweepOrphans", err)
		}
		orphans = append(orphans, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "blob.sweepOrphans", err)
	}

	for _, c := range orphans {
		if _, err := tx.Exec(ctx, `DELETE FROM blobs WHERE did = $1 AND cid = $2`, did, c); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "blob.sweepOrphans", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "blob.sweepOrphans", err)
	}
	return orphans, nil
}

// Count returns the number of blobs stored for did, used to populate
// migration export metadata's blob_count (SPEC_FULL.md §4.11).
func (s *Store) Count(ctx context.Context, pool *pgxpool.Pool, did string) (int, error) {
	var n int
	err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM blobs WHERE did = $1`, did).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "blob.count", err)
	}
	return n, nil
}

// ExportCAR writes every blob belonging to did as a CAR v1 archive, one
// leaf per blob keyed by its own raw-codec CID. Unlike a repo CAR this
// isn't a DAG walked from a single root — the archive's root list is
// simply every blob CID it contains, since account migration (§4.11)
// needs the whole bag transferred, not a subtree reachable from one
// object.
func (s *Store) ExportCAR(ctx context.Context, pool *pgxpool.Pool, did string, w io.Writer) error {
	rows, err := pool.Query(ctx, `SELECT cid, data FROM blobs WHERE did = $1 ORDER BY cid`, did)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "blob.exportCAR", err)
	}
	defer rows.Close()

	type entry struct {
		c    cid.Cid
		data []byte
	}
	var entries []entry
	for rows.Next() {
		var cidStr string
		var data []byte
		if err := rows.Scan(&cidStr, &data); err != nil {
			return apperr.Wrap(apperr.KindStorage, "blob.exportCAR", err)
		}
		c, err := cid.Decode(cidStr)
		if err != nil {
			return apperr.Wrap(apperr.KindIntegrity, "blob.exportCAR", err)
		}
		entries = append(entries, entry{c: c, data: data})
	}
	if err := rows.Err(); err != nil {
		return apperr.Wrap(apperr.KindStorage, "blob.exportCAR", err)
	}

	roots := make([]cid.Cid, len(entries))
	for i, e := range entries {
		roots[i] = e.c
	}
	h := &car.CarHeader{Roots: roots, Version: 1}
	if err := car.WriteHeader(h, w); err != nil {
		return fmt.Errorf("blob: export car header: %w", err)
	}
	for _, e := range entries {
		if err := carutil.LdWrite(w, e.c.Bytes(), e.data); err != nil {
			return fmt.Errorf("blob: export car block %s: %w", e.c, err)
		}
	}
	return nil
}

// ImportCAR reads a CAR v1 archive in the shape ExportCAR produces and
// persists every blob it contains for did, rejecting any block whose
// bytes don't hash to its claimed CID. Returns the number of blobs
// imported.
func (s *Store) ImportCAR(ctx context.Context, pool *pgxpool.Pool, did string, r io.Reader) (int, error) {
	cr, err := car.NewCarReader(r)
	if err != nil {
		return 0, fmt.Errorf("blob: import: read car header: %w", err)
	}

	n := 0
	for {
		blk, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, fmt.Errorf("blob: import: read block: %w", err)
		}

		computed, err := blk.Cid().Prefix().Sum(blk.RawData())
		if err != nil || !computed.Equals(blk.Cid()) {
			return n, apperr.New(apperr.KindIntegrity, "blob.importCAR",
				fmt.Errorf("blob %s fails hash verification", blk.Cid()))
		}

		sniffed := http.DetectContentType(blk.RawData())
		mimeType := sniffed
		if !AllowedMimeTypes[trimParams(sniffed)] {
			mimeType = "application/octet-stream"
		}

		_, err = pool.Exec(ctx,
			`INSERT INTO blobs (did, cid, mime_type, size, data)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (did, cid) DO NOTHING`,
			did, blk.Cid().String(), mimeType, len(blk.RawData()), blk.RawData(),
		)
		if err != nil {
			return n, apperr.Wrap(apperr.KindStorage, "blob.importCAR", err)
		}
		n++
	}
	return n, nil
}
