// Package blockstore is the Block Store (C1): the Postgres-backed,
// content-addressed storage primitive underneath every repository.
// It owns three operations — get_many, put_many, and LoadAll (every
// block for a DID) — and guarantees put_many is all-or-nothing (I1):
// either every block in
// the batch lands, or none does. internal/repo builds the MST and
// commit logic on top of these primitives; it never talks to
// repo_blocks directly.
package blockstore

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafhq/leaf-pds/internal/apperr"
)

// Block is a single content-addressed chunk as stored in repo_blocks.
type Block struct {
	CID  cid.Cid
	Data []byte
}

// GetMany fetches every block in cids for did in a single round trip.
// Missing CIDs are simply absent from the returned map — callers that
// need to detect a short read compare len(result) against len(cids).
func GetMany(ctx context.Context, pool *pgxpool.Pool, did string, cids []cid.Cid) (map[string][]byte, error) {
	if len(cids) == 0 {
		return map[string][]byte{}, nil
	}

	keys := make([]string, len(cids))
	for i, c := range cids {
		keys[i] = c.String()
	}

	rows, err := pool.Query(ctx,
		`SELECT cid, data FROM repo_blocks WHERE did = $1 AND cid = ANY($2)`, did, keys)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "blockstore.getMany", err)
	}
	defer rows.Close()

	out := make(map[string][]byte, len(cids))
	for rows.Next() {
		var cidStr string
		var data []byte
		if err := rows.Scan(&cidStr, &data); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "blockstore.getMany", err)
		}
		out[cidStr] = data
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "blockstore.getMany", err)
	}
	return out, nil
}

// PutMany writes every block in a single Postgres transaction. Blocks
// are content-addressed and immutable, so a conflicting (did, cid) row
// is silently skipped rather than treated as an error. If any insert
// in the batch fails (e.g. a connection drop mid-transaction), the
// transaction rolls back and none of the blocks are persisted — the
// atomic all-or-nothing guarantee the spec names for put_many.
func PutMany(ctx context.Context, pool *pgxpool.Pool, did string, blocks []Block) error {
	if len(blocks) == 0 {
		return nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "blockstore.putMany", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, b := range blocks {
		batch.Queue(
			`INSERT INTO repo_blocks (did, cid, data) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			did, b.CID.String(), b.Data)
	}

	br := tx.SendBatch(ctx, batch)
	for range blocks {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return apperr.Wrap(apperr.KindStorage, "blockstore.putMany", fmt.Errorf("batch insert: %w", err))
		}
	}
	if err := br.Close(); err != nil {
		return apperr.Wrap(apperr.KindStorage, "blockstore.putMany", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.KindStorage, "blockstore.putMany", err)
	}
	return nil
}

// LoadAll returns every block stored for did, used when rebuilding an
// in-memory MST view of a repository at open time.
func LoadAll(ctx context.Context, pool *pgxpool.Pool, did string) ([]Block, error) {
	rows, err := pool.Query(ctx, `SELECT cid, data FROM repo_blocks WHERE did = $1`, did)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "blockstore.loadAll", err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var cidStr string
		var data []byte
		if err := rows.Scan(&cidStr, &data); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "blockstore.loadAll", err)
		}
		c, err := cid.Decode(cidStr)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindIntegrity, "blockstore.loadAll", fmt.Errorf("decode cid %q: %w", cidStr, err))
		}
		out = append(out, Block{CID: c, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "blockstore.loadAll", err)
	}
	return out, nil
}
