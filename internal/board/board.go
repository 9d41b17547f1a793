// Package board implements the signed, append-only bulletin board: leaf
// submission, Merkle branch combination, and published-root ordering
// (spec section 4.1). Storage is modeled on the teacher's Store type
// (pgxpool-backed, dynamic SQL in the same vein as ListEmails/
// ListMailingLists); the tree shape itself follows
// forestrie-go-merklelog/massifs' append-only peak-stack log, translated
// from blob storage onto Postgres rows.
package board

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/righttoaskorg/right-to-ask-server/internal/signing"
)

type NodeKind string

const (
	KindLeaf   NodeKind = "leaf"
	KindBranch NodeKind = "branch"
	KindRoot   NodeKind = "root"
)

// Hash is a content address: sha256 of a node's canonical bytes.
type Hash [32]byte

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

func hashOf(b []byte) Hash { return sha256.Sum256(b) }

// Node is a row of the board_node table: a leaf carries a signed payload;
// a branch combines two child hashes; a root wraps a single commitment
// hash and a monotonically increasing sequence number.
type Node struct {
	Hash      Hash
	Kind      NodeKind
	Payload   []byte // leaves only
	Signature []byte // leaves and roots: server's signature over the content
	LHS       *Hash  // branches only
	RHS       *Hash  // branches only
	Child     *Hash  // roots only
	Sequence  *int64 // roots only
}

// Client is the bulletin board client described in spec section 4.1.
// Submissions are serialised through mu to preserve chained hashes, per
// spec section 5(e).
type Client struct {
	pool   *pgxpool.Pool
	server *signing.Server
	log    *logrus.Logger

	mu sync.Mutex
}

func New(pool *pgxpool.Pool, server *signing.Server, log *logrus.Logger) *Client {
	return &Client{pool: pool, server: server, log: log}
}

// Migrate creates the board's tables. Grounded on the teacher's
// RunMetricsMigrations: an ordered slice of idempotent statements.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS board_node (
			hash BYTEA PRIMARY KEY,
			kind TEXT NOT NULL CHECK (kind IN ('leaf','branch','root')),
			payload BYTEA,
			signature BYTEA,
			lhs BYTEA REFERENCES board_node(hash),
			rhs BYTEA REFERENCES board_node(hash),
			child BYTEA REFERENCES board_node(hash),
			parent_hash BYTEA REFERENCES board_node(hash),
			sequence BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_board_node_parentless
			ON board_node (created_at) WHERE parent_hash IS NULL AND kind <> 'root'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_board_node_root_sequence
			ON board_node (sequence) WHERE kind = 'root'`,
	}
	for i, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("board migration %d: %w", i+1, err)
		}
	}
	return nil
}

// SubmitLeaf is total given a well-formed payload and idempotent on an
// exact-duplicate payload: resubmitting returns the same hash without a
// new row. The server signs the payload before it is persisted so
// verifiers can check authenticity without trusting the board.
func (c *Client) SubmitLeaf(ctx context.Context, payload []byte) (Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := hashOf(payload)
	var exists bool
	if err := c.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM board_node WHERE hash = $1)`, h.Bytes()).Scan(&exists); err != nil {
		return Hash{}, fmt.Errorf("board: check leaf exists: %w", err)
	}
	if exists {
		return h, nil
	}

	sig := c.server.SignMessage(payload)
	sigBytes := []byte(sig.Signature)

	_, err := c.pool.Exec(ctx, `
		INSERT INTO board_node (hash, kind, payload, signature)
		VALUES ($1, 'leaf', $2, $3)
		ON CONFLICT (hash) DO NOTHING`,
		h.Bytes(), payload, sigBytes)
	if err != nil {
		return Hash{}, fmt.Errorf("board: insert leaf: %w", err)
	}
	c.log.WithField("leaf", h.String()).Debug("board: leaf submitted")
	return h, nil
}

// NewBranch combines two existing child hashes into a branch node,
// idempotent on the (lhs,rhs) pair. It also marks both children as
// consumed (parent_hash set) so they drop out of the parentless set.
func (c *Client) NewBranch(ctx context.Context, lhs, rhs Hash) (Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newBranchLocked(ctx, lhs, rhs)
}

func (c *Client) newBranchLocked(ctx context.Context, lhs, rhs Hash) (Hash, error) {
	combined := append(append([]byte{}, lhs.Bytes()...), rhs.Bytes()...)
	h := hashOf(combined)

	_, err := c.pool.Exec(ctx, `
		INSERT INTO board_node (hash, kind, lhs, rhs)
		VALUES ($1, 'branch', $2, $3)
		ON CONFLICT (hash) DO NOTHING`,
		h.Bytes(), lhs.Bytes(), rhs.Bytes())
	if err != nil {
		return Hash{}, fmt.Errorf("board: insert branch: %w", err)
	}
	_, err = c.pool.Exec(ctx, `UPDATE board_node SET parent_hash = $1 WHERE hash IN ($2, $3) AND parent_hash IS NULL`,
		h.Bytes(), lhs.Bytes(), rhs.Bytes())
	if err != nil {
		return Hash{}, fmt.Errorf("board: mark branch children: %w", err)
	}
	return h, nil
}

// GetParentlessUnpublished returns the hashes of every leaf or branch not
// yet incorporated under any published root, oldest first.
func (c *Client) GetParentlessUnpublished(ctx context.Context) ([]Hash, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT hash FROM board_node
		WHERE parent_hash IS NULL AND kind <> 'root'
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("board: query parentless: %w", err)
	}
	defer rows.Close()

	var out []Hash
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var h Hash
		copy(h[:], b)
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetMostRecentPublishedRoot returns the latest root by sequence, or the
// zero hash and pgx.ErrNoRows if none has been published yet.
func (c *Client) GetMostRecentPublishedRoot(ctx context.Context) (Hash, error) {
	var b []byte
	err := c.pool.QueryRow(ctx, `
		SELECT hash FROM board_node WHERE kind = 'root' ORDER BY sequence DESC LIMIT 1`).Scan(&b)
	if err != nil {
		return Hash{}, err
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// Lookup fetches a node by hash.
func (c *Client) Lookup(ctx context.Context, h Hash) (*Node, error) {
	var n Node
	var lhs, rhs, child []byte
	var seq *int64
	err := c.pool.QueryRow(ctx, `
		SELECT kind, payload, signature, lhs, rhs, child, sequence
		FROM board_node WHERE hash = $1`, h.Bytes()).
		Scan(&n.Kind, &n.Payload, &n.Signature, &lhs, &rhs, &child, &seq)
	if err != nil {
		return nil, err
	}
	n.Hash = h
	if lhs != nil {
		var hh Hash
		copy(hh[:], lhs)
		n.LHS = &hh
	}
	if rhs != nil {
		var hh Hash
		copy(hh[:], rhs)
		n.RHS = &hh
	}
	if child != nil {
		var hh Hash
		copy(hh[:], child)
		n.Child = &hh
	}
	n.Sequence = seq
	return &n, nil
}

// OrderNewPublishedRoot folds every currently-parentless node into a
// single Merkle commitment, chains it after the previous published root
// (if any) so that leaves already under a root remain reachable under
// every subsequent root (spec invariant v: monotonicity), and records the
// result as a new signed published root.
func (c *Client) OrderNewPublishedRoot(ctx context.Context) (Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, err := c.getParentlessUnpublishedLocked(ctx)
	if err != nil {
		return Hash{}, err
	}

	prevRoot, prevErr := c.getMostRecentPublishedRootLocked(ctx)
	havePrev := prevErr == nil

	if len(pending) == 0 {
		if havePrev {
			return prevRoot, nil
		}
		return Hash{}, fmt.Errorf("board: nothing to publish and no prior root")
	}

	batch, err := c.foldLocked(ctx, pending)
	if err != nil {
		return Hash{}, err
	}

	commitment := batch
	if havePrev {
		commitment, err = c.newBranchLocked(ctx, prevRoot, batch)
		if err != nil {
			return Hash{}, err
		}
	}

	rootHash := hashOf(append([]byte("root:"), commitment.Bytes()...))
	sig := c.server.SignMessage(commitment.Bytes())

	var nextSeq int64
	err = c.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) + 1 FROM board_node WHERE kind = 'root'`).Scan(&nextSeq)
	if err != nil {
		return Hash{}, fmt.Errorf("board: next sequence: %w", err)
	}

	_, err = c.pool.Exec(ctx, `
		INSERT INTO board_node (hash, kind, child, signature, sequence)
		VALUES ($1, 'root', $2, $3, $4)
		ON CONFLICT (hash) DO NOTHING`,
		rootHash.Bytes(), commitment.Bytes(), []byte(sig.Signature), nextSeq)
	if err != nil {
		return Hash{}, fmt.Errorf("board: insert root: %w", err)
	}
	_, err = c.pool.Exec(ctx, `UPDATE board_node SET parent_hash = $1 WHERE hash = $2 AND parent_hash IS NULL`,
		rootHash.Bytes(), commitment.Bytes())
	if err != nil {
		return Hash{}, fmt.Errorf("board: mark commitment consumed: %w", err)
	}

	c.log.WithFields(logrus.Fields{"root": rootHash.String(), "sequence": nextSeq}).Info("board: published new root")
	return rootHash, nil
}

// foldLocked combines a list of pending hashes pairwise into a single
// top hash, carrying forward an odd one out unmodified to the next level
// (classic unbalanced Merkle fold).
func (c *Client) foldLocked(ctx context.Context, level []Hash) (Hash, error) {
	for len(level) > 1 {
		var next []Hash
		for i := 0; i+1 < len(level); i += 2 {
			h, err := c.newBranchLocked(ctx, level[i], level[i+1])
			if err != nil {
				return Hash{}, err
			}
			next = append(next, h)
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0], nil
}

func (c *Client) getParentlessUnpublishedLocked(ctx context.Context) ([]Hash, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT hash FROM board_node WHERE parent_hash IS NULL AND kind <> 'root' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Hash
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var h Hash
		copy(h[:], b)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (c *Client) getMostRecentPublishedRootLocked(ctx context.Context) (Hash, error) {
	var b []byte
	err := c.pool.QueryRow(ctx, `SELECT hash FROM board_node WHERE kind = 'root' ORDER BY sequence DESC LIMIT 1`).Scan(&b)
	if err != nil {
		return Hash{}, err
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// ErrNoRows is re-exported so callers can distinguish "no root yet" from a
// real failure without importing pgx directly.
var ErrNoRows = pgx.ErrNoRows
