package questions

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/righttoaskorg/right-to-ask-server/internal/apierr"
)

// HistoryEntry is one bulletin-board leaf that touched a question. A
// censored entry keeps its position in the sequence but its content is
// replaced by a sentinel (spec section 4.3, "censored entries appear as
// sentinels").
type HistoryEntry struct {
	Sequence     int64           `json:"sequence"`
	LeafHash     string          `json:"leaf_hash"`
	Kind         string          `json:"kind"`
	Content      json.RawMessage `json:"content,omitempty"`
	Censored     bool            `json:"censored"`
	CreatedAt    time.Time       `json:"created_at"`
}

// GetHistory returns every leaf touching id in reverse chronological
// order.
func (s *Store) GetHistory(ctx context.Context, id QuestionID) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sequence, leaf_hash, kind, content_snapshot, censored, created_at
		FROM question_history WHERE question_id = $1 ORDER BY sequence DESC`, id[:])
	if err != nil {
		return nil, apierr.New(apierr.Internal, "get history failed")
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var leafHash []byte
		if err := rows.Scan(&e.Sequence, &leafHash, &e.Kind, &e.Content, &e.Censored, &e.CreatedAt); err != nil {
			return nil, apierr.New(apierr.Internal, "scan history entry failed")
		}
		e.LeafHash = hex.EncodeToString(leafHash)
		if e.Censored {
			e.Content = nil
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CensorHistoryEntries overwrites content_snapshot for the history rows
// matching leafHashes with NULL and marks them censored, preserving their
// position. Used by the censorship engine when censor_logs=true.
func (s *Store) CensorHistoryEntries(ctx context.Context, id QuestionID, leafHashes [][]byte) error {
	if len(leafHashes) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE question_history SET censored = TRUE, content_snapshot = NULL
		WHERE question_id = $1 AND leaf_hash = ANY($2)`, id[:], leafHashes)
	if err != nil {
		return apierr.New(apierr.Internal, "censor history entries failed")
	}
	return nil
}
