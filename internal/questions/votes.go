package questions

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/righttoaskorg/right-to-ask-server/internal/apierr"
)

// Vote inserts into the ledger on a user's first vote for a question, or
// updates it on subsequent votes; total_votes and net_votes are kept in
// lock-step with the ledger write inside one transaction.
func (s *Store) Vote(ctx context.Context, qid QuestionID, userID int64, value int) error {
	if value != 1 && value != -1 {
		return apierr.New(apierr.Malformed, "vote value must be +1 or -1")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apierr.New(apierr.Internal, "begin tx failed")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var priorVal int
	var prior *int
	err = tx.QueryRow(ctx, `SELECT value FROM vote_ledger WHERE question_id = $1 AND user_id = $2`, qid[:], userID).Scan(&priorVal)
	switch err {
	case nil:
		prior = &priorVal
	case pgx.ErrNoRows:
		prior = nil
	default:
		return apierr.New(apierr.Internal, "lookup vote failed")
	}

	if prior == nil {
		if _, err := tx.Exec(ctx, `INSERT INTO vote_ledger (question_id, user_id, value) VALUES ($1,$2,$3)`, qid[:], userID, value); err != nil {
			return apierr.New(apierr.Internal, "insert vote failed")
		}
		if _, err := tx.Exec(ctx, `
			UPDATE questions SET total_votes = total_votes + 1, net_votes = net_votes + $1 WHERE id = $2`,
			value, qid[:]); err != nil {
			return apierr.New(apierr.Internal, "update vote totals failed")
		}
	} else {
		if *prior == value {
			return tx.Commit(ctx) // no-op resubmission
		}
		if _, err := tx.Exec(ctx, `UPDATE vote_ledger SET value = $1 WHERE question_id = $2 AND user_id = $3`, value, qid[:], userID); err != nil {
			return apierr.New(apierr.Internal, "update vote failed")
		}
		delta := value - *prior
		if _, err := tx.Exec(ctx, `UPDATE questions SET net_votes = net_votes + $1 WHERE id = $2`, delta, qid[:]); err != nil {
			return apierr.New(apierr.Internal, "update net votes failed")
		}
	}

	return tx.Commit(ctx)
}
