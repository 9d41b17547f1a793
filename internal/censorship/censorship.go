package censorship

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/righttoaskorg/right-to-ask-server/internal/apierr"
	"github.com/righttoaskorg/right-to-ask-server/internal/board"
	"github.com/righttoaskorg/right-to-ask-server/internal/questions"
)

// Engine implements the moderation workflow of spec section 4.5: reports
// accumulate flags and advance a question through the state machine in
// transitions.go; a moderator's censor_question call then either hides
// the whole question (optionally its logged history) or just a subset of
// its answers, writing the decision as a signed bulletin-board leaf.
type Engine struct {
	pool      *pgxpool.Pool
	board     *board.Client
	questions *questions.Store
	log       *logrus.Logger
}

func New(pool *pgxpool.Pool, boardClient *board.Client, qs *questions.Store, log *logrus.Logger) *Engine {
	return &Engine{pool: pool, board: boardClient, questions: qs, log: log}
}

// Migrate creates the reported_reasons table. answer_version is NULL for
// a report against the question itself and non-NULL for a report against
// one of its answers; the unique index uses COALESCE so the "question
// itself" case collapses to a single sentinel value rather than allowing
// one row per NULL (Postgres treats NULLs as distinct in unique indexes).
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS reported_reasons (
			question_id BYTEA NOT NULL REFERENCES questions(id),
			answer_version BYTEA,
			reason TEXT NOT NULL,
			reporter_user_id BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_reported_reasons_unique
			ON reported_reasons (question_id, COALESCE(answer_version, '\x00'::bytea), reason, reporter_user_id)`,
	}
	for i, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("censorship migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Report records one user's flag of a question or one of its answers
// (answerVersion nil meaning the question itself), then recomputes the
// flag count as the number of distinct reporting users across the
// question and all its answers and advances the status per
// nextOnReport. Re-reporting the same target with the same reason is a
// no-op (unique index), not an error.
func (e *Engine) Report(ctx context.Context, qid questions.QuestionID, answerVersion *questions.Version, reason ReportReason, reporterUserID int64) error {
	if !reason.Valid() {
		return apierr.New(apierr.Malformed, fmt.Sprintf("unknown report reason %q", reason))
	}
	if _, err := e.questions.GetQuestion(ctx, qid); err != nil {
		return err
	}

	var answerVersionBytes []byte
	if answerVersion != nil {
		answerVersionBytes = answerVersion[:]
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return apierr.New(apierr.Internal, "begin tx failed")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO reported_reasons (question_id, answer_version, reason, reporter_user_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT DO NOTHING`,
		qid[:], answerVersionBytes, string(reason), reporterUserID)
	if err != nil {
		return apierr.New(apierr.Internal, "insert report failed")
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	var flagCount int64
	err = tx.QueryRow(ctx, `SELECT COUNT(DISTINCT reporter_user_id) FROM reported_reasons WHERE question_id = $1`, qid[:]).Scan(&flagCount)
	if err != nil {
		return apierr.New(apierr.Internal, "count flags failed")
	}

	var current questions.CensorshipStatus
	if err := tx.QueryRow(ctx, `SELECT censorship_status FROM questions WHERE id = $1`, qid[:]).Scan(&current); err != nil {
		return apierr.New(apierr.Internal, "lookup status failed")
	}
	next := nextOnReport(current)

	if _, err := tx.Exec(ctx, `UPDATE questions SET flag_count = $1, censorship_status = $2 WHERE id = $3`, flagCount, next, qid[:]); err != nil {
		return apierr.New(apierr.Internal, "update question status failed")
	}

	return tx.Commit(ctx)
}

// CensorQuestion applies a moderator's decision. It is guarded by an
// optimistic precondition on (version, numFlags): either moving on since
// the moderator last looked means their decision was made against stale
// information. justAnswerVersions, if non-empty, narrows the decision to
// those specific answers (leaving the question itself at
// StructureChanged rather than Censored/Allowed); otherwise the decision
// applies to the question as a whole.
func (e *Engine) CensorQuestion(ctx context.Context, qid questions.QuestionID, version questions.Version, numFlags int64, allow bool, justAnswerVersions []questions.Version, censorLogs bool, moderatorUserID int64) (board.Hash, error) {
	q, err := e.questions.GetQuestion(ctx, qid)
	if err != nil {
		return board.Hash{}, err
	}
	if q.Version != version || q.FlagCount != numFlags {
		return board.Hash{}, apierr.New(apierr.VersionMismatch, "question has changed since this decision was made")
	}
	if !canModerate(q.CensorshipStatus) {
		return board.Hash{}, apierr.New(apierr.NotAuthorised, fmt.Sprintf("question in status %s is not awaiting moderation", q.CensorshipStatus))
	}

	leafPayload, _ := json.Marshal(map[string]any{
		"type":         "censor_question",
		"question_id":  qid.String(),
		"allow":        allow,
		"just_answers": versionStrings(justAnswerVersions),
		"censor_logs":  censorLogs,
		"moderator":    moderatorUserID,
	})
	leafHash, err := e.board.SubmitLeaf(ctx, leafPayload)
	if err != nil {
		return board.Hash{}, apierr.New(apierr.Internal, "board submit failed")
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return board.Hash{}, apierr.New(apierr.Internal, "begin tx failed")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(justAnswerVersions) > 0 {
		status := questions.StatusCensored
		if allow {
			status = questions.StatusAllowed
		}
		for _, av := range justAnswerVersions {
			if _, err := tx.Exec(ctx, `UPDATE answers SET censorship_status = $1 WHERE version = $2 AND question_id = $3`,
				status, av[:], qid[:]); err != nil {
				return board.Hash{}, apierr.New(apierr.Internal, "update answer status failed")
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE questions SET censorship_status = $1 WHERE id = $2`,
			questions.StatusStructureChanged, qid[:]); err != nil {
			return board.Hash{}, apierr.New(apierr.Internal, "update question status failed")
		}
	} else {
		status := questions.StatusCensored
		if allow {
			status = questions.StatusAllowed
		}
		if _, err := tx.Exec(ctx, `UPDATE questions SET censorship_status = $1 WHERE id = $2`, status, qid[:]); err != nil {
			return board.Hash{}, apierr.New(apierr.Internal, "update question status failed")
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO question_history (question_id, leaf_hash, kind, content_snapshot)
		VALUES ($1,$2,'censor_question',$3)`, qid[:], leafHash.Bytes(), leafPayload); err != nil {
		return board.Hash{}, apierr.New(apierr.Internal, "record history failed")
	}

	if err := tx.Commit(ctx); err != nil {
		return board.Hash{}, apierr.New(apierr.Internal, "commit failed")
	}

	if censorLogs && !allow {
		hashes, err := e.priorLeafHashes(ctx, qid)
		if err != nil {
			return leafHash, err
		}
		if err := e.questions.CensorHistoryEntries(ctx, qid, hashes); err != nil {
			return leafHash, err
		}
	}

	return leafHash, nil
}

// ReportedReason is one row of the reported_reasons table, exposed for
// get_reasons_reported.
type ReportedReason struct {
	Reason         ReportReason `json:"reason"`
	AnswerVersion  *string      `json:"answer_version,omitempty"`
	ReporterUserID int64        `json:"reporter_user_id"`
}

// ReasonsReported lists every report filed against a question or its
// answers, for the get_reasons_reported endpoint.
func (e *Engine) ReasonsReported(ctx context.Context, qid questions.QuestionID) ([]ReportedReason, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT reason, answer_version, reporter_user_id FROM reported_reasons WHERE question_id = $1 ORDER BY created_at ASC`, qid[:])
	if err != nil {
		return nil, apierr.New(apierr.Internal, "list reported reasons failed")
	}
	defer rows.Close()
	var out []ReportedReason
	for rows.Next() {
		var rr ReportedReason
		var av []byte
		if err := rows.Scan(&rr.Reason, &av, &rr.ReporterUserID); err != nil {
			return nil, apierr.New(apierr.Internal, "scan reported reason failed")
		}
		if av != nil {
			hexStr := fmt.Sprintf("%x", av)
			rr.AnswerVersion = &hexStr
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

// GetReportedQuestions lists every question currently awaiting moderation
// attention: anything with at least one flag, or any non-NotFlagged
// status (covers StructureChanged, which accrues no flags of its own but
// still belongs on the moderator's queue per the status machine in
// transitions.go). This is the listing surface for get_reported_questions,
// distinct from get_reasons_reported's per-question detail.
func (e *Engine) GetReportedQuestions(ctx context.Context) ([]questions.Question, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT id FROM questions
		WHERE flag_count > 0 OR censorship_status <> $1
		ORDER BY created_at ASC`, string(questions.StatusNotFlagged))
	if err != nil {
		return nil, apierr.New(apierr.Internal, "list reported questions failed")
	}
	defer rows.Close()
	var ids [][]byte
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, apierr.New(apierr.Internal, "scan reported question id failed")
		}
		ids = append(ids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.New(apierr.Internal, "list reported questions failed")
	}

	out := make([]questions.Question, 0, len(ids))
	for _, b := range ids {
		var id questions.QuestionID
		copy(id[:], b)
		q, err := e.questions.GetQuestion(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, *q)
	}
	return out, nil
}

func (e *Engine) priorLeafHashes(ctx context.Context, qid questions.QuestionID) ([][]byte, error) {
	rows, err := e.pool.Query(ctx, `SELECT leaf_hash FROM question_history WHERE question_id = $1 AND kind <> 'censor_question'`, qid[:])
	if err != nil {
		return nil, apierr.New(apierr.Internal, "query history failed")
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var h []byte
		if err := rows.Scan(&h); err != nil {
			return nil, apierr.New(apierr.Internal, "scan history failed")
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func versionStrings(vs []questions.Version) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

// ErrNoRows is re-exported for callers distinguishing "not found" without
// importing pgx directly.
var ErrNoRows = pgx.ErrNoRows
