package questions

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/righttoaskorg/right-to-ask-server/internal/apierr"
	"github.com/righttoaskorg/right-to-ask-server/internal/board"
	"github.com/righttoaskorg/right-to-ask-server/internal/signing"
)

const maxQuestionTextLen = 280

type Store struct {
	pool   *pgxpool.Pool
	board  *board.Client
	signer *signing.Server
	log    *logrus.Logger
}

func New(pool *pgxpool.Pool, boardClient *board.Client, signer *signing.Server, log *logrus.Logger) *Store {
	return &Store{pool: pool, board: boardClient, signer: signer, log: log}
}

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS questions (
			id BYTEA PRIMARY KEY,
			version BYTEA NOT NULL,
			text TEXT NOT NULL,
			background TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_modified TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			creator_user_id BIGINT NOT NULL,
			can_others_set_who_should_ask BOOLEAN NOT NULL DEFAULT TRUE,
			can_others_set_who_should_answer BOOLEAN NOT NULL DEFAULT TRUE,
			answer_accepted BOOLEAN NOT NULL DEFAULT FALSE,
			followup_of BYTEA REFERENCES questions(id),
			total_votes BIGINT NOT NULL DEFAULT 0,
			net_votes BIGINT NOT NULL DEFAULT 0,
			censorship_status TEXT NOT NULL DEFAULT 'NotFlagged',
			flag_count BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS question_people (
			question_id BYTEA NOT NULL REFERENCES questions(id),
			role TEXT NOT NULL CHECK (role IN ('ask','answer')),
			user_uid TEXT,
			mp TEXT,
			organisation TEXT,
			committee TEXT,
			minister TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS hansard_links (
			question_id BYTEA NOT NULL REFERENCES questions(id),
			url TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS answers (
			version BYTEA PRIMARY KEY,
			question_id BYTEA NOT NULL REFERENCES questions(id),
			author_user_id BIGINT NOT NULL,
			mp_hat TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			text TEXT NOT NULL,
			censorship_status TEXT NOT NULL DEFAULT 'NotFlagged'
		)`,
		`CREATE TABLE IF NOT EXISTS vote_ledger (
			question_id BYTEA NOT NULL REFERENCES questions(id),
			user_id BIGINT NOT NULL,
			value SMALLINT NOT NULL CHECK (value IN (-1, 1)),
			PRIMARY KEY (question_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS question_history (
			question_id BYTEA NOT NULL REFERENCES questions(id),
			sequence BIGSERIAL,
			leaf_hash BYTEA NOT NULL,
			answer_version BYTEA,
			kind TEXT NOT NULL,
			content_snapshot JSONB,
			censored BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (question_id, sequence)
		)`,
	}
	for i, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("questions migration %d: %w", i+1, err)
		}
	}
	return nil
}

// NewQuestionRequest is the parsed body of a new_question command.
type NewQuestionRequest struct {
	Text         string      `json:"text"`
	Background   *string     `json:"background,omitempty"`
	IsFollowupTo *QuestionID `json:"is_followup_to,omitempty"`
}

// NewQuestion hashes the defining fields to produce question_id, rejects
// duplicates, writes a bulletin-board leaf carrying the signed command,
// and returns a server-signed receipt.
func (s *Store) NewQuestion(ctx context.Context, creatorUserID int64, rawCommand []byte, req NewQuestionRequest) (*Question, signing.Envelope, error) {
	var zero signing.Envelope
	if n := utf8.RuneCountInString(req.Text); n == 0 || n > maxQuestionTextLen {
		return nil, zero, apierr.New(apierr.Malformed, fmt.Sprintf("question text must be 1-%d characters", maxQuestionTextLen))
	}

	id := ContentHash(req.Text, req.IsFollowupTo)

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM questions WHERE id = $1)`, id[:]).Scan(&exists); err != nil {
		return nil, zero, apierr.New(apierr.Internal, "existence check failed")
	}
	if exists {
		return nil, zero, apierr.New(apierr.QuestionAlreadyExists, fmt.Sprintf("question %s already exists", id))
	}

	leafPayload, _ := json.Marshal(map[string]any{
		"type":        "new_question",
		"question_id": id.String(),
		"command":     string(rawCommand),
	})
	leafHash, err := s.board.SubmitLeaf(ctx, leafPayload)
	if err != nil {
		return nil, zero, apierr.New(apierr.Internal, "board submit failed")
	}
	version := Version(leafHash)

	var followup []byte
	if req.IsFollowupTo != nil {
		followup = req.IsFollowupTo[:]
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, zero, apierr.New(apierr.Internal, "begin tx failed")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO questions (id, version, text, background, creator_user_id, followup_of)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		id[:], version[:], req.Text, req.Background, creatorUserID, followup)
	if err != nil {
		return nil, zero, apierr.New(apierr.Internal, "insert question failed")
	}
	if err := recordHistory(ctx, tx, id, leafHash.Bytes(), "new_question", leafPayload); err != nil {
		return nil, zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, zero, apierr.New(apierr.Internal, "commit failed")
	}

	receiptBody, _ := json.Marshal(map[string]string{"question_id": id.String(), "version": version.String()})
	env := s.signReceipt(receiptBody)

	q, getErr := s.GetQuestion(ctx, id)
	if getErr != nil {
		return nil, zero, getErr
	}
	return q, env, nil
}

// signReceipt signs a receipt body with the store's signer, so callers do
// not pass a signing.Server in every call signature. With no signer set it
// returns the body with an empty signature.
func (s *Store) signReceipt(body []byte) signing.Envelope {
	if s.signer == nil {
		return signing.Envelope{Message: string(body)}
	}
	return s.signer.SignMessage(body)
}

// EditQuestionRequest is the parsed body of an edit_question command.
// Pointer fields follow absent-vs-null semantics the way EditUserRequest
// does in internal/identity.
type EditQuestionRequest struct {
	QuestionID                 QuestionID `json:"question_id"`
	Version                    Version    `json:"version"`
	Text                       *string    `json:"text,omitempty"`
	Background                 *string    `json:"background,omitempty"`
	ClearBackground            bool       `json:"clear_background,omitempty"`
	MPWhoShouldAsk             *string    `json:"mp_who_should_ask_the_question,omitempty"`
	MPWhoShouldAnswer          *string    `json:"mp_who_should_answer_the_question,omitempty"`
	CanOthersSetWhoShouldAsk   *bool      `json:"can_others_set_who_should_ask,omitempty"`
	CanOthersSetWhoShouldAnswer *bool     `json:"can_others_set_who_should_answer,omitempty"`
}

// EditQuestion uses version as an optimistic-concurrency precondition:
// VersionMismatch if it no longer matches the stored value. Delegation
// permissions gate who may set the ask/answer-targeting fields.
func (s *Store) EditQuestion(ctx context.Context, editorUserID int64, rawCommand []byte, req EditQuestionRequest) (*Question, signing.Envelope, error) {
	var zero signing.Envelope
	q, err := s.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return nil, zero, err
	}
	if q.Version != req.Version {
		return nil, zero, apierr.New(apierr.VersionMismatch, "question version has moved on")
	}
	if req.Text != nil && (utf8.RuneCountInString(*req.Text) == 0 || utf8.RuneCountInString(*req.Text) > maxQuestionTextLen) {
		return nil, zero, apierr.New(apierr.Malformed, fmt.Sprintf("question text must be 1-%d characters", maxQuestionTextLen))
	}
	if (req.MPWhoShouldAsk != nil) && !q.CanOthersSetWhoShouldAsk && editorUserID != q.CreatorUserID {
		return nil, zero, apierr.New(apierr.NotAuthorised, "only the creator may set who should ask this question")
	}
	if (req.MPWhoShouldAnswer != nil) && !q.CanOthersSetWhoShouldAnswer && editorUserID != q.CreatorUserID {
		return nil, zero, apierr.New(apierr.NotAuthorised, "only the creator may set who should answer this question")
	}

	leafPayload, _ := json.Marshal(map[string]any{
		"type":        "edit_question",
		"question_id": req.QuestionID.String(),
		"prev_version": req.Version.String(),
		"command":     string(rawCommand),
	})
	leafHash, err := s.board.SubmitLeaf(ctx, leafPayload)
	if err != nil {
		return nil, zero, apierr.New(apierr.Internal, "board submit failed")
	}
	newVersion := Version(leafHash)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, zero, apierr.New(apierr.Internal, "begin tx failed")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE questions SET version = $1, last_modified = NOW() WHERE id = $2 AND version = $3`,
		newVersion[:], req.QuestionID[:], req.Version[:])
	if err != nil {
		return nil, zero, apierr.New(apierr.Internal, "update question failed")
	}
	if tag.RowsAffected() == 0 {
		return nil, zero, apierr.New(apierr.VersionMismatch, "question version has moved on")
	}

	if req.Text != nil {
		if _, err := tx.Exec(ctx, `UPDATE questions SET text = $1 WHERE id = $2`, *req.Text, req.QuestionID[:]); err != nil {
			return nil, zero, apierr.New(apierr.Internal, "update text failed")
		}
	}
	if req.ClearBackground {
		if _, err := tx.Exec(ctx, `UPDATE questions SET background = NULL WHERE id = $1`, req.QuestionID[:]); err != nil {
			return nil, zero, apierr.New(apierr.Internal, "clear background failed")
		}
	} else if req.Background != nil {
		if _, err := tx.Exec(ctx, `UPDATE questions SET background = $1 WHERE id = $2`, *req.Background, req.QuestionID[:]); err != nil {
			return nil, zero, apierr.New(apierr.Internal, "update background failed")
		}
	}
	if req.CanOthersSetWhoShouldAsk != nil {
		if _, err := tx.Exec(ctx, `UPDATE questions SET can_others_set_who_should_ask = $1 WHERE id = $2`, *req.CanOthersSetWhoShouldAsk, req.QuestionID[:]); err != nil {
			return nil, zero, apierr.New(apierr.Internal, "update delegation flag failed")
		}
	}
	if req.CanOthersSetWhoShouldAnswer != nil {
		if _, err := tx.Exec(ctx, `UPDATE questions SET can_others_set_who_should_answer = $1 WHERE id = $2`, *req.CanOthersSetWhoShouldAnswer, req.QuestionID[:]); err != nil {
			return nil, zero, apierr.New(apierr.Internal, "update delegation flag failed")
		}
	}
	if req.MPWhoShouldAsk != nil {
		if err := upsertPerson(ctx, tx, req.QuestionID, RoleAsk, "mp", *req.MPWhoShouldAsk); err != nil {
			return nil, zero, err
		}
	}
	if req.MPWhoShouldAnswer != nil {
		if err := upsertPerson(ctx, tx, req.QuestionID, RoleAnswer, "mp", *req.MPWhoShouldAnswer); err != nil {
			return nil, zero, err
		}
	}

	if err := recordHistory(ctx, tx, req.QuestionID, leafHash.Bytes(), "edit_question", leafPayload); err != nil {
		return nil, zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, zero, apierr.New(apierr.Internal, "commit failed")
	}

	receiptBody, _ := json.Marshal(map[string]string{"question_id": req.QuestionID.String(), "version": newVersion.String()})
	env := s.signReceipt(receiptBody)

	updated, getErr := s.GetQuestion(ctx, req.QuestionID)
	if getErr != nil {
		return nil, zero, getErr
	}
	return updated, env, nil
}

func upsertPerson(ctx context.Context, tx pgx.Tx, qid QuestionID, role Role, kind string, value string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM question_people WHERE question_id = $1 AND role = $2`, qid[:], string(role)); err != nil {
		return apierr.New(apierr.Internal, "clear person failed")
	}
	col := map[string]string{"mp": "mp", "organisation": "organisation", "committee": "committee", "minister": "minister", "user": "user_uid"}[kind]
	query := fmt.Sprintf(`INSERT INTO question_people (question_id, role, %s) VALUES ($1,$2,$3)`, col)
	if _, err := tx.Exec(ctx, query, qid[:], string(role), value); err != nil {
		return apierr.New(apierr.Internal, "insert person failed")
	}
	return nil
}

// GetQuestion fetches a question by id including its people and links.
func (s *Store) GetQuestion(ctx context.Context, id QuestionID) (*Question, error) {
	var q Question
	var version, followup []byte
	err := s.pool.QueryRow(ctx, `
		SELECT version, text, background, created_at, last_modified, creator_user_id,
		       can_others_set_who_should_ask, can_others_set_who_should_answer, answer_accepted,
		       followup_of, total_votes, net_votes, censorship_status, flag_count
		FROM questions WHERE id = $1`, id[:]).Scan(
		&version, &q.Text, &q.Background, &q.Created, &q.LastModified, &q.CreatorUserID,
		&q.CanOthersSetWhoShouldAsk, &q.CanOthersSetWhoShouldAnswer, &q.AnswerAccepted,
		&followup, &q.TotalVotes, &q.NetVotes, &q.CensorshipStatus, &q.FlagCount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apierr.New(apierr.QuestionNotFound, fmt.Sprintf("no such question %s", id))
		}
		return nil, apierr.New(apierr.Internal, "get question failed")
	}
	q.ID = id
	copy(q.Version[:], version)
	if followup != nil {
		var f QuestionID
		copy(f[:], followup)
		q.FollowupOf = &f
	}

	rows, err := s.pool.Query(ctx, `SELECT role, user_uid, mp, organisation, committee, minister FROM question_people WHERE question_id = $1`, id[:])
	if err != nil {
		return nil, apierr.New(apierr.Internal, "query people failed")
	}
	for rows.Next() {
		var p PersonForQuestion
		if err := rows.Scan(&p.Role, &p.UserUID, &p.MP, &p.Organisation, &p.Committee, &p.Minister); err != nil {
			rows.Close()
			return nil, apierr.New(apierr.Internal, "scan person failed")
		}
		q.People = append(q.People, p)
	}
	rows.Close()

	linkRows, err := s.pool.Query(ctx, `SELECT url FROM hansard_links WHERE question_id = $1`, id[:])
	if err != nil {
		return nil, apierr.New(apierr.Internal, "query hansard links failed")
	}
	for linkRows.Next() {
		var u string
		if err := linkRows.Scan(&u); err != nil {
			linkRows.Close()
			return nil, apierr.New(apierr.Internal, "scan hansard link failed")
		}
		q.HansardLinks = append(q.HansardLinks, u)
	}
	linkRows.Close()

	return &q, nil
}

// GetQuestionList is the offset/limit listing the spec names in section 6
// without specifying a shape for (see SPEC_FULL.md).
func (s *Store) GetQuestionList(ctx context.Context, limit, offset int) ([]Question, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM questions ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "list questions failed")
	}
	defer rows.Close()
	var ids [][]byte
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, apierr.New(apierr.Internal, "scan question id failed")
		}
		ids = append(ids, b)
	}
	out := make([]Question, 0, len(ids))
	for _, b := range ids {
		var id QuestionID
		copy(id[:], b)
		q, err := s.GetQuestion(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, *q)
	}
	return out, nil
}

// GetQuestionsCreatedByUser filters the listing to one creator.
func (s *Store) GetQuestionsCreatedByUser(ctx context.Context, userID int64) ([]Question, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM questions WHERE creator_user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "list questions by creator failed")
	}
	defer rows.Close()
	var ids [][]byte
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, apierr.New(apierr.Internal, "scan question id failed")
		}
		ids = append(ids, b)
	}
	out := make([]Question, 0, len(ids))
	for _, b := range ids {
		var id QuestionID
		copy(id[:], b)
		q, err := s.GetQuestion(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, *q)
	}
	return out, nil
}

func recordHistory(ctx context.Context, tx pgx.Tx, qid QuestionID, leafHash []byte, kind string, snapshot []byte) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO question_history (question_id, leaf_hash, kind, content_snapshot)
		VALUES ($1,$2,$3,$4)`, qid[:], leafHash, kind, snapshot)
	if err != nil {
		return apierr.New(apierr.Internal, "record history failed")
	}
	return nil
}
