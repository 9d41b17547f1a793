package questions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/righttoaskorg/right-to-ask-server/internal/apierr"
	"github.com/righttoaskorg/right-to-ask-server/internal/signing"
)

// BadgeChecker lets the questions package ask identity whether a user may
// speak for a given MP, without importing identity directly.
type BadgeChecker interface {
	HasValidMPOrStafferBadge(ctx context.Context, userID int64, mp string) (bool, error)
}

// NewAnswerRequest is the parsed body of an answer-attachment command.
type NewAnswerRequest struct {
	QuestionID QuestionID `json:"question_id"`
	MPHat      string     `json:"mp"`
	Text       string     `json:"text"`
}

// NewAnswer attaches an answer to a question. The author must hold a
// valid MP or MPStaffer badge for the MP they claim to speak for (their
// "hat"). The answer's version is the hash of its own creation leaf.
func (s *Store) NewAnswer(ctx context.Context, authorUserID int64, badges BadgeChecker, rawCommand []byte, req NewAnswerRequest) (*Answer, signing.Envelope, error) {
	var zero signing.Envelope

	q, err := s.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return nil, zero, err
	}
	if !q.CanOthersSetWhoShouldAnswer {
		answerer := answererFor(q)
		if answerer == nil || *answerer != req.MPHat {
			return nil, zero, apierr.New(apierr.NotAuthorised, "this question restricts who may answer")
		}
	}

	ok, err := badges.HasValidMPOrStafferBadge(ctx, authorUserID, req.MPHat)
	if err != nil {
		return nil, zero, err
	}
	if !ok {
		return nil, zero, apierr.New(apierr.NotAuthorised, fmt.Sprintf("no valid MP/MPStaffer badge for %q", req.MPHat))
	}

	leafPayload, _ := json.Marshal(map[string]any{
		"type":        "new_answer",
		"question_id": req.QuestionID.String(),
		"command":     string(rawCommand),
	})
	leafHash, err := s.board.SubmitLeaf(ctx, leafPayload)
	if err != nil {
		return nil, zero, apierr.New(apierr.Internal, "board submit failed")
	}
	version := Version(leafHash)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, zero, apierr.New(apierr.Internal, "begin tx failed")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO answers (version, question_id, author_user_id, mp_hat, text)
		VALUES ($1,$2,$3,$4,$5)`,
		version[:], req.QuestionID[:], authorUserID, req.MPHat, req.Text)
	if err != nil {
		return nil, zero, apierr.New(apierr.Internal, "insert answer failed")
	}
	if err := recordHistory(ctx, tx, req.QuestionID, leafHash.Bytes(), "new_answer", leafPayload); err != nil {
		return nil, zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, zero, apierr.New(apierr.Internal, "commit failed")
	}

	receiptBody, _ := json.Marshal(map[string]string{"question_id": req.QuestionID.String(), "version": version.String()})
	env := s.signReceipt(receiptBody)

	return &Answer{
		Version:          version,
		QuestionID:       req.QuestionID,
		AuthorUserID:     authorUserID,
		MPHat:            req.MPHat,
		Text:             req.Text,
		CensorshipStatus: StatusNotFlagged,
	}, env, nil
}

func answererFor(q *Question) *string {
	for _, p := range q.People {
		if p.Role == RoleAnswer && p.MP != nil {
			return p.MP
		}
	}
	return nil
}

// GetAnswers lists every answer attached to a question, oldest first.
func (s *Store) GetAnswers(ctx context.Context, qid QuestionID) ([]Answer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT version, author_user_id, mp_hat, created_at, text, censorship_status
		FROM answers WHERE question_id = $1 ORDER BY created_at ASC`, qid[:])
	if err != nil {
		return nil, apierr.New(apierr.Internal, "list answers failed")
	}
	defer rows.Close()
	var out []Answer
	for rows.Next() {
		var a Answer
		var version []byte
		if err := rows.Scan(&version, &a.AuthorUserID, &a.MPHat, &a.Created, &a.Text, &a.CensorshipStatus); err != nil {
			return nil, apierr.New(apierr.Internal, "scan answer failed")
		}
		copy(a.Version[:], version)
		a.QuestionID = qid
		out = append(out, a)
	}
	return out, nil
}
