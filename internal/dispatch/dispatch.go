// Package dispatch implements the command envelope verification and
// routing pipeline of spec section 4.7: look up the caller's public key,
// verify their Ed25519 signature, parse the command body, apply
// component-level authorization, and execute against the matching
// component store. Each component already composes its own database
// transaction with its bulletin-board write, so dispatch's job is purely
// the verify-then-route wrapper every route shares.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/righttoaskorg/right-to-ask-server/internal/apierr"
	"github.com/righttoaskorg/right-to-ask-server/internal/board"
	"github.com/righttoaskorg/right-to-ask-server/internal/censorship"
	"github.com/righttoaskorg/right-to-ask-server/internal/email"
	"github.com/righttoaskorg/right-to-ask-server/internal/identity"
	"github.com/righttoaskorg/right-to-ask-server/internal/questions"
	"github.com/righttoaskorg/right-to-ask-server/internal/signing"
	"github.com/righttoaskorg/right-to-ask-server/internal/similarity"
)

// Dispatcher owns one instance of every component store and is the
// single entry point cmd/right_to_ask_server wires into the HTTP layer.
type Dispatcher struct {
	Identity   *identity.Store
	Questions  *questions.Store
	Censorship *censorship.Engine
	Email      *email.Store
	Board      *board.Client
	Similarity *similarity.Engine

	// RequireValidatedEmail mirrors the config file's top-level flag of
	// the same name. When set, content-creation writes (new_question,
	// new_answer) are gated on the caller having a verified email,
	// stamped by email.Store.EmailProof's AccountValidation case.
	RequireValidatedEmail bool
}

func (d *Dispatcher) requireVerifiedEmail(user *identity.User) error {
	if !d.RequireValidatedEmail {
		return nil
	}
	if user.VerifiedEmail == nil {
		return apierr.New(apierr.NotAuthorised, "a validated email is required to post")
	}
	return nil
}

// verify performs steps 1-3 of spec section 4.7 generically over the
// command shape T: look up the public key for env.User, verify the
// signature over the raw message bytes, then unmarshal the message JSON
// into a T.
func verify[T any](ctx context.Context, idStore *identity.Store, env signing.Envelope) (*identity.User, T, error) {
	var cmd T
	user, err := idStore.GetUser(ctx, env.User)
	if err != nil {
		return nil, cmd, err // already apierr.UnknownUser
	}
	if err := signing.VerifyUserCommand(user.PublicKey, env); err != nil {
		return nil, cmd, apierr.New(apierr.BadSignature, err.Error())
	}
	if err := json.Unmarshal([]byte(env.Message), &cmd); err != nil {
		return nil, cmd, apierr.New(apierr.Malformed, fmt.Sprintf("could not parse command: %v", err))
	}
	return user, cmd, nil
}

// NewRegistration verifies env against the public key embedded in the
// command itself rather than a stored one, since the user does not yet
// exist to look up (spec section 6 still lists it as a signed-envelope
// write: the caller proves possession of the private key they are
// registering).
func (d *Dispatcher) NewRegistration(ctx context.Context, env signing.Envelope) (*identity.User, error) {
	var req identity.NewRegistrationRequest
	if err := json.Unmarshal([]byte(env.Message), &req); err != nil {
		return nil, apierr.New(apierr.Malformed, fmt.Sprintf("could not parse command: %v", err))
	}
	if err := signing.VerifyUserCommand(req.PublicKey, env); err != nil {
		return nil, apierr.New(apierr.BadSignature, err.Error())
	}
	return d.Identity.NewRegistration(ctx, req)
}

// EditUser verifies env and applies a partial update to the caller's own
// record.
func (d *Dispatcher) EditUser(ctx context.Context, env signing.Envelope) (*identity.User, error) {
	user, req, err := verify[identity.EditUserRequest](ctx, d.Identity, env)
	if err != nil {
		return nil, err
	}
	return d.Identity.EditUser(ctx, user.UID, user.PublicKey, req)
}

// RequestEmailValidation verifies env and issues (or resends) a
// verification code, subject to rate limits.
func (d *Dispatcher) RequestEmailValidation(ctx context.Context, env signing.Envelope) (*email.Receipt, error) {
	user, req, err := verify[emailValidationRequest](ctx, d.Identity, env)
	if err != nil {
		return nil, err
	}
	return d.Email.RequestEmailValidation(ctx, user, req.Purpose, req.Email)
}

// emailValidationRequest is the parsed body of a request_email_validation
// command.
type emailValidationRequest struct {
	Email   string        `json:"email"`
	Purpose email.Purpose `json:"purpose"`
}

// emailProofRequest is the parsed body of an email_proof command.
type emailProofRequest struct {
	EmailID string `json:"email_id"`
	Code    string `json:"code"`
}

// EmailProof verifies env and redeems a verification code for a badge.
func (d *Dispatcher) EmailProof(ctx context.Context, env signing.Envelope) (*email.Receipt, error) {
	_, req, err := verify[emailProofRequest](ctx, d.Identity, env)
	if err != nil {
		return nil, err
	}
	return d.Email.EmailProof(ctx, d.Identity, req.EmailID, req.Code)
}

// similarQuestionsRequest is the parsed body of a similar_questions /
// get_similar_questions command.
type similarQuestionsRequest struct {
	Query similarity.Query `json:"query"`
	Page  similarity.Page  `json:"page"`
}

// SimilarQuestions verifies env and runs a ranked, paginated search.
func (d *Dispatcher) SimilarQuestions(ctx context.Context, env signing.Envelope) (*similarity.PageResult, error) {
	user, req, err := verify[similarQuestionsRequest](ctx, d.Identity, env)
	if err != nil {
		return nil, err
	}
	return d.Similarity.Search(ctx, user.ID, req.Query, req.Page)
}

// NewQuestion verifies env and creates a question on the caller's
// behalf.
func (d *Dispatcher) NewQuestion(ctx context.Context, env signing.Envelope) (*questions.Question, signing.Envelope, error) {
	var zero signing.Envelope
	user, req, err := verify[questions.NewQuestionRequest](ctx, d.Identity, env)
	if err != nil {
		return nil, zero, err
	}
	if user.Blocked {
		return nil, zero, apierr.New(apierr.Blocked, "user is blocked")
	}
	if err := d.requireVerifiedEmail(user); err != nil {
		return nil, zero, err
	}
	q, receipt, err := d.Questions.NewQuestion(ctx, user.ID, []byte(env.Message), req)
	if err == nil {
		d.Similarity.InvalidateForQuestion(q.ID)
	}
	return q, receipt, err
}

// EditQuestion verifies env and applies a version-gated edit.
func (d *Dispatcher) EditQuestion(ctx context.Context, env signing.Envelope) (*questions.Question, signing.Envelope, error) {
	var zero signing.Envelope
	user, req, err := verify[questions.EditQuestionRequest](ctx, d.Identity, env)
	if err != nil {
		return nil, zero, err
	}
	if user.Blocked {
		return nil, zero, apierr.New(apierr.Blocked, "user is blocked")
	}
	q, receipt, err := d.Questions.EditQuestion(ctx, user.ID, []byte(env.Message), req)
	if err == nil {
		d.Similarity.InvalidateForQuestion(q.ID)
	}
	return q, receipt, err
}

// NewAnswer verifies env and attaches an answer, gated on the caller
// holding the claimed MP/MPStaffer badge.
func (d *Dispatcher) NewAnswer(ctx context.Context, env signing.Envelope) (*questions.Answer, signing.Envelope, error) {
	var zero signing.Envelope
	user, req, err := verify[questions.NewAnswerRequest](ctx, d.Identity, env)
	if err != nil {
		return nil, zero, err
	}
	if user.Blocked {
		return nil, zero, apierr.New(apierr.Blocked, "user is blocked")
	}
	if err := d.requireVerifiedEmail(user); err != nil {
		return nil, zero, err
	}
	a, receipt, err := d.Questions.NewAnswer(ctx, user.ID, d.Identity, []byte(env.Message), req)
	if err == nil {
		d.Similarity.InvalidateForQuestion(req.QuestionID)
	}
	return a, receipt, err
}

// voteRequest is the parsed body of a vote command.
type voteRequest struct {
	QuestionID questions.QuestionID `json:"question_id"`
	Value      int                  `json:"value"`
}

// Vote verifies env and records the caller's vote.
func (d *Dispatcher) Vote(ctx context.Context, env signing.Envelope) error {
	user, req, err := verify[voteRequest](ctx, d.Identity, env)
	if err != nil {
		return err
	}
	if user.Blocked {
		return apierr.New(apierr.Blocked, "user is blocked")
	}
	return d.Questions.Vote(ctx, req.QuestionID, user.ID, req.Value)
}

// reportRequest is the parsed body of a report command.
type reportRequest struct {
	QuestionID    questions.QuestionID  `json:"question_id"`
	AnswerVersion *questions.Version    `json:"answer_version,omitempty"`
	Reason        censorship.ReportReason `json:"reason"`
}

// Report verifies env and records a moderation flag.
func (d *Dispatcher) Report(ctx context.Context, env signing.Envelope) error {
	user, req, err := verify[reportRequest](ctx, d.Identity, env)
	if err != nil {
		return err
	}
	if user.Blocked {
		return apierr.New(apierr.Blocked, "user is blocked")
	}
	return d.Censorship.Report(ctx, req.QuestionID, req.AnswerVersion, req.Reason, user.ID)
}

// censorQuestionRequest is the parsed body of a censor_question command,
// restricted to moderator UIDs by the caller of Dispatcher.CensorQuestion.
type censorQuestionRequest struct {
	QuestionID questions.QuestionID   `json:"question_id"`
	Version    questions.Version      `json:"version"`
	NumFlags   int64                  `json:"num_flags"`
	Allow      bool                   `json:"allow"`
	JustAnswer []questions.Version    `json:"just_answer,omitempty"`
	CensorLogs bool                   `json:"censor_logs,omitempty"`
}

// CensorQuestion verifies env and applies a moderator's decision. isModerator
// is supplied by the caller (an admin/moderator role check out of this
// package's scope, per spec section 4.7 point 4's "moderator-only" gate).
func (d *Dispatcher) CensorQuestion(ctx context.Context, env signing.Envelope, isModerator bool) (board.Hash, error) {
	if !isModerator {
		return board.Hash{}, apierr.New(apierr.NotAuthorised, "moderator badge required")
	}
	user, req, err := verify[censorQuestionRequest](ctx, d.Identity, env)
	if err != nil {
		return board.Hash{}, err
	}
	hash, err := d.Censorship.CensorQuestion(ctx, req.QuestionID, req.Version, req.NumFlags, req.Allow, req.JustAnswer, req.CensorLogs, user.ID)
	if err == nil {
		d.Similarity.InvalidateForQuestion(req.QuestionID)
	}
	return hash, err
}
