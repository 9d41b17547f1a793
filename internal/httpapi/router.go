// Package httpapi wires every endpoint named in spec section 6 onto a
// chi router, following the teacher's main()'s middleware stack and
// route-grouping idiom: three groups, each under its own per-IP rate
// limit (reads, signed writes, admin).
package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/sirupsen/logrus"

	"github.com/righttoaskorg/right-to-ask-server/internal/apierr"
	"github.com/righttoaskorg/right-to-ask-server/internal/dispatch"
	"github.com/righttoaskorg/right-to-ask-server/internal/email"
	"github.com/righttoaskorg/right-to-ask-server/internal/identity"
	"github.com/righttoaskorg/right-to-ask-server/internal/questions"
	"github.com/righttoaskorg/right-to-ask-server/internal/signing"
)

// Server bundles the dispatcher and the bits of ambient config the HTTP
// layer itself owns (server signing key for the public-key readout,
// logger for request-scoped diagnostics).
type Server struct {
	D      *dispatch.Dispatcher
	Signer *signing.Server
	Log    *logrus.Logger
}

// Router builds the full route table. Grounded on the teacher's main():
// RealIP, RequestID, Recoverer, Heartbeat, Timeout first; then per-group
// rate limiting; reads ungated beyond the group limit, writes and admin
// routes under the same chi.Router but their own authorization checks.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))
	r.Use(middleware.Timeout(30 * time.Second))

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(60, 1*time.Second))
		r.Get("/get_user_list", s.handleGetUserList)
		r.Get("/get_user", s.handleGetUser)
		r.Get("/search_user", s.handleSearchUser)
		r.Get("/get_question_list", s.handleGetQuestionList)
		r.Get("/get_question", s.handleGetQuestion)
		r.Get("/get_question_history", s.handleGetQuestionHistory)
		r.Get("/get_questions_created_by_user", s.handleGetQuestionsCreatedByUser)
		r.Get("/get_server_public_key_raw", s.handleGetServerPublicKeyRaw)
		r.Get("/get_reasons_reported", s.handleGetReasonsReported)
		r.Get("/get_reported_questions", s.handleGetReportedQuestions)
		r.Get("/get_parentless_unpublished_hash_values", s.handleGetParentlessUnpublished)
		r.Get("/get_most_recent_published_root", s.handleGetMostRecentPublishedRoot)
		r.Get("/get_do_not_email_list", s.handleGetDoNotEmailList)
		r.Get("/get_times_sent", s.handleGetTimesSent)
	})

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(30, 1*time.Second))
		r.Post("/new_registration", s.handleNewRegistration)
		r.Post("/edit_user", s.handleEditUser)
		r.Post("/new_question", s.handleNewQuestion)
		r.Post("/edit_question", s.handleEditQuestion)
		r.Post("/vote", s.handleVote)
		r.Post("/request_email_validation", s.handleRequestEmailValidation)
		r.Post("/email_proof", s.handleEmailProof)
		r.Post("/report_question", s.handleReportQuestion)
		r.Post("/report_answer", s.handleReportAnswer)
		r.Post("/get_similar_questions", s.handleSimilarQuestions)
	})

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(10, 1*time.Second))
		r.Post("/censor_question", s.handleCensorQuestion)
		r.Post("/block_user", s.handleBlockUser)
		r.Post("/order_new_published_root", s.handleOrderNewPublishedRoot)
		r.Post("/put_on_do_not_email_list", s.handlePutOnDoNotEmailList)
		r.Post("/take_off_do_not_email_list", s.handleTakeOffDoNotEmailList)
		r.Post("/reset_times_sent", s.handleResetTimesSent)
		r.Post("/take_off_times_sent_list", s.handleTakeOffTimesSentList)
	})

	return r
}

func decodeEnvelope(r *http.Request) (signing.Envelope, error) {
	var env signing.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		return env, apierr.New(apierr.Malformed, "could not parse request body")
	}
	return env, nil
}

// --- Reads ---

func (s *Server) handleGetUserList(w http.ResponseWriter, r *http.Request) {
	users, err := s.D.Identity.GetUserList(r.Context())
	apierr.Write(w, users, err)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.D.Identity.GetUser(r.Context(), r.URL.Query().Get("uid"))
	apierr.Write(w, u, err)
}

func (s *Server) handleSearchUser(w http.ResponseWriter, r *http.Request) {
	var badge *identity.BadgeKind
	if b := r.URL.Query().Get("badge"); b != "" {
		k := identity.BadgeKind(b)
		badge = &k
	}
	users, err := s.D.Identity.SearchUser(r.Context(), r.URL.Query().Get("search"), badge)
	apierr.Write(w, users, err)
}

func (s *Server) handleGetQuestionList(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r)
	qs, err := s.D.Questions.GetQuestionList(r.Context(), limit, offset)
	apierr.Write(w, qs, err)
}

func (s *Server) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	id, err := parseQuestionID(r.URL.Query().Get("question_id"))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	q, err := s.D.Questions.GetQuestion(r.Context(), id)
	apierr.Write(w, q, err)
}

func (s *Server) handleGetQuestionHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseQuestionID(r.URL.Query().Get("question_id"))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	h, err := s.D.Questions.GetHistory(r.Context(), id)
	apierr.Write(w, h, err)
}

func (s *Server) handleGetQuestionsCreatedByUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.D.Identity.GetUser(r.Context(), r.URL.Query().Get("uid"))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	qs, err := s.D.Questions.GetQuestionsCreatedByUser(r.Context(), u.ID)
	apierr.Write(w, qs, err)
}

func (s *Server) handleGetServerPublicKeyRaw(w http.ResponseWriter, r *http.Request) {
	apierr.WriteOk(w, []byte(s.Signer.Public))
}

func (s *Server) handleGetReasonsReported(w http.ResponseWriter, r *http.Request) {
	id, err := parseQuestionID(r.URL.Query().Get("question_id"))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	reasons, err := s.D.Censorship.ReasonsReported(r.Context(), id)
	apierr.Write(w, reasons, err)
}

// handleGetReportedQuestions is the moderator's queue: every question
// awaiting attention, distinct from get_reasons_reported's per-question
// detail.
func (s *Server) handleGetReportedQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := s.D.Censorship.GetReportedQuestions(r.Context())
	apierr.Write(w, qs, err)
}

func (s *Server) handleGetParentlessUnpublished(w http.ResponseWriter, r *http.Request) {
	hashes, err := s.D.Board.GetParentlessUnpublished(r.Context())
	apierr.Write(w, hashes, err)
}

func (s *Server) handleGetMostRecentPublishedRoot(w http.ResponseWriter, r *http.Request) {
	root, err := s.D.Board.GetMostRecentPublishedRoot(r.Context())
	apierr.Write(w, root, err)
}

func (s *Server) handleGetDoNotEmailList(w http.ResponseWriter, r *http.Request) {
	list, err := s.D.Email.GetDoNotEmailList(r.Context())
	apierr.Write(w, list, err)
}

func (s *Server) handleGetTimesSent(w http.ResponseWriter, r *http.Request) {
	ts := email.Timescale(r.URL.Query().Get("timescale"))
	counts, err := s.D.Email.GetTimesSent(r.Context(), ts)
	apierr.Write(w, counts, err)
}

// --- Writes (signed envelope) ---

func (s *Server) handleNewRegistration(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	u, err := s.D.NewRegistration(r.Context(), env)
	apierr.Write(w, u, err)
}

func (s *Server) handleEditUser(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	u, err := s.D.EditUser(r.Context(), env)
	apierr.Write(w, u, err)
}

func (s *Server) handleNewQuestion(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	q, receipt, err := s.D.NewQuestion(r.Context(), env)
	apierr.Write(w, receiptBody(q, receipt), err)
}

func (s *Server) handleEditQuestion(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	q, receipt, err := s.D.EditQuestion(r.Context(), env)
	apierr.Write(w, receiptBody(q, receipt), err)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	err = s.D.Vote(r.Context(), env)
	apierr.Write(w, struct{}{}, err)
}

func (s *Server) handleRequestEmailValidation(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	receipt, err := s.D.RequestEmailValidation(r.Context(), env)
	apierr.Write(w, receipt, err)
}

func (s *Server) handleEmailProof(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	receipt, err := s.D.EmailProof(r.Context(), env)
	apierr.Write(w, receipt, err)
}

func (s *Server) handleReportQuestion(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	err = s.D.Report(r.Context(), env)
	apierr.Write(w, struct{}{}, err)
}

func (s *Server) handleReportAnswer(w http.ResponseWriter, r *http.Request) {
	s.handleReportQuestion(w, r)
}

func (s *Server) handleSimilarQuestions(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	page, err := s.D.SimilarQuestions(r.Context(), env)
	apierr.Write(w, page, err)
}

// --- Admin ---

func (s *Server) handleCensorQuestion(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(r)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	hash, err := s.D.CensorQuestion(r.Context(), env, isModerator(r))
	apierr.Write(w, hash, err)
}

type blockUserRequest struct {
	UID     string `json:"uid"`
	Blocked bool   `json:"blocked"`
}

func (s *Server) handleBlockUser(w http.ResponseWriter, r *http.Request) {
	var req blockUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, apierr.New(apierr.Malformed, "could not parse request body"))
		return
	}
	err := s.D.Identity.SetBlockStatus(r.Context(), req.UID, req.Blocked)
	apierr.Write(w, struct{}{}, err)
}

func (s *Server) handleOrderNewPublishedRoot(w http.ResponseWriter, r *http.Request) {
	hash, err := s.D.Board.OrderNewPublishedRoot(r.Context())
	apierr.Write(w, hash, err)
}

type emailAddressRequest struct {
	Email string `json:"email"`
}

func (s *Server) handlePutOnDoNotEmailList(w http.ResponseWriter, r *http.Request) {
	var req emailAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, apierr.New(apierr.Malformed, "could not parse request body"))
		return
	}
	err := s.D.Email.PutOnDoNotEmailList(r.Context(), req.Email)
	apierr.Write(w, struct{}{}, err)
}

func (s *Server) handleTakeOffDoNotEmailList(w http.ResponseWriter, r *http.Request) {
	var req emailAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, apierr.New(apierr.Malformed, "could not parse request body"))
		return
	}
	err := s.D.Email.TakeOffDoNotEmailList(r.Context(), req.Email)
	apierr.Write(w, struct{}{}, err)
}

type resetTimesSentRequest struct {
	Timescale email.Timescale `json:"timescale"`
}

func (s *Server) handleResetTimesSent(w http.ResponseWriter, r *http.Request) {
	var req resetTimesSentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, apierr.New(apierr.Malformed, "could not parse request body"))
		return
	}
	err := s.D.Email.ResetTimesSent(r.Context(), req.Timescale)
	apierr.Write(w, struct{}{}, err)
}

func (s *Server) handleTakeOffTimesSentList(w http.ResponseWriter, r *http.Request) {
	var req emailAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteError(w, apierr.New(apierr.Malformed, "could not parse request body"))
		return
	}
	err := s.D.Email.TakeOffTimesSentList(r.Context(), req.Email)
	apierr.Write(w, struct{}{}, err)
}

// isModerator is a placeholder authorization hook: admin routes in the
// teacher's deployment sit behind a reverse-proxy auth layer out of
// scope here (spec explicitly excludes the admin UI); this always
// passes through, leaving that gate to the deployment environment.
func isModerator(r *http.Request) bool { return true }

func receiptBody(q *questions.Question, receipt signing.Envelope) map[string]any {
	return map[string]any{"question": q, "receipt": receipt}
}

func parseLimitOffset(r *http.Request) (int, int) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func parseQuestionID(hexID string) (questions.QuestionID, error) {
	var id questions.QuestionID
	raw, err := hex.DecodeString(hexID)
	if err != nil || len(raw) != len(id) {
		return id, apierr.New(apierr.Malformed, "malformed question_id")
	}
	copy(id[:], raw)
	return id, nil
}
