// Package email implements the email-proof subsystem (spec section 4.4):
// rate-limited code issuance, constant-time verification, and the badges
// that verification unlocks.
package email

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/righttoaskorg/right-to-ask-server/internal/apierr"
	"github.com/righttoaskorg/right-to-ask-server/internal/board"
	"github.com/righttoaskorg/right-to-ask-server/internal/identity"
	"github.com/righttoaskorg/right-to-ask-server/internal/signing"
)

// Thresholds. Spec leaves the exact numbers to implementers; these match
// the teacher's own rate-limit order of magnitude (httprate.LimitByIP(30,
// 1*time.Second) scaled to a day/month cadence).
const (
	DailyLimit   = 20
	MonthlyLimit = 200
	codeTTL      = time.Hour
)

type Timescale string

const (
	TimescaleDay   Timescale = "day"
	TimescaleMonth Timescale = "month"
)

// Receipt is the server-signed response to both request_email_validation
// (EmailSent) and email_proof (badge issuance confirmation).
type Receipt struct {
	EmailID string          `json:"email_id"`
	Badge   *identity.Badge `json:"badge,omitempty"`
	Receipt signing.Envelope `json:"receipt"`
}

type pendingProof struct {
	hash      string
	userID    int64
	email     string
	purpose   Purpose
	code      string
	createdAt time.Time
	verified  bool
	receipt   *Receipt
}

type Store struct {
	pool     *pgxpool.Pool
	board    *board.Client
	server   *signing.Server
	relay    Relay
	log      *logrus.Logger
	secret   []byte // server-only secret mixed into the pending-proof hash

	fromEmail   string
	replyTo     string
	testingOverride string
}

type Options struct {
	FromEmail       string
	ReplyTo         string
	TestingOverride string
	Secret          []byte
}

func New(pool *pgxpool.Pool, boardClient *board.Client, server *signing.Server, relay Relay, log *logrus.Logger, opts Options) *Store {
	return &Store{
		pool:            pool,
		board:           boardClient,
		server:          server,
		relay:           relay,
		log:             log,
		secret:          opts.Secret,
		fromEmail:       opts.FromEmail,
		replyTo:         opts.ReplyTo,
		testingOverride: opts.TestingOverride,
	}
}

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS email_pending_proof (
			hash TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			email TEXT NOT NULL,
			purpose_kind TEXT NOT NULL,
			purpose_mp TEXT NOT NULL DEFAULT '',
			purpose_is_staffer BOOLEAN NOT NULL DEFAULT FALSE,
			code TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			verified_at TIMESTAMPTZ,
			badge_kind TEXT,
			badge_what TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS email_rate_limit_history (
			email TEXT NOT NULL,
			timescale TEXT NOT NULL CHECK (timescale IN ('day','month')),
			window_start TIMESTAMPTZ NOT NULL,
			count INT NOT NULL DEFAULT 0,
			PRIMARY KEY (email, timescale)
		)`,
		`CREATE TABLE IF NOT EXISTS do_not_email (email TEXT PRIMARY KEY)`,
	}
	for i, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("email migration %d: %w", i+1, err)
		}
	}
	return nil
}

// RequestEmailValidation implements spec section 4.4's six-step flow.
func (s *Store) RequestEmailValidation(ctx context.Context, user *identity.User, purpose Purpose, toEmail string) (*Receipt, error) {
	// Step 1: short-circuit if an equivalent prior proof is still valid.
	// AlreadyValidated is non-error informational (spec section 4.4 step 1,
	// section 7): the caller gets the original receipt back as a success,
	// not an error.
	if existing, err := s.findVerified(ctx, user.ID, purpose); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	// Step 2: DoNotEmail.
	var blocked bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM do_not_email WHERE email = $1)`, toEmail).Scan(&blocked); err != nil {
		return nil, apierr.New(apierr.Internal, "do_not_email check failed")
	}
	if blocked {
		return nil, apierr.New(apierr.DoNotEmail, fmt.Sprintf("%s is on the do-not-email list", toEmail))
	}

	// Step 3: rate limits.
	for _, ts := range []Timescale{TimescaleDay, TimescaleMonth} {
		count, err := s.getTimesSent(ctx, toEmail, ts)
		if err != nil {
			return nil, err
		}
		limit := DailyLimit
		if ts == TimescaleMonth {
			limit = MonthlyLimit
		}
		if count >= limit {
			return nil, apierr.New(apierr.RateLimited, fmt.Sprintf("rate limit exceeded for %s (%s)", toEmail, ts))
		}
	}

	// Step 4: generate code + deterministic hash.
	code, err := randomSixDigitCode()
	if err != nil {
		return nil, apierr.New(apierr.Internal, "generate code failed")
	}
	h := s.pendingHash(user.ID, toEmail, purpose)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO email_pending_proof (hash, user_id, email, purpose_kind, purpose_mp, purpose_is_staffer, code)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (hash) DO UPDATE SET code = EXCLUDED.code, created_at = NOW(), verified_at = NULL`,
		h, user.ID, toEmail, string(purpose.Kind), purpose.MP, purpose.IsStaffer, code)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "store pending proof failed")
	}

	// Step 5: send.
	dest := toEmail
	if s.testingOverride != "" {
		dest = s.testingOverride
	}
	if err := s.relay.Send(dest, s.fromEmail, s.replyTo, code); err != nil {
		s.log.WithError(err).Warn("email: send failed, code remains valid for resend")
		return nil, apierr.New(apierr.Internal, "email send failed, please retry")
	}

	// Step 6: increment counters.
	for _, ts := range []Timescale{TimescaleDay, TimescaleMonth} {
		if err := s.incrementTimesSent(ctx, toEmail, ts); err != nil {
			return nil, err
		}
	}

	env := s.server.SignMessage([]byte(fmt.Sprintf(`{"email_id":%q}`, h)))
	return &Receipt{EmailID: h, Receipt: env}, nil
}

// EmailProof implements spec section 4.4's email_proof: constant-time
// code comparison, badge issuance, and idempotent replay of a successful
// verification.
func (s *Store) EmailProof(ctx context.Context, identityStore *identity.Store, hash, code string) (*Receipt, error) {
	var userID int64
	var email, purposeKind, purposeMP string
	var isStaffer bool
	var storedCode string
	var createdAt time.Time
	var verifiedAt *time.Time
	var badgeKind, badgeWhat *string

	err := s.pool.QueryRow(ctx, `
		SELECT user_id, email, purpose_kind, purpose_mp, purpose_is_staffer, code, created_at, verified_at, badge_kind, badge_what
		FROM email_pending_proof WHERE hash = $1`, hash).
		Scan(&userID, &email, &purposeKind, &purposeMP, &isStaffer, &storedCode, &createdAt, &verifiedAt, &badgeKind, &badgeWhat)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apierr.New(apierr.BadCode, "no such pending proof")
		}
		return nil, apierr.New(apierr.Internal, "lookup pending proof failed")
	}

	if verifiedAt != nil {
		// Idempotent replay: same hash, already verified. Only honour it
		// if the supplied code still matches (prevents leaking success on
		// a guessed hash with a wrong code).
		if subtle.ConstantTimeCompare([]byte(storedCode), []byte(code)) != 1 {
			return nil, apierr.New(apierr.BadCode, "incorrect code")
		}
		return s.rebuildReceipt(ctx, hash, userID, badgeKind, badgeWhat)
	}

	if time.Since(createdAt) > codeTTL {
		return nil, apierr.New(apierr.BadCode, "code expired, request a new one")
	}

	if subtle.ConstantTimeCompare([]byte(storedCode), []byte(code)) != 1 {
		return nil, apierr.New(apierr.BadCode, "incorrect code")
	}

	purpose := Purpose{Kind: PurposeKind(purposeKind), MP: purposeMP, IsStaffer: isStaffer}

	var badge *identity.Badge
	switch purpose.Kind {
	case PurposeAsMP:
		badge, err = identityStore.IssueBadge(ctx, userID, identity.BadgeMP, purpose.MP)
	case PurposeAsMPStaffer:
		badge, err = identityStore.IssueBadge(ctx, userID, identity.BadgeMPStaff, purpose.MP)
	case PurposeAsOrg:
		badge, err = identityStore.IssueBadge(ctx, userID, identity.BadgeEmailDomain, "org")
	case PurposeAccountValidation:
		// no badge; stamps the account's verified email instead.
		err = identityStore.SetVerifiedEmail(ctx, userID, email)
	case PurposeRevokeMP:
		kind := identity.BadgeMP
		if purpose.IsStaffer {
			kind = identity.BadgeMPStaff
		}
		err = identityStore.RevokeBadge(ctx, userID, kind, purpose.MP)
	case PurposeRevokeOrg:
		err = identityStore.RevokeBadge(ctx, userID, identity.BadgeEmailDomain, "org")
	}
	if err != nil {
		return nil, err
	}

	leafPayload := []byte(fmt.Sprintf(`{"type":"email_proof","hash":%q,"user_id":%d,"purpose":%q}`, hash, userID, purpose.fingerprint()))
	leafHash, err := s.board.SubmitLeaf(ctx, leafPayload)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "board submit failed")
	}

	var bk, bw *string
	if badge != nil {
		k := string(badge.Kind)
		bk = &k
		bw = &badge.What
	}
	_, err = s.pool.Exec(ctx, `UPDATE email_pending_proof SET verified_at = NOW(), badge_kind = $1, badge_what = $2 WHERE hash = $3`,
		bk, bw, hash)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "mark verified failed")
	}

	env := s.server.SignMessage([]byte(fmt.Sprintf(`{"email_id":%q,"leaf":%q}`, hash, leafHash.String())))
	return &Receipt{EmailID: hash, Badge: badge, Receipt: env}, nil
}

func (s *Store) rebuildReceipt(ctx context.Context, hash string, userID int64, badgeKind, badgeWhat *string) (*Receipt, error) {
	var badge *identity.Badge
	if badgeKind != nil {
		badge = &identity.Badge{Kind: identity.BadgeKind(*badgeKind), What: *badgeWhat, UserID: userID, Valid: true}
	}
	env := s.server.SignMessage([]byte(fmt.Sprintf(`{"email_id":%q}`, hash)))
	return &Receipt{EmailID: hash, Badge: badge, Receipt: env}, nil
}

func (s *Store) findVerified(ctx context.Context, userID int64, purpose Purpose) (*Receipt, error) {
	// The pending hash is keyed by (user, email, purpose), so a lookup by
	// hash alone can't tell "still valid" for a different email; search by
	// (user, purpose) instead, honouring "same user, same purpose, still
	// valid" regardless of which address was used.
	var hash string
	var verifiedAt *time.Time
	var badgeKind, badgeWhat *string
	err := s.pool.QueryRow(ctx, `
		SELECT hash, verified_at, badge_kind, badge_what FROM email_pending_proof
		WHERE user_id = $1 AND purpose_kind = $2 AND purpose_mp = $3 AND purpose_is_staffer = $4 AND verified_at IS NOT NULL
		ORDER BY verified_at DESC LIMIT 1`,
		userID, string(purpose.Kind), purpose.MP, purpose.IsStaffer).Scan(&hash, &verifiedAt, &badgeKind, &badgeWhat)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, apierr.New(apierr.Internal, "lookup prior proof failed")
	}
	return s.rebuildReceipt(ctx, hash, userID, badgeKind, badgeWhat)
}

func (s *Store) pendingHash(userID int64, email string, purpose Purpose) string {
	mac := hmac.New(sha256.New, s.secret)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(userID))
	mac.Write(buf[:])
	mac.Write([]byte(email))
	mac.Write([]byte(purpose.fingerprint()))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomSixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func (s *Store) getTimesSent(ctx context.Context, email string, ts Timescale) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count FROM email_rate_limit_history WHERE email=$1 AND timescale=$2`, email, string(ts)).Scan(&count)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, apierr.New(apierr.Internal, "rate limit lookup failed")
	}
	return count, nil
}

// incrementTimesSent increments with a single atomic upsert, so concurrent
// increments for the same address are not lost (spec section 5(d)). The
// threshold check in RequestEmailValidation is a separate earlier read.
func (s *Store) incrementTimesSent(ctx context.Context, email string, ts Timescale) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO email_rate_limit_history (email, timescale, window_start, count)
		VALUES ($1, $2, NOW(), 1)
		ON CONFLICT (email, timescale) DO UPDATE SET count = email_rate_limit_history.count + 1`,
		email, string(ts))
	if err != nil {
		return apierr.New(apierr.Internal, "increment rate limit failed")
	}
	return nil
}

// GetTimesSent is the admin read operation.
func (s *Store) GetTimesSent(ctx context.Context, ts Timescale) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT email, count FROM email_rate_limit_history WHERE timescale = $1`, string(ts))
	if err != nil {
		return nil, apierr.New(apierr.Internal, "get times sent failed")
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var email string
		var count int
		if err := rows.Scan(&email, &count); err != nil {
			return nil, apierr.New(apierr.Internal, "scan times sent failed")
		}
		out[email] = count
	}
	return out, nil
}

// ResetTimesSent truncates all counters for a timescale.
func (s *Store) ResetTimesSent(ctx context.Context, ts Timescale) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM email_rate_limit_history WHERE timescale = $1`, string(ts))
	if err != nil {
		return apierr.New(apierr.Internal, "reset times sent failed")
	}
	return nil
}

// TakeOffTimesSentList clears one address's counters across all timescales.
func (s *Store) TakeOffTimesSentList(ctx context.Context, email string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM email_rate_limit_history WHERE email = $1`, email)
	if err != nil {
		return apierr.New(apierr.Internal, "take off times sent list failed")
	}
	return nil
}

func (s *Store) PutOnDoNotEmailList(ctx context.Context, email string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO do_not_email (email) VALUES ($1) ON CONFLICT DO NOTHING`, email)
	if err != nil {
		return apierr.New(apierr.Internal, "put on do-not-email list failed")
	}
	return nil
}

func (s *Store) TakeOffDoNotEmailList(ctx context.Context, email string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM do_not_email WHERE email = $1`, email)
	if err != nil {
		return apierr.New(apierr.Internal, "take off do-not-email list failed")
	}
	return nil
}

func (s *Store) GetDoNotEmailList(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT email FROM do_not_email ORDER BY email`)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "get do-not-email list failed")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, apierr.New(apierr.Internal, "scan do-not-email entry failed")
		}
		out = append(out, e)
	}
	return out, nil
}
