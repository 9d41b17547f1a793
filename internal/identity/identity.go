// Package identity is the user/electorate/badge store (spec section 4.2).
// Queries follow the teacher's dynamic-SQL Store idiom (ListEmails builds
// its WHERE clause incrementally; search_user does the same here).
package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/righttoaskorg/right-to-ask-server/internal/apierr"
	"github.com/righttoaskorg/right-to-ask-server/internal/signing"
)

type User struct {
	ID                int64        `json:"id"`
	UID               string       `json:"uid"`
	DisplayName       string       `json:"display_name"`
	StateCode         *string      `json:"state_code,omitempty"`
	PublicKey         []byte       `json:"public_key"`
	VerifiedEmail     *string      `json:"verified_email,omitempty"`
	VerifiedEmailAt   *time.Time   `json:"verified_email_at,omitempty"`
	Blocked           bool         `json:"blocked"`
	Electorates       []Electorate `json:"electorates,omitempty"`
	Badges            []Badge      `json:"badges,omitempty"`
}

const maxUIDLen = 30

type Store struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

func New(pool *pgxpool.Pool, log *logrus.Logger) *Store {
	return &Store{pool: pool, log: log}
}

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			uid TEXT NOT NULL,
			uid_upper TEXT GENERATED ALWAYS AS (UPPER(uid)) STORED,
			display_name TEXT NOT NULL,
			state_code TEXT,
			public_key BYTEA NOT NULL,
			verified_email TEXT,
			verified_email_at TIMESTAMPTZ,
			blocked BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_uid_upper ON users (uid_upper)`,
		`CREATE TABLE IF NOT EXISTS user_electorates (
			user_id BIGINT NOT NULL REFERENCES users(id),
			chamber TEXT NOT NULL,
			electorate_name TEXT NOT NULL,
			PRIMARY KEY (user_id, chamber, electorate_name)
		)`,
		`CREATE TABLE IF NOT EXISTS badges (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			what TEXT NOT NULL,
			user_id BIGINT NOT NULL REFERENCES users(id),
			valid BOOLEAN NOT NULL DEFAULT TRUE,
			UNIQUE (kind, what, user_id)
		)`,
	}
	for i, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("identity migration %d: %w", i+1, err)
		}
	}
	return nil
}

// NewRegistrationRequest is the parsed body of a new_registration command.
type NewRegistrationRequest struct {
	UID         string       `json:"uid"`
	DisplayName string       `json:"display_name"`
	PublicKey   []byte       `json:"public_key"`
	StateCode   *string      `json:"state_code,omitempty"`
	Electorates []Electorate `json:"electorates,omitempty"`
}

// NewRegistration creates a user row. Fails UidTaken on case-insensitive
// collision, MalformedPublicKey-shaped error on bad key bytes, and
// IllegalElectorate on any pair not in the closed enum.
func (s *Store) NewRegistration(ctx context.Context, req NewRegistrationRequest) (*User, error) {
	if len(req.UID) == 0 || len(req.UID) > maxUIDLen {
		return nil, apierr.New(apierr.Malformed, "uid must be 1-30 characters")
	}
	if err := signing.ValidatePublicKeyBytes(req.PublicKey); err != nil {
		return nil, apierr.New(apierr.Malformed, err.Error())
	}
	for _, e := range req.Electorates {
		if !e.Valid() {
			return nil, apierr.New(apierr.IllegalElectorate, fmt.Sprintf("illegal electorate %+v", e))
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE uid_upper = UPPER($1))`, req.UID).Scan(&exists); err != nil {
		return nil, apierr.New(apierr.Internal, "uid check failed")
	}
	if exists {
		return nil, apierr.New(apierr.UidTaken, fmt.Sprintf("uid %q already taken", req.UID))
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO users (uid, display_name, state_code, public_key)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		req.UID, req.DisplayName, req.StateCode, req.PublicKey).Scan(&id)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "insert user failed")
	}

	for _, e := range req.Electorates {
		if _, err := tx.Exec(ctx, `INSERT INTO user_electorates (user_id, chamber, electorate_name) VALUES ($1,$2,$3)`,
			id, string(e.Chamber), e.Name); err != nil {
			return nil, apierr.New(apierr.Internal, "insert electorate failed")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apierr.New(apierr.Internal, "commit failed")
	}

	s.log.WithField("uid", req.UID).Info("identity: new registration")
	return s.GetUser(ctx, req.UID)
}

// EditUserRequest carries partial-update semantics: a nil pointer means
// "no change". An absent field and an explicit JSON null both decode to
// nil, so null does not clear a field; the state code is cleared only by
// the caller sending clear_state_code: true.
type EditUserRequest struct {
	DisplayName      *string      `json:"display_name,omitempty"`
	ClearStateCode   bool         `json:"clear_state_code,omitempty"`
	StateCode        *string      `json:"state_code,omitempty"`
	Electorates      *[]Electorate `json:"electorates,omitempty"` // replace-all when present
}

// EditUser applies a partial update. Only the user owning publicKey may
// mutate their own record; the caller (dispatcher) has already verified
// the envelope signature against this same public key.
func (s *Store) EditUser(ctx context.Context, uid string, callerPublicKey []byte, req EditUserRequest) (*User, error) {
	u, err := s.GetUser(ctx, uid)
	if err != nil {
		return nil, err
	}
	if u.Blocked {
		return nil, apierr.New(apierr.Blocked, "user is blocked")
	}
	if string(u.PublicKey) != string(callerPublicKey) {
		return nil, apierr.New(apierr.NotAuthorised, "only the owning user may edit this record")
	}
	for _, e := range derefElectorates(req.Electorates) {
		if !e.Valid() {
			return nil, apierr.New(apierr.IllegalElectorate, fmt.Sprintf("illegal electorate %+v", e))
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if req.DisplayName != nil {
		if _, err := tx.Exec(ctx, `UPDATE users SET display_name = $1 WHERE id = $2`, *req.DisplayName, u.ID); err != nil {
			return nil, apierr.New(apierr.Internal, "update display_name failed")
		}
	}
	if req.ClearStateCode {
		if _, err := tx.Exec(ctx, `UPDATE users SET state_code = NULL WHERE id = $1`, u.ID); err != nil {
			return nil, apierr.New(apierr.Internal, "clear state_code failed")
		}
	} else if req.StateCode != nil {
		if _, err := tx.Exec(ctx, `UPDATE users SET state_code = $1 WHERE id = $2`, *req.StateCode, u.ID); err != nil {
			return nil, apierr.New(apierr.Internal, "update state_code failed")
		}
	}
	if req.Electorates != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM user_electorates WHERE user_id = $1`, u.ID); err != nil {
			return nil, apierr.New(apierr.Internal, "clear electorates failed")
		}
		for _, e := range *req.Electorates {
			if _, err := tx.Exec(ctx, `INSERT INTO user_electorates (user_id, chamber, electorate_name) VALUES ($1,$2,$3)`,
				u.ID, string(e.Chamber), e.Name); err != nil {
				return nil, apierr.New(apierr.Internal, "insert electorate failed")
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apierr.New(apierr.Internal, "commit failed")
	}
	return s.GetUser(ctx, uid)
}

func derefElectorates(p *[]Electorate) []Electorate {
	if p == nil {
		return nil
	}
	return *p
}

// GetUser looks up a user case-insensitively by UID, including their
// electorates and badges.
func (s *Store) GetUser(ctx context.Context, uid string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `
		SELECT id, uid, display_name, state_code, public_key, verified_email, verified_email_at, blocked
		FROM users WHERE uid_upper = UPPER($1)`, uid).
		Scan(&u.ID, &u.UID, &u.DisplayName, &u.StateCode, &u.PublicKey, &u.VerifiedEmail, &u.VerifiedEmailAt, &u.Blocked)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apierr.New(apierr.UnknownUser, fmt.Sprintf("no such user %q", uid))
		}
		return nil, apierr.New(apierr.Internal, "get user failed")
	}
	if err := s.fillElectoratesAndBadges(ctx, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) fillElectoratesAndBadges(ctx context.Context, u *User) error {
	rows, err := s.pool.Query(ctx, `SELECT chamber, electorate_name FROM user_electorates WHERE user_id = $1`, u.ID)
	if err != nil {
		return apierr.New(apierr.Internal, "query electorates failed")
	}
	for rows.Next() {
		var chamber, name string
		if err := rows.Scan(&chamber, &name); err != nil {
			rows.Close()
			return apierr.New(apierr.Internal, "scan electorate failed")
		}
		u.Electorates = append(u.Electorates, Electorate{Chamber: Chamber(chamber), Name: name})
	}
	rows.Close()

	brows, err := s.pool.Query(ctx, `SELECT id, kind, what, valid FROM badges WHERE user_id = $1`, u.ID)
	if err != nil {
		return apierr.New(apierr.Internal, "query badges failed")
	}
	for brows.Next() {
		var b Badge
		if err := brows.Scan(&b.ID, &b.Kind, &b.What, &b.Valid); err != nil {
			brows.Close()
			return apierr.New(apierr.Internal, "scan badge failed")
		}
		b.UserID = u.ID
		u.Badges = append(u.Badges, b)
	}
	brows.Close()
	return nil
}

// GetUserList lists all users, most-recently-registered first.
func (s *Store) GetUserList(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `SELECT uid FROM users ORDER BY id DESC`)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "list users failed")
	}
	defer rows.Close()
	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, apierr.New(apierr.Internal, "scan uid failed")
		}
		uids = append(uids, uid)
	}
	out := make([]User, 0, len(uids))
	for _, uid := range uids {
		u, err := s.GetUser(ctx, uid)
		if err != nil {
			continue
		}
		out = append(out, *u)
	}
	return out, nil
}

// SearchUser is a substring search over UID and display name, optionally
// filtered to users holding a particular badge kind. Built incrementally
// the way the teacher's ListEmails assembles its WHERE clause.
func (s *Store) SearchUser(ctx context.Context, q string, wantBadge *BadgeKind) ([]User, error) {
	args := []any{}
	where := "WHERE TRUE"
	if q != "" {
		args = append(args, "%"+strings.ToLower(q)+"%")
		where += fmt.Sprintf(" AND (LOWER(uid) LIKE $%d OR LOWER(display_name) LIKE $%d)", len(args), len(args))
	}
	var joinBadges string
	if wantBadge != nil {
		args = append(args, string(*wantBadge))
		joinBadges = fmt.Sprintf(" AND EXISTS (SELECT 1 FROM badges b WHERE b.user_id = users.id AND b.kind = $%d AND b.valid)", len(args))
	}
	query := fmt.Sprintf(`SELECT uid FROM users %s %s ORDER BY id DESC LIMIT 100`, where, joinBadges)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "search users failed")
	}
	defer rows.Close()
	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, apierr.New(apierr.Internal, "scan uid failed")
		}
		uids = append(uids, uid)
	}
	out := make([]User, 0, len(uids))
	for _, uid := range uids {
		u, err := s.GetUser(ctx, uid)
		if err != nil {
			continue
		}
		out = append(out, *u)
	}
	return out, nil
}

// SetBlockStatus is an admin-only operation.
func (s *Store) SetBlockStatus(ctx context.Context, uid string, blocked bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET blocked = $1 WHERE uid_upper = UPPER($2)`, blocked, uid)
	if err != nil {
		return apierr.New(apierr.Internal, "set block status failed")
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.UnknownUser, fmt.Sprintf("no such user %q", uid))
	}
	s.log.WithFields(logrus.Fields{"uid": uid, "blocked": blocked}).Info("identity: block status changed")
	return nil
}

// SetVerifiedEmail stamps the user's verified email address and the time
// of verification. Called by the email-proof subsystem once an
// AccountValidation code is confirmed; it carries no badge of its own, but
// the user's verified-email fields are what the rest of the system (e.g.
// require_validated_email gating) reads.
func (s *Store) SetVerifiedEmail(ctx context.Context, userID int64, email string) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET verified_email = $1, verified_email_at = NOW() WHERE id = $2`,
		email, userID)
	if err != nil {
		return apierr.New(apierr.Internal, "set verified email failed")
	}
	return nil
}

// IssueBadge is called by the email-proof subsystem on successful
// verification. Per spec's open question, uniqueness is on
// (user, kind, what), allowing two simultaneous AsMP badges for distinct
// MPs.
func (s *Store) IssueBadge(ctx context.Context, userID int64, kind BadgeKind, what string) (*Badge, error) {
	var b Badge
	err := s.pool.QueryRow(ctx, `
		INSERT INTO badges (kind, what, user_id, valid) VALUES ($1,$2,$3,TRUE)
		ON CONFLICT (kind, what, user_id) DO UPDATE SET valid = TRUE
		RETURNING id, kind, what, user_id, valid`,
		string(kind), what, userID).Scan(&b.ID, &b.Kind, &b.What, &b.UserID, &b.Valid)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "issue badge failed")
	}
	return &b, nil
}

// RevokeBadge marks a previously issued badge invalid.
func (s *Store) RevokeBadge(ctx context.Context, userID int64, kind BadgeKind, what string) error {
	_, err := s.pool.Exec(ctx, `UPDATE badges SET valid = FALSE WHERE kind=$1 AND what=$2 AND user_id=$3`,
		string(kind), what, userID)
	if err != nil {
		return apierr.New(apierr.Internal, "revoke badge failed")
	}
	return nil
}

// HasValidBadge reports whether userID holds a currently-valid badge of
// the given kind/what, used to gate answer-as-MP/MPStaffer attachment.
func (s *Store) HasValidBadge(ctx context.Context, userID int64, kind BadgeKind, what string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM badges WHERE kind=$1 AND what=$2 AND user_id=$3 AND valid)`,
		string(kind), what, userID).Scan(&ok)
	if err != nil {
		return false, apierr.New(apierr.Internal, "check badge failed")
	}
	return ok, nil
}

// HasValidMPOrStafferBadge reports whether userID may answer "as" mp,
// either by holding the MP badge for that MP directly or an MPStaff
// badge naming that MP. Satisfies questions.BadgeChecker without that
// package importing identity.
func (s *Store) HasValidMPOrStafferBadge(ctx context.Context, userID int64, mp string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM badges WHERE what=$1 AND user_id=$2 AND valid AND kind IN ($3,$4))`,
		mp, userID, string(BadgeMP), string(BadgeMPStaff)).Scan(&ok)
	if err != nil {
		return false, apierr.New(apierr.Internal, "check mp/staffer badge failed")
	}
	return ok, nil
}
