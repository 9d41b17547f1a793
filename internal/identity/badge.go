package identity

// BadgeKind is the closed set of badge kinds a user may hold.
type BadgeKind string

const (
	BadgeEmailDomain BadgeKind = "EmailDomain"
	BadgeMP          BadgeKind = "MP"
	BadgeMPStaff     BadgeKind = "MPStaff"
)

// Badge is issued only by the email-proof subsystem after successful
// verification for the corresponding purpose (spec invariant iv).
type Badge struct {
	ID     int64     `json:"id"`
	Kind   BadgeKind `json:"kind"`
	What   string    `json:"what"`
	UserID int64     `json:"user_id"`
	Valid  bool      `json:"valid"`
}
