package email

// PurposeKind is the closed set of reasons a user can request email proof
// for (spec section 4.4).
type PurposeKind string

const (
	PurposeAccountValidation PurposeKind = "AccountValidation"
	PurposeAsMP              PurposeKind = "AsMP"
	PurposeAsMPStaffer       PurposeKind = "AsMPStaffer"
	PurposeAsOrg             PurposeKind = "AsOrg"
	PurposeRevokeMP          PurposeKind = "RevokeMP"
	PurposeRevokeOrg         PurposeKind = "RevokeOrg"
)

// Purpose is the tagged reason attached to a request_email_validation
// call. MP and IsStaffer are only meaningful for the kinds that need them.
type Purpose struct {
	Kind      PurposeKind `json:"kind"`
	MP        string      `json:"mp,omitempty"`
	IsStaffer bool        `json:"is_staffer,omitempty"`
}

// fingerprint is the stable string used as part of the deterministic
// pending-proof hash and in the email_proof board leaf, so that two
// requests for the same (user, purpose, target) collapse to the same
// record.
func (p Purpose) fingerprint() string {
	switch p.Kind {
	case PurposeAsMP, PurposeAsMPStaffer, PurposeRevokeMP:
		suffix := ""
		if p.IsStaffer {
			suffix = "|staffer"
		}
		return string(p.Kind) + ":" + p.MP + suffix
	default:
		return string(p.Kind)
	}
}
