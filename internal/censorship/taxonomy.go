// Package censorship implements the reporting taxonomy and moderation
// state machine of spec section 4.5.
package censorship

// ReportReason is the closed set of ten harms a report may cite.
type ReportReason string

const (
	ReasonNotAQuestion                 ReportReason = "NotAQuestion"
	ReasonThreateningViolence          ReportReason = "ThreateningViolence"
	ReasonIncludesPrivateInformation   ReportReason = "IncludesPrivateInformation"
	ReasonIncitesHatredOrDiscrimination ReportReason = "IncitesHatredOrDiscrimination"
	ReasonEncouragesHarm               ReportReason = "EncouragesHarm"
	ReasonTargetedHarassment           ReportReason = "TargetedHarassment"
	ReasonDefamatoryInsinuation        ReportReason = "DefamatoryInsinuation"
	ReasonIllegal                      ReportReason = "Illegal"
	ReasonImpersonation                ReportReason = "Impersonation"
	ReasonSpam                         ReportReason = "Spam"
)

var validReasons = map[ReportReason]bool{
	ReasonNotAQuestion: true, ReasonThreateningViolence: true, ReasonIncludesPrivateInformation: true,
	ReasonIncitesHatredOrDiscrimination: true, ReasonEncouragesHarm: true, ReasonTargetedHarassment: true,
	ReasonDefamatoryInsinuation: true, ReasonIllegal: true, ReasonImpersonation: true, ReasonSpam: true,
}

func (r ReportReason) Valid() bool { return validReasons[r] }
