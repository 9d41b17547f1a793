package censorship

import "github.com/righttoaskorg/right-to-ask-server/internal/questions"

// allowedFlagTransition is the explicit state-transition table spec
// section 4.5 draws as a diagram; checked before every report-driven
// status advance, in the style luxfi-consensus checks its own state
// machines against an explicit allowed-transition set rather than an
// ad hoc chain of ifs.
var allowedFlagTransition = map[questions.CensorshipStatus]questions.CensorshipStatus{
	questions.StatusNotFlagged:       questions.StatusFlagged,
	questions.StatusAllowed:          questions.StatusFlagged,
	questions.StatusStructureChanged: questions.StatusStructureChangedThenFlagged,
}

// nextOnReport returns the status a question moves to when a new report
// pushes it out of NotFlagged/Allowed/StructureChanged, or the current
// status unchanged if no such transition applies (e.g. it is already
// Flagged, StructureChangedThenFlagged, or terminally Censored).
func nextOnReport(current questions.CensorshipStatus) questions.CensorshipStatus {
	if next, ok := allowedFlagTransition[current]; ok {
		return next
	}
	return current
}

// allowedModerationSources lists the statuses censor_question may be
// called from, independent of the just_answer mode.
var allowedModerationSources = map[questions.CensorshipStatus]bool{
	questions.StatusFlagged:                     true,
	questions.StatusStructureChangedThenFlagged: true,
}

func canModerate(current questions.CensorshipStatus) bool {
	return allowedModerationSources[current]
}
