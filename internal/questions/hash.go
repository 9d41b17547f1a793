package questions

import (
	"crypto/sha256"
	"encoding/json"
)

// definingFields is the subset of a new_question command that determines
// its content hash. Background is deliberately excluded: editing it
// changes version, not question_id (spec invariant ii, scenario 1).
type definingFields struct {
	Text        string      `json:"text"`
	IsFollowupTo *QuestionID `json:"is_followup_to,omitempty"`
}

// ContentHash computes the stable question_id for a new_question command.
func ContentHash(text string, isFollowupTo *QuestionID) QuestionID {
	df := definingFields{Text: text, IsFollowupTo: isFollowupTo}
	b, _ := json.Marshal(df)
	return sha256.Sum256(b)
}
