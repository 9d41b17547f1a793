package questions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHashStableAcrossBackgroundEdits(t *testing.T) {
	// Background is not a defining field (spec invariant ii): ContentHash
	// takes no background argument, so the same text and followup give the
	// same question_id whatever the background is.
	id1 := ContentHash("Will the NBN rollout reach Orange by 2027?", nil)
	id2 := ContentHash("Will the NBN rollout reach Orange by 2027?", nil)
	assert.Equal(t, id1, id2)
}

func TestContentHashDiffersOnText(t *testing.T) {
	id1 := ContentHash("question one", nil)
	id2 := ContentHash("question two", nil)
	assert.NotEqual(t, id1, id2)
}

func TestContentHashDiffersOnFollowup(t *testing.T) {
	base := ContentHash("same text", nil)
	var followupOf QuestionID
	followupOf[0] = 0xAB
	withFollowup := ContentHash("same text", &followupOf)
	assert.NotEqual(t, base, withFollowup)
}

func TestQuestionIDStringIsHex(t *testing.T) {
	id := ContentHash("hello", nil)
	assert.Len(t, id.String(), 64)
}
