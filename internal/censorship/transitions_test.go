package censorship

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/righttoaskorg/right-to-ask-server/internal/questions"
)

func TestNextOnReportFollowsAllowedTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current questions.CensorshipStatus
		want    questions.CensorshipStatus
	}{
		{"not flagged advances to flagged", questions.StatusNotFlagged, questions.StatusFlagged},
		{"allowed reopens to flagged on new report", questions.StatusAllowed, questions.StatusFlagged},
		{"structure changed advances to structure changed then flagged", questions.StatusStructureChanged, questions.StatusStructureChangedThenFlagged},
		{"already flagged is unaffected by another report", questions.StatusFlagged, questions.StatusFlagged},
		{"censored is terminal", questions.StatusCensored, questions.StatusCensored},
		{"structure changed then flagged stays put", questions.StatusStructureChangedThenFlagged, questions.StatusStructureChangedThenFlagged},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, nextOnReport(test.current))
		})
	}
}

func TestCanModerate(t *testing.T) {
	assert.True(t, canModerate(questions.StatusFlagged))
	assert.True(t, canModerate(questions.StatusStructureChangedThenFlagged))
	assert.False(t, canModerate(questions.StatusNotFlagged))
	assert.False(t, canModerate(questions.StatusAllowed))
	assert.False(t, canModerate(questions.StatusCensored))
}
