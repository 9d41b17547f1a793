package similarity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/righttoaskorg/right-to-ask-server/internal/questions"
)

func TestCosineSimilarityIdenticalBagsIsOne(t *testing.T) {
	bag := map[string]float64{"broadband": 1, "town": 1}
	assert.InDelta(t, 1.0, cosineSimilarity(bag, bag), 1e-9)
}

func TestCosineSimilarityDisjointBagsIsZero(t *testing.T) {
	a := map[string]float64{"broadband": 1}
	b := map[string]float64{"funding": 1}
	assert.Equal(t, 0.0, cosineSimilarity(a, b))
}

func TestCosineSimilarityEmptyBagIsZero(t *testing.T) {
	assert.Equal(t, 0.0, cosineSimilarity(nil, map[string]float64{"x": 1}))
}

func TestJaccardIdenticalSetsIsOne(t *testing.T) {
	set := map[string]bool{"mp:jane smith": true}
	assert.Equal(t, 1.0, jaccard(set, set))
}

func TestJaccardPartialOverlap(t *testing.T) {
	a := map[string]bool{"mp:jane smith": true, "committee:budget": true}
	b := map[string]bool{"mp:jane smith": true}
	assert.InDelta(t, 0.5, jaccard(a, b), 1e-9)
}

// TestSynonymCanonicalisationRanksAboveUnrelatedQuestion mirrors the
// worked example: a query using the nickname "NBN" should rank the
// question using its canonical form "broadband" above an unrelated
// question, once both are tokenized through the same vocabulary model.
func TestSynonymCanonicalisationRanksAboveUnrelatedQuestion(t *testing.T) {
	vocab := fakeVocab{canon: map[string]string{"nbn": "broadband"}}
	queryTokens := tokenizeWithVocab(t, "NBN rollout in town X", vocab)
	relatedTokens := tokenizeWithVocab(t, "Will broadband reach town X?", vocab)
	unrelatedTokens := tokenizeWithVocab(t, "School funding", vocab)

	relatedScore := cosineSimilarity(queryTokens, relatedTokens)
	unrelatedScore := cosineSimilarity(queryTokens, unrelatedTokens)

	assert.Greater(t, relatedScore, unrelatedScore)
}

func tokenizeWithVocab(t *testing.T, text string, v fakeVocab) map[string]float64 {
	t.Helper()
	fields := splitWords(text)
	bag := make(map[string]float64)
	for _, f := range fields {
		canon := f
		if c, ok := v.canon[f]; ok {
			canon = c
		}
		bag[canon]++
	}
	return bag
}

func splitWords(s string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = nil
		}
	}
	for _, r := range s {
		lower := r
		if lower >= 'A' && lower <= 'Z' {
			lower = lower - 'A' + 'a'
		}
		if lower >= 'a' && lower <= 'z' {
			cur = append(cur, lower)
		} else {
			flush()
		}
	}
	flush()
	return out
}

type fakeVocab struct {
	canon map[string]string
}

func TestRankOrderingTieBreaksByLastModifiedThenID(t *testing.T) {
	older := questions.Question{ID: idWithByte(2), LastModified: time.Unix(100, 0)}
	newer := questions.Question{ID: idWithByte(1), LastModified: time.Unix(200, 0)}
	sameTimeLowID := questions.Question{ID: idWithByte(1), LastModified: time.Unix(100, 0)}
	sameTimeHighID := questions.Question{ID: idWithByte(9), LastModified: time.Unix(100, 0)}

	e := &Engine{}
	results := []Result{
		{Question: older, Score: 1},
		{Question: newer, Score: 1},
		{Question: sameTimeLowID, Score: 1},
		{Question: sameTimeHighID, Score: 1},
	}
	sortResults(results)

	require.Len(t, results, 4)
	assert.Equal(t, newer.ID, results[0].Question.ID, "equal score, most recent wins first")
	assert.Equal(t, newer.LastModified, results[0].Question.LastModified, "equal score, most recent wins first")
	assert.Equal(t, sameTimeLowID.ID, results[1].Question.ID, "equal score and time, lowest id first")
	assert.Equal(t, older.ID, results[2].Question.ID, "equal score and time, ascending id")
	assert.Equal(t, sameTimeHighID.ID, results[3].Question.ID, "equal score and time, highest id last")
	_ = e
}

func idWithByte(b byte) questions.QuestionID {
	var id questions.QuestionID
	id[0] = b
	return id
}
