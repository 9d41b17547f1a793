package censorship

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReportReasonValid(t *testing.T) {
	assert.True(t, ReasonSpam.Valid())
	assert.True(t, ReasonDefamatoryInsinuation.Valid())
	assert.False(t, ReportReason("NotARealReason").Valid())
	assert.False(t, ReportReason("").Valid())
}
