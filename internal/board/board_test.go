package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashOfIsDeterministicAndContentAddressed(t *testing.T) {
	a := hashOf([]byte("payload one"))
	b := hashOf([]byte("payload one"))
	c := hashOf([]byte("payload two"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestHashStringIsLowercaseHex(t *testing.T) {
	h := hashOf([]byte("example"))
	s := h.String()

	assert.Len(t, s, 64)
	for _, r := range s {
		isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		assert.True(t, isHex, "unexpected character %q in hash string", r)
	}
	assert.Equal(t, h.Bytes(), h[:])
}
