package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/righttoaskorg/right-to-ask-server/internal/identity"
)

func TestRequireVerifiedEmailPassesWhenFlagOff(t *testing.T) {
	d := &Dispatcher{RequireValidatedEmail: false}
	assert.NoError(t, d.requireVerifiedEmail(&identity.User{}))
}

func TestRequireVerifiedEmailRejectsUnverifiedUser(t *testing.T) {
	d := &Dispatcher{RequireValidatedEmail: true}
	assert.Error(t, d.requireVerifiedEmail(&identity.User{}))
}

func TestRequireVerifiedEmailAcceptsVerifiedUser(t *testing.T) {
	d := &Dispatcher{RequireValidatedEmail: true}
	email := "rep@example.org"
	assert.NoError(t, d.requireVerifiedEmail(&identity.User{VerifiedEmail: &email}))
}
