package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintDistinguishesMPTargets(t *testing.T) {
	a := Purpose{Kind: PurposeAsMP, MP: "Jane Smith"}
	b := Purpose{Kind: PurposeAsMP, MP: "John Doe"}
	assert.NotEqual(t, a.fingerprint(), b.fingerprint())
}

func TestFingerprintStableForSameMPTarget(t *testing.T) {
	a := Purpose{Kind: PurposeAsMP, MP: "Jane Smith"}
	b := Purpose{Kind: PurposeAsMP, MP: "Jane Smith"}
	assert.Equal(t, a.fingerprint(), b.fingerprint())
}

func TestFingerprintDistinguishesStafferFromMP(t *testing.T) {
	mp := Purpose{Kind: PurposeAsMP, MP: "Jane Smith"}
	staffer := Purpose{Kind: PurposeAsMP, MP: "Jane Smith", IsStaffer: true}
	assert.NotEqual(t, mp.fingerprint(), staffer.fingerprint())
}

func TestFingerprintIgnoresMPForNonTargetedKinds(t *testing.T) {
	a := Purpose{Kind: PurposeAccountValidation, MP: "stray value should be ignored"}
	b := Purpose{Kind: PurposeAccountValidation}
	assert.Equal(t, a.fingerprint(), b.fingerprint())
}
