package signing_test

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/righttoaskorg/right-to-ask-server/internal/signing"
)

func generateServer(t *testing.T) (*signing.Server, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	srv, err := signing.NewServer(
		base64.StdEncoding.EncodeToString(pub),
		base64.StdEncoding.EncodeToString(priv),
	)
	require.NoError(t, err)
	return srv, priv
}

func TestUserSignedEnvelopeRoundTripsThroughVerifyUserCommand(t *testing.T) {
	_, priv := generateServer(t)
	pub := priv.Public().(ed25519.PublicKey)

	msg := []byte(`{"text":"why is the sky blue"}`)
	sig := ed25519.Sign(priv, msg)
	env := signing.Envelope{Message: string(msg), User: "alice", Signature: base64.StdEncoding.EncodeToString(sig)}

	require.NoError(t, signing.VerifyUserCommand(pub, env))
}

func TestVerifyUserCommandRejectsTamperedMessage(t *testing.T) {
	_, priv := generateServer(t)
	pub := priv.Public().(ed25519.PublicKey)

	sig := ed25519.Sign(priv, []byte(`{"text":"original"}`))
	env := signing.Envelope{Message: `{"text":"tampered"}`, Signature: base64.StdEncoding.EncodeToString(sig)}

	require.Error(t, signing.VerifyUserCommand(pub, env))
}

func TestVerifyUserCommandRejectsWrongKey(t *testing.T) {
	_, priv := generateServer(t)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	sig := ed25519.Sign(priv, []byte(`{"text":"hi"}`))
	env := signing.Envelope{Message: `{"text":"hi"}`, Signature: base64.StdEncoding.EncodeToString(sig)}

	require.Error(t, signing.VerifyUserCommand(otherPub, env))
}

func TestServerSignMessageProducesVerifiableEnvelope(t *testing.T) {
	srv, priv := generateServer(t)
	pub := priv.Public().(ed25519.PublicKey)

	env := srv.SignMessage([]byte("receipt body"))
	require.Empty(t, env.User)
	require.NoError(t, signing.VerifyUserCommand(pub, env))
}

func TestValidatePublicKeyBytesRejectsWrongLength(t *testing.T) {
	require.Error(t, signing.ValidatePublicKeyBytes([]byte{1, 2, 3}))
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, signing.ValidatePublicKeyBytes(pub))
}
