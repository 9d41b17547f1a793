// Package signing holds the server's own Ed25519 key and the signed
// envelope used for both inbound user commands and outbound server
// receipts (spec section 9: "signed envelope everywhere").
package signing

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// Envelope is the wire shape for every signed command and every signed
// receipt. It has exactly three named slots and must never gain a fourth.
type Envelope struct {
	Message   string `json:"message"`
	User      string `json:"user,omitempty"`
	Signature string `json:"signature"`
}

// Server holds the long-term keypair the server uses to sign outbound
// receipts so clients can verify provenance offline, and to verify
// nothing itself — inbound verification uses the caller's own public key,
// looked up from the identity store by the dispatcher.
type Server struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NewServer loads the server keypair from base64-encoded Ed25519 keys, as
// supplied by [signing] in the TOML config: the public key as SPKI DER and
// the private key as PKCS#8 DER, or either as raw key bytes.
func NewServer(publicB64, privateB64 string) (*Server, error) {
	pub, err := decodeKey(publicB64, ed25519.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("signing: public key: %w", err)
	}
	priv, err := decodeKey(privateB64, ed25519.PrivateKeySize)
	if err != nil {
		return nil, fmt.Errorf("signing: private key: %w", err)
	}
	return &Server{Public: ed25519.PublicKey(pub), private: ed25519.PrivateKey(priv)}, nil
}

func decodeKey(b64 string, wantLen int) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(raw) == wantLen {
		return raw, nil
	}
	var key any
	if wantLen == ed25519.PublicKeySize {
		key, err = x509.ParsePKIXPublicKey(raw)
	} else {
		key, err = x509.ParsePKCS8PrivateKey(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("wrong key length %d, want %d or DER: %w", len(raw), wantLen, err)
	}
	switch k := key.(type) {
	case ed25519.PublicKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	}
	return nil, fmt.Errorf("not an Ed25519 key")
}

// SignMessage signs message bytes and returns a receipt envelope with no
// user field set — receipts are server-authored, not user-authored.
func (s *Server) SignMessage(message []byte) Envelope {
	sig := ed25519.Sign(s.private, message)
	return Envelope{
		Message:   string(message),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
}

// VerifyUserCommand verifies a user-authored envelope against their
// stored public key. Returns MalformedPublicKey-shaped errors to the
// caller only in the sense of a plain error; callers map to apierr codes.
func VerifyUserCommand(userPublicKey []byte, env Envelope) error {
	if len(userPublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("signing: malformed public key")
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("signing: malformed signature encoding: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(userPublicKey), []byte(env.Message), sig) {
		return fmt.Errorf("signing: signature verification failed")
	}
	return nil
}

// ValidatePublicKeyBytes checks that raw bytes are a well-formed Ed25519
// public key, used by the identity store on new_registration.
func ValidatePublicKeyBytes(raw []byte) error {
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("signing: malformed public key, want %d bytes got %d", ed25519.PublicKeySize, len(raw))
	}
	return nil
}
