package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/nftmarket/core"
	"github.com/tolelom/nftmarket/crypto"
)

// Signer is a test identity: a key pair plus a tracked nonce. A rejected
// request does not consume its nonce, so the tracked value only advances
// when the test confirms success via Advance.
type Signer struct {
	Priv  crypto.PrivateKey
	Pub   crypto.PublicKey
	nonce uint64
}

// NewSigner generates a fresh test identity.
func NewSigner(t *testing.T) *Signer {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return &Signer{Priv: priv, Pub: pub}
}

// Hex returns the signer's pubkey hex, its account address and caller
// identity.
func (s *Signer) Hex() string {
	return s.Pub.Hex()
}

// Request builds and signs a request for ep with the signer's current nonce.
func (s *Signer) Request(t *testing.T, ep core.Entrypoint, fee uint64, payload any) *core.Request {
	t.Helper()
	req, err := core.NewRequest(ep, s.Hex(), s.nonce, fee, payload)
	require.NoError(t, err)
	req.Sign(s.Priv)
	return req
}

// Advance bumps the tracked nonce after a request was accepted.
func (s *Signer) Advance() {
	s.nonce++
}

// Nonce returns the tracked nonce.
func (s *Signer) Nonce() uint64 {
	return s.nonce
}
