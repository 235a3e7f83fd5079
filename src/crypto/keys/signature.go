package keys

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
)

// Signer signs consensus payloads on behalf of the local validator.
type Signer interface {
	// PublicKey returns the compressed public key of the signer.
	PublicKey() []byte
	// Sign signs a 32-byte payload hash.
	Sign(hash []byte) ([]byte, error)
}

// Verifier checks signatures produced by a Signer.
type Verifier interface {
	Verify(hash []byte, sig []byte, pub []byte) bool
}

// Sign signs the hash with the private key and returns a DER encoded
// signature. Nonces are derived deterministically (RFC6979).
func Sign(priv *ecdsa.PrivateKey, hash []byte) ([]byte, error) {
	sig, err := (*btcec.PrivateKey)(priv).Sign(hash)
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// Verify verifies that sig is a valid DER signature of hash by the owner of
// the compressed public key pub.
func Verify(pub []byte, hash []byte, sig []byte) bool {
	key, err := btcec.ParsePubKey(pub, btcec.S256())
	if err != nil {
		return false
	}
	signature, err := btcec.ParseDERSignature(sig, btcec.S256())
	if err != nil {
		return false
	}
	return signature.Verify(hash, key)
}

// KeySigner implements Signer with an in-memory private key.
type KeySigner struct {
	priv *ecdsa.PrivateKey
	pub  []byte
}

// NewKeySigner ...
func NewKeySigner(priv *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		priv: priv,
		pub:  CompressPublicKey(&priv.PublicKey),
	}
}

// PublicKey implements Signer.
func (s *KeySigner) PublicKey() []byte {
	return s.pub
}

// Sign implements Signer.
func (s *KeySigner) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("sign: payload must be a 32-byte hash, got %d bytes", len(hash))
	}
	return Sign(s.priv, hash)
}

// Secp256k1Verifier implements Verifier with Verify.
type Secp256k1Verifier struct{}

// Verify implements Verifier.
func (Secp256k1Verifier) Verify(hash []byte, sig []byte, pub []byte) bool {
	return Verify(pub, hash, sig)
}
