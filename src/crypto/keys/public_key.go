package keys

import (
	"crypto/ecdsa"

	"github.com/btcsuite/btcd/btcec"
	"github.com/mosaicnetworks/shardbft/src/common"
)

// PublicKeySize is the length of a compressed secp256k1 public key.
const PublicKeySize = 33

// CompressPublicKey returns the 33-byte compressed form of the public key.
func CompressPublicKey(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return (*btcec.PublicKey)(pub).SerializeCompressed()
}

// ParsePublicKey parses a compressed or uncompressed secp256k1 public key.
func ParsePublicKey(pub []byte) (*ecdsa.PublicKey, error) {
	key, err := btcec.ParsePubKey(pub, btcec.S256())
	if err != nil {
		return nil, err
	}
	return key.ToECDSA(), nil
}

// PublicKeyHex returns the hexadecimal reprentation of the compressed form of
// the public key
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return common.EncodeToString(CompressPublicKey(pub))
}
