// Package keys implements the public key cryptography used by validators.
//
// Every validator owns a secp256k1 key-pair. Blocks, votes and foreign
// proposals are signed with the private key; other validators identify the
// signer by its 33-byte compressed public key and verify DER encoded
// signatures against it. Signer and Verifier are the interfaces consumed by the
// consensus packages so that alternative schemes can be plugged in.
package keys
