package chain

import (
	"bytes"

	"github.com/mosaicnetworks/shardbft/src/crypto"
	"github.com/ugorji/go/codec"
)

func newHandle() *codec.JsonHandle {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	return jh
}

// Marshal returns the canonical encoding of v. The same encoding is used for
// hashing, storage and the wire.
func Marshal(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	enc := codec.NewEncoder(b, newHandle())
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal decodes data produced by Marshal into v.
func Unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewBuffer(data), newHandle())
	return dec.Decode(v)
}

// hashOf returns the SHA256 of the canonical encoding of v.
func hashOf(v interface{}) (Hash, error) {
	data, err := Marshal(v)
	if err != nil {
		return ZeroHash, err
	}
	return mustHash(crypto.SHA256(data)), nil
}
