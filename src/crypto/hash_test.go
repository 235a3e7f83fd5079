package crypto

import (
	"bytes"
	"testing"
)

func TestSimpleMerkleRoot(t *testing.T) {
	a := SHA256([]byte("a"))
	b := SHA256([]byte("b"))
	c := SHA256([]byte("c"))

	if root := SimpleMerkleRoot(nil); !bytes.Equal(root, make([]byte, 32)) {
		t.Fatalf("empty root should be zero, got %X", root)
	}

	if root := SimpleMerkleRoot([][]byte{a}); !bytes.Equal(root, a) {
		t.Fatalf("single leaf root should be the leaf")
	}

	ab := SimpleHashFromTwoHashes(a, b)
	if root := SimpleMerkleRoot([][]byte{a, b}); !bytes.Equal(root, ab) {
		t.Fatalf("two leaves root mismatch")
	}

	abc := SimpleHashFromTwoHashes(ab, c)
	if root := SimpleMerkleRoot([][]byte{a, b, c}); !bytes.Equal(root, abc) {
		t.Fatalf("odd leaf should be promoted")
	}

	if bytes.Equal(SimpleMerkleRoot([][]byte{a, b}), SimpleMerkleRoot([][]byte{b, a})) {
		t.Fatalf("order should matter")
	}
}
