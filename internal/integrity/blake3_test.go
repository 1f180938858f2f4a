package integrity

import (
	"bytes"
	"os"
	"testing"
)

func TestBLAKE3Hasher(t *testing.T) {
	hasher := NewBLAKE3Hasher()

	data := []byte("Hello, World!")
	hash := hasher.Hash(data)

	if len(hash) != 32 {
		t.Errorf("Expected 32-byte hash, got %d bytes", len(hash))
	}

	hash2 := hasher.Hash(data)
	if !bytes.Equal(hash, hash2) {
		t.Error("Hash is not deterministic")
	}
}

func TestBLAKE3HashFile(t *testing.T) {
	hasher := NewBLAKE3Hasher()

	f, err := os.CreateTemp("", "blake3test")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(f.Name())

	data := []byte("Test file content for BLAKE3 hashing")
	f.Write(data)
	f.Close()

	hash, err := hasher.HashFile(f.Name())
	if err != nil {
		t.Fatalf("Failed to hash file: %v", err)
	}

	directHash := hasher.Hash(data)
	if !bytes.Equal(hash, directHash) {
		t.Error("File hash does not match direct hash")
	}
}

func TestBLAKE3HashFileEmptyRejected(t *testing.T) {
	hasher := NewBLAKE3Hasher()

	f, err := os.CreateTemp("", "blake3empty")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(f.Name())
	f.Close()

	if _, err := hasher.HashFile(f.Name()); err == nil {
		t.Error("expected an error hashing a zero-length artifact file")
	}
}

func BenchmarkBLAKE3Hash(b *testing.B) {
	hasher := NewBLAKE3Hasher()
	data := bytes.Repeat([]byte("X"), 1024*1024) // 1MB

	b.ResetTimer()
	b.SetBytes(int64(len(data)))

	for i := 0; i < b.N; i++ {
		hasher.Hash(data)
	}
}
