package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestDigestFile_MatchesDigestBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libgame.so")
	content := []byte("\x7fELF fake shared object")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	h := sha256.Sum256(content)
	want := "sha256:" + hex.EncodeToString(h[:])

	digest, size, err := DigestFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if digest != want {
		t.Errorf("digest = %q, want %q", digest, want)
	}
	if got := DigestBytes(content); got != want {
		t.Errorf("DigestBytes = %q, want %q", got, want)
	}
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
}

func TestDigestFile_NotFound(t *testing.T) {
	if _, _, err := DigestFile("/nonexistent/libgame.so"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestEqual(t *testing.T) {
	d := DigestBytes([]byte("x"))
	if !Equal(d, d) {
		t.Error("identical digests should be equal")
	}
	if Equal("", "") {
		t.Error("empty digests must never compare equal")
	}
}
