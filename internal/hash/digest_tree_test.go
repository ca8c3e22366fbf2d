package hash

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDigestTree_SortedEntries(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "c.rs"), []byte("cc"), 0o644)
	os.WriteFile(filepath.Join(dir, "a.rs"), []byte("aa"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.rs"), []byte("bb"), 0o644)

	digest, entries, err := DigestTree(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(digest, "blake3:") {
		t.Errorf("digest = %q, want blake3 prefix", digest)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i, want := range []string{"a.rs", "b.rs", "c.rs"} {
		if entries[i].Path != want {
			t.Errorf("entry %d = %q, want %q", i, entries[i].Path, want)
		}
	}
}

func TestDigestTree_SkipsExcludedDirs(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "lib.rs"), []byte("fn main() {}"), 0o644)
	before, _, err := DigestTree(dir, DefaultSourceExcludes)
	if err != nil {
		t.Fatal(err)
	}

	os.MkdirAll(filepath.Join(dir, "target", "release"), 0o755)
	os.WriteFile(filepath.Join(dir, "target", "release", "libgame.so"), []byte("elf"), 0o644)
	after, entries, err := DigestTree(dir, DefaultSourceExcludes)
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Errorf("build output changed the source digest: %s != %s", before, after)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestDigestTree_ContentChange(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "lib.rs")
	os.WriteFile(p, []byte("v1"), 0o644)
	d1, _, _ := DigestTree(dir, nil)
	os.WriteFile(p, []byte("v2"), 0o644)
	d2, _, _ := DigestTree(dir, nil)
	if d1 == d2 {
		t.Error("digest did not change with content")
	}
}

func TestDigestTree_MissingRoot(t *testing.T) {
	if _, _, err := DigestTree(filepath.Join(t.TempDir(), "nope"), nil); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestCacheKey_LengthPrefixed(t *testing.T) {
	if CacheKey("ab", "c") == CacheKey("a", "bc") {
		t.Error("boundary shift produced the same key")
	}
	if CacheKey("x", "y") != CacheKey("x", "y") {
		t.Error("CacheKey is not stable")
	}
	if len(CacheKey("x")) != 64 {
		t.Errorf("key length = %d, want 64", len(CacheKey("x")))
	}
}
