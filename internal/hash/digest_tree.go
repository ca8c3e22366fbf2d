package hash

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// DefaultSourceExcludes are directory names that hold build output or VCS
// state and never contribute to a source digest.
var DefaultSourceExcludes = []string{".git", ".gradle", "build", "target", "node_modules", ".apkforge"}

type TreeEntry struct {
	Path   string
	Digest string
	Size   int64
}

// DigestTree digests every regular file under root with blake3 and folds
// the sorted (path, digest, size) lines into one tree digest. Directories
// whose base name is in excludes are skipped.
func DigestTree(root string, excludes []string) (digest string, entries []TreeEntry, err error) {
	skip := make(map[string]bool, len(excludes))
	for _, e := range excludes {
		skip[e] = true
	}
	entries = make([]TreeEntry, 0)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != root && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fileDigest, size, err := blake3File(path)
		if err != nil {
			return err
		}
		entries = append(entries, TreeEntry{Path: filepath.ToSlash(rel), Digest: fileDigest, Size: size})
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("walk tree %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s\x00%s\x00%d\n", e.Path, e.Digest, e.Size)
	}
	sum := blake3.Sum256([]byte(sb.String()))
	return "blake3:" + hex.EncodeToString(sum[:]), entries, nil
}

func blake3File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open file %s: %w", path, err)
	}
	defer f.Close()
	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash file %s: %w", path, err)
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), n, nil
}
