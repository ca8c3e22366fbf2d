package verify

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/ogulcanaydogan/apkforge/internal/archive"
)

const jarManifest = "META-INF/MANIFEST.MF"

type jarSigner struct {
	name string
	cert *x509.Certificate
	alg  uint32
	// apkSigned lists the scheme ids from X-Android-APK-Signed.
	apkSigned []int
}

type section struct {
	raw   []byte
	attrs map[string]string
}

// parseSections splits a JAR manifest or signature file into sections. Each
// section's raw bytes include the blank line that terminates it.
func parseSections(b []byte) ([]section, error) {
	var out []section
	cur := section{attrs: map[string]string{}}
	start, last := 0, ""
	for pos := 0; pos < len(b); {
		next := len(b)
		line := b[pos:]
		if i := bytes.IndexByte(line, '\n'); i >= 0 {
			next = pos + i + 1
			line = line[:i]
		}
		line = bytes.TrimSuffix(line, []byte("\r"))
		pos = next
		switch {
		case len(line) == 0:
			if len(cur.attrs) > 0 {
				cur.raw = b[start:pos]
				out = append(out, cur)
			}
			cur = section{attrs: map[string]string{}}
			start, last = pos, ""
		case line[0] == ' ':
			if last == "" {
				return nil, fmt.Errorf("continuation line without attribute")
			}
			cur.attrs[last] += string(line[1:])
		default:
			k, v, ok := strings.Cut(string(line), ": ")
			if !ok {
				return nil, fmt.Errorf("malformed attribute line %q", line)
			}
			cur.attrs[k] = v
			last = k
		}
	}
	if len(cur.attrs) > 0 {
		cur.raw = b[start:]
		out = append(out, cur)
	}
	return out, nil
}

func isJARMetadata(p string) bool {
	if p == jarManifest {
		return true
	}
	dir, file := path.Split(p)
	if dir != "META-INF/" {
		return false
	}
	switch strings.ToUpper(path.Ext(file)) {
	case ".SF", ".RSA", ".DSA", ".EC":
		return true
	}
	return false
}

// hasJARSignature reports whether l carries at least one signature file.
func hasJARSignature(l archive.Layout) bool {
	for _, e := range l.Entries {
		if strings.HasPrefix(e.Path, "META-INF/") && strings.EqualFold(path.Ext(e.Path), ".sf") {
			return true
		}
	}
	return false
}

func sha256B64(b []byte) string {
	sum := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// verifyJAR checks every signature file, the manifest it covers, and that
// each archive entry is listed in the manifest with a matching digest.
func verifyJAR(l archive.Layout) ([]jarSigner, error) {
	files := make(map[string][]byte, len(l.Entries))
	for _, e := range l.Entries {
		if _, dup := files[e.Path]; dup {
			return nil, fmt.Errorf("duplicate entry %s", e.Path)
		}
		files[e.Path] = e.Content
	}
	manifest, ok := files[jarManifest]
	if !ok {
		return nil, fmt.Errorf("%s is missing", jarManifest)
	}
	msections, err := parseSections(manifest)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if len(msections) == 0 {
		return nil, fmt.Errorf("manifest is empty")
	}
	byName := make(map[string]section, len(msections))
	for _, s := range msections[1:] {
		name := s.attrs["Name"]
		if name == "" {
			return nil, fmt.Errorf("manifest section without name")
		}
		byName[name] = s
	}

	var sfNames []string
	for p := range files {
		if strings.HasPrefix(p, "META-INF/") && strings.EqualFold(path.Ext(p), ".sf") {
			sfNames = append(sfNames, p)
		}
	}
	sort.Strings(sfNames)
	if len(sfNames) == 0 {
		return nil, fmt.Errorf("no signature file")
	}

	var signers []jarSigner
	for _, sfName := range sfNames {
		s, err := verifySignatureFile(files, sfName, manifest, msections[0], byName)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sfName, err)
		}
		signers = append(signers, s)
	}

	for p, content := range files {
		if isJARMetadata(p) {
			continue
		}
		s, ok := byName[p]
		if !ok {
			return nil, fmt.Errorf("entry %s is not covered by the manifest", p)
		}
		want := s.attrs["SHA-256-Digest"]
		if want == "" {
			return nil, fmt.Errorf("entry %s has no SHA-256 digest", p)
		}
		if sha256B64(content) != want {
			return nil, errDigest{fmt.Errorf("entry %s digest mismatch", p)}
		}
	}
	for name := range byName {
		if _, ok := files[name]; !ok {
			return nil, fmt.Errorf("manifest lists missing entry %s", name)
		}
	}
	return signers, nil
}

func verifySignatureFile(files map[string][]byte, sfName string, manifest []byte, main section, byName map[string]section) (jarSigner, error) {
	base := strings.TrimSuffix(sfName, path.Ext(sfName))
	var block []byte
	for _, ext := range []string{".RSA", ".EC", ".DSA"} {
		if b, ok := files[base+ext]; ok {
			block = b
			break
		}
	}
	if block == nil {
		return jarSigner{}, fmt.Errorf("signature block is missing")
	}
	p7, err := parsePKCS7(block)
	if err != nil {
		return jarSigner{}, fmt.Errorf("parse signature block: %w", err)
	}
	sf := files[sfName]
	if err := checkSignature(p7.cert.PublicKey, p7.alg, sf, p7.sig); err != nil {
		return jarSigner{}, fmt.Errorf("signature over signature file: %w", err)
	}

	sections, err := parseSections(sf)
	if err != nil {
		return jarSigner{}, fmt.Errorf("parse signature file: %w", err)
	}
	if len(sections) == 0 {
		return jarSigner{}, fmt.Errorf("signature file is empty")
	}
	head := sections[0].attrs
	switch {
	case head["SHA-256-Digest-Manifest"] != "":
		if head["SHA-256-Digest-Manifest"] != sha256B64(manifest) {
			return jarSigner{}, errDigest{fmt.Errorf("manifest digest mismatch")}
		}
	default:
		// Without a whole-manifest digest every section must match.
		if v := head["SHA-256-Digest-Manifest-Main-Attributes"]; v != "" && v != sha256B64(main.raw) {
			return jarSigner{}, errDigest{fmt.Errorf("manifest main attributes digest mismatch")}
		}
		for _, s := range sections[1:] {
			name := s.attrs["Name"]
			ms, ok := byName[name]
			if !ok {
				return jarSigner{}, fmt.Errorf("signature file names unknown section %s", name)
			}
			if s.attrs["SHA-256-Digest"] != sha256B64(ms.raw) {
				return jarSigner{}, errDigest{fmt.Errorf("manifest section %s digest mismatch", name)}
			}
		}
		if len(sections)-1 != len(byName) {
			return jarSigner{}, fmt.Errorf("signature file does not cover every manifest section")
		}
	}

	out := jarSigner{name: sfName, cert: p7.cert, alg: p7.alg}
	if v := head["X-Android-APK-Signed"]; v != "" {
		for _, f := range strings.Split(v, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				return jarSigner{}, fmt.Errorf("malformed X-Android-APK-Signed %q", v)
			}
			out.apkSigned = append(out.apkSigned, id)
		}
	}
	return out, nil
}
