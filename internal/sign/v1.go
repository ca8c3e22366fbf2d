package sign

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"path"
	"strings"

	"github.com/ogulcanaydogan/apkforge/internal/archive"
	"github.com/ogulcanaydogan/apkforge/internal/keystore"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

const (
	manifestName = "META-INF/MANIFEST.MF"
	createdBy    = "1.0 (apkforge)"
	maxLineLen   = 72
)

// IsSignatureFile reports whether p is JAR signing metadata that has to be
// regenerated whenever the package is signed.
func IsSignatureFile(p string) bool {
	if p == manifestName {
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

// signerName derives the META-INF base name from the key alias: upper case,
// at most eight characters from [A-Z0-9_-].
func signerName(alias string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(alias) {
		if b.Len() == 8 {
			break
		}
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "CERT"
	}
	return b.String()
}

// writeAttr writes "name: value" wrapped at 72 bytes with CRLF line ends
// and single-space continuation lines.
func writeAttr(b *bytes.Buffer, name, value string) {
	line := name + ": " + value
	limit := maxLineLen
	for len(line) > limit {
		b.WriteString(line[:limit])
		b.WriteString("\r\n ")
		line = line[limit:]
		limit = maxLineLen - 1
	}
	b.WriteString(line)
	b.WriteString("\r\n")
}

func b64sha256(p []byte) string {
	sum := sha256.Sum256(p)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// v1Entries produces MANIFEST.MF, <NAME>.SF and the PKCS#7 signature block
// for l. Entry digests follow the layout order.
func v1Entries(l archive.Layout, key keystore.Key, alg uint32, schemes types.SchemeSet) ([]archive.Entry, error) {
	var main bytes.Buffer
	writeAttr(&main, "Manifest-Version", "1.0")
	writeAttr(&main, "Created-By", createdBy)
	main.WriteString("\r\n")

	manifest := bytes.NewBuffer(bytes.Clone(main.Bytes()))
	sections := make([][]byte, 0, len(l.Entries))
	for _, e := range l.Entries {
		var s bytes.Buffer
		writeAttr(&s, "Name", e.Path)
		writeAttr(&s, "SHA-256-Digest", b64sha256(e.Content))
		s.WriteString("\r\n")
		sections = append(sections, s.Bytes())
		manifest.Write(s.Bytes())
	}

	var sf bytes.Buffer
	writeAttr(&sf, "Signature-Version", "1.0")
	writeAttr(&sf, "Created-By", createdBy)
	writeAttr(&sf, "SHA-256-Digest-Manifest", b64sha256(manifest.Bytes()))
	writeAttr(&sf, "SHA-256-Digest-Manifest-Main-Attributes", b64sha256(main.Bytes()))
	if signed := apkSignedValue(schemes); signed != "" {
		writeAttr(&sf, "X-Android-APK-Signed", signed)
	}
	sf.WriteString("\r\n")
	for i, e := range l.Entries {
		writeAttr(&sf, "Name", e.Path)
		writeAttr(&sf, "SHA-256-Digest", b64sha256(sections[i]))
		sf.WriteString("\r\n")
	}

	sig, err := signMessage(key.Signer, alg, sf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("v1 signature file: %w", err)
	}
	block, err := pkcs7SignedData(key.Certificate, alg, sig)
	if err != nil {
		return nil, fmt.Errorf("v1 signature block: %w", err)
	}

	name := "META-INF/" + signerName(key.Alias)
	ext := ".RSA"
	if alg == AlgECDSASHA256 {
		ext = ".EC"
	}
	return []archive.Entry{
		{Path: manifestName, Content: manifest.Bytes(), Compress: true},
		{Path: name + ".SF", Content: sf.Bytes(), Compress: true},
		{Path: name + ext, Content: block, Compress: true},
	}, nil
}

// apkSignedValue lists the container schemes a V1 verifier must insist on,
// which defeats downgrade by stripping the signing block.
func apkSignedValue(schemes types.SchemeSet) string {
	var ids []string
	if schemes.Has(types.SchemeV2) {
		ids = append(ids, "2")
	}
	if schemes.Has(types.SchemeV3) {
		ids = append(ids, "3")
	}
	return strings.Join(ids, ", ")
}
