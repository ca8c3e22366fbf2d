package keystore

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"github.com/ogulcanaydogan/apkforge/internal/hash"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

// AliasHeader is the PEM header naming the key alias inside a bundle.
const AliasHeader = "Key-Alias"

var jksMagic = []byte{0xfe, 0xed, 0xfe, 0xed}

// Key is one signing key with its certificate. The key is shared read-only
// by every build that signs with it.
type Key struct {
	Alias       string
	Signer      crypto.Signer
	Certificate *x509.Certificate
}

func (k Key) CertificateDigest() string {
	if k.Certificate == nil {
		return ""
	}
	return hash.DigestBytes(k.Certificate.Raw)
}

// Load reads alias from the keystore at path. PEM bundles and PKCS#12 files
// are supported; JKS keystores are rejected with a conversion hint.
func Load(path, alias string, password []byte) (Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Key{}, unavailable(alias, path, fmt.Errorf("read keystore: %w", err))
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case bytes.HasPrefix(raw, jksMagic) || ext == ".jks" || ext == ".keystore":
		return Key{}, unavailable(alias, path, fmt.Errorf("jks keystores are not supported; convert with keytool -importkeystore -deststoretype pkcs12"))
	case ext == ".p12" || ext == ".pfx":
		blocks, err := pkcs12.ToPEM(raw, string(password))
		if err != nil {
			return Key{}, unavailable(alias, path, fmt.Errorf("decode pkcs12: %w", err))
		}
		return fromBlocks(path, alias, blocks, "friendlyName")
	default:
		var blocks []*pem.Block
		rest := raw
		for {
			var b *pem.Block
			b, rest = pem.Decode(rest)
			if b == nil {
				break
			}
			blocks = append(blocks, b)
		}
		if len(blocks) == 0 {
			return Key{}, unavailable(alias, path, fmt.Errorf("no pem blocks found"))
		}
		return fromBlocks(path, alias, blocks, AliasHeader)
	}
}

type candidate struct {
	alias  string
	signer crypto.Signer
}

func fromBlocks(path, alias string, blocks []*pem.Block, aliasHeader string) (Key, error) {
	var keys []candidate
	var certs []*x509.Certificate
	for _, b := range blocks {
		switch b.Type {
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return Key{}, unavailable(alias, path, fmt.Errorf("parse certificate: %w", err))
			}
			certs = append(certs, c)
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			s, err := parsePrivateKey(b)
			if err != nil {
				return Key{}, unavailable(alias, path, err)
			}
			keys = append(keys, candidate{alias: b.Headers[aliasHeader], signer: s})
		}
	}

	chosen, err := pick(keys, alias)
	if err != nil {
		return Key{}, unavailable(alias, path, err)
	}
	for _, c := range certs {
		if samePublicKey(c.PublicKey, chosen.signer.Public()) {
			name := alias
			if name == "" {
				name = chosen.alias
			}
			return Key{Alias: name, Signer: chosen.signer, Certificate: c}, nil
		}
	}
	return Key{}, unavailable(alias, path, fmt.Errorf("no certificate matches the private key"))
}

// pick selects the key named alias. A bundle holding a single unnamed key
// satisfies any alias.
func pick(keys []candidate, alias string) (candidate, error) {
	if len(keys) == 0 {
		return candidate{}, fmt.Errorf("keystore holds no private key")
	}
	for _, k := range keys {
		if alias == "" || strings.EqualFold(k.alias, alias) {
			return k, nil
		}
	}
	if len(keys) == 1 && keys[0].alias == "" {
		return keys[0], nil
	}
	return candidate{}, fmt.Errorf("alias not found in keystore")
}

// parsePrivateKey tries every DER encoding regardless of the block type:
// pkcs12.ToPEM labels PKCS#1 and SEC 1 keys as "PRIVATE KEY".
func parsePrivateKey(b *pem.Block) (crypto.Signer, error) {
	var parsed any
	var err error
	if parsed, err = x509.ParsePKCS8PrivateKey(b.Bytes); err != nil {
		if k, e := x509.ParsePKCS1PrivateKey(b.Bytes); e == nil {
			parsed, err = k, nil
		} else if k, e := x509.ParseECPrivateKey(b.Bytes); e == nil {
			parsed, err = k, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", strings.ToLower(b.Type), err)
	}
	s, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key of type %T cannot sign", parsed)
	}
	return s, nil
}

func samePublicKey(a, b crypto.PublicKey) bool {
	switch pa := a.(type) {
	case *rsa.PublicKey:
		return pa.Equal(b)
	case *ecdsa.PublicKey:
		return pa.Equal(b)
	case ed25519.PublicKey:
		return pa.Equal(b)
	}
	return false
}

func unavailable(alias, path string, err error) error {
	return &types.Error{Kind: types.KindKeyUnavailable, KeyAlias: alias, Path: path, Err: err}
}
