package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

func TestGenerateAndLoadRSA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.pem")
	if err := GenerateDevKey(path, "release", KeyTypeRSA); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("perm = %o, want 600", info.Mode().Perm())
	}
	k, err := Load(path, "release", nil)
	if err != nil {
		t.Fatal(err)
	}
	if k.Alias != "release" || k.Certificate == nil || k.Signer == nil {
		t.Fatalf("key = %+v", k)
	}
	if !strings.HasPrefix(k.CertificateDigest(), "sha256:") {
		t.Errorf("cert digest = %q", k.CertificateDigest())
	}
}

func TestLoadECDSA_AliasMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ec.pem")
	if err := GenerateDevKey(path, "upload", KeyTypeECDSA); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, "upload", nil); err != nil {
		t.Fatalf("load ecdsa: %v", err)
	}
	_, err := Load(path, "release", nil)
	te, ok := types.AsError(err)
	if !ok || te.Kind != types.KindKeyUnavailable || te.KeyAlias != "release" {
		t.Fatalf("err = %v, want key_unavailable for alias release", err)
	}
}

func TestLoadUnnamedKeyAcceptsAnyAlias(t *testing.T) {
	k, err := NewSelfSigned("", KeyTypeECDSA, "test")
	if err != nil {
		t.Fatal(err)
	}
	der, _ := x509.MarshalPKCS8PrivateKey(k.Signer)
	raw := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	raw = append(raw, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: k.Certificate.Raw})...)
	path := filepath.Join(t.TempDir(), "k.pem")
	os.WriteFile(path, raw, 0o600)

	got, err := Load(path, "anything", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Alias != "anything" {
		t.Errorf("alias = %q", got.Alias)
	}
}

func TestLoadMismatchedCertificate(t *testing.T) {
	a, _ := NewSelfSigned("a", KeyTypeECDSA, "a")
	b, _ := NewSelfSigned("b", KeyTypeECDSA, "b")
	der, _ := x509.MarshalPKCS8PrivateKey(a.Signer)
	raw := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	raw = append(raw, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b.Certificate.Raw})...)
	path := filepath.Join(t.TempDir(), "k.pem")
	os.WriteFile(path, raw, 0o600)

	if _, err := Load(path, "", nil); types.KindOf(err) != types.KindKeyUnavailable {
		t.Fatalf("err = %v, want key_unavailable", err)
	}
}

func TestLoadJKSRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.keystore")
	os.WriteFile(path, []byte{0xfe, 0xed, 0xfe, 0xed, 0, 0, 0, 2}, 0o600)
	_, err := Load(path, "androiddebugkey", nil)
	if types.KindOf(err) != types.KindKeyUnavailable || !strings.Contains(err.Error(), "pkcs12") {
		t.Fatalf("err = %v, want key_unavailable with conversion hint", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "none.pem"), "x", nil); types.KindOf(err) != types.KindKeyUnavailable {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadEd25519(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	der, _ := x509.MarshalPKCS8PrivateKey(priv)
	tmpl := &x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, priv.Public(), priv)
	if err != nil {
		t.Fatal(err)
	}
	raw := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	raw = append(raw, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})...)
	path := filepath.Join(t.TempDir(), "ed.pem")
	os.WriteFile(path, raw, 0o600)

	// Loading succeeds; rejecting the algorithm is the signer's job.
	k, err := Load(path, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := k.Signer.Public().(ed25519.PublicKey); !ok {
		t.Errorf("signer = %T", k.Signer)
	}
}
