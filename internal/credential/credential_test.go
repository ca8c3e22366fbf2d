package credential

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
)

func TestParseRef(t *testing.T) {
	r, err := ParseRef("env:APKFORGE_STORE_PASS")
	if err != nil {
		t.Fatal(err)
	}
	if r.Scheme != SchemeEnv || r.Target != "APKFORGE_STORE_PASS" {
		t.Errorf("ref = %+v", r)
	}
	if _, err := ParseRef("plaintext-password"); err == nil {
		t.Error("plaintext passwords must be rejected")
	}
	if _, err := ParseRef("vault:secret/x"); err == nil {
		t.Error("unknown scheme accepted")
	}
	zero, err := ParseRef("")
	if err != nil || !zero.IsZero() {
		t.Errorf("empty ref = %+v, %v", zero, err)
	}
}

func TestRefStringRedacts(t *testing.T) {
	r := Ref{Scheme: SchemeFile, Target: "/home/me/.keys/pw"}
	if strings.Contains(r.String(), "/home") || strings.Contains(fmt.Sprint(r.LogValue()), "/home") {
		t.Errorf("ref leaked target: %s", r)
	}
}

func TestResolveEnvAndFile(t *testing.T) {
	rv := Resolver{Getenv: func(k string) string {
		if k == "PW" {
			return "hunter2"
		}
		return ""
	}}
	s, err := rv.Resolve(Ref{Scheme: SchemeEnv, Target: "PW"})
	if err != nil {
		t.Fatal(err)
	}
	if string(s.Bytes()) != "hunter2" {
		t.Errorf("env secret = %q", s.Bytes())
	}
	if _, err := rv.Resolve(Ref{Scheme: SchemeEnv, Target: "MISSING"}); err == nil {
		t.Error("expected error for unset variable")
	}

	p := filepath.Join(t.TempDir(), "pw")
	os.WriteFile(p, []byte("from-file\n"), 0o600)
	s, err = rv.Resolve(Ref{Scheme: SchemeFile, Target: p})
	if err != nil {
		t.Fatal(err)
	}
	if string(s.Bytes()) != "from-file" {
		t.Errorf("file secret = %q, want trailing newline trimmed", s.Bytes())
	}
}

func TestResolveAge(t *testing.T) {
	dir := t.TempDir()
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	idPath := filepath.Join(dir, "identity.txt")
	os.WriteFile(idPath, []byte(id.String()+"\n"), 0o600)

	var ct bytes.Buffer
	w, err := age.Encrypt(&ct, id.Recipient())
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("store-password\n"))
	w.Close()
	ctPath := filepath.Join(dir, "pw.age")
	os.WriteFile(ctPath, ct.Bytes(), 0o600)

	rv := Resolver{AgeIdentity: idPath}
	s, err := rv.Resolve(Ref{Scheme: SchemeAge, Target: ctPath})
	if err != nil {
		t.Fatal(err)
	}
	if string(s.Bytes()) != "store-password" {
		t.Errorf("age secret = %q", s.Bytes())
	}

	noID := Resolver{Getenv: func(string) string { return "" }}
	if _, err := noID.Resolve(Ref{Scheme: SchemeAge, Target: ctPath}); err == nil {
		t.Error("expected error without identity")
	}
}

func TestSecretWipe(t *testing.T) {
	s := NewSecret([]byte("abc"))
	if s.Len() != 3 {
		t.Fatalf("len = %d", s.Len())
	}
	if s.String() != "[redacted]" {
		t.Errorf("String = %q", s.String())
	}
	s.Wipe()
	s.Wipe()
	if s.Len() != 0 {
		t.Error("secret not released")
	}
}
