// Package credential resolves keystore password references. A reference
// names where the secret lives (env:NAME, file:/path, age:/path); the secret
// itself only ever exists in a Secret and is never logged.
package credential

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"filippo.io/age"
)

// IdentityEnv names the variable holding the age identity file path used
// when the configuration does not set one.
const IdentityEnv = "APKFORGE_AGE_IDENTITY"

const (
	SchemeNone = ""
	SchemeEnv  = "env"
	SchemeFile = "file"
	SchemeAge  = "age"
)

type Ref struct {
	Scheme string
	Target string
}

func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, nil
	}
	scheme, target, ok := strings.Cut(s, ":")
	if !ok || target == "" {
		return Ref{}, fmt.Errorf("credential reference must look like scheme:target")
	}
	switch scheme {
	case SchemeEnv, SchemeFile, SchemeAge:
		return Ref{Scheme: scheme, Target: target}, nil
	}
	return Ref{}, fmt.Errorf("unsupported credential scheme %q", scheme)
}

func (r Ref) IsZero() bool { return r.Scheme == SchemeNone }

// String shows only the scheme; environment variable names and file paths
// stay out of logs and reports.
func (r Ref) String() string {
	if r.IsZero() {
		return "none"
	}
	return r.Scheme + ":<redacted>"
}

func (r Ref) LogValue() slog.Value { return slog.StringValue(r.String()) }

type Resolver struct {
	// AgeIdentity is the identity file for age: references. Empty means
	// IdentityEnv is consulted.
	AgeIdentity string
	Getenv      func(string) string
}

func (rv Resolver) getenv(k string) string {
	if rv.Getenv != nil {
		return rv.Getenv(k)
	}
	return os.Getenv(k)
}

// Resolve loads the secret behind ref. A zero reference yields an empty
// secret, which is what unencrypted PEM keystores need.
func (rv Resolver) Resolve(ref Ref) (*Secret, error) {
	var raw []byte
	switch ref.Scheme {
	case SchemeNone:
		return NewSecret(nil), nil
	case SchemeEnv:
		v := rv.getenv(ref.Target)
		if v == "" {
			return nil, fmt.Errorf("credential environment variable is not set")
		}
		raw = []byte(v)
	case SchemeFile:
		b, err := os.ReadFile(ref.Target)
		if err != nil {
			return nil, fmt.Errorf("read credential file: %w", err)
		}
		raw = b
	case SchemeAge:
		b, err := rv.decryptAge(ref.Target)
		if err != nil {
			return nil, err
		}
		raw = b
	default:
		return nil, fmt.Errorf("unsupported credential scheme %q", ref.Scheme)
	}
	trimmed := bytes.TrimRight(raw, "\r\n")
	s := NewSecret(trimmed)
	wipe(raw)
	return s, nil
}

func (rv Resolver) decryptAge(path string) ([]byte, error) {
	idPath := rv.AgeIdentity
	if idPath == "" {
		idPath = rv.getenv(IdentityEnv)
	}
	if idPath == "" {
		return nil, fmt.Errorf("age credential needs an identity file (set %s)", IdentityEnv)
	}
	idFile, err := os.Open(idPath)
	if err != nil {
		return nil, fmt.Errorf("open age identity: %w", err)
	}
	defer idFile.Close()
	identities, err := age.ParseIdentities(idFile)
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}

	ct, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open age credential: %w", err)
	}
	defer ct.Close()
	r, err := age.Decrypt(ct, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt age credential: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read decrypted credential: %w", err)
	}
	return plain, nil
}
