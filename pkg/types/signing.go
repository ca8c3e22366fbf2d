package types

import (
	"fmt"
	"log/slog"
	"strings"
)

type Scheme uint8

const (
	SchemeV1 Scheme = 1 << iota
	SchemeV2
	SchemeV3
	SchemeV4
)

func (s Scheme) String() string {
	switch s {
	case SchemeV1:
		return "v1"
	case SchemeV2:
		return "v2"
	case SchemeV3:
		return "v3"
	case SchemeV4:
		return "v4"
	}
	return fmt.Sprintf("scheme(%d)", uint8(s))
}

var allSchemes = []Scheme{SchemeV1, SchemeV2, SchemeV3, SchemeV4}

// SchemeSet is a subset of {V1, V2, V3, V4}.
type SchemeSet uint8

const DefaultSchemes = SchemeSet(SchemeV1) | SchemeSet(SchemeV2) | SchemeSet(SchemeV3)

func NewSchemeSet(schemes ...Scheme) SchemeSet {
	var s SchemeSet
	for _, x := range schemes {
		s |= SchemeSet(x)
	}
	return s
}

func (s SchemeSet) Has(x Scheme) bool { return s&SchemeSet(x) != 0 }

func (s SchemeSet) Empty() bool { return s == 0 }

func (s SchemeSet) List() []Scheme {
	out := make([]Scheme, 0, len(allSchemes))
	for _, x := range allSchemes {
		if s.Has(x) {
			out = append(out, x)
		}
	}
	return out
}

func (s SchemeSet) String() string {
	parts := make([]string, 0, 4)
	for _, x := range s.List() {
		parts = append(parts, x.String())
	}
	return strings.Join(parts, ",")
}

// Validate rejects the empty set and V3 without V2. V2 is never enabled on
// the caller's behalf.
func (s SchemeSet) Validate() error {
	if s.Empty() {
		return Errorf(KindInvalidRequest, "no signing scheme enabled")
	}
	if s.Has(SchemeV3) && !s.Has(SchemeV2) {
		return Errorf(KindSchemeDependencyViolation, "v3 requires v2 to be enabled")
	}
	return nil
}

func (s SchemeSet) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SchemeSet) UnmarshalText(raw []byte) error {
	parsed, err := ParseSchemes(strings.Split(string(raw), ","))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSchemes accepts "v1", "V2", "3" and similar spellings.
func ParseSchemes(names []string) (SchemeSet, error) {
	var s SchemeSet
	for _, n := range names {
		n = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(n)), "v")
		switch n {
		case "":
			continue
		case "1":
			s |= SchemeSet(SchemeV1)
		case "2":
			s |= SchemeSet(SchemeV2)
		case "3":
			s |= SchemeSet(SchemeV3)
		case "4":
			s |= SchemeSet(SchemeV4)
		default:
			return 0, fmt.Errorf("unknown signing scheme %q", n)
		}
	}
	return s, nil
}

// KeyRef points at one private key and its certificate inside a keystore.
// Credential is a reference (env:, file:, age:), never the secret itself.
type KeyRef struct {
	Keystore      string `json:"keystore" yaml:"keystore"`
	KeyAlias      string `json:"alias,omitempty" yaml:"alias,omitempty"`
	Credential    string `json:"credential,omitempty" yaml:"credential,omitempty"`
	KeyCredential string `json:"key_credential,omitempty" yaml:"key_credential,omitempty"`
}

type SigningConfig struct {
	KeyRef

	Schemes     SchemeSet `json:"schemes"`
	MinSDK      int       `json:"min_sdk,omitempty"`
	AgeIdentity string    `json:"age_identity,omitempty"`
	// Rotation lists previous signing keys, oldest first. The configured key
	// is appended as the newest link of the V3 proof-of-rotation chain.
	Rotation []KeyRef `json:"rotation,omitempty"`
}

func (c SigningConfig) Clone() SigningConfig {
	out := c
	out.Rotation = append([]KeyRef(nil), c.Rotation...)
	return out
}

// LogValue leaves credential references out so that neither they nor
// anything derived from them reach a log sink.
func (c SigningConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("keystore", c.Keystore),
		slog.String("alias", c.KeyAlias),
		slog.String("schemes", c.Schemes.String()),
		slog.Int("rotation", len(c.Rotation)),
	)
}

// SignedPackage is the terminal artifact of a build.
type SignedPackage struct {
	Bytes              []byte    `json:"-"`
	Size               int64     `json:"size"`
	Digest             string    `json:"digest"`
	LayoutDigest       string    `json:"layout_digest"`
	Schemes            SchemeSet `json:"schemes"`
	SigningBlockOffset int64     `json:"signing_block_offset"`
	CertificateDigest  string    `json:"certificate_digest"`
	// V4Signature is the .idsig file stored next to the package.
	V4Signature []byte `json:"-"`
}
