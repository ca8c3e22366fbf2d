package types

import (
	"fmt"
	"strings"
)

// ABI is a canonical Android ABI identifier. The string value doubles as the
// path segment under lib/ in the package.
type ABI string

const (
	ABIArm64  ABI = "arm64-v8a"
	ABIArmV7  ABI = "armeabi-v7a"
	ABIX86    ABI = "x86"
	ABIX86_64 ABI = "x86_64"
)

var KnownABIs = []ABI{ABIArm64, ABIArmV7, ABIX86, ABIX86_64}

var abiAliases = map[string]ABI{
	"arm64-v8a":   ABIArm64,
	"arm64":       ABIArm64,
	"aarch64":     ABIArm64,
	"armeabi-v7a": ABIArmV7,
	"armv7":       ABIArmV7,
	"arm":         ABIArmV7,
	"x86":         ABIX86,
	"i686":        ABIX86,
	"x86_64":      ABIX86_64,
	"amd64":       ABIX86_64,
}

func ParseABI(s string) (ABI, error) {
	a, ok := abiAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown abi %q", s)
	}
	return a, nil
}

func (a ABI) Valid() bool {
	switch a {
	case ABIArm64, ABIArmV7, ABIX86, ABIX86_64:
		return true
	}
	return false
}

// Triple is the Rust/Cargo target triple.
func (a ABI) Triple() string {
	switch a {
	case ABIArm64:
		return "aarch64-linux-android"
	case ABIArmV7:
		return "armv7-linux-androideabi"
	case ABIX86:
		return "i686-linux-android"
	case ABIX86_64:
		return "x86_64-linux-android"
	}
	return ""
}

// ClangTriple is the prefix of the NDK clang driver for this ABI, to which the
// API level is appended (aarch64-linux-android21-clang).
func (a ABI) ClangTriple() string {
	switch a {
	case ABIArm64:
		return "aarch64-linux-android"
	case ABIArmV7:
		return "armv7a-linux-androideabi"
	case ABIX86:
		return "i686-linux-android"
	case ABIX86_64:
		return "x86_64-linux-android"
	}
	return ""
}

type Variant string

const (
	VariantDebug   Variant = "debug"
	VariantRelease Variant = "release"
)

func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case VariantDebug, VariantRelease:
		return v, nil
	case "":
		return VariantDebug, nil
	}
	return "", fmt.Errorf("unknown variant %q", s)
}

// Title is the capitalized form gradle uses in task names.
func (v Variant) Title() string {
	if v == "" {
		return ""
	}
	return strings.ToUpper(string(v[:1])) + string(v[1:])
}

// BackendKind is the closed set of build paths a module can take.
type BackendKind string

const (
	BackendNative BackendKind = "native"
	BackendJVM    BackendKind = "jvm"
)

func ParseBackendKind(s string) (BackendKind, error) {
	switch k := BackendKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", BackendNative, BackendJVM:
		return k, nil
	case "gradle":
		return BackendJVM, nil
	case "cargo", "ndk":
		return BackendNative, nil
	}
	return "", fmt.Errorf("unknown backend %q", s)
}
