package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindToolchainMissing          ErrorKind = "toolchain_missing"
	KindCompileError              ErrorKind = "compile_error"
	KindArchiveConflict           ErrorKind = "archive_conflict"
	KindManifestResolution        ErrorKind = "manifest_resolution_error"
	KindMissingArchitecture       ErrorKind = "missing_architecture"
	KindKeyUnavailable            ErrorKind = "key_unavailable"
	KindUnsupportedAlgorithm      ErrorKind = "unsupported_algorithm"
	KindSchemeDependencyViolation ErrorKind = "scheme_dependency_violation"
	KindDigestMismatchOnSelfCheck ErrorKind = "digest_mismatch_on_self_check"
	KindCancelled                 ErrorKind = "cancelled"
	KindTimeout                   ErrorKind = "timeout"
	KindInvalidRequest            ErrorKind = "invalid_request"
	KindIO                        ErrorKind = "io_error"
)

// ABILocal reports whether failures of this kind stay scoped to one ABI task
// and may be downgraded when the target is optional.
func (k ErrorKind) ABILocal() bool {
	switch k {
	case KindToolchainMissing, KindCompileError, KindTimeout:
		return true
	}
	return false
}

// Retryable kinds get exactly one more attempt from a clean output directory.
func (k ErrorKind) Retryable() bool {
	return k == KindCompileError || k == KindTimeout
}

// Error carries the kind plus whatever context pins the failure down: the
// offending entry path, ABI or key alias.
type Error struct {
	Kind       ErrorKind
	ABI        ABI
	Module     string
	Path       string
	KeyAlias   string
	ExitStatus int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	var ctx []string
	if e.ABI != "" {
		ctx = append(ctx, "abi="+string(e.ABI))
	}
	if e.Module != "" {
		ctx = append(ctx, "module="+e.Module)
	}
	if e.Path != "" {
		ctx = append(ctx, "path="+e.Path)
	}
	if e.KeyAlias != "" {
		ctx = append(ctx, "alias="+e.KeyAlias)
	}
	if e.ExitStatus != 0 {
		ctx = append(ctx, fmt.Sprintf("exit=%d", e.ExitStatus))
	}
	if len(ctx) > 0 {
		b.WriteString(" [" + strings.Join(ctx, " ") + "]")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func WrapError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// KindOf classifies err. Context errors map to cancelled and timeout; anything
// unclassified is treated as an I/O failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if te, ok := AsError(err); ok {
		return te.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindIO
}
