// Package compile runs the external toolchain that turns one native module
// into a shared library for one ABI.
package compile

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/ogulcanaydogan/apkforge/internal/hash"
	"github.com/ogulcanaydogan/apkforge/internal/toolchain"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

// StderrTail bounds how much compiler output is kept for diagnostics.
const StderrTail = 4 << 10

type Job struct {
	Target      types.ABITarget
	Module      types.Module
	Variant     types.Variant
	Toolchain   toolchain.Toolchain
	ProjectRoot string
	// OutDir is private to this module and ABI; it is created if missing.
	OutDir  string
	Timeout time.Duration
	// Env is appended to the inherited environment.
	Env    []string
	Logger *slog.Logger
}

// Invocation is the fully expanded command of a job.
type Invocation struct {
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Output string
}

type templateData struct {
	ABI         string
	Triple      string
	ClangTriple string
	Compiler    string
	Linker      string
	Sysroot     string
	API         int
	OutDir      string
	Variant     string
	Library     string
	ModuleDir   string
}

// LibraryName is the file a module's build is expected to produce.
func LibraryName(m types.Module) string {
	if m.Library != "" {
		return m.Library
	}
	return "lib" + strings.ReplaceAll(m.Name, "-", "_") + ".so"
}

// Plan expands the module command (or the cargo default) for job.
func Plan(job Job) (Invocation, error) {
	abi := job.Target.ABI
	tc := job.Toolchain
	data := templateData{
		ABI:         string(abi),
		Triple:      abi.Triple(),
		ClangTriple: abi.ClangTriple(),
		Compiler:    tc.Compiler,
		Linker:      tc.Linker,
		Sysroot:     tc.Sysroot,
		API:         tc.API,
		OutDir:      job.OutDir,
		Variant:     string(job.Variant),
		Library:     LibraryName(job.Module),
		ModuleDir:   job.Module.Path(job.ProjectRoot),
	}
	inv := Invocation{Dir: data.ModuleDir, Env: append([]string(nil), job.Env...)}
	inv.Env = append(inv.Env,
		"CC="+tc.Compiler,
		"ANDROID_ABI="+data.ABI,
		"ANDROID_PLATFORM=android-"+fmt.Sprint(tc.API),
	)

	if len(job.Module.Command) == 0 {
		profile := "debug"
		args := []string{"build", "--lib", "--target", data.Triple, "--target-dir", job.OutDir}
		if job.Variant == types.VariantRelease {
			profile = "release"
			args = append(args, "--release")
		}
		envTriple := strings.ReplaceAll(data.Triple, "-", "_")
		inv.Path = "cargo"
		inv.Args = args
		inv.Env = append(inv.Env,
			"CC_"+envTriple+"="+tc.Compiler,
			"AR_"+envTriple+"="+filepath.Join(filepath.Dir(tc.Compiler), "llvm-ar"),
			"CARGO_TARGET_"+strings.ToUpper(envTriple)+"_LINKER="+tc.Linker,
		)
		inv.Output = filepath.Join(job.OutDir, data.Triple, profile, data.Library)
		return inv, nil
	}

	argv := make([]string, len(job.Module.Command))
	for i, raw := range job.Module.Command {
		tmpl, err := template.New("arg").Option("missingkey=error").Parse(raw)
		if err != nil {
			return Invocation{}, fmt.Errorf("parse command argument %d: %w", i, err)
		}
		var b bytes.Buffer
		if err := tmpl.Execute(&b, data); err != nil {
			return Invocation{}, fmt.Errorf("expand command argument %d: %w", i, err)
		}
		argv[i] = b.String()
	}
	inv.Path, inv.Args = argv[0], argv[1:]
	inv.Output = filepath.Join(job.OutDir, data.Library)
	return inv, nil
}

// Run compiles one module for one ABI and returns the produced library.
func Run(ctx context.Context, job Job) (types.CompiledArtifact, error) {
	start := time.Now()
	log := job.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	fail := func(kind types.ErrorKind, exit int, err error) (types.CompiledArtifact, error) {
		return types.CompiledArtifact{}, &types.Error{Kind: kind, ABI: job.Target.ABI, Module: job.Module.Name, ExitStatus: exit, Err: err}
	}

	if job.Toolchain.Compiler != "" {
		if _, err := os.Stat(job.Toolchain.Compiler); err != nil {
			return fail(types.KindToolchainMissing, 0, fmt.Errorf("compiler %s: %w", job.Toolchain.Compiler, err))
		}
	}
	inv, err := Plan(job)
	if err != nil {
		return fail(types.KindInvalidRequest, 0, err)
	}
	path, err := lookPath(inv.Path, inv.Dir)
	if err != nil {
		return fail(types.KindToolchainMissing, 0, err)
	}
	if err := os.MkdirAll(job.OutDir, 0o755); err != nil {
		return fail(types.KindIO, 0, fmt.Errorf("create output dir: %w", err))
	}

	log.Debug("compiler started", "command", inv.Path, "args", inv.Args, "dir", inv.Dir)
	if err := Exec(ctx, Command{Path: path, Args: inv.Args, Dir: inv.Dir, Env: inv.Env, Timeout: job.Timeout}); err != nil {
		if te, ok := types.AsError(err); ok {
			te.ABI, te.Module = job.Target.ABI, job.Module.Name
		}
		return types.CompiledArtifact{}, err
	}
	elapsed := time.Since(start)

	content, err := os.ReadFile(inv.Output)
	if err != nil {
		return fail(types.KindCompileError, 0, fmt.Errorf("toolchain produced no %s: %w", filepath.Base(inv.Output), err))
	}
	return types.CompiledArtifact{
		Target:   job.Target,
		Name:     filepath.Base(inv.Output),
		Path:     inv.Output,
		Content:  content,
		Digest:   hash.DigestBytes(content),
		Duration: elapsed,
	}, nil
}

// lookPath resolves name against PATH, or against dir when name contains a
// path separator.
func lookPath(name, dir string) (string, error) {
	if filepath.Base(name) != name {
		if !filepath.IsAbs(name) {
			name = filepath.Join(dir, name)
		}
		info, err := os.Stat(name)
		if err != nil {
			return "", fmt.Errorf("compiler command %s: %w", name, err)
		}
		if info.IsDir() || info.Mode()&0o111 == 0 {
			return "", fmt.Errorf("compiler command %s is not executable", name)
		}
		return name, nil
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("compiler command %s: %w", name, err)
	}
	return p, nil
}
