package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ogulcanaydogan/apkforge/internal/compile"
	"github.com/ogulcanaydogan/apkforge/internal/config"
	"github.com/ogulcanaydogan/apkforge/internal/hash"
	"github.com/ogulcanaydogan/apkforge/internal/report"
	"github.com/ogulcanaydogan/apkforge/internal/verify"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	return root.Execute()
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return exitOK
	}
	var ce cliError
	if !errors.As(err, &ce) {
		t.Fatalf("expected cliError, got %T: %v", err, err)
	}
	return ce.code
}

func fakeCompile(calls *atomic.Int32, fail types.ABI) func(context.Context, compile.Job) (types.CompiledArtifact, error) {
	return func(_ context.Context, job compile.Job) (types.CompiledArtifact, error) {
		calls.Add(1)
		if job.Target.ABI == fail {
			return types.CompiledArtifact{}, &types.Error{Kind: types.KindCompileError, ABI: fail, Module: job.Module.Name, ExitStatus: 1, Err: os.ErrInvalid}
		}
		content := []byte("elf:" + string(job.Target.ABI))
		return types.CompiledArtifact{
			Target:  job.Target,
			Name:    compile.LibraryName(job.Module),
			Content: content,
			Digest:  hash.DigestBytes(content),
		}, nil
	}
}

// initProject runs `apkforge init` in a temp dir and points every ABI at a
// static toolchain so no NDK is needed.
func initProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, config.FileName)
	if err := run(t, "init", "--config", cfgPath); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Toolchain.Overrides = map[string]config.ToolOverride{}
	for _, a := range cfg.ABIs {
		cfg.Toolchain.Overrides[a.Name] = config.ToolOverride{Sysroot: "sysroot"}
	}
	if err := config.Write(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "app"), 0o755); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func withCompile(t *testing.T, fn func(context.Context, compile.Job) (types.CompiledArtifact, error)) {
	t.Helper()
	original := compileFunc
	t.Cleanup(func() { compileFunc = original })
	compileFunc = fn
}

func TestNewRootCommand_SubcommandRegistration(t *testing.T) {
	root := newRootCommand()
	want := map[string]bool{"init": false, "build": false, "sign": false, "verify": false, "keygen": false, "report": false}
	for _, c := range root.Commands() {
		want[c.Name()] = true
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand: %s", name)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger("debug", "json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Debug("hello", "abi", "arm64-v8a")
	if !strings.Contains(buf.String(), `"abi":"arm64-v8a"`) {
		t.Fatalf("json log = %q", buf.String())
	}
	if _, err := newLogger("loud", "text", &buf); err == nil {
		t.Error("expected error for bad level")
	}
	if _, err := newLogger("info", "xml", &buf); err == nil {
		t.Error("expected error for bad format")
	}
}

func TestKeygenCommand_ErrorPaths(t *testing.T) {
	if err := run(t, "keygen"); err == nil || !strings.Contains(err.Error(), "--out is required") {
		t.Fatalf("unexpected error: %v", err)
	}
	out := filepath.Join(t.TempDir(), "release.pem")
	if err := run(t, "keygen", "--out", out, "--type", "ecdsa"); err != nil {
		t.Fatal(err)
	}
	if err := run(t, "keygen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if err := run(t, "keygen", "--out", out, "--force", "--type", "dsa"); err == nil {
		t.Fatal("expected error for unsupported key type")
	}
}

func TestBuildVerifyReport(t *testing.T) {
	cfgPath := initProject(t)
	dir := filepath.Dir(cfgPath)
	var calls atomic.Int32
	withCompile(t, fakeCompile(&calls, ""))

	apk := filepath.Join(dir, "out", "app.apk")
	summaryPath := filepath.Join(dir, "summary.json")
	if err := run(t, "build", "--config", cfgPath, "--quiet", "--out", apk, "--summary", summaryPath); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("compile calls = %d, want 3", calls.Load())
	}

	s, err := report.ReadSummary(summaryPath)
	if err != nil {
		t.Fatal(err)
	}
	if s.Outcome != types.OutcomeSuccess || s.Package == nil || s.Package.Path != apk {
		t.Fatalf("summary = %+v", s)
	}

	verifyJSON := filepath.Join(dir, "verify.json")
	if err := run(t, "verify", apk, "--format", "json", "--out", verifyJSON, "--require", "v1,v2,v3"); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	raw, err := os.ReadFile(verifyJSON)
	if err != nil {
		t.Fatal(err)
	}
	var r verify.Report
	if err := json.Unmarshal(raw, &r); err != nil {
		t.Fatal(err)
	}
	if !r.Passed || r.ExitCode != verify.ExitPass {
		t.Fatalf("verify report = %+v", r)
	}

	md := filepath.Join(dir, "build.md")
	if err := run(t, "report", "--in", summaryPath, "--out", md); err != nil {
		t.Fatal(err)
	}
	body, err := os.ReadFile(md)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "# APK Build Report") {
		t.Errorf("report markdown = %s", body)
	}

	// The second build is served from the local cache.
	if err := run(t, "build", "--config", cfgPath, "--quiet", "--out", apk); err != nil {
		t.Fatalf("cached build failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("cached build compiled again: calls = %d", calls.Load())
	}
}

func TestBuildCommand_PartialFailure(t *testing.T) {
	cfgPath := initProject(t)
	apk := filepath.Join(filepath.Dir(cfgPath), "app.apk")
	var calls atomic.Int32
	withCompile(t, fakeCompile(&calls, types.ABIX86_64))

	if err := run(t, "build", "--config", cfgPath, "--quiet", "--out", apk); err != nil {
		t.Fatalf("degraded build should exit 0 without --strict: %v", err)
	}
	err := run(t, "build", "--config", cfgPath, "--quiet", "--out", apk, "--strict")
	if code := exitCode(t, err); code != exitPartial {
		t.Fatalf("exit code = %d, want %d", code, exitPartial)
	}
}

func TestBuildCommand_RequiredFailureIsFatal(t *testing.T) {
	cfgPath := initProject(t)
	apk := filepath.Join(filepath.Dir(cfgPath), "app.apk")
	var calls atomic.Int32
	withCompile(t, fakeCompile(&calls, types.ABIArm64))

	err := run(t, "build", "--config", cfgPath, "--quiet", "--out", apk)
	if code := exitCode(t, err); code != exitFatal {
		t.Fatalf("exit code = %d, want %d", code, exitFatal)
	}
	if hash.FileExists(apk) {
		t.Error("failed build wrote a package")
	}
}

func TestBuildCommand_MissingConfig(t *testing.T) {
	err := run(t, "build", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	if code := exitCode(t, err); code != exitFatal {
		t.Fatalf("exit code = %d, want %d", code, exitFatal)
	}
}

func TestApplyBuildFlags(t *testing.T) {
	cfg := config.Default()
	applyBuildFlags(&cfg, buildFlags{optionalABIs: []string{"x86"}, variant: "release", jobs: 3})
	var names []string
	for _, a := range cfg.ABIs {
		n := a.Name
		if a.Optional {
			n += "?"
		}
		names = append(names, n)
	}
	if got := strings.Join(names, ","); got != "arm64-v8a,armeabi-v7a,x86?" {
		t.Fatalf("abis = %s", got)
	}
	if cfg.Variant != "release" || cfg.Build.Jobs != 3 {
		t.Fatalf("cfg = %+v", cfg)
	}

	cfg = config.Default()
	applyBuildFlags(&cfg, buildFlags{abis: []string{"x86_64"}})
	if len(cfg.ABIs) != 1 || cfg.ABIs[0].Optional {
		t.Fatalf("abis = %+v", cfg.ABIs)
	}
}

func TestSignCommand_ResignWithNewKey(t *testing.T) {
	cfgPath := initProject(t)
	dir := filepath.Dir(cfgPath)
	var calls atomic.Int32
	withCompile(t, fakeCompile(&calls, ""))
	apk := filepath.Join(dir, "app.apk")
	if err := run(t, "build", "--config", cfgPath, "--quiet", "--out", apk); err != nil {
		t.Fatal(err)
	}

	key := filepath.Join(dir, "release.pem")
	if err := run(t, "keygen", "--out", key, "--alias", "release", "--type", "ecdsa"); err != nil {
		t.Fatal(err)
	}
	resigned := filepath.Join(dir, "release.apk")
	err := run(t, "sign", "--config", cfgPath, "--in", apk, "--out", resigned,
		"--keystore", key, "--alias", "release", "--schemes", "v2,v4")
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !hash.FileExists(resigned + ".idsig") {
		t.Fatal("v4 signature not written")
	}
	if err := run(t, "verify", "--in", resigned, "--require", "v2,v4", "--format", "json", "--out", filepath.Join(dir, "v.json")); err != nil {
		t.Fatalf("verify of re-signed package failed: %v", err)
	}
}

func TestSignCommand_MissingInFlag(t *testing.T) {
	err := run(t, "sign")
	if err == nil || !strings.Contains(err.Error(), "--in is required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyCommand_ExitCodes(t *testing.T) {
	cfgPath := initProject(t)
	dir := filepath.Dir(cfgPath)
	var calls atomic.Int32
	withCompile(t, fakeCompile(&calls, ""))
	apk := filepath.Join(dir, "app.apk")
	if err := run(t, "build", "--config", cfgPath, "--quiet", "--out", apk, "--schemes", "v2"); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "verify.md")

	err := run(t, "verify", apk, "--require", "v3", "--out", out)
	if code := exitCode(t, err); code != verify.ExitMissing {
		t.Fatalf("missing scheme exit = %d, want %d", code, verify.ExitMissing)
	}

	raw, err := os.ReadFile(apk)
	if err != nil {
		t.Fatal(err)
	}
	// Flip a byte inside the first local entry's data.
	raw[40] ^= 0xff
	tampered := filepath.Join(dir, "tampered.apk")
	if err := os.WriteFile(tampered, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	err = run(t, "verify", tampered, "--out", out)
	if code := exitCode(t, err); code == exitOK {
		t.Fatal("tampered package verified")
	}

	notZip := filepath.Join(dir, "junk.apk")
	if err := os.WriteFile(notZip, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	err = run(t, "verify", notZip, "--out", out)
	if code := exitCode(t, err); code != verify.ExitFormatFail {
		t.Fatalf("format exit = %d, want %d", code, verify.ExitFormatFail)
	}

	err = run(t, "verify", apk, "--format", "yaml")
	if code := exitCode(t, err); code != verify.ExitFormatFail {
		t.Fatalf("bad format exit = %d", code)
	}
}

func TestReportCommand_RejectsUnknownDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.json")
	if err := os.WriteFile(path, []byte(`{"hello":"world"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run(t, "report", "--in", path); err == nil {
		t.Fatal("expected error")
	}
	if err := run(t, "report"); err == nil || !strings.Contains(err.Error(), "--in is required") {
		t.Fatalf("unexpected error: %v", err)
	}
}
