package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ogulcanaydogan/apkforge/internal/verify"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

func sampleResult() types.BuildResult {
	ev := func(kind types.EventKind, module string, abi types.ABI, msg string) types.BuildEvent {
		return types.BuildEvent{Kind: kind, Stage: types.StateCompiling, Module: module, ABI: abi, Message: msg}
	}
	return types.BuildResult{
		ID:      "b-1",
		Outcome: types.OutcomePartialFailure,
		Package: &types.SignedPackage{
			Digest:             "sha256:aa",
			LayoutDigest:       "sha256:bb",
			Size:               4096,
			Schemes:            types.NewSchemeSet(types.SchemeV1, types.SchemeV2),
			SigningBlockOffset: 2048,
			CertificateDigest:  "sha256:cc",
		},
		Failures: []types.ABIFailure{
			{ABI: types.ABIX86, Module: "core", Kind: types.KindCompileError, Message: "exit 2 | ld failed", ExitStatus: 2, Attempts: 2},
		},
		Timing: types.Timing{
			Total:   3 * time.Second,
			Compile: 2 * time.Second,
			PerABI:  map[types.ABI]time.Duration{types.ABIArm64: time.Second},
		},
		Events: []types.BuildEvent{
			{Kind: types.EventStageEntered, Stage: types.StateCompiling},
			ev(types.EventABIStarted, "core", types.ABIArm64, ""),
			ev(types.EventABIStarted, "core", types.ABIX86, ""),
			ev(types.EventABIStarted, "app", "", ""),
			ev(types.EventABICompleted, "core", types.ABIArm64, "cached"),
			ev(types.EventABIRetry, "core", types.ABIX86, "exit 2"),
			ev(types.EventABIFailed, "core", types.ABIX86, "exit 2"),
			ev(types.EventABICompleted, "app", "", ""),
		},
		States: []types.State{types.StateQueued, types.StateCompiling, types.StateMerging, types.StateSigning, types.StateDone},
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleResult())
	if s.BuildID != "b-1" || s.Outcome != types.OutcomePartialFailure || s.Events != 8 {
		t.Fatalf("summary header = %+v", s)
	}
	if len(s.Targets) != 3 {
		t.Fatalf("targets = %+v", s.Targets)
	}
	if got := s.Targets[0]; got.ABI != types.ABIArm64 || got.Status != StatusCached || got.Attempts != 1 {
		t.Errorf("arm64 = %+v", got)
	}
	if got := s.Targets[1]; got.Status != StatusDegraded || got.Attempts != 2 || got.ExitStatus != 2 {
		t.Errorf("x86 = %+v", got)
	}
	if got := s.Targets[2]; got.Module != "app" || got.ABI != "" || got.Status != StatusOK {
		t.Errorf("app = %+v", got)
	}
	if s.Package == nil || s.Package.Digest != "sha256:aa" {
		t.Errorf("package = %+v", s.Package)
	}
}

func TestSummarize_FatalMarksRequiredFailure(t *testing.T) {
	r := sampleResult()
	r.Outcome = types.OutcomeFatal
	r.Package = nil
	r.Failures[0].Required = true
	r.Reason = &types.Failure{Kind: types.KindCompileError, Message: "1 required target(s) failed"}
	s := Summarize(r)
	if s.Targets[1].Status != StatusFailed || !s.Targets[1].Required {
		t.Fatalf("x86 = %+v", s.Targets[1])
	}
	if s.Package != nil {
		t.Fatal("fatal summary carries a package")
	}
}

func TestBuildMarkdown(t *testing.T) {
	md := BuildMarkdown(Summarize(sampleResult()))
	for _, want := range []string{
		"# APK Build Report",
		"Outcome: **partial_failure**",
		"Schemes: `v1,v2`",
		"Signing Block Offset: `2048`",
		"| core | x86 | degraded | 2 | compile_error | exit 2 \\| ld failed |",
		"| app | - | ok | 1 | - | - |",
		"- arm64-v8a: `1s`",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
}

func sampleVerify() verify.Report {
	return verify.Report{
		Passed:   false,
		ExitCode: verify.ExitDowngrade,
		Size:     4096,
		Verified: []string{"v1"},
		Checks: []verify.CheckResult{
			{Scheme: "v1", Check: "signature", Passed: true, Message: "ok"},
			{Scheme: "v2", Check: "presence", Passed: false, Message: "stripped"},
		},
		Violations: []string{"v2 presence: stripped"},
		Signers: []verify.SignerSummary{
			{Scheme: "v1", Subject: "CN=Android Debug", CertificateDigest: "sha256:cc", Algorithm: "rsa-pkcs1-sha256"},
		},
	}
}

func TestVerifyMarkdown(t *testing.T) {
	md := VerifyMarkdown(sampleVerify())
	for _, want := range []string{
		"Status: **FAIL**",
		"Exit Code: `13`",
		"Verified Schemes: `v1`",
		"## Violations",
		"| v1 | CN=Android Debug | rsa-pkcs1-sha256 | sha256:cc | - | 0 |",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q", want)
		}
	}

	pass := VerifyMarkdown(verify.Report{Passed: true})
	if !strings.Contains(pass, "Status: **PASS**") || strings.Contains(pass, "## Violations") {
		t.Errorf("passing report rendered wrong:\n%s", pass)
	}
}

func TestWriteJSONAndReadSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.json")
	if err := WriteJSON(path, Summarize(sampleResult())); err != nil {
		t.Fatal(err)
	}
	s, err := ReadSummary(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.BuildID != "b-1" || len(s.Targets) != 3 {
		t.Fatalf("round trip = %+v", s)
	}
	if s.Package.Schemes != types.NewSchemeSet(types.SchemeV1, types.SchemeV2) {
		t.Errorf("schemes = %s", s.Package.Schemes)
	}
}

func TestWriteMarkdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.md")
	if err := WriteMarkdown(path, VerifyMarkdown(sampleVerify())); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "# APK Verification Report") {
		t.Error("written file missing title")
	}
}

func TestRender_DetectsKind(t *testing.T) {
	dir := t.TempDir()
	summaryPath := filepath.Join(dir, "summary.json")
	verifyPath := filepath.Join(dir, "verify.json")
	if err := WriteJSON(summaryPath, Summarize(sampleResult())); err != nil {
		t.Fatal(err)
	}
	if err := WriteJSON(verifyPath, sampleVerify()); err != nil {
		t.Fatal(err)
	}

	md, err := Render(summaryPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(md, "# APK Build Report") {
		t.Errorf("summary rendered as:\n%s", md)
	}
	md, err = Render(verifyPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(md, "# APK Verification Report") {
		t.Errorf("verify report rendered as:\n%s", md)
	}

	other := filepath.Join(dir, "other.json")
	if err := os.WriteFile(other, []byte(`{"name":"x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Render(other); err == nil {
		t.Error("expected error for unrecognised document")
	}
}
