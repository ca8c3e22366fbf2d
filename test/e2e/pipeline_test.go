//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/ogulcanaydogan/apkforge/internal/archive"
	"github.com/ogulcanaydogan/apkforge/internal/build"
	"github.com/ogulcanaydogan/apkforge/internal/report"
	"github.com/ogulcanaydogan/apkforge/internal/verify"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

func TestFullPipeline_BuildSignVerify(t *testing.T) {
	cfg, req := loadRequest(t, writeProject(t, shellCompile))
	res := build.Build(context.Background(), req, options(cfg))
	if res.Outcome != types.OutcomeSuccess {
		t.Fatalf("outcome = %s, reason = %+v", res.Outcome, res.Reason)
	}

	layout, err := archive.Read(res.Package.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"AndroidManifest.xml",
		"res/values/strings.xml",
		"assets/data.bin",
		"lib/arm64-v8a/libcore.so",
		"lib/armeabi-v7a/librender.so",
		"lib/x86_64/libcore.so",
	} {
		if _, ok := layout.Lookup(want); !ok {
			t.Errorf("package missing %s", want)
		}
	}

	r := verify.Package(res.Package.Bytes, verify.Options{Require: req.Signing.Schemes, V4Signature: res.Package.V4Signature})
	if !r.Passed {
		t.Fatalf("verify failed: exit %d, violations: %v", r.ExitCode, r.Violations)
	}
	if got := strings.Join(r.Verified, ","); got != "v1,v2,v3,v4" {
		t.Errorf("verified = %s", got)
	}

	md := report.BuildMarkdown(report.Summarize(res))
	if !strings.Contains(md, "| core | arm64-v8a |") {
		t.Errorf("build report lacks targets:\n%s", md)
	}
}

func TestFullPipeline_Reproducible(t *testing.T) {
	cfgPath := writeProject(t, shellCompile)
	cfg, req := loadRequest(t, cfgPath)
	first := build.Build(context.Background(), req, options(cfg))
	_, req = loadRequest(t, cfgPath)
	second := build.Build(context.Background(), req, options(cfg))
	if first.Outcome != types.OutcomeSuccess || second.Outcome != types.OutcomeSuccess {
		t.Fatalf("outcomes = %s, %s", first.Outcome, second.Outcome)
	}
	if first.Package.LayoutDigest != second.Package.LayoutDigest {
		t.Fatalf("layout digest changed between builds: %s != %s", first.Package.LayoutDigest, second.Package.LayoutDigest)
	}
}

func TestFullPipeline_TamperDetection(t *testing.T) {
	cfg, req := loadRequest(t, writeProject(t, shellCompile))
	res := build.Build(context.Background(), req, options(cfg))
	if res.Outcome != types.OutcomeSuccess {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	apk := bytes.Clone(res.Package.Bytes)
	i := bytes.Index(apk, []byte("elf-arm64-v8a-24"))
	if i < 0 {
		t.Fatal("library bytes not found in package")
	}
	apk[i] ^= 0x20

	r := verify.Package(apk, verify.Options{V4Signature: res.Package.V4Signature})
	if r.Passed {
		t.Fatal("expected verify to fail after tampering")
	}
	if r.ExitCode == verify.ExitPass {
		t.Errorf("exit code = %d", r.ExitCode)
	}
}

func TestFullPipeline_OptionalABIFailure(t *testing.T) {
	failX86 := []string{"sh", "-c", "[ {{.ABI}} = x86_64 ] && exit 3; printf 'elf-{{.ABI}}' > {{.OutDir}}/{{.Library}}"}
	cfg, req := loadRequest(t, writeProject(t, failX86))
	res := build.Build(context.Background(), req, options(cfg))
	if res.Outcome != types.OutcomePartialFailure {
		t.Fatalf("outcome = %s, reason = %+v", res.Outcome, res.Reason)
	}
	if len(res.Failures) != 2 {
		t.Fatalf("failures = %+v", res.Failures)
	}
	for _, f := range res.Failures {
		if f.ABI != types.ABIX86_64 || f.ExitStatus != 3 || f.Attempts != 2 {
			t.Errorf("failure = %+v", f)
		}
	}
	layout, err := archive.Read(res.Package.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range layout.Entries {
		if strings.HasPrefix(e.Path, "lib/x86_64/") {
			t.Errorf("degraded ABI packaged: %s", e.Path)
		}
	}
}
