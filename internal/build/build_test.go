package build

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ogulcanaydogan/apkforge/internal/archive"
	"github.com/ogulcanaydogan/apkforge/internal/backend"
	"github.com/ogulcanaydogan/apkforge/internal/cache"
	"github.com/ogulcanaydogan/apkforge/internal/compile"
	"github.com/ogulcanaydogan/apkforge/internal/hash"
	"github.com/ogulcanaydogan/apkforge/internal/keystore"
	"github.com/ogulcanaydogan/apkforge/internal/toolchain"
	"github.com/ogulcanaydogan/apkforge/internal/verify"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

func testRequest(t *testing.T) types.BuildRequest {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "core"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "core", "Cargo.toml"), []byte("[package]\nname = \"core\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(root, "debug.pem")
	if err := keystore.GenerateDevKey(keyPath, "debug", keystore.KeyTypeECDSA); err != nil {
		t.Fatal(err)
	}
	return types.BuildRequest{
		ProjectRoot: root,
		Targets: []types.TargetSpec{
			{ABI: types.ABIArm64},
			{ABI: types.ABIX86, Optional: true},
		},
		Variant: types.VariantDebug,
		Modules: []types.Module{{Name: "core"}},
		Manifest: types.ManifestRecord{
			Package:     "com.example.core",
			VersionCode: 1,
			Application: types.Application{
				Label:      "Core",
				Components: []types.Component{{Kind: types.ComponentActivity, Name: "android.app.NativeActivity", Launcher: true}},
			},
		},
		Signing: types.SigningConfig{
			KeyRef:  types.KeyRef{Keystore: keyPath, KeyAlias: "debug"},
			Schemes: types.NewSchemeSet(types.SchemeV1, types.SchemeV2, types.SchemeV4),
		},
	}
}

func testOptions(fn CompileFunc) Options {
	return Options{
		Jobs: 2,
		Locator: toolchain.Static{
			types.ABIArm64: {API: 24},
			types.ABIX86:   {API: 24},
		},
		Compile: fn,
	}
}

func library(job compile.Job) types.CompiledArtifact {
	content := []byte("elf:" + string(job.Target.ABI))
	return types.CompiledArtifact{Target: job.Target, Name: compile.LibraryName(job.Module), Content: content, Digest: hash.DigestBytes(content)}
}

func succeed(_ context.Context, job compile.Job) (types.CompiledArtifact, error) {
	return library(job), nil
}

func compileErr(job compile.Job) error {
	return &types.Error{Kind: types.KindCompileError, ABI: job.Target.ABI, Module: job.Module.Name, ExitStatus: 2, Err: os.ErrInvalid}
}

func states(r types.BuildResult) string {
	parts := make([]string, len(r.States))
	for i, s := range r.States {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func hasEvent(r types.BuildResult, kind types.EventKind, abi types.ABI) bool {
	for _, ev := range r.Events {
		if ev.Kind == kind && ev.ABI == abi {
			return true
		}
	}
	return false
}

func TestBuild_Success(t *testing.T) {
	req := testRequest(t)
	res := Build(context.Background(), req, testOptions(succeed))
	if res.Outcome != types.OutcomeSuccess {
		t.Fatalf("outcome = %s, reason = %+v", res.Outcome, res.Reason)
	}
	if got := states(res); got != "queued,compiling,merging,signing,done" {
		t.Fatalf("states = %q", got)
	}
	if req.ID != "" {
		t.Fatalf("caller request was mutated: id = %q", req.ID)
	}
	if res.ID == "" {
		t.Fatal("build id not assigned")
	}

	report := verify.Package(res.Package.Bytes, verify.Options{Require: req.Signing.Schemes, V4Signature: res.Package.V4Signature})
	if !report.Passed {
		t.Fatalf("package does not verify: %v", report.Violations)
	}
	layout, err := archive.Read(res.Package.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"lib/arm64-v8a/libcore.so", "lib/x86/libcore.so"} {
		if _, ok := layout.Lookup(p); !ok {
			t.Errorf("missing %s", p)
		}
	}
	if len(res.Timing.PerABI) != 2 {
		t.Errorf("per-abi timing = %v", res.Timing.PerABI)
	}
}

func TestBuild_EventsAreOrdered(t *testing.T) {
	events := make(chan types.BuildEvent)
	var got []types.BuildEvent
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			got = append(got, ev)
		}
	}()

	opts := testOptions(succeed)
	opts.Events = events
	res := Build(context.Background(), testRequest(t), opts)
	close(events)
	wg.Wait()

	if len(got) != len(res.Events) {
		t.Fatalf("channel saw %d events, result has %d", len(got), len(res.Events))
	}
	for i, ev := range got {
		if ev.Seq != i+1 {
			t.Fatalf("event %d seq = %d", i, ev.Seq)
		}
		if ev.BuildID != res.ID {
			t.Fatalf("event %d build id = %q", i, ev.BuildID)
		}
	}
	if got[0].Kind != types.EventStageEntered || got[0].Stage != types.StateCompiling {
		t.Fatalf("first event = %+v", got[0])
	}
	last := got[len(got)-1]
	if last.Kind != types.EventStageEntered || last.Stage != types.StateDone {
		t.Fatalf("last event = %+v", last)
	}
}

func TestBuild_OptionalFailureIsPartial(t *testing.T) {
	var calls atomic.Int32
	fn := func(_ context.Context, job compile.Job) (types.CompiledArtifact, error) {
		if job.Target.ABI == types.ABIX86 {
			calls.Add(1)
			return types.CompiledArtifact{}, compileErr(job)
		}
		return library(job), nil
	}
	res := Build(context.Background(), testRequest(t), testOptions(fn))
	if res.Outcome != types.OutcomePartialFailure {
		t.Fatalf("outcome = %s, reason = %+v", res.Outcome, res.Reason)
	}
	if calls.Load() != 2 {
		t.Fatalf("x86 compiled %d times, want 2", calls.Load())
	}
	if len(res.Failures) != 1 {
		t.Fatalf("failures = %+v", res.Failures)
	}
	f := res.Failures[0]
	if f.ABI != types.ABIX86 || f.Required || f.Attempts != 2 || f.ExitStatus != 2 || f.Kind != types.KindCompileError {
		t.Fatalf("failure = %+v", f)
	}
	if !hasEvent(res, types.EventABIRetry, types.ABIX86) || !hasEvent(res, types.EventABIFailed, types.ABIX86) {
		t.Fatal("retry and failure events not emitted")
	}
	layout, err := archive.Read(res.Package.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := layout.Lookup("lib/x86/libcore.so"); ok {
		t.Fatal("degraded abi still packaged")
	}
}

func TestBuild_OptionalNonLocalFailureIsFatal(t *testing.T) {
	fn := func(_ context.Context, job compile.Job) (types.CompiledArtifact, error) {
		if job.Target.ABI == types.ABIX86 {
			return types.CompiledArtifact{}, &types.Error{Kind: types.KindIO, ABI: job.Target.ABI, Module: job.Module.Name, Err: os.ErrPermission}
		}
		return library(job), nil
	}
	res := Build(context.Background(), testRequest(t), testOptions(fn))
	if res.Outcome != types.OutcomeFatal {
		t.Fatalf("outcome = %s, want fatal for io_error on an optional target", res.Outcome)
	}
	if res.Reason == nil || res.Reason.Kind != types.KindIO || res.Reason.ABI != types.ABIX86 {
		t.Fatalf("reason = %+v", res.Reason)
	}
	if res.Package != nil {
		t.Fatal("fatal build carries a package")
	}
}

func TestBuild_JobsBoundsConcurrency(t *testing.T) {
	for _, tc := range []struct {
		jobs int
		want int32
	}{
		{jobs: 1, want: 1},
		{jobs: 2, want: 2},
	} {
		var running, peak atomic.Int32
		fn := func(ctx context.Context, job compile.Job) (types.CompiledArtifact, error) {
			n := running.Add(1)
			defer running.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return types.CompiledArtifact{}, ctx.Err()
			}
			return library(job), nil
		}
		opts := testOptions(fn)
		opts.Jobs = tc.jobs
		res := Build(context.Background(), testRequest(t), opts)
		if res.Outcome != types.OutcomeSuccess {
			t.Fatalf("jobs=%d: outcome = %s, reason = %+v", tc.jobs, res.Outcome, res.Reason)
		}
		if got := peak.Load(); got != tc.want {
			t.Errorf("jobs=%d: peak concurrent compiles = %d, want %d", tc.jobs, got, tc.want)
		}
	}
}

func TestBuild_RequiredFailureIsFatal(t *testing.T) {
	opts := testOptions(succeed)
	opts.Locator = toolchain.Static{types.ABIX86: {API: 24}}
	res := Build(context.Background(), testRequest(t), opts)
	if res.Outcome != types.OutcomeFatal {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Package != nil {
		t.Fatal("fatal build carries a package")
	}
	if res.Reason == nil || res.Reason.Kind != types.KindToolchainMissing || res.Reason.ABI != types.ABIArm64 {
		t.Fatalf("reason = %+v", res.Reason)
	}
	if got := states(res); got != "queued,compiling,failed" {
		t.Fatalf("states = %q", got)
	}
	if len(res.Failures) != 1 || res.Failures[0].Attempts != 1 {
		t.Fatalf("toolchain_missing must not be retried: %+v", res.Failures)
	}
}

func TestBuild_RetryStartsClean(t *testing.T) {
	var attempts atomic.Int32
	fn := func(_ context.Context, job compile.Job) (types.CompiledArtifact, error) {
		if job.Target.ABI != types.ABIArm64 {
			return library(job), nil
		}
		marker := filepath.Join(job.OutDir, "partial.o")
		if attempts.Add(1) == 1 {
			if err := os.MkdirAll(job.OutDir, 0o755); err != nil {
				return types.CompiledArtifact{}, err
			}
			if err := os.WriteFile(marker, []byte("junk"), 0o644); err != nil {
				return types.CompiledArtifact{}, err
			}
			return types.CompiledArtifact{}, &types.Error{Kind: types.KindTimeout, ABI: job.Target.ABI}
		}
		if _, err := os.Stat(marker); err == nil {
			return types.CompiledArtifact{}, compileErr(job)
		}
		return library(job), nil
	}
	res := Build(context.Background(), testRequest(t), testOptions(fn))
	if res.Outcome != types.OutcomeSuccess {
		t.Fatalf("outcome = %s, reason = %+v, failures = %+v", res.Outcome, res.Reason, res.Failures)
	}
	if attempts.Load() != 2 {
		t.Fatalf("attempts = %d", attempts.Load())
	}
}

func TestBuild_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fn := func(ctx context.Context, job compile.Job) (types.CompiledArtifact, error) {
		cancel()
		<-ctx.Done()
		return types.CompiledArtifact{}, types.WrapError(types.KindCancelled, ctx.Err())
	}
	res := Build(ctx, testRequest(t), testOptions(fn))
	if res.Outcome != types.OutcomeCancelled {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Reason == nil || res.Reason.Kind != types.KindCancelled {
		t.Fatalf("reason = %+v", res.Reason)
	}
	if res.Package != nil {
		t.Fatal("cancelled build carries a package")
	}
	if res.States[len(res.States)-1] != types.StateFailed {
		t.Fatalf("states = %v", res.States)
	}
	for _, f := range res.Failures {
		if f.Attempts > 1 {
			t.Fatalf("cancelled target was retried: %+v", f)
		}
	}
}

func TestBuild_InvalidRequest(t *testing.T) {
	req := testRequest(t)
	req.Targets = nil
	res := Build(context.Background(), req, testOptions(succeed))
	if res.Outcome != types.OutcomeFatal || res.Reason.Kind != types.KindInvalidRequest {
		t.Fatalf("outcome = %s, reason = %+v", res.Outcome, res.Reason)
	}
	if got := states(res); got != "queued,failed" {
		t.Fatalf("states = %q", got)
	}

	req = testRequest(t)
	req.Signing.Schemes = types.NewSchemeSet(types.SchemeV3)
	res = Build(context.Background(), req, testOptions(succeed))
	if res.Reason == nil || res.Reason.Kind != types.KindSchemeDependencyViolation {
		t.Fatalf("reason = %+v", res.Reason)
	}
}

func TestBuild_KeyUnavailable(t *testing.T) {
	req := testRequest(t)
	req.Signing.Keystore = filepath.Join(req.ProjectRoot, "missing.pem")
	res := Build(context.Background(), req, testOptions(succeed))
	if res.Reason == nil || res.Reason.Kind != types.KindKeyUnavailable {
		t.Fatalf("reason = %+v", res.Reason)
	}
	if got := states(res); got != "queued,compiling,merging,signing,failed" {
		t.Fatalf("states = %q", got)
	}
	if res.Reason.Path != req.Signing.Keystore || res.Reason.KeyAlias != "debug" {
		t.Fatalf("reason context = %+v", res.Reason)
	}
}

func TestBuild_CredentialFromEnv(t *testing.T) {
	req := testRequest(t)
	req.Signing.Credential = "env:APKFORGE_TEST_UNSET_PASSWORD"
	res := Build(context.Background(), req, testOptions(succeed))
	if res.Reason == nil || res.Reason.Kind != types.KindKeyUnavailable {
		t.Fatalf("reason = %+v", res.Reason)
	}

	opts := testOptions(succeed)
	opts.Credentials.Getenv = func(string) string { return "ignored-for-pem" }
	res = Build(context.Background(), req, opts)
	if res.Outcome != types.OutcomeSuccess {
		t.Fatalf("outcome = %s, reason = %+v", res.Outcome, res.Reason)
	}
}

func TestBuild_CacheSkipsSecondCompile(t *testing.T) {
	req := testRequest(t)
	store := cache.LocalStore{Dir: t.TempDir()}
	var calls atomic.Int32
	fn := func(ctx context.Context, job compile.Job) (types.CompiledArtifact, error) {
		calls.Add(1)
		return succeed(ctx, job)
	}
	opts := testOptions(fn)
	opts.Cache = cache.New(nil, store)

	first := Build(context.Background(), req, opts)
	if first.Outcome != types.OutcomeSuccess {
		t.Fatalf("first outcome = %s, reason = %+v", first.Outcome, first.Reason)
	}
	second := Build(context.Background(), req, opts)
	if second.Outcome != types.OutcomeSuccess {
		t.Fatalf("second outcome = %s", second.Outcome)
	}
	if calls.Load() != 2 {
		t.Fatalf("compiled %d times across two builds, want 2", calls.Load())
	}
	cached := 0
	for _, ev := range second.Events {
		if ev.Kind == types.EventABICompleted && ev.Message == "cached" {
			cached++
		}
	}
	if cached != 2 {
		t.Fatalf("cached completions = %d", cached)
	}
	if first.Package.LayoutDigest != second.Package.LayoutDigest {
		t.Fatal("cached build produced a different layout")
	}
}

func TestBuild_JVMModule(t *testing.T) {
	req := testRequest(t)
	req.Modules = append(req.Modules, types.Module{Name: "app", Kind: types.BackendJVM})
	var jvmCalls atomic.Int32
	opts := testOptions(succeed)
	opts.JVM = func(_ context.Context, _ string, m types.Module, _ types.Variant, abis []types.ABI) (backend.JVMOutput, error) {
		jvmCalls.Add(1)
		if len(abis) != 2 {
			t.Errorf("jvm build saw abis %v", abis)
		}
		return backend.JVMOutput{
			Module:   m.Name,
			Bytecode: []types.Blob{{Path: "classes.dex", Content: []byte("dex\n035\x00")}},
			Libraries: []types.CompiledArtifact{{
				Target:  types.ABITarget{ABI: types.ABIArm64, Backend: types.BackendJVM, Module: m.Name},
				Name:    "libc++_shared.so",
				Content: []byte("stl"),
			}},
		}, nil
	}
	res := Build(context.Background(), req, opts)
	if res.Outcome != types.OutcomeSuccess {
		t.Fatalf("outcome = %s, reason = %+v", res.Outcome, res.Reason)
	}
	if jvmCalls.Load() != 1 {
		t.Fatalf("jvm tool ran %d times, want once", jvmCalls.Load())
	}
	layout, err := archive.Read(res.Package.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{"classes.dex", "lib/arm64-v8a/libc++_shared.so", "lib/arm64-v8a/libcore.so"} {
		if _, ok := layout.Lookup(p); !ok {
			t.Errorf("missing %s", p)
		}
	}
}

func TestBuild_DeterminismCheck(t *testing.T) {
	opts := testOptions(succeed)
	opts.DeterminismCheck = 3
	res := Build(context.Background(), testRequest(t), opts)
	if res.Outcome != types.OutcomeSuccess {
		t.Fatalf("outcome = %s, reason = %+v", res.Outcome, res.Reason)
	}
}

func TestMachine_RejectsSkippedStage(t *testing.T) {
	m := newMachine(types.StateQueued, buildTransitions)
	if err := m.Transition(types.StateSigning); err == nil {
		t.Fatal("queued -> signing accepted")
	}
	for _, s := range []types.State{types.StateCompiling, types.StateFailed} {
		if err := m.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
	if !m.Terminal() {
		t.Fatal("failed is not terminal")
	}
	if err := m.Transition(types.StateMerging); err == nil {
		t.Fatal("left a terminal state")
	}
	if got := len(m.History()); got != 3 {
		t.Fatalf("history length = %d", got)
	}

	tm := newMachine(taskPending, taskTransitions)
	if err := tm.Transition(taskRetrying); err == nil {
		t.Fatal("pending -> retrying accepted")
	}
}
