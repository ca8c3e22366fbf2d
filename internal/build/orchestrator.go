// Package build drives one request through compile, merge and sign.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ogulcanaydogan/apkforge/internal/backend"
	"github.com/ogulcanaydogan/apkforge/internal/cache"
	"github.com/ogulcanaydogan/apkforge/internal/compile"
	"github.com/ogulcanaydogan/apkforge/internal/credential"
	"github.com/ogulcanaydogan/apkforge/internal/hash"
	"github.com/ogulcanaydogan/apkforge/internal/merge"
	"github.com/ogulcanaydogan/apkforge/internal/toolchain"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

// DefaultWorkDir is where per-build intermediates live, below the project
// root.
const DefaultWorkDir = ".apkforge/work"

// v2MinSDK is the first platform level that understands the signing block.
const v2MinSDK = 24

// CompileFunc builds one native module for one ABI.
type CompileFunc func(ctx context.Context, job compile.Job) (types.CompiledArtifact, error)

// JVMFunc builds one JVM module for every requested ABI at once.
type JVMFunc func(ctx context.Context, root string, m types.Module, variant types.Variant, abis []types.ABI) (backend.JVMOutput, error)

// Options configures Build. The zero value is usable.
type Options struct {
	Logger *slog.Logger
	// Jobs bounds concurrent compiles; zero means runtime.NumCPU().
	Jobs           int
	CompileTimeout time.Duration
	// WorkDir is resolved against the project root unless absolute. Each
	// build gets its own subdirectory, removed when the build ends.
	WorkDir string
	// DeterminismCheck > 1 merges that many times and requires identical
	// digests.
	DeterminismCheck int

	// Locator defaults to NDK discovery from the environment.
	Locator     toolchain.Locator
	Cache       *cache.Cache
	Gradle      backend.Gradle
	Credentials credential.Resolver

	// Events receives every event in order. Build never closes it and the
	// caller must keep draining until Build returns.
	Events chan<- types.BuildEvent

	// Compile and JVM replace the real backends; nil selects compile.Run and
	// Gradle.Build.
	Compile CompileFunc
	JVM     JVMFunc

	now func() time.Time
}

type run struct {
	req    types.BuildRequest
	opts   Options
	log    *slog.Logger
	fsm    *machine[types.State]
	events *emitter
	tools  *toolchain.Cache
	dir    string
	native bool
	result types.BuildResult
}

// Build runs req to completion. The request is deep-copied on entry. The
// result always carries the event log and visited states; a package is
// attached only to successful and partially failed builds.
func Build(ctx context.Context, req types.BuildRequest, opts Options) types.BuildResult {
	req = req.Clone()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return newRun(req, opts).execute(ctx)
}

func newRun(req types.BuildRequest, opts Options) *run {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("build_id", req.ID)
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.Jobs <= 0 {
		opts.Jobs = runtime.NumCPU()
	}
	if opts.Compile == nil {
		opts.Compile = compile.Run
	}
	if opts.JVM == nil {
		g := opts.Gradle
		if g.Logger == nil {
			g.Logger = log
		}
		opts.JVM = g.Build
	}
	locator := opts.Locator
	if locator == nil {
		locator = toolchain.NDK{}
	}
	work := opts.WorkDir
	if work == "" {
		work = DefaultWorkDir
	}
	if !filepath.IsAbs(work) {
		work = filepath.Join(req.ProjectRoot, work)
	}
	return &run{
		req:    req,
		opts:   opts,
		log:    log,
		fsm:    newMachine(types.StateQueued, buildTransitions),
		events: &emitter{id: req.ID, sink: opts.Events, now: opts.now},
		tools:  toolchain.NewCache(locator),
		dir:    filepath.Join(work, req.ID),
		result: types.BuildResult{ID: req.ID},
	}
}

func (r *run) execute(ctx context.Context) types.BuildResult {
	r.result.Timing.Started = r.opts.now()
	r.log.Info("build accepted",
		"targets", len(r.req.Targets),
		"modules", len(r.req.Modules),
		"variant", r.req.Variant,
		"signing", r.req.Signing)

	if err := r.req.Validate(); err != nil {
		return r.fail(err)
	}
	if ctx.Err() != nil {
		return r.cancelled(ctx)
	}
	defer os.RemoveAll(r.dir)

	if err := r.enter(types.StateCompiling); err != nil {
		return r.fail(err)
	}
	out, err := r.compileStage(ctx)
	if ctx.Err() != nil {
		return r.cancelled(ctx)
	}
	if err != nil {
		return r.fail(err)
	}

	if err := r.enter(types.StateMerging); err != nil {
		return r.fail(err)
	}
	merged, err := r.mergeStage(out)
	if err != nil {
		return r.fail(err)
	}
	if ctx.Err() != nil {
		return r.cancelled(ctx)
	}

	if err := r.enter(types.StateSigning); err != nil {
		return r.fail(err)
	}
	pkg, err := r.signStage(ctx, merged)
	if ctx.Err() != nil {
		return r.cancelled(ctx)
	}
	if err != nil {
		return r.fail(err)
	}

	if err := r.enter(types.StateDone); err != nil {
		return r.fail(err)
	}
	r.result.Package = pkg
	r.result.Outcome = types.OutcomeSuccess
	if len(r.result.Failures) > 0 {
		r.result.Outcome = types.OutcomePartialFailure
	}
	r.log.Info("build finished", "outcome", r.result.Outcome, "digest", pkg.Digest, "size", pkg.Size)
	return r.finish()
}

func (r *run) enter(s types.State) error {
	if err := r.fsm.Transition(s); err != nil {
		return err
	}
	r.events.emit(types.BuildEvent{Kind: types.EventStageEntered, Stage: s})
	r.log.Debug("stage entered", "stage", s)
	return nil
}

func (r *run) cancelled(ctx context.Context) types.BuildResult {
	return r.fail(types.WrapError(types.KindCancelled, context.Cause(ctx)))
}

func (r *run) fail(err error) types.BuildResult {
	f := types.FailureFrom(err)
	stage := r.fsm.Current()
	r.result.Reason = f
	r.result.Package = nil
	r.result.Outcome = types.OutcomeFatal
	if f.Kind == types.KindCancelled {
		r.result.Outcome = types.OutcomeCancelled
	}
	r.events.emit(types.BuildEvent{Kind: types.EventError, Stage: stage, ABI: f.ABI, Message: f.Message})
	r.log.Error("build failed", "stage", stage, "kind", f.Kind, "error", f.Message)
	if !r.fsm.Terminal() && r.fsm.Transition(types.StateFailed) == nil {
		r.events.emit(types.BuildEvent{Kind: types.EventStageEntered, Stage: types.StateFailed})
	}
	return r.finish()
}

func (r *run) finish() types.BuildResult {
	r.result.Timing.Total = r.opts.now().Sub(r.result.Timing.Started)
	r.result.Events = r.events.recorded()
	r.result.States = r.fsm.History()
	return r.result
}

// task is one unit of compile fan-out: a native module for one ABI, or a
// JVM module for all of them.
type task struct {
	target types.ABITarget
	module types.Module
	source string
	fsm    *machine[taskState]

	attempts int
	native   *types.CompiledArtifact
	jvm      *backend.JVMOutput
	err      error
}

func (r *run) plan() ([]*task, error) {
	var tasks []*task
	for _, m := range r.req.Modules {
		kind, err := backend.Select(r.req.ProjectRoot, m, r.req.Backend)
		if err != nil {
			return nil, err
		}
		switch kind {
		case types.BackendNative:
			r.native = true
			source := r.sourceDigest(m)
			for _, t := range r.req.Targets {
				target := types.ABITarget{ABI: t.ABI, Backend: kind, Module: m.Name, Required: !t.Optional}
				tasks = append(tasks, &task{target: target, module: m, source: source, fsm: newMachine(taskPending, taskTransitions)})
			}
		case types.BackendJVM:
			target := types.ABITarget{Backend: kind, Module: m.Name, Required: true}
			tasks = append(tasks, &task{target: target, module: m, fsm: newMachine(taskPending, taskTransitions)})
		default:
			e := types.Errorf(types.KindInvalidRequest, "unknown backend %q for module %q", kind, m.Name)
			e.Module = m.Name
			return nil, e
		}
	}
	return tasks, nil
}

// sourceDigest is only needed for cache keys. A module that cannot be
// digested simply bypasses the cache.
func (r *run) sourceDigest(m types.Module) string {
	if r.opts.Cache == nil {
		return ""
	}
	digest, _, err := hash.DigestTree(m.Path(r.req.ProjectRoot), hash.DefaultSourceExcludes)
	if err != nil {
		r.log.Warn("source digest failed, cache bypassed", "module", m.Name, "error", err)
		return ""
	}
	return digest
}

func (r *run) compileStage(ctx context.Context) (backend.Output, error) {
	start := r.opts.now()
	defer func() { r.result.Timing.Compile = r.opts.now().Sub(start) }()

	tasks, err := r.plan()
	if err != nil {
		return backend.Output{}, err
	}
	r.log.Info("compile fan-out", "stage", types.StateCompiling, "tasks", len(tasks), "jobs", r.opts.Jobs)

	var g errgroup.Group
	g.SetLimit(r.opts.Jobs)
	for _, t := range tasks {
		g.Go(func() error {
			if t.target.Backend == types.BackendJVM {
				r.runJVM(ctx, t)
			} else {
				r.runNative(ctx, t)
			}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return backend.Output{}, ctx.Err()
	}

	var (
		results  []backend.Result
		required []types.ABIFailure
		degraded = make(map[types.ABI]bool)
	)
	for _, t := range tasks {
		if t.err == nil {
			results = append(results, backend.Result{Kind: t.target.Backend, Native: t.native, JVM: t.jvm})
			continue
		}
		f := failureOf(t)
		r.result.Failures = append(r.result.Failures, f)
		// Only ABI-local kinds can be downgraded on an optional target.
		if f.Required || !f.Kind.ABILocal() {
			required = append(required, f)
		} else {
			degraded[f.ABI] = true
		}
	}
	if len(required) > 0 {
		return backend.Output{}, aggregate(required)
	}

	out, err := backend.Normalize(results)
	if err != nil {
		return backend.Output{}, err
	}
	kept := out.Artifacts[:0]
	for _, a := range out.Artifacts {
		if !degraded[a.Target.ABI] {
			kept = append(kept, a)
		}
	}
	out.Artifacts = kept
	if r.native && len(degraded) == len(r.req.Targets) {
		return backend.Output{}, types.Errorf(types.KindMissingArchitecture, "every target abi failed to compile")
	}
	for abi := range degraded {
		r.log.Warn("optional abi dropped from package", "stage", types.StateCompiling, "abi", abi)
	}

	r.result.Timing.PerABI = make(map[types.ABI]time.Duration)
	for _, a := range out.Artifacts {
		r.result.Timing.PerABI[a.Target.ABI] += a.Duration
	}
	return out, nil
}

func (r *run) runNative(ctx context.Context, t *task) {
	log := r.log.With("stage", types.StateCompiling, "abi", t.target.ABI, "module", t.module.Name)
	r.start(t)
	t.attempts = 1
	if ctx.Err() != nil {
		r.settle(t, log, types.WrapError(types.KindCancelled, context.Cause(ctx)))
		return
	}
	tc, err := r.tools.Locate(ctx, t.target.ABI)
	if err != nil {
		r.settle(t, log, err)
		return
	}
	job := compile.Job{
		Target:      t.target,
		Module:      t.module,
		Variant:     r.req.Variant,
		Toolchain:   tc,
		ProjectRoot: r.req.ProjectRoot,
		OutDir:      filepath.Join(r.dir, t.module.Name, string(t.target.ABI)),
		Timeout:     r.opts.CompileTimeout,
		Logger:      log,
	}
	key := r.cacheKey(t, job)

	for {
		art, err := r.compileOnce(ctx, job, key)
		if err == nil {
			t.native = &art
			r.settle(t, log, nil)
			return
		}
		if t.attempts > 1 || !types.KindOf(err).Retryable() || ctx.Err() != nil {
			r.settle(t, log, err)
			return
		}
		_ = t.fsm.Transition(taskRetrying)
		r.events.emit(types.BuildEvent{Kind: types.EventABIRetry, Stage: types.StateCompiling, ABI: t.target.ABI, Module: t.module.Name, Message: err.Error()})
		log.Warn("compile failed, retrying from a clean output dir", "kind", types.KindOf(err), "error", err)
		if rmErr := os.RemoveAll(job.OutDir); rmErr != nil {
			r.settle(t, log, &types.Error{Kind: types.KindIO, ABI: t.target.ABI, Module: t.module.Name, Err: fmt.Errorf("clean output dir: %w", rmErr)})
			return
		}
		_ = t.fsm.Transition(taskRunning)
		t.attempts++
	}
}

func (r *run) runJVM(ctx context.Context, t *task) {
	log := r.log.With("stage", types.StateCompiling, "module", t.module.Name)
	r.start(t)
	t.attempts = 1
	if ctx.Err() != nil {
		r.settle(t, log, types.WrapError(types.KindCancelled, context.Cause(ctx)))
		return
	}
	abis := make([]types.ABI, len(r.req.Targets))
	for i, target := range r.req.Targets {
		abis[i] = target.ABI
	}
	out, err := r.opts.JVM(ctx, r.req.ProjectRoot, t.module, r.req.Variant, abis)
	if err == nil {
		t.jvm = &out
	}
	r.settle(t, log, err)
}

func (r *run) compileOnce(ctx context.Context, job compile.Job, key string) (types.CompiledArtifact, error) {
	if key == "" {
		return r.opts.Compile(ctx, job)
	}
	return r.opts.Cache.Do(ctx, key, job.Target, func(ctx context.Context) (types.CompiledArtifact, error) {
		return r.opts.Compile(ctx, job)
	})
}

func (r *run) cacheKey(t *task, job compile.Job) string {
	if r.opts.Cache == nil || t.source == "" {
		return ""
	}
	parts := []string{t.source, job.Module.Name, string(job.Target.ABI), string(job.Variant), compile.LibraryName(job.Module)}
	parts = append(parts, job.Toolchain.Fingerprint()...)
	parts = append(parts, job.Module.Command...)
	return hash.CacheKey(parts...)
}

func (r *run) start(t *task) {
	_ = t.fsm.Transition(taskRunning)
	r.events.emit(types.BuildEvent{Kind: types.EventABIStarted, Stage: types.StateCompiling, ABI: t.target.ABI, Module: t.module.Name})
}

// settle records the final outcome of t.
func (r *run) settle(t *task, log *slog.Logger, err error) {
	ev := types.BuildEvent{Stage: types.StateCompiling, ABI: t.target.ABI, Module: t.module.Name}
	if err == nil {
		_ = t.fsm.Transition(taskSucceeded)
		ev.Kind = types.EventABICompleted
		cached := t.native != nil && t.native.Cached
		if cached {
			ev.Message = "cached"
		}
		r.events.emit(ev)
		log.Info("target compiled", "attempts", t.attempts, "cached", cached)
		return
	}
	t.err = err
	_ = t.fsm.Transition(taskFailed)
	ev.Kind = types.EventABIFailed
	ev.Message = err.Error()
	r.events.emit(ev)
	log.Warn("target failed", "kind", types.KindOf(err), "attempts", t.attempts, "required", t.target.Required, "error", err)
}

func failureOf(t *task) types.ABIFailure {
	f := types.ABIFailure{
		ABI:      t.target.ABI,
		Module:   t.module.Name,
		Required: t.target.Required,
		Kind:     types.KindOf(t.err),
		Message:  t.err.Error(),
		Attempts: t.attempts,
	}
	if te, ok := types.AsError(t.err); ok {
		f.ExitStatus = te.ExitStatus
	}
	return f
}

// aggregate folds failed required targets into one error carrying the kind
// and ABI of the first.
func aggregate(failures []types.ABIFailure) error {
	names := make([]string, len(failures))
	for i, f := range failures {
		name := f.Module
		if f.ABI != "" {
			name += "/" + string(f.ABI)
		}
		names[i] = name + " (" + string(f.Kind) + ")"
	}
	first := failures[0]
	return &types.Error{
		Kind:   first.Kind,
		ABI:    first.ABI,
		Module: first.Module,
		Err:    fmt.Errorf("%d target(s) failed fatally: %s", len(failures), strings.Join(names, ", ")),
	}
}

func (r *run) mergeStage(out backend.Output) (merge.Result, error) {
	start := r.opts.now()
	defer func() { r.result.Timing.Merge = r.opts.now().Sub(start) }()

	in := merge.Input{
		Manifest:  r.req.Manifest,
		Variant:   r.req.Variant,
		Resources: r.req.Resources,
		Artifacts: out.Artifacts,
		Bytecode:  out.Bytecode,
	}
	if r.native {
		for _, t := range r.req.Targets {
			if !t.Optional {
				in.RequiredABIs = append(in.RequiredABIs, t.ABI)
			}
		}
	}
	runs := r.opts.DeterminismCheck
	if runs < 1 {
		runs = 1
	}
	res, err := merge.CheckDeterminism(in, runs)
	if err != nil {
		return merge.Result{}, err
	}
	r.log.Info("archive merged", "stage", types.StateMerging, "entries", len(res.Layout.Entries), "digest", res.Digest, "runs", runs)
	return res, nil
}

func (r *run) signStage(ctx context.Context, merged merge.Result) (*types.SignedPackage, error) {
	start := r.opts.now()
	defer func() { r.result.Timing.Sign = r.opts.now().Sub(start) }()

	cfg := r.req.Signing
	if cfg.MinSDK > 0 && cfg.MinSDK < v2MinSDK && !cfg.Schemes.Has(types.SchemeV1) {
		r.log.Warn("min sdk predates the signing block; older devices need v1", "stage", types.StateSigning, "min_sdk", cfg.MinSDK)
	}
	pkg, err := SignLayout(ctx, merged.Layout, merged.Digest, cfg, r.opts.Credentials)
	if err != nil {
		return nil, err
	}
	r.log.Info("package signed", "stage", types.StateSigning, "schemes", cfg.Schemes, "alias", cfg.KeyAlias, "certificate", pkg.CertificateDigest)
	return pkg, nil
}
