package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ogulcanaydogan/apkforge/internal/archive"
	"github.com/ogulcanaydogan/apkforge/internal/backend"
	"github.com/ogulcanaydogan/apkforge/internal/build"
	"github.com/ogulcanaydogan/apkforge/internal/cache"
	"github.com/ogulcanaydogan/apkforge/internal/compile"
	"github.com/ogulcanaydogan/apkforge/internal/config"
	"github.com/ogulcanaydogan/apkforge/internal/credential"
	"github.com/ogulcanaydogan/apkforge/internal/hash"
	"github.com/ogulcanaydogan/apkforge/internal/report"
	"github.com/ogulcanaydogan/apkforge/internal/toolchain"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

// Hooks replaced by tests.
var (
	compileFunc build.CompileFunc = compile.Run
	jvmFunc     build.JVMFunc
)

type buildFlags struct {
	abis         []string
	optionalABIs []string
	variant      string
	schemes      string
	jobs         int
	timeout      time.Duration
	out          string
	summary      string
	strict       bool
	quiet        bool
}

func newBuildCommand() *cobra.Command {
	var f buildFlags
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Compile every ABI, merge and sign the package",
		RunE: func(c *cobra.Command, _ []string) error {
			log, err := logger()
			if err != nil {
				return err
			}
			cfg, err := config.Load(globals.config)
			if err != nil {
				return cliError{code: exitFatal, err: err}
			}
			applyBuildFlags(&cfg, f)
			req, err := cfg.ToRequest()
			if err != nil {
				return cliError{code: exitFatal, err: err}
			}
			if f.schemes != "" {
				if req.Signing.Schemes, err = types.ParseSchemes(splitCSV(f.schemes)); err != nil {
					return cliError{code: exitFatal, err: err}
				}
			}
			opts := buildOptions(cfg, log)

			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			events := make(chan types.BuildEvent, 64)
			opts.Events = events
			done := make(chan struct{})
			go func() {
				defer close(done)
				progress(events, os.Stderr, f.quiet)
			}()
			res := build.Build(ctx, req, opts)
			close(events)
			<-done

			out := f.out
			if out == "" {
				out = filepath.Join(cfg.Root(), "build", fmt.Sprintf("%s-%s.apk", req.Manifest.Package, req.Variant))
			}
			return finishBuild(res, out, f)
		},
	}
	cmd.Flags().StringSliceVar(&f.abis, "abi", nil, "required target ABIs (replaces the configured set)")
	cmd.Flags().StringSliceVar(&f.optionalABIs, "optional-abi", nil, "optional target ABIs")
	cmd.Flags().StringVar(&f.variant, "variant", "", "build variant (debug|release)")
	cmd.Flags().StringVar(&f.schemes, "schemes", "", "signing schemes, for example v1,v2,v3")
	cmd.Flags().IntVar(&f.jobs, "jobs", 0, "concurrent compiles (default: number of CPUs)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "per-ABI compile timeout")
	cmd.Flags().StringVar(&f.out, "out", "", "output package path")
	cmd.Flags().StringVar(&f.summary, "summary", "", "write a JSON build summary to this path")
	cmd.Flags().BoolVar(&f.strict, "strict", false, "exit non-zero when an optional ABI failed")
	cmd.Flags().BoolVar(&f.quiet, "quiet", false, "suppress progress lines")
	return cmd
}

func applyBuildFlags(cfg *config.Config, f buildFlags) {
	if len(f.abis) > 0 || len(f.optionalABIs) > 0 {
		var abis []config.ABIConfig
		if len(f.abis) == 0 {
			for _, a := range cfg.ABIs {
				if !a.Optional {
					abis = append(abis, a)
				}
			}
		}
		for _, a := range f.abis {
			abis = append(abis, config.ABIConfig{Name: a})
		}
		for _, a := range f.optionalABIs {
			abis = append(abis, config.ABIConfig{Name: a, Optional: true})
		}
		cfg.ABIs = abis
	}
	if f.variant != "" {
		cfg.Variant = f.variant
	}
	if f.jobs > 0 {
		cfg.Build.Jobs = f.jobs
	}
	if f.timeout > 0 {
		cfg.Build.CompileTimeout = f.timeout
	}
}

func buildOptions(cfg config.Config, log *slog.Logger) build.Options {
	opts := build.Options{
		Logger:           log,
		Jobs:             cfg.Build.Jobs,
		CompileTimeout:   cfg.Build.CompileTimeout,
		WorkDir:          cfg.Path(cfg.Build.WorkDir),
		DeterminismCheck: cfg.Build.DeterminismCheck,
		Locator:          locator(cfg),
		Gradle: backend.Gradle{
			Wrapper:     cfg.JVM.Wrapper,
			JavaHome:    cfg.Path(cfg.JVM.JavaHome),
			AndroidHome: cfg.Path(cfg.JVM.AndroidHome),
			Timeout:     cfg.JVM.Timeout,
			Logger:      log,
		},
		Credentials: credential.Resolver{},
		Compile:     compileFunc,
		JVM:         jvmFunc,
	}
	var stores []cache.Store
	if cfg.Cache.Dir != "" {
		stores = append(stores, cache.LocalStore{Dir: cfg.Path(cfg.Cache.Dir)})
	}
	if cfg.Cache.OCI != "" {
		stores = append(stores, cache.OCIStore{Repository: cfg.Cache.OCI})
	}
	if len(stores) > 0 {
		opts.Cache = cache.New(log, stores...)
	}
	return opts
}

// locator prefers explicit per-ABI overrides and falls back to the NDK.
func locator(cfg config.Config) toolchain.Locator {
	static := toolchain.Static{}
	for name, o := range cfg.Toolchain.Overrides {
		abi, err := types.ParseABI(name)
		if err != nil {
			continue
		}
		api := cfg.Toolchain.API
		if api == 0 {
			api = toolchain.DefaultAPI
		}
		static[abi] = toolchain.Toolchain{
			Compiler: cfg.Path(o.Compiler),
			Linker:   cfg.Path(o.Linker),
			Sysroot:  cfg.Path(o.Sysroot),
			API:      api,
		}
	}
	ndk := toolchain.NDK{Root: cfg.Path(cfg.Toolchain.NDK), API: cfg.Toolchain.API, Host: cfg.Toolchain.Host}
	return toolchain.Chain{static, ndk}
}

func progress(events <-chan types.BuildEvent, w io.Writer, quiet bool) {
	for ev := range events {
		if quiet {
			continue
		}
		target := ev.Module
		if ev.ABI != "" {
			target += "/" + string(ev.ABI)
		}
		switch ev.Kind {
		case types.EventStageEntered:
			fmt.Fprintf(w, "==> %s\n", ev.Stage)
		case types.EventABIStarted:
			fmt.Fprintf(w, "    %s started\n", target)
		case types.EventABIRetry:
			fmt.Fprintf(w, "    %s retrying: %s\n", target, ev.Message)
		case types.EventABICompleted:
			suffix := ""
			if ev.Message != "" {
				suffix = " (" + ev.Message + ")"
			}
			fmt.Fprintf(w, "    %s done%s\n", target, suffix)
		case types.EventABIFailed:
			fmt.Fprintf(w, "    %s failed: %s\n", target, ev.Message)
		case types.EventError:
			fmt.Fprintf(w, "error: %s\n", ev.Message)
		}
	}
}

func finishBuild(res types.BuildResult, out string, f buildFlags) error {
	summary := report.Summarize(res)
	if res.Package != nil {
		if err := writePackage(res.Package, out); err != nil {
			return cliError{code: exitFatal, err: err}
		}
		summary.Package.Path = out
		if len(res.Package.V4Signature) > 0 {
			summary.Package.V4Path = out + ".idsig"
		}
	}
	if f.summary != "" {
		if err := report.WriteJSON(f.summary, summary); err != nil {
			return cliError{code: exitFatal, err: err}
		}
	}

	switch res.Outcome {
	case types.OutcomeSuccess:
		fmt.Println(out)
		return nil
	case types.OutcomePartialFailure:
		fmt.Println(out)
		if f.strict {
			return cliError{code: exitPartial, err: fmt.Errorf("build degraded: %d optional target(s) failed", len(res.Failures))}
		}
		return nil
	case types.OutcomeCancelled:
		return cliError{code: exitCancelled, err: fmt.Errorf("build cancelled")}
	}
	msg := "build failed"
	if res.Reason != nil {
		msg += ": " + res.Reason.Message
	}
	return cliError{code: exitFatal, err: fmt.Errorf("%s", msg)}
}

func writePackage(pkg *types.SignedPackage, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(out, pkg.Bytes, 0o644); err != nil {
		return fmt.Errorf("write package: %w", err)
	}
	written, _, err := hash.DigestFile(out)
	if err != nil {
		return err
	}
	if !hash.Equal(written, pkg.Digest) {
		return types.Errorf(types.KindDigestMismatchOnSelfCheck, "%s on disk is %s, signed package is %s", out, written, pkg.Digest)
	}
	if len(pkg.V4Signature) > 0 {
		if err := os.WriteFile(out+".idsig", pkg.V4Signature, 0o644); err != nil {
			return fmt.Errorf("write v4 signature: %w", err)
		}
	}
	return nil
}

func newSignCommand() *cobra.Command {
	var inPath, outPath, schemes, keystorePath, alias, cred string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Re-sign the entries of an existing archive",
		RunE: func(c *cobra.Command, _ []string) error {
			if inPath == "" {
				return fmt.Errorf("--in is required")
			}
			raw, err := os.ReadFile(inPath)
			if err != nil {
				return err
			}
			layout, err := archive.Read(raw)
			if err != nil {
				return err
			}

			var signing types.SigningConfig
			if hash.FileExists(globals.config) {
				cfg, err := config.Load(globals.config)
				if err != nil {
					return err
				}
				req, err := cfg.ToRequest()
				if err != nil {
					return err
				}
				signing = req.Signing
			} else {
				signing.Schemes = types.DefaultSchemes
			}
			if keystorePath != "" {
				signing.KeyRef = types.KeyRef{Keystore: keystorePath, KeyAlias: alias, Credential: cred}
				signing.Rotation = nil
			}
			if schemes != "" {
				if signing.Schemes, err = types.ParseSchemes(splitCSV(schemes)); err != nil {
					return err
				}
			}

			pkg, err := build.SignLayout(c.Context(), layout, "", signing, credential.Resolver{})
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = inPath
			}
			if err := writePackage(pkg, outPath); err != nil {
				return err
			}
			fmt.Println(outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "", "archive to sign")
	cmd.Flags().StringVar(&outPath, "out", "", "signed output path (default: overwrite --in)")
	cmd.Flags().StringVar(&schemes, "schemes", "", "signing schemes, for example v1,v2,v3")
	cmd.Flags().StringVar(&keystorePath, "keystore", "", "keystore path (overrides the config)")
	cmd.Flags().StringVar(&alias, "alias", "", "key alias")
	cmd.Flags().StringVar(&cred, "credential", "", "credential reference (env:NAME, file:PATH, age:PATH)")
	return cmd
}
