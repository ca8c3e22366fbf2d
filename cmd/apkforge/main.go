package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ogulcanaydogan/apkforge/internal/config"
	"github.com/ogulcanaydogan/apkforge/internal/hash"
	"github.com/ogulcanaydogan/apkforge/internal/keystore"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

const (
	exitOK        = 0
	exitPartial   = 1
	exitFatal     = 20
	exitCancelled = 21
)

type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string { return e.err.Error() }

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		var ce cliError
		if errors.As(err, &ce) {
			fmt.Fprintln(os.Stderr, ce.err)
			os.Exit(ce.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	logLevel  string
	logFormat string
	config    string
}

var globals globalFlags

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "apkforge",
		Short:         "Multi-ABI Android package builder and signer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&globals.logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	root.PersistentFlags().StringVar(&globals.logFormat, "log-format", "text", "log format (text|json)")
	root.PersistentFlags().StringVar(&globals.config, "config", config.FileName, "project configuration file")
	root.AddCommand(newInitCommand())
	root.AddCommand(newBuildCommand())
	root.AddCommand(newSignCommand())
	root.AddCommand(newVerifyCommand())
	root.AddCommand(newKeygenCommand())
	root.AddCommand(newReportCommand())
	return root
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("unsupported log level %s", level)
	}
	opts := &slog.HandlerOptions{Level: lv}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unsupported log format %s", format)
}

func logger() (*slog.Logger, error) {
	return newLogger(globals.logLevel, globals.logFormat, os.Stderr)
}

func sampleManifest() types.ManifestRecord {
	return types.ManifestRecord{
		Package:     "com.example.app",
		VersionCode: 1,
		VersionName: "1.0",
		MinSDK:      24,
		TargetSDK:   34,
		Application: types.Application{
			Label: "App",
			Components: []types.Component{
				{Kind: types.ComponentActivity, Name: "android.app.NativeActivity", Launcher: true, Exported: true},
			},
		},
	}
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default apkforge.yaml, manifest record and debug key",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfgPath := globals.config
			dir := filepath.Dir(cfgPath)
			cfg := config.Default()
			if !hash.FileExists(cfgPath) {
				if err := config.Write(cfgPath, cfg); err != nil {
					return err
				}
			}
			manifestPath := filepath.Join(dir, cfg.Manifest)
			if !hash.FileExists(manifestPath) {
				raw, err := yaml.Marshal(sampleManifest())
				if err != nil {
					return fmt.Errorf("encode manifest record: %w", err)
				}
				if err := os.WriteFile(manifestPath, raw, 0o644); err != nil {
					return err
				}
			}
			keyPath := filepath.Join(dir, cfg.Signing.Keystore)
			if !hash.FileExists(keyPath) {
				if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
					return err
				}
				if err := keystore.GenerateDevKey(keyPath, cfg.Signing.Alias, keystore.KeyTypeRSA); err != nil {
					return err
				}
			}
			fmt.Println("initialized apkforge config, manifest record, and debug key")
			return nil
		},
	}
}

func newKeygenCommand() *cobra.Command {
	var outPath, alias, keyType string
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a self-signed signing key as a PEM bundle",
		RunE: func(_ *cobra.Command, _ []string) error {
			if outPath == "" {
				return fmt.Errorf("--out is required")
			}
			if hash.FileExists(outPath) && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", outPath)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return err
			}
			if err := keystore.GenerateDevKey(outPath, alias, strings.ToLower(keyType)); err != nil {
				return err
			}
			fmt.Println(outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output PEM path")
	cmd.Flags().StringVar(&alias, "alias", "release", "key alias")
	cmd.Flags().StringVar(&keyType, "type", keystore.KeyTypeRSA, "key type (rsa|ecdsa)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func splitCSV(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
