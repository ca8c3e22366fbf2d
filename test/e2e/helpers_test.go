//go:build e2e

package e2e

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ogulcanaydogan/apkforge/internal/build"
	"github.com/ogulcanaydogan/apkforge/internal/config"
	"github.com/ogulcanaydogan/apkforge/internal/keystore"
	"github.com/ogulcanaydogan/apkforge/internal/toolchain"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

// shellCompile writes a fake shared library for each ABI through the real
// compile worker, so the test needs a POSIX shell but no NDK.
var shellCompile = []string{"sh", "-c", "printf 'elf-{{.ABI}}-{{.API}}' > {{.OutDir}}/{{.Library}}"}

// writeProject lays out a two-module project with a debug key and returns
// the path of its apkforge.yaml.
func writeProject(t *testing.T, command []string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Modules = []config.ModuleConfig{
		{Name: "core", Kind: string(types.BackendNative), Command: command},
		{Name: "render", Kind: string(types.BackendNative), Command: command},
	}
	cfg.Signing.Alias = "debug"
	cfg.Signing.Schemes = []string{"v1", "v2", "v3", "v4"}
	cfg.Cache.Dir = ""

	for _, m := range cfg.Modules {
		mustWrite(t, filepath.Join(dir, m.Name, "lib.rs"), "pub fn f() {}\n")
	}
	mustWrite(t, filepath.Join(dir, "manifest.yaml"), `package: com.example.e2e
versionCode: 3
versionName: "1.2"
minSdk: 24
targetSdk: 34
application:
  label: E2E
  components:
    - kind: activity
      name: android.app.NativeActivity
      launcher: true
      exported: true
`)
	mustWrite(t, filepath.Join(dir, "res", "values", "strings.xml"), "<resources/>\n")
	mustWrite(t, filepath.Join(dir, "assets", "data.bin"), "payload\n")

	keyPath := filepath.Join(dir, cfg.Signing.Keystore)
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := keystore.GenerateDevKey(keyPath, cfg.Signing.Alias, keystore.KeyTypeECDSA); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, config.FileName)
	if err := config.Write(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func loadRequest(t *testing.T, cfgPath string) (config.Config, types.BuildRequest) {
	t.Helper()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	req, err := cfg.ToRequest()
	if err != nil {
		t.Fatal(err)
	}
	return cfg, req
}

func options(cfg config.Config) build.Options {
	static := toolchain.Static{}
	for _, a := range types.KnownABIs {
		static[a] = toolchain.Toolchain{API: 24}
	}
	return build.Options{
		Jobs:    4,
		WorkDir: cfg.Path(cfg.Build.WorkDir),
		Locator: static,
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
