// Package config loads apkforge.yaml and turns it into a build request.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ogulcanaydogan/apkforge/pkg/schema"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

const FileName = "apkforge.yaml"

type Config struct {
	ProjectRoot string          `yaml:"project_root,omitempty"`
	Variant     string          `yaml:"variant,omitempty"`
	Backend     string          `yaml:"backend,omitempty"`
	ABIs        []ABIConfig     `yaml:"abis"`
	Modules     []ModuleConfig  `yaml:"modules"`
	Manifest    string          `yaml:"manifest,omitempty"`
	Resources   ResourceConfig  `yaml:"resources,omitempty"`
	Toolchain   ToolchainConfig `yaml:"toolchain,omitempty"`
	JVM         JVMConfig       `yaml:"jvm,omitempty"`
	Signing     SigningConfig   `yaml:"signing,omitempty"`
	Build       BuildConfig     `yaml:"build,omitempty"`
	Cache       CacheConfig     `yaml:"cache,omitempty"`

	// dir is where the file was loaded from; relative paths resolve
	// against it.
	dir string
}

type ABIConfig struct {
	Name     string `yaml:"name"`
	Optional bool   `yaml:"optional,omitempty"`
}

type ModuleConfig struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind,omitempty"`
	Dir     string   `yaml:"dir,omitempty"`
	Library string   `yaml:"library,omitempty"`
	Command []string `yaml:"command,omitempty"`
	Task    string   `yaml:"task,omitempty"`
}

type ResourceConfig struct {
	Table  string `yaml:"table,omitempty"`
	Dir    string `yaml:"dir,omitempty"`
	Assets string `yaml:"assets,omitempty"`
}

type ToolchainConfig struct {
	NDK       string                  `yaml:"ndk,omitempty"`
	API       int                     `yaml:"api,omitempty"`
	Host      string                  `yaml:"host,omitempty"`
	Overrides map[string]ToolOverride `yaml:"overrides,omitempty"`
}

type ToolOverride struct {
	Compiler string `yaml:"compiler,omitempty"`
	Linker   string `yaml:"linker,omitempty"`
	Sysroot  string `yaml:"sysroot,omitempty"`
}

type JVMConfig struct {
	Wrapper     string        `yaml:"wrapper,omitempty"`
	JavaHome    string        `yaml:"java_home,omitempty"`
	AndroidHome string        `yaml:"android_home,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
}

type KeyRefConfig struct {
	Keystore      string `yaml:"keystore"`
	Alias         string `yaml:"alias,omitempty"`
	Credential    string `yaml:"credential,omitempty"`
	KeyCredential string `yaml:"key_credential,omitempty"`
}

type SigningConfig struct {
	Keystore      string         `yaml:"keystore,omitempty"`
	Alias         string         `yaml:"alias,omitempty"`
	Credential    string         `yaml:"credential,omitempty"`
	KeyCredential string         `yaml:"key_credential,omitempty"`
	Schemes       []string       `yaml:"schemes,omitempty"`
	MinSDK        int            `yaml:"min_sdk,omitempty"`
	AgeIdentity   string         `yaml:"age_identity,omitempty"`
	Rotation      []KeyRefConfig `yaml:"rotation,omitempty"`
}

type BuildConfig struct {
	Jobs             int           `yaml:"jobs,omitempty"`
	CompileTimeout   time.Duration `yaml:"compile_timeout,omitempty"`
	WorkDir          string        `yaml:"work_dir,omitempty"`
	DeterminismCheck int           `yaml:"determinism_check,omitempty"`
}

type CacheConfig struct {
	Dir string `yaml:"dir,omitempty"`
	OCI string `yaml:"oci,omitempty"`
}

// Load reads, schema-checks and decodes the configuration at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, invalid(path, fmt.Errorf("parse config: %w", err))
	}
	if doc == nil {
		doc = map[string]any{}
	}
	violations, err := schema.Validate(schema.Config, doc)
	if err != nil {
		return Config{}, err
	}
	if len(violations) > 0 {
		return Config{}, invalid(path, fmt.Errorf("config does not match schema: %s", strings.Join(violations, "; ")))
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, invalid(path, fmt.Errorf("decode config: %w", err))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}
	cfg.dir = filepath.Dir(abs)
	return cfg, nil
}

// Default is the configuration written by `apkforge init`.
func Default() Config {
	return Config{
		Variant: string(types.VariantDebug),
		ABIs: []ABIConfig{
			{Name: string(types.ABIArm64)},
			{Name: string(types.ABIArmV7)},
			{Name: string(types.ABIX86_64), Optional: true},
		},
		Modules:   []ModuleConfig{{Name: "app", Kind: string(types.BackendNative), Library: "libapp.so"}},
		Manifest:  "manifest.yaml",
		Resources: ResourceConfig{Dir: "res", Assets: "assets"},
		Toolchain: ToolchainConfig{API: 24},
		Signing: SigningConfig{
			Keystore: ".apkforge/debug.pem",
			Alias:    "androiddebugkey",
			Schemes:  []string{"v1", "v2", "v3"},
		},
		Build: BuildConfig{CompileTimeout: 15 * time.Minute, WorkDir: ".apkforge/work"},
		Cache: CacheConfig{Dir: ".apkforge/cache"},
	}
}

func Write(path string, cfg Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, raw, 0o644)
}

// Root is the absolute project root.
func (c Config) Root() string {
	if c.ProjectRoot == "" {
		return c.base()
	}
	return c.Path(c.ProjectRoot)
}

// Path resolves p relative to the directory holding the config file.
func (c Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.base(), p)
}

func (c Config) base() string {
	if c.dir != "" {
		return c.dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func invalid(path string, err error) error {
	return &types.Error{Kind: types.KindInvalidRequest, Path: path, Err: err}
}
