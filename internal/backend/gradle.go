package backend

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ogulcanaydogan/apkforge/internal/compile"
	"github.com/ogulcanaydogan/apkforge/internal/hash"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

// JVMOutput is what one Gradle module build leaves behind.
type JVMOutput struct {
	Module    string
	Libraries []types.CompiledArtifact
	Bytecode  []types.Blob
	Duration  time.Duration
}

// Gradle drives a Gradle build for one module and variant and collects the
// native libraries and dex files it produced.
type Gradle struct {
	// Wrapper is the build tool; empty means <root>/gradlew when present,
	// otherwise gradle from PATH.
	Wrapper     string
	JavaHome    string
	AndroidHome string
	Timeout     time.Duration
	Logger      *slog.Logger
}

var dexName = regexp.MustCompile(`^classes[0-9]*\.dex$`)

// Task is the Gradle task assembling variant of module.
func Task(m types.Module, variant types.Variant) string {
	if m.Task != "" {
		return m.Task
	}
	return ":" + m.Name + ":assemble" + variant.Title()
}

func (g Gradle) command(root string, m types.Module, variant types.Variant) compile.Command {
	wrapper := g.Wrapper
	if wrapper == "" {
		wrapper = "gradle"
		if exists(filepath.Join(root, "gradlew")) {
			wrapper = filepath.Join(root, "gradlew")
		}
	} else if !filepath.IsAbs(wrapper) && filepath.Base(wrapper) != wrapper {
		wrapper = filepath.Join(root, wrapper)
	}
	var env []string
	if g.JavaHome != "" {
		env = append(env, "JAVA_HOME="+g.JavaHome)
	}
	if g.AndroidHome != "" {
		env = append(env, "ANDROID_HOME="+g.AndroidHome, "ANDROID_SDK_ROOT="+g.AndroidHome)
	}
	return compile.Command{
		Path:    wrapper,
		Args:    []string{Task(m, variant), "--console=plain"},
		Dir:     root,
		Env:     env,
		Timeout: g.Timeout,
	}
}

// Build runs the module task once and collects libraries for the requested
// ABIs. A failure is charged to the module, not to any one ABI.
func (g Gradle) Build(ctx context.Context, root string, m types.Module, variant types.Variant, abis []types.ABI) (JVMOutput, error) {
	log := g.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	start := time.Now()
	cmd := g.command(root, m, variant)
	log.Info("gradle task started", "module", m.Name, "task", cmd.Args[0])
	if err := compile.Exec(ctx, cmd); err != nil {
		if te, ok := types.AsError(err); ok {
			te.Module = m.Name
		}
		return JVMOutput{}, err
	}

	out, err := collect(filepath.Join(m.Path(root), "build", "intermediates"), m, variant, abis)
	if err != nil {
		return JVMOutput{}, &types.Error{Kind: types.KindIO, Module: m.Name, Err: err}
	}
	out.Duration = time.Since(start)
	for i := range out.Libraries {
		out.Libraries[i].Duration = out.Duration
	}
	log.Info("gradle task finished", "module", m.Name, "libraries", len(out.Libraries), "dex", len(out.Bytecode))
	return out, nil
}

// collect walks the intermediates tree in lexical order. For each ABI and
// library name the first match wins; dex files come from dex/<variant>.
func collect(intermediates string, m types.Module, variant types.Variant, abis []types.ABI) (JVMOutput, error) {
	out := JVMOutput{Module: m.Name}
	if !exists(intermediates) {
		return out, nil
	}
	wanted := make(map[types.ABI]bool, len(abis))
	for _, a := range abis {
		wanted[a] = true
	}
	dexRoot := filepath.Join(intermediates, "dex", string(variant)) + string(filepath.Separator)
	seenLib := make(map[string]bool)
	seenDex := make(map[string]bool)

	err := filepath.WalkDir(intermediates, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		switch {
		case strings.HasSuffix(name, ".so"):
			abi := types.ABI(filepath.Base(filepath.Dir(path)))
			if filepath.Base(filepath.Dir(filepath.Dir(path))) != "lib" || !wanted[abi] {
				return nil
			}
			key := string(abi) + "/" + name
			if seenLib[key] {
				return nil
			}
			seenLib[key] = true
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			out.Libraries = append(out.Libraries, types.CompiledArtifact{
				Target:  types.ABITarget{ABI: abi, Backend: types.BackendJVM, Module: m.Name},
				Name:    name,
				Path:    path,
				Content: raw,
				Digest:  hash.DigestBytes(raw),
			})
		case dexName.MatchString(name) && strings.HasPrefix(path, dexRoot):
			if seenDex[name] {
				return nil
			}
			seenDex[name] = true
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			out.Bytecode = append(out.Bytecode, types.Blob{Path: name, Content: raw})
		}
		return nil
	})
	if err != nil {
		return JVMOutput{}, fmt.Errorf("collect gradle outputs: %w", err)
	}
	sort.Slice(out.Libraries, func(i, j int) bool {
		a, b := out.Libraries[i], out.Libraries[j]
		if a.Target.ABI != b.Target.ABI {
			return a.Target.ABI < b.Target.ABI
		}
		return a.Name < b.Name
	})
	return out, nil
}
