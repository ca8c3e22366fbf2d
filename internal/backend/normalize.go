package backend

import (
	"fmt"
	"sort"

	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

// Result is what one backend run produced. Exactly one of Native and JVM is
// set, matching Kind.
type Result struct {
	Kind   types.BackendKind
	Native *types.CompiledArtifact
	JVM    *JVMOutput
}

// Output is the backend-independent shape the merger consumes.
type Output struct {
	Artifacts []types.CompiledArtifact
	Bytecode  []types.Blob
}

// Normalize flattens backend results. Artifacts keep their input order and
// bytecode is sorted by path; two modules producing the same dex path is a
// conflict.
func Normalize(results []Result) (Output, error) {
	var out Output
	seen := make(map[string]string)
	for _, r := range results {
		switch r.Kind {
		case types.BackendNative:
			if r.Native == nil {
				return Output{}, fmt.Errorf("native result without artifact")
			}
			out.Artifacts = append(out.Artifacts, *r.Native)
		case types.BackendJVM:
			if r.JVM == nil {
				return Output{}, fmt.Errorf("jvm result without output")
			}
			out.Artifacts = append(out.Artifacts, r.JVM.Libraries...)
			for _, b := range r.JVM.Bytecode {
				if prev, dup := seen[b.Path]; dup {
					e := types.Errorf(types.KindArchiveConflict, "%s produced by modules %s and %s", b.Path, prev, r.JVM.Module)
					e.Path = b.Path
					return Output{}, e
				}
				seen[b.Path] = r.JVM.Module
				out.Bytecode = append(out.Bytecode, b)
			}
		default:
			return Output{}, fmt.Errorf("unknown backend kind %q", r.Kind)
		}
	}
	sort.Slice(out.Bytecode, func(i, j int) bool { return out.Bytecode[i].Path < out.Bytecode[j].Path })
	return out, nil
}
