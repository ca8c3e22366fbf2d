package types

import (
	"fmt"
	"path/filepath"
	"time"
)

// Module is one buildable unit of the project. Kind may be left empty to let
// the backend selector detect it from the module directory.
type Module struct {
	Name    string      `json:"name"`
	Kind    BackendKind `json:"kind,omitempty"`
	Dir     string      `json:"dir,omitempty"`
	Library string      `json:"library,omitempty"`
	Command []string    `json:"command,omitempty"`
	Task    string      `json:"task,omitempty"`
}

// Path is the module directory under root. Dir defaults to the module name.
func (m Module) Path(root string) string {
	dir := m.Dir
	if dir == "" {
		dir = m.Name
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(root, dir)
}

type TargetSpec struct {
	ABI      ABI  `json:"abi"`
	Optional bool `json:"optional,omitempty"`
}

// Blob is an architecture-independent file headed for the archive.
type Blob struct {
	Path    string `json:"path"`
	Content []byte `json:"-"`
}

// ResourceSet is the pre-compiled resource input. File paths are relative to
// res/, asset paths relative to assets/.
type ResourceSet struct {
	Table  []byte `json:"-"`
	Files  []Blob `json:"files,omitempty"`
	Assets []Blob `json:"assets,omitempty"`
}

func (r ResourceSet) Clone() ResourceSet {
	return ResourceSet{
		Table:  append([]byte(nil), r.Table...),
		Files:  cloneBlobs(r.Files),
		Assets: cloneBlobs(r.Assets),
	}
}

func cloneBlobs(in []Blob) []Blob {
	if in == nil {
		return nil
	}
	out := make([]Blob, len(in))
	for i, b := range in {
		out[i] = Blob{Path: b.Path, Content: append([]byte(nil), b.Content...)}
	}
	return out
}

type BuildRequest struct {
	ID          string         `json:"id"`
	ProjectRoot string         `json:"project_root"`
	Targets     []TargetSpec   `json:"targets"`
	Variant     Variant        `json:"variant"`
	Backend     BackendKind    `json:"backend,omitempty"`
	Modules     []Module       `json:"modules"`
	Manifest    ManifestRecord `json:"manifest"`
	Resources   ResourceSet    `json:"resources"`
	Signing     SigningConfig  `json:"signing"`
}

// Clone returns a deep copy; the orchestrator works on the copy so the
// caller's request is never touched.
func (r BuildRequest) Clone() BuildRequest {
	out := r
	out.Targets = append([]TargetSpec(nil), r.Targets...)
	out.Modules = make([]Module, len(r.Modules))
	for i, m := range r.Modules {
		m.Command = append([]string(nil), m.Command...)
		out.Modules[i] = m
	}
	out.Manifest = r.Manifest.Clone()
	out.Resources = r.Resources.Clone()
	out.Signing = r.Signing.Clone()
	return out
}

func (r BuildRequest) Validate() error {
	if r.ProjectRoot == "" {
		return Errorf(KindInvalidRequest, "project root is required")
	}
	if len(r.Targets) == 0 {
		return Errorf(KindInvalidRequest, "target abi set is empty")
	}
	seen := make(map[ABI]bool, len(r.Targets))
	for _, t := range r.Targets {
		if !t.ABI.Valid() {
			return Errorf(KindInvalidRequest, "unknown abi %q", t.ABI)
		}
		if seen[t.ABI] {
			return Errorf(KindInvalidRequest, "duplicate abi %q", t.ABI)
		}
		seen[t.ABI] = true
	}
	if r.Variant != VariantDebug && r.Variant != VariantRelease {
		return Errorf(KindInvalidRequest, "unknown variant %q", r.Variant)
	}
	if len(r.Modules) == 0 {
		return Errorf(KindInvalidRequest, "no modules declared")
	}
	names := make(map[string]bool, len(r.Modules))
	for _, m := range r.Modules {
		if m.Name == "" {
			return Errorf(KindInvalidRequest, "module without a name")
		}
		if names[m.Name] {
			return Errorf(KindInvalidRequest, "duplicate module %q", m.Name)
		}
		names[m.Name] = true
	}
	if r.Manifest.Package == "" {
		return Errorf(KindInvalidRequest, "manifest package is required")
	}
	return r.Signing.Schemes.Validate()
}

// Required reports whether abi is a required target of the request.
func (r BuildRequest) Required(abi ABI) bool {
	for _, t := range r.Targets {
		if t.ABI == abi {
			return !t.Optional
		}
	}
	return false
}

// ABITarget is one unit of fan-out: a module compiled for one ABI.
type ABITarget struct {
	ABI      ABI         `json:"abi"`
	Backend  BackendKind `json:"backend"`
	Module   string      `json:"module"`
	Required bool        `json:"required"`
}

func (t ABITarget) String() string {
	return fmt.Sprintf("%s/%s", t.Module, t.ABI)
}

type CompiledArtifact struct {
	Target   ABITarget     `json:"target"`
	Name     string        `json:"name"`
	Path     string        `json:"path,omitempty"`
	Content  []byte        `json:"-"`
	Digest   string        `json:"digest"`
	Duration time.Duration `json:"duration"`
	Cached   bool          `json:"cached,omitempty"`
}
