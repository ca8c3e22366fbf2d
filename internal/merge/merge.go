package merge

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/ogulcanaydogan/apkforge/internal/archive"
	"github.com/ogulcanaydogan/apkforge/internal/hash"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

const resourceTablePath = "resources.arsc"

// Already-compressed media is stored, matching what aapt does.
var storedExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".wav": true, ".mp3": true, ".ogg": true, ".aac": true, ".m4a": true,
	".mp4": true, ".3gp": true, ".webm": true, ".mkv": true, ".amr": true,
}

type Input struct {
	Manifest     types.ManifestRecord
	Variant      types.Variant
	Resources    types.ResourceSet
	Artifacts    []types.CompiledArtifact
	Bytecode     []types.Blob
	RequiredABIs []types.ABI
}

type Result struct {
	Layout  archive.Layout
	Encoded []byte
	Digest  string
}

// Merge assembles the unsigned layout. Entry order is AndroidManifest.xml,
// resources.arsc, res/, lib/<abi>/ (by ABI then file name), dex, assets/.
func Merge(in Input) (Result, error) {
	if err := checkArchitectures(in.Artifacts, in.RequiredABIs); err != nil {
		return Result{}, err
	}
	if err := resolveManifest(in.Manifest, in.Resources); err != nil {
		return Result{}, err
	}
	manifest, err := RenderManifest(in.Manifest, in.Variant)
	if err != nil {
		return Result{}, err
	}

	b := &builder{seen: make(map[string]bool)}
	if err := b.add(archive.ManifestPath, manifest, true); err != nil {
		return Result{}, err
	}
	if len(in.Resources.Table) > 0 {
		if err := b.add(resourceTablePath, in.Resources.Table, false); err != nil {
			return Result{}, err
		}
	}
	if err := b.addBlobs("res/", in.Resources.Files); err != nil {
		return Result{}, err
	}
	if err := b.addLibraries(in.Artifacts); err != nil {
		return Result{}, err
	}
	if err := b.addBlobs("", in.Bytecode); err != nil {
		return Result{}, err
	}
	if err := b.addBlobs("assets/", in.Resources.Assets); err != nil {
		return Result{}, err
	}

	layout := archive.Layout{Entries: b.entries}
	encoded, err := archive.Encode(layout)
	if err != nil {
		return Result{}, err
	}
	return Result{Layout: layout, Encoded: encoded, Digest: hash.DigestBytes(encoded)}, nil
}

// CheckDeterminism merges in runs times and fails if any digest differs.
func CheckDeterminism(in Input, runs int) (Result, error) {
	first, err := Merge(in)
	if err != nil {
		return Result{}, err
	}
	for i := 1; i < runs; i++ {
		again, err := Merge(in)
		if err != nil {
			return Result{}, err
		}
		if again.Digest != first.Digest {
			return Result{}, types.Errorf(types.KindDigestMismatchOnSelfCheck,
				"merge is not deterministic: run %d digest %s != %s", i+1, again.Digest, first.Digest)
		}
	}
	return first, nil
}

func checkArchitectures(artifacts []types.CompiledArtifact, required []types.ABI) error {
	have := make(map[types.ABI]bool)
	for _, a := range artifacts {
		have[a.Target.ABI] = true
	}
	for _, abi := range required {
		if !have[abi] {
			return &types.Error{Kind: types.KindMissingArchitecture, ABI: abi, Err: fmt.Errorf("no native artifact for required abi")}
		}
	}
	return nil
}

type builder struct {
	entries []archive.Entry
	seen    map[string]bool
}

func (b *builder) add(p string, content []byte, compress bool) error {
	if err := archive.CheckPath(p); err != nil {
		return &types.Error{Kind: types.KindArchiveConflict, Path: p, Err: err}
	}
	if b.seen[p] {
		return &types.Error{Kind: types.KindArchiveConflict, Path: p, Err: fmt.Errorf("entry path collision")}
	}
	b.seen[p] = true
	b.entries = append(b.entries, archive.Entry{Path: p, Content: content, Compress: compress})
	return nil
}

func (b *builder) addBlobs(prefix string, blobs []types.Blob) error {
	sorted := make([]types.Blob, len(blobs))
	copy(sorted, blobs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for _, blob := range sorted {
		p := prefix + strings.TrimPrefix(blob.Path, "/")
		if err := b.add(p, blob.Content, compressible(p)); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) addLibraries(artifacts []types.CompiledArtifact) error {
	sorted := make([]types.CompiledArtifact, len(artifacts))
	copy(sorted, artifacts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Target.ABI != sorted[j].Target.ABI {
			return sorted[i].Target.ABI < sorted[j].Target.ABI
		}
		return sorted[i].Name < sorted[j].Name
	})
	for _, a := range sorted {
		if !a.Target.ABI.Valid() {
			return &types.Error{Kind: types.KindArchiveConflict, ABI: a.Target.ABI, Err: fmt.Errorf("unknown abi")}
		}
		if a.Name == "" || strings.Contains(a.Name, "/") {
			return &types.Error{Kind: types.KindArchiveConflict, ABI: a.Target.ABI, Path: a.Name, Err: fmt.Errorf("invalid library name")}
		}
		p := path.Join("lib", string(a.Target.ABI), a.Name)
		if err := b.add(p, a.Content, false); err != nil {
			if te, ok := types.AsError(err); ok {
				te.ABI = a.Target.ABI
			}
			return err
		}
	}
	return nil
}

func compressible(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	return !storedExtensions[ext]
}
