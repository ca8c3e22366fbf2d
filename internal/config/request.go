package config

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ogulcanaydogan/apkforge/pkg/schema"
	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

// ToRequest assembles a build request from c, reading the manifest record
// and the resource tree from disk.
func (c Config) ToRequest() (types.BuildRequest, error) {
	req := types.BuildRequest{
		ID:          uuid.NewString(),
		ProjectRoot: c.Root(),
	}
	var err error
	if req.Variant, err = types.ParseVariant(c.Variant); err != nil {
		return req, &types.Error{Kind: types.KindInvalidRequest, Err: err}
	}
	if req.Backend, err = types.ParseBackendKind(c.Backend); err != nil {
		return req, &types.Error{Kind: types.KindInvalidRequest, Err: err}
	}
	for _, a := range c.ABIs {
		abi, err := types.ParseABI(a.Name)
		if err != nil {
			return req, &types.Error{Kind: types.KindInvalidRequest, Err: err}
		}
		req.Targets = append(req.Targets, types.TargetSpec{ABI: abi, Optional: a.Optional})
	}
	for _, m := range c.Modules {
		kind, err := types.ParseBackendKind(m.Kind)
		if err != nil {
			return req, &types.Error{Kind: types.KindInvalidRequest, Module: m.Name, Err: err}
		}
		dir := m.Dir
		if dir == "" {
			dir = m.Name
		}
		req.Modules = append(req.Modules, types.Module{
			Name:    m.Name,
			Kind:    kind,
			Dir:     dir,
			Library: m.Library,
			Command: append([]string(nil), m.Command...),
			Task:    m.Task,
		})
	}

	if c.Manifest != "" {
		if req.Manifest, err = LoadManifest(c.Path(c.Manifest)); err != nil {
			return req, err
		}
	}
	if req.Resources, err = c.loadResources(); err != nil {
		return req, err
	}
	if req.Signing, err = c.signing(); err != nil {
		return req, err
	}
	return req, nil
}

func (c Config) signing() (types.SigningConfig, error) {
	s := c.Signing
	out := types.SigningConfig{
		KeyRef: types.KeyRef{
			Keystore:      c.Path(s.Keystore),
			KeyAlias:      s.Alias,
			Credential:    s.Credential,
			KeyCredential: s.KeyCredential,
		},
		Schemes:     types.DefaultSchemes,
		MinSDK:      s.MinSDK,
		AgeIdentity: c.Path(s.AgeIdentity),
	}
	if len(s.Schemes) > 0 {
		schemes, err := types.ParseSchemes(s.Schemes)
		if err != nil {
			return out, &types.Error{Kind: types.KindInvalidRequest, Err: err}
		}
		out.Schemes = schemes
	}
	for _, r := range s.Rotation {
		out.Rotation = append(out.Rotation, types.KeyRef{
			Keystore:      c.Path(r.Keystore),
			KeyAlias:      r.Alias,
			Credential:    r.Credential,
			KeyCredential: r.KeyCredential,
		})
	}
	return out, nil
}

// LoadManifest reads the manifest record produced by the manifest
// collaborator (YAML or JSON). A .xml file is taken as a finished manifest
// and passed through verbatim; only its package name is extracted.
func LoadManifest(path string) (types.ManifestRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.ManifestRecord{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".xml") {
		pkg, err := compiledPackage(raw)
		if err != nil {
			return types.ManifestRecord{}, manifestErr(path, err)
		}
		return types.ManifestRecord{Package: pkg, Compiled: raw}, nil
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return types.ManifestRecord{}, manifestErr(path, fmt.Errorf("parse manifest record: %w", err))
	}
	violations, err := schema.Validate(schema.Manifest, doc)
	if err != nil {
		return types.ManifestRecord{}, err
	}
	if len(violations) > 0 {
		return types.ManifestRecord{}, manifestErr(path, fmt.Errorf("manifest record does not match schema: %s", strings.Join(violations, "; ")))
	}
	var rec types.ManifestRecord
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(raw, &rec)
	} else {
		err = yaml.Unmarshal(raw, &rec)
	}
	if err != nil {
		return types.ManifestRecord{}, manifestErr(path, fmt.Errorf("decode manifest record: %w", err))
	}
	return rec, nil
}

func compiledPackage(raw []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("read manifest xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "manifest" {
			return "", fmt.Errorf("root element is <%s>, want <manifest>", start.Name.Local)
		}
		for _, a := range start.Attr {
			if a.Name.Local == "package" && a.Value != "" {
				return a.Value, nil
			}
		}
		return "", fmt.Errorf("manifest has no package attribute")
	}
}

func manifestErr(path string, err error) error {
	return &types.Error{Kind: types.KindManifestResolution, Path: path, Err: err}
}

func (c Config) loadResources() (types.ResourceSet, error) {
	var rs types.ResourceSet
	r := c.Resources
	if r.Table != "" {
		raw, err := os.ReadFile(c.Path(r.Table))
		if err != nil {
			return rs, fmt.Errorf("read resource table: %w", err)
		}
		rs.Table = raw
	}
	var err error
	if rs.Files, err = readTree(c.Path(r.Dir)); err != nil {
		return rs, err
	}
	if rs.Assets, err = readTree(c.Path(r.Assets)); err != nil {
		return rs, err
	}
	return rs, nil
}

// readTree returns every regular file below root with slash-separated
// relative paths, sorted. A missing root yields no files.
func readTree(root string) ([]types.Blob, error) {
	if root == "" {
		return nil, nil
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}
	var out []types.Blob
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, types.Blob{Path: filepath.ToSlash(rel), Content: raw})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
