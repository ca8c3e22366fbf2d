package merge

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"unicode/utf16"

	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

// File-backed resource types resolve against res/<type>[-qualifiers]/<name>.*
var fileResourceTypes = map[string]bool{
	"anim": true, "animator": true, "drawable": true, "font": true, "layout": true,
	"menu": true, "mipmap": true, "raw": true, "transition": true, "xml": true,
}

// Value resource types only exist inside the compiled table.
var valueResourceTypes = map[string]bool{
	"array": true, "attr": true, "bool": true, "color": true, "dimen": true, "id": true,
	"integer": true, "plurals": true, "string": true, "style": true,
}

type resolver struct {
	files map[string]bool // "type/name"
	table []byte
}

func newResolver(res types.ResourceSet) *resolver {
	r := &resolver{files: make(map[string]bool, len(res.Files)), table: res.Table}
	for _, f := range res.Files {
		dir, file := path.Split(f.Path)
		typ, _, _ := strings.Cut(strings.TrimSuffix(dir, "/"), "-")
		name := strings.TrimSuffix(file, path.Ext(file))
		name = strings.TrimSuffix(name, ".9")
		r.files[typ+"/"+name] = true
	}
	return r
}

// resolve checks one attribute value. Plain literals are accepted only when
// literal is true (labels); icons and themes must be references.
func (r *resolver) resolve(field, value string, literal bool) error {
	if value == "" {
		return nil
	}
	if strings.HasPrefix(value, "?") {
		return nil
	}
	if !strings.HasPrefix(value, "@") {
		if literal {
			return nil
		}
		return manifestErr("%s %q is not a resource reference", field, value)
	}
	ref := strings.TrimPrefix(strings.TrimPrefix(value, "@"), "+")
	if pkg, rest, ok := strings.Cut(ref, ":"); ok {
		if pkg == "android" {
			return nil
		}
		ref = rest
	}
	typ, name, ok := strings.Cut(ref, "/")
	if !ok || typ == "" || name == "" {
		return manifestErr("%s %q is malformed", field, value)
	}
	if r.files[typ+"/"+name] {
		return nil
	}
	if valueResourceTypes[typ] && r.inTable(name) {
		return nil
	}
	if !fileResourceTypes[typ] && !valueResourceTypes[typ] {
		return manifestErr("%s %q has unknown resource type %q", field, value, typ)
	}
	return manifestErr("%s %q does not resolve", field, value)
}

// inTable looks the entry name up in the key string pool of the compiled
// table, which stores names either as UTF-8 or UTF-16LE.
func (r *resolver) inTable(name string) bool {
	if len(r.table) == 0 {
		return false
	}
	if bytes.Contains(r.table, []byte(name)) {
		return true
	}
	units := utf16.Encode([]rune(name))
	le := make([]byte, 0, len(units)*2)
	for _, u := range units {
		le = append(le, byte(u), byte(u>>8))
	}
	return bytes.Contains(r.table, le)
}

func resolveManifest(m types.ManifestRecord, res types.ResourceSet) error {
	if len(m.Compiled) > 0 {
		return nil
	}
	r := newResolver(res)
	app := m.Application
	checks := []struct {
		field, value string
		literal      bool
	}{
		{"application label", app.Label, true},
		{"application icon", app.Icon, false},
		{"application roundIcon", app.RoundIcon, false},
		{"application theme", app.Theme, false},
	}
	for _, c := range checks {
		if err := r.resolve(c.field, c.value, c.literal); err != nil {
			return err
		}
	}
	for _, c := range app.Components {
		prefix := fmt.Sprintf("%s %s", c.Kind, c.Name)
		if err := r.resolve(prefix+" label", c.Label, true); err != nil {
			return err
		}
		if err := r.resolve(prefix+" icon", c.Icon, false); err != nil {
			return err
		}
		if err := r.resolve(prefix+" theme", c.Theme, false); err != nil {
			return err
		}
	}
	return nil
}
