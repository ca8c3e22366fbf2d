package merge

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

const androidNS = "http://schemas.android.com/apk/res/android"

var (
	packagePattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)+$`)
	classNamePattern = regexp.MustCompile(`^\.?[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)
)

type xmlWriter struct {
	enc *xml.Encoder
	err error
}

func (w *xmlWriter) start(name string, attrs ...xml.Attr) {
	if w.err != nil {
		return
	}
	w.err = w.enc.EncodeToken(xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs})
}

func (w *xmlWriter) end(name string) {
	if w.err != nil {
		return
	}
	w.err = w.enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: name}})
}

func (w *xmlWriter) leaf(name string, attrs ...xml.Attr) {
	w.start(name, attrs...)
	w.end(name)
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func android(name, value string) xml.Attr {
	return attr("android:"+name, value)
}

// optional appends android:name=value only when value is set.
func optional(attrs []xml.Attr, name, value string) []xml.Attr {
	if value == "" {
		return attrs
	}
	return append(attrs, android(name, value))
}

// RenderManifest produces AndroidManifest.xml for m. Permissions are sorted
// and deduplicated and components keep their declared order, so the output
// is a pure function of the record.
func RenderManifest(m types.ManifestRecord, variant types.Variant) ([]byte, error) {
	if len(m.Compiled) > 0 {
		return bytes.Clone(m.Compiled), nil
	}
	if err := checkRecord(m); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	w := &xmlWriter{enc: xml.NewEncoder(&buf)}
	w.enc.Indent("", "    ")

	root := []xml.Attr{attr("xmlns:android", androidNS), attr("package", m.Package)}
	root = append(root, android("versionCode", strconv.Itoa(m.VersionCode)))
	root = optional(root, "versionName", m.VersionName)
	w.start("manifest", root...)

	if m.MinSDK > 0 || m.TargetSDK > 0 {
		var sdk []xml.Attr
		if m.MinSDK > 0 {
			sdk = append(sdk, android("minSdkVersion", strconv.Itoa(m.MinSDK)))
		}
		if m.TargetSDK > 0 {
			sdk = append(sdk, android("targetSdkVersion", strconv.Itoa(m.TargetSDK)))
		}
		w.leaf("uses-sdk", sdk...)
	}
	for _, p := range sortedUnique(m.Permissions) {
		w.leaf("uses-permission", android("name", p))
	}
	for _, f := range m.Features {
		w.leaf("uses-feature", android("name", f.Name), android("required", strconv.FormatBool(f.Required)))
	}

	app := m.Application
	var appAttrs []xml.Attr
	appAttrs = optional(appAttrs, "label", app.Label)
	appAttrs = optional(appAttrs, "icon", app.Icon)
	appAttrs = optional(appAttrs, "roundIcon", app.RoundIcon)
	appAttrs = optional(appAttrs, "theme", app.Theme)
	if app.Debuggable || variant == types.VariantDebug {
		appAttrs = append(appAttrs, android("debuggable", "true"))
	}
	if app.HasCode != nil {
		appAttrs = append(appAttrs, android("hasCode", strconv.FormatBool(*app.HasCode)))
	}
	w.start("application", appAttrs...)
	for _, c := range app.Components {
		attrs := []xml.Attr{android("name", c.Name), android("exported", strconv.FormatBool(c.Exported || c.Launcher))}
		attrs = optional(attrs, "label", c.Label)
		attrs = optional(attrs, "icon", c.Icon)
		attrs = optional(attrs, "theme", c.Theme)
		attrs = optional(attrs, "authorities", c.Authorities)
		w.start(c.Kind, attrs...)
		if c.Launcher {
			w.start("intent-filter")
			w.leaf("action", android("name", "android.intent.action.MAIN"))
			w.leaf("category", android("name", "android.intent.category.LAUNCHER"))
			w.end("intent-filter")
		}
		w.end(c.Kind)
	}
	w.end("application")
	w.end("manifest")
	if w.err == nil {
		w.err = w.enc.Flush()
	}
	if w.err != nil {
		return nil, fmt.Errorf("render manifest: %w", w.err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func checkRecord(m types.ManifestRecord) error {
	if !packagePattern.MatchString(m.Package) {
		return manifestErr("invalid package name %q", m.Package)
	}
	if m.VersionCode < 0 {
		return manifestErr("negative versionCode %d", m.VersionCode)
	}
	if m.MinSDK > 0 && m.TargetSDK > 0 && m.TargetSDK < m.MinSDK {
		return manifestErr("targetSdk %d is below minSdk %d", m.TargetSDK, m.MinSDK)
	}
	seen := make(map[string]bool)
	for _, c := range m.Application.Components {
		switch c.Kind {
		case types.ComponentActivity, types.ComponentService, types.ComponentReceiver, types.ComponentProvider:
		default:
			return manifestErr("component %q has unknown kind %q", c.Name, c.Kind)
		}
		if !classNamePattern.MatchString(c.Name) {
			return manifestErr("invalid %s name %q", c.Kind, c.Name)
		}
		full := c.Name
		if strings.HasPrefix(full, ".") {
			full = m.Package + full
		}
		if seen[full] {
			return manifestErr("component %s declared twice", full)
		}
		seen[full] = true
		if c.Kind == types.ComponentProvider && c.Authorities == "" {
			return manifestErr("provider %s has no authorities", full)
		}
		if c.Launcher && c.Kind != types.ComponentActivity {
			return manifestErr("launcher component %s is not an activity", full)
		}
	}
	return nil
}

func manifestErr(format string, args ...any) error {
	return &types.Error{Kind: types.KindManifestResolution, Path: "AndroidManifest.xml", Err: fmt.Errorf(format, args...)}
}

func sortedUnique(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
