package types

// ManifestRecord is the structured manifest handed over by the manifest
// editor. Compiled, when set, is used verbatim as AndroidManifest.xml.
type ManifestRecord struct {
	Package     string      `json:"package" yaml:"package"`
	VersionCode int         `json:"versionCode" yaml:"versionCode"`
	VersionName string      `json:"versionName,omitempty" yaml:"versionName,omitempty"`
	MinSDK      int         `json:"minSdk,omitempty" yaml:"minSdk,omitempty"`
	TargetSDK   int         `json:"targetSdk,omitempty" yaml:"targetSdk,omitempty"`
	Permissions []string    `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Features    []Feature   `json:"features,omitempty" yaml:"features,omitempty"`
	Application Application `json:"application" yaml:"application"`
	Compiled    []byte      `json:"-" yaml:"-"`
}

type Feature struct {
	Name     string `json:"name" yaml:"name"`
	Required bool   `json:"required" yaml:"required"`
}

type Application struct {
	Label      string      `json:"label,omitempty" yaml:"label,omitempty"`
	Icon       string      `json:"icon,omitempty" yaml:"icon,omitempty"`
	RoundIcon  string      `json:"roundIcon,omitempty" yaml:"roundIcon,omitempty"`
	Theme      string      `json:"theme,omitempty" yaml:"theme,omitempty"`
	Debuggable bool        `json:"debuggable,omitempty" yaml:"debuggable,omitempty"`
	HasCode    *bool       `json:"hasCode,omitempty" yaml:"hasCode,omitempty"`
	Components []Component `json:"components,omitempty" yaml:"components,omitempty"`
}

const (
	ComponentActivity = "activity"
	ComponentService  = "service"
	ComponentReceiver = "receiver"
	ComponentProvider = "provider"
)

type Component struct {
	Kind     string `json:"kind" yaml:"kind"`
	Name     string `json:"name" yaml:"name"`
	Exported bool   `json:"exported,omitempty" yaml:"exported,omitempty"`
	Launcher bool   `json:"launcher,omitempty" yaml:"launcher,omitempty"`
	Label    string `json:"label,omitempty" yaml:"label,omitempty"`
	Icon     string `json:"icon,omitempty" yaml:"icon,omitempty"`
	Theme    string `json:"theme,omitempty" yaml:"theme,omitempty"`
	// Authorities only applies to providers.
	Authorities string `json:"authorities,omitempty" yaml:"authorities,omitempty"`
}

func (m ManifestRecord) Clone() ManifestRecord {
	out := m
	out.Permissions = append([]string(nil), m.Permissions...)
	out.Features = append([]Feature(nil), m.Features...)
	out.Application.Components = append([]Component(nil), m.Application.Components...)
	if m.Application.HasCode != nil {
		v := *m.Application.HasCode
		out.Application.HasCode = &v
	}
	out.Compiled = append([]byte(nil), m.Compiled...)
	return out
}
