// Package backend decides how a module is built and drives the JVM build
// tool for modules that are not compiled natively.
package backend

import (
	"os"
	"path/filepath"

	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

var nativeMarkers = []string{"Cargo.toml", "CMakeLists.txt", filepath.Join("jni", "Android.mk")}

var jvmMarkers = []string{"build.gradle", "build.gradle.kts"}

// Select picks the backend for m. An explicit module kind wins, then the
// files found in the module directory, then the request-wide hint.
func Select(root string, m types.Module, hint types.BackendKind) (types.BackendKind, error) {
	if m.Kind != "" {
		return m.Kind, nil
	}
	dir := m.Path(root)
	for _, f := range nativeMarkers {
		if exists(filepath.Join(dir, f)) {
			return types.BackendNative, nil
		}
	}
	for _, f := range jvmMarkers {
		if exists(filepath.Join(dir, f)) {
			return types.BackendJVM, nil
		}
	}
	if hint != "" {
		return hint, nil
	}
	e := types.Errorf(types.KindInvalidRequest, "cannot determine backend for module %q: no build files in %s", m.Name, dir)
	e.Module = m.Name
	return "", e
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
