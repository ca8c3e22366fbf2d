package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

const DefaultAPI = 24

// NDK locates clang inside an Android NDK installation.
type NDK struct {
	// Root is the NDK directory. When empty it is taken from
	// ANDROID_NDK_HOME, ANDROID_NDK_ROOT, or the newest ndk/<version> (then
	// ndk-bundle) below ANDROID_HOME / ANDROID_SDK_ROOT.
	Root string
	// API is the minimum platform level; the newest compiler not above it
	// is chosen.
	API int
	// Host is the prebuilt host tag, for example linux-x86_64.
	Host   string
	Getenv func(string) string
}

func (n NDK) Locate(_ context.Context, abi types.ABI) (Toolchain, error) {
	if !abi.Valid() {
		return Toolchain{}, missing(abi, fmt.Sprintf("unknown abi %q", abi))
	}
	root, err := n.root()
	if err != nil {
		return Toolchain{}, missing(abi, err.Error())
	}
	host := n.Host
	if host == "" {
		host = hostTag()
	}
	tcRoot := filepath.Join(root, "toolchains", "llvm", "prebuilt", host)
	if _, err := os.Stat(tcRoot); err != nil {
		return Toolchain{}, missing(abi, fmt.Sprintf("no llvm toolchain for host %s in %s", host, root))
	}
	api := n.API
	if api == 0 {
		api = DefaultAPI
	}
	compiler, ver, err := latestCompiler(tcRoot, abi, api)
	if err != nil {
		return Toolchain{}, missing(abi, err.Error())
	}
	return Toolchain{
		ABI:      abi,
		Compiler: compiler,
		Linker:   compiler,
		Sysroot:  filepath.Join(tcRoot, "sysroot"),
		API:      ver,
	}, nil
}

func (n NDK) root() (string, error) {
	if n.Root != "" {
		if _, err := os.Stat(n.Root); err != nil {
			return "", fmt.Errorf("ndk root %s: %w", n.Root, err)
		}
		return n.Root, nil
	}
	getenv := n.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, env := range []string{"ANDROID_NDK_HOME", "ANDROID_NDK_ROOT"} {
		if v := getenv(env); v != "" {
			return v, nil
		}
	}
	for _, env := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT"} {
		sdk := getenv(env)
		if sdk == "" {
			continue
		}
		if v, ok := newestVersionDir(filepath.Join(sdk, "ndk")); ok {
			return v, nil
		}
		bundle := filepath.Join(sdk, "ndk-bundle")
		if _, err := os.Stat(bundle); err == nil {
			return bundle, nil
		}
	}
	return "", fmt.Errorf("no NDK found: set ANDROID_NDK_HOME or install one with `sdkmanager ndk;<version>`")
}

// newestVersionDir picks the highest dotted version directory in dir.
func newestVersionDir(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	if len(versions) == 0 {
		return "", false
	}
	sort.Slice(versions, func(i, j int) bool { return versionLess(versions[i], versions[j]) })
	return filepath.Join(dir, versions[len(versions)-1]), true
}

func versionLess(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		x, errx := strconv.Atoi(as[i])
		y, erry := strconv.Atoi(bs[i])
		if errx != nil || erry != nil {
			if as[i] != bs[i] {
				return as[i] < bs[i]
			}
			continue
		}
		if x != y {
			return x < y
		}
	}
	return len(as) < len(bs)
}

// latestCompiler returns the newest <triple><api>-clang not above api, or
// the oldest one available when every compiler targets a newer platform.
func latestCompiler(tcRoot string, abi types.ABI, api int) (string, int, error) {
	prefix := filepath.Join(tcRoot, "bin", abi.ClangTriple())
	all, err := filepath.Glob(prefix + "*-clang")
	if err != nil {
		return "", 0, err
	}
	var best, first string
	var bestVer, firstVer int
	for _, compiler := range all {
		ver, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(compiler, prefix), "-clang"))
		if err != nil {
			continue
		}
		if first == "" || ver < firstVer {
			first, firstVer = compiler, ver
		}
		if ver > api || ver < bestVer {
			continue
		}
		best, bestVer = compiler, ver
	}
	if best == "" {
		best, bestVer = first, firstVer
	}
	if best == "" {
		return "", 0, fmt.Errorf("no NDK compiler found for %s in %s", abi, tcRoot)
	}
	return best, bestVer, nil
}

func hostTag() string {
	// The NDK ships x86_64 host binaries for every supported desktop.
	switch runtime.GOOS {
	case "windows":
		return "windows-x86_64"
	case "darwin":
		return "darwin-x86_64"
	}
	return "linux-x86_64"
}

func itoa(n int) string { return strconv.Itoa(n) }
