// Package toolchain resolves the per-architecture compiler, linker and
// sysroot a native module is built with.
package toolchain

import (
	"context"
	"sync"

	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

type Toolchain struct {
	ABI      types.ABI `json:"abi"`
	Compiler string    `json:"compiler"`
	Linker   string    `json:"linker"`
	Sysroot  string    `json:"sysroot,omitempty"`
	API      int       `json:"api"`
}

// Fingerprint lists the fields that influence compiled output, in a fixed
// order suitable for a cache key.
func (t Toolchain) Fingerprint() []string {
	return []string{string(t.ABI), t.Compiler, t.Linker, t.Sysroot, itoa(t.API)}
}

type Locator interface {
	Locate(ctx context.Context, abi types.ABI) (Toolchain, error)
}

// Static serves explicitly configured toolchains.
type Static map[types.ABI]Toolchain

func (s Static) Locate(_ context.Context, abi types.ABI) (Toolchain, error) {
	tc, ok := s[abi]
	if !ok {
		return Toolchain{}, missing(abi, "no toolchain configured")
	}
	tc.ABI = abi
	return tc, nil
}

// Chain asks each locator in turn and returns the first toolchain found.
// Errors other than toolchain_missing stop the search.
type Chain []Locator

func (c Chain) Locate(ctx context.Context, abi types.ABI) (Toolchain, error) {
	var last error = missing(abi, "no toolchain locator configured")
	for _, l := range c {
		tc, err := l.Locate(ctx, abi)
		if err == nil {
			return tc, nil
		}
		if types.KindOf(err) != types.KindToolchainMissing {
			return Toolchain{}, err
		}
		last = err
	}
	return Toolchain{}, last
}

// Cache resolves each ABI at most once. One Cache lives for one build so
// that every module targeting an ABI sees the same toolchain.
type Cache struct {
	locator Locator

	mu      sync.Mutex
	entries map[types.ABI]*cacheEntry
}

type cacheEntry struct {
	once sync.Once
	tc   Toolchain
	err  error
}

func NewCache(l Locator) *Cache {
	return &Cache{locator: l, entries: make(map[types.ABI]*cacheEntry)}
}

func (c *Cache) Locate(ctx context.Context, abi types.ABI) (Toolchain, error) {
	c.mu.Lock()
	e, ok := c.entries[abi]
	if !ok {
		e = &cacheEntry{}
		c.entries[abi] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		e.tc, e.err = c.locator.Locate(ctx, abi)
	})
	return e.tc, e.err
}

func missing(abi types.ABI, msg string) error {
	e := types.Errorf(types.KindToolchainMissing, "%s", msg)
	e.ABI = abi
	return e
}
