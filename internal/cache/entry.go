// Package cache stores compiled native libraries keyed by everything that
// went into producing them, locally and optionally in an OCI registry.
package cache

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/ogulcanaydogan/apkforge/internal/hash"
)

// EntryVersion changes whenever the record layout does; older records are
// treated as misses.
const EntryVersion = 1

type Entry struct {
	Version int    `cbor:"1,keyasint"`
	Module  string `cbor:"2,keyasint"`
	ABI     string `cbor:"3,keyasint"`
	Name    string `cbor:"4,keyasint"`
	Digest  string `cbor:"5,keyasint"`
	Content []byte `cbor:"6,keyasint"`
}

var errStale = errors.New("stale cache entry")

var (
	encMode     cbor.EncMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("cache: cbor encoder initialization failed: " + err.Error())
	}
	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes e as deterministic CBOR and compresses it.
func Marshal(e Entry) ([]byte, error) {
	raw, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// Unmarshal reverses Marshal and rejects records whose content no longer
// matches the digest they were stored with.
func Unmarshal(compressed []byte) (Entry, error) {
	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("decompress cache entry: %w", err)
	}
	var e Entry
	if err := cbor.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	if e.Version != EntryVersion {
		return Entry{}, fmt.Errorf("%w: version %d", errStale, e.Version)
	}
	if got := hash.DigestBytes(e.Content); got != e.Digest {
		return Entry{}, fmt.Errorf("%w: content digest %s, recorded %s", errStale, got, e.Digest)
	}
	return e, nil
}
