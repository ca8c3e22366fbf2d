package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/ogulcanaydogan/apkforge/internal/hash"
)

// DefaultTime is stamped on every entry so that archive bytes depend only
// on entry content.
var DefaultTime = time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	dosDate = (2008-1980)<<9 | 1<<5 | 1

	localHeaderLen = 30
	alignExtraID   = 0xd935

	StoredAlignment  = 4
	LibraryAlignment = 4096
)

// Encode writes l as a ZIP archive. Identical layouts always produce
// identical bytes: timestamps are fixed, entries are written raw with
// precomputed checksums, and stored entries are padded to their alignment.
func Encode(l Layout) ([]byte, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	var offset int64
	for _, e := range l.Entries {
		data, method := e.Content, zip.Store
		if e.Compress {
			compressed, err := deflate(e.Content)
			if err != nil {
				return nil, fmt.Errorf("deflate %s: %w", e.Path, err)
			}
			data, method = compressed, zip.Deflate
		}
		fh := &zip.FileHeader{
			Name:               e.Path,
			Method:             method,
			CRC32:              crc32.ChecksumIEEE(e.Content),
			CompressedSize64:   uint64(len(data)),
			UncompressedSize64: uint64(len(e.Content)),
			ModifiedDate:       dosDate,
			ReaderVersion:      20,
			CreatorVersion:     20,
		}
		if method == zip.Store {
			fh.Extra = alignExtra(offset, e.Path, alignmentOf(e.Path))
		}
		w, err := zw.CreateRaw(fh)
		if err != nil {
			return nil, fmt.Errorf("create entry %s: %w", e.Path, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("write entry %s: %w", e.Path, err)
		}
		offset += int64(localHeaderLen+len(e.Path)+len(fh.Extra)) + int64(len(data))
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Digest is the sha256 of the encoded layout.
func Digest(l Layout) (string, error) {
	raw, err := Encode(l)
	if err != nil {
		return "", err
	}
	return hash.DigestBytes(raw), nil
}

func alignmentOf(p string) int64 {
	if IsNativeLibrary(p) {
		return LibraryAlignment
	}
	return StoredAlignment
}

// alignExtra builds the zipalign extra field that pads the local header so
// the entry data starts on an align boundary.
func alignExtra(headerOffset int64, name string, align int64) []byte {
	dataStart := headerOffset + localHeaderLen + int64(len(name)) + 6
	pad := (align - dataStart%align) % align
	extra := make([]byte, 6+pad)
	binary.LittleEndian.PutUint16(extra[0:], alignExtraID)
	binary.LittleEndian.PutUint16(extra[2:], uint16(2+pad))
	binary.LittleEndian.PutUint16(extra[4:], uint16(align))
	return extra
}

func deflate(raw []byte) ([]byte, error) {
	var b bytes.Buffer
	fw, err := flate.NewWriter(&b, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(raw); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
