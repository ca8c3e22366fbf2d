package archive

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
)

const (
	eocdSignature = 0x06054b50
	eocdMinLen    = 22
	maxComment    = 0xffff
)

// Sections locates the three regions an APK is split into for container
// signing: entries [0, CDOffset), central directory [CDOffset, EOCDOffset)
// and the end of central directory record [EOCDOffset, len).
type Sections struct {
	CDOffset   int64
	CDSize     int64
	EOCDOffset int64
}

func SplitSections(apk []byte) (Sections, error) {
	eocd, err := findEOCD(apk)
	if err != nil {
		return Sections{}, err
	}
	cdSize := int64(binary.LittleEndian.Uint32(apk[eocd+12:]))
	cdOffset := int64(binary.LittleEndian.Uint32(apk[eocd+16:]))
	if cdOffset+cdSize != eocd {
		return Sections{}, fmt.Errorf("central directory [%d,%d) does not end at eocd %d", cdOffset, cdOffset+cdSize, eocd)
	}
	return Sections{CDOffset: cdOffset, CDSize: cdSize, EOCDOffset: eocd}, nil
}

func findEOCD(apk []byte) (int64, error) {
	if len(apk) < eocdMinLen {
		return 0, fmt.Errorf("archive too short")
	}
	stop := len(apk) - eocdMinLen - maxComment
	if stop < 0 {
		stop = 0
	}
	for i := len(apk) - eocdMinLen; i >= stop; i-- {
		if binary.LittleEndian.Uint32(apk[i:]) != eocdSignature {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(apk[i+20:]))
		if i+eocdMinLen+commentLen == len(apk) {
			return int64(i), nil
		}
	}
	return 0, fmt.Errorf("end of central directory not found")
}

// WithCDOffset returns a copy of the eocd record pointing at off.
func WithCDOffset(eocd []byte, off uint32) []byte {
	out := bytes.Clone(eocd)
	binary.LittleEndian.PutUint32(out[16:], off)
	return out
}

// Read decodes every entry of an archive back into a layout.
func Read(apk []byte) (Layout, error) {
	zr, err := zip.NewReader(bytes.NewReader(apk), int64(len(apk)))
	if err != nil {
		return Layout{}, fmt.Errorf("open archive: %w", err)
	}
	l := Layout{Entries: make([]Entry, 0, len(zr.File))}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return Layout{}, fmt.Errorf("open entry %s: %w", f.Name, err)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return Layout{}, fmt.Errorf("read entry %s: %w", f.Name, err)
		}
		l.Entries = append(l.Entries, Entry{Path: f.Name, Content: raw, Compress: f.Method != zip.Store})
	}
	return l, nil
}
