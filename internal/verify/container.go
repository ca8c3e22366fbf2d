package verify

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	idV2 uint32 = 0x7109871a
	idV3 uint32 = 0xf05368c0
)

var (
	sigBlockMagic     = []byte("APK Sig Block 42")
	errNoSigningBlock = errors.New("no apk signing block")
)

type zipLayout struct {
	cdOffset   int64
	cdSize     int64
	eocdOffset int64
}

func locateEOCD(apk []byte) (zipLayout, error) {
	const minEOCD = 22
	if len(apk) < minEOCD {
		return zipLayout{}, fmt.Errorf("file too short to be a zip archive")
	}
	lowest := max(0, len(apk)-minEOCD-0xffff)
	for i := len(apk) - minEOCD; i >= lowest; i-- {
		if binary.LittleEndian.Uint32(apk[i:]) != 0x06054b50 {
			continue
		}
		if i+minEOCD+int(binary.LittleEndian.Uint16(apk[i+20:])) != len(apk) {
			continue
		}
		z := zipLayout{
			cdSize:     int64(binary.LittleEndian.Uint32(apk[i+12:])),
			cdOffset:   int64(binary.LittleEndian.Uint32(apk[i+16:])),
			eocdOffset: int64(i),
		}
		if z.cdOffset+z.cdSize != z.eocdOffset {
			return zipLayout{}, fmt.Errorf("central directory does not precede the end record")
		}
		return z, nil
	}
	return zipLayout{}, fmt.Errorf("end of central directory record not found")
}

type signingBlock struct {
	start int64
	pairs map[uint32][]byte
}

func locateSigningBlock(apk []byte, z zipLayout) (signingBlock, error) {
	if z.cdOffset < 32 || !bytes.Equal(apk[z.cdOffset-16:z.cdOffset], sigBlockMagic) {
		return signingBlock{}, errNoSigningBlock
	}
	size := binary.LittleEndian.Uint64(apk[z.cdOffset-24:])
	if size < 24 || size > uint64(z.cdOffset-8) {
		return signingBlock{}, fmt.Errorf("signing block size %d out of range", size)
	}
	start := z.cdOffset - int64(size) - 8
	if binary.LittleEndian.Uint64(apk[start:]) != size {
		return signingBlock{}, fmt.Errorf("signing block size fields disagree")
	}
	r := &leReader{b: apk[start+8 : z.cdOffset-24]}
	pairs := make(map[uint32][]byte)
	for len(r.b) > 0 {
		n := r.u64()
		if r.err != nil || n < 4 || n > uint64(len(r.b)) {
			return signingBlock{}, fmt.Errorf("malformed signing block pair")
		}
		id := r.u32()
		pairs[id] = r.take(int(n - 4))
	}
	if r.err != nil {
		return signingBlock{}, r.err
	}
	return signingBlock{start: start, pairs: pairs}, nil
}

// contentDigest is the V2/V3 chunked digest, recomputed sequentially over
// the entries, the central directory and the end record with its
// directory offset pointed at the signing block.
func contentDigest(apk []byte, z zipLayout, blockStart int64) []byte {
	eocd := bytes.Clone(apk[z.eocdOffset:])
	binary.LittleEndian.PutUint32(eocd[16:], uint32(blockStart))
	regions := [][]byte{apk[:blockStart], apk[z.cdOffset:z.eocdOffset], eocd}

	var digests []byte
	count := 0
	for _, region := range regions {
		for off := 0; off < len(region); off += 1 << 20 {
			chunk := region[off:min(off+1<<20, len(region))]
			h := sha256.New()
			h.Write([]byte{0xa5})
			binary.Write(h, binary.LittleEndian, uint32(len(chunk)))
			h.Write(chunk)
			digests = h.Sum(digests)
			count++
		}
	}
	top := sha256.New()
	top.Write([]byte{0x5a})
	binary.Write(top, binary.LittleEndian, uint32(count))
	top.Write(digests)
	return top.Sum(nil)
}
