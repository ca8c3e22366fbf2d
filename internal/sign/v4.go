package sign

import (
	"crypto/sha256"
	"fmt"

	"github.com/ogulcanaydogan/apkforge/internal/keystore"
)

const (
	v4Version      = 2
	merkleLog2Size = 12
	merkleBlock    = 1 << merkleLog2Size
)

// merkleTree hashes data in 4 KiB blocks, zero padding the last one, and
// keeps hashing each level (padded to whole blocks) until it fits in a
// single block. The returned tree is stored top level first; the root is
// the hash of the top block.
func merkleTree(data []byte) (root, tree []byte) {
	level := hashBlocks(data)
	var levels [][]byte
	for {
		padded := padToBlock(level)
		levels = append(levels, padded)
		if len(padded) == merkleBlock {
			sum := sha256.Sum256(padded)
			root = sum[:]
			break
		}
		level = hashBlocks(padded)
	}
	for i := len(levels) - 1; i >= 0; i-- {
		tree = append(tree, levels[i]...)
	}
	return root, tree
}

func hashBlocks(data []byte) []byte {
	n := (len(data) + merkleBlock - 1) / merkleBlock
	if n == 0 {
		n = 1
	}
	out := make([]byte, 0, n*sha256.Size)
	block := make([]byte, merkleBlock)
	for i := 0; i < n; i++ {
		clear(block)
		end := min((i+1)*merkleBlock, len(data))
		copy(block, data[i*merkleBlock:end])
		sum := sha256.Sum256(block)
		out = append(out, sum[:]...)
	}
	return out
}

func padToBlock(b []byte) []byte {
	if rem := len(b) % merkleBlock; rem != 0 || len(b) == 0 {
		return append(b, make([]byte, merkleBlock-rem)...)
	}
	return b
}

// v4Signature builds the .idsig for apk. apkDigest is the V3 (or V2)
// content digest binding the incremental signature to the container one.
func v4Signature(apk []byte, key keystore.Key, alg uint32, apkDigest []byte) ([]byte, error) {
	root, tree := merkleTree(apk)

	var hashing leWriter
	hashing.u32(digestAlgSHA256)
	hashing.raw([]byte{merkleLog2Size})
	hashing.bytes(nil) // salt
	hashing.bytes(root)

	var signed leWriter
	signed.u64(uint64(len(apk)))
	signed.bytes(hashing.b)
	signed.bytes(apkDigest)
	signed.bytes(key.Certificate.Raw)
	signed.bytes(nil) // additional data
	sig, err := signMessage(key.Signer, alg, signed.b)
	if err != nil {
		return nil, fmt.Errorf("v4 signature: %w", err)
	}

	var info leWriter
	info.bytes(apkDigest)
	info.bytes(key.Certificate.Raw)
	info.bytes(nil)
	info.bytes(key.Certificate.RawSubjectPublicKeyInfo)
	info.u32(alg)
	info.bytes(sig)

	var w leWriter
	w.u32(v4Version)
	w.bytes(hashing.b)
	w.bytes(info.b)
	w.bytes(tree)
	return w.b, nil
}
