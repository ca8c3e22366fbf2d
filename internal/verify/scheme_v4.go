package verify

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
)

const (
	idsigVersion   = 2
	hashAlgSHA256  = 1
	fsBlockLog2    = 12
	fsBlockSize    = 1 << fsBlockLog2
	hashesPerBlock = fsBlockSize / sha256.Size
)

// merkleRoot rebuilds the fs-verity style tree of data and returns its root
// together with the levels serialized top-down.
func merkleRoot(data []byte) (root []byte, tree []byte) {
	blocks := max(1, (len(data)+fsBlockSize-1)/fsBlockSize)
	var levels [][]byte
	src := data
	for {
		level := make([]byte, 0, blocks*sha256.Size)
		for i := 0; i < blocks; i++ {
			var buf [fsBlockSize]byte
			lo := min(i*fsBlockSize, len(src))
			copy(buf[:], src[lo:min(lo+fsBlockSize, len(src))])
			sum := sha256.Sum256(buf[:])
			level = append(level, sum[:]...)
		}
		if pad := len(level) % fsBlockSize; pad != 0 {
			level = append(level, make([]byte, fsBlockSize-pad)...)
		}
		levels = append(levels, level)
		if len(level) == fsBlockSize {
			sum := sha256.Sum256(level)
			root = sum[:]
			break
		}
		src = level
		blocks = (blocks + hashesPerBlock - 1) / hashesPerBlock
	}
	for i := len(levels) - 1; i >= 0; i-- {
		tree = append(tree, levels[i]...)
	}
	return root, tree
}

type v4Signer struct {
	cert      *x509.Certificate
	alg       uint32
	apkDigest []byte
}

// verifyV4 checks an .idsig against apk. wantDigest is the digest the
// signature must bind: the container content digest when a V2/V3 block
// exists, otherwise the SHA-256 of the whole file.
func verifyV4(apk, idsig, wantDigest []byte) (v4Signer, error) {
	var out v4Signer
	r := &leReader{b: idsig}
	version := r.u32()
	hashing := r.prefixed()
	info := r.prefixed()
	tree := r.prefixed()
	if r.err != nil || !r.done() {
		return out, fmt.Errorf("malformed signature file")
	}
	if version != idsigVersion {
		return out, fmt.Errorf("unsupported signature version %d", version)
	}

	hr := &leReader{b: hashing}
	hashAlg := hr.u32()
	log2 := hr.u8()
	salt := hr.prefixed()
	root := hr.prefixed()
	if hr.err != nil {
		return out, fmt.Errorf("malformed hashing info")
	}
	if hashAlg != hashAlgSHA256 || log2 != fsBlockLog2 || len(salt) != 0 {
		return out, fmt.Errorf("unsupported hashing parameters")
	}

	ir := &leReader{b: info}
	apkDigest := ir.prefixed()
	certDER := ir.prefixed()
	additional := ir.prefixed()
	pubDER := ir.prefixed()
	alg := ir.u32()
	sig := ir.prefixed()
	if ir.err != nil {
		return out, fmt.Errorf("malformed signing info")
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return out, fmt.Errorf("parse certificate: %w", err)
	}
	if !bytes.Equal(cert.RawSubjectPublicKeyInfo, pubDER) {
		return out, fmt.Errorf("certificate public key does not match signer key")
	}

	var signed bytes.Buffer
	binary.Write(&signed, binary.LittleEndian, uint64(len(apk)))
	for _, field := range [][]byte{hashing, apkDigest, certDER, additional} {
		binary.Write(&signed, binary.LittleEndian, uint32(len(field)))
		signed.Write(field)
	}
	if err := checkSignature(cert.PublicKey, alg, signed.Bytes(), sig); err != nil {
		return out, fmt.Errorf("signature over signed data: %w", err)
	}

	gotRoot, gotTree := merkleRoot(apk)
	if !bytes.Equal(gotRoot, root) {
		return out, errDigest{fmt.Errorf("merkle root mismatch")}
	}
	if !bytes.Equal(gotTree, tree) {
		return out, errDigest{fmt.Errorf("merkle tree mismatch")}
	}
	if !bytes.Equal(apkDigest, wantDigest) {
		return out, errDigest{fmt.Errorf("apk digest does not match the package")}
	}
	out.cert, out.alg, out.apkDigest = cert, alg, apkDigest
	return out, nil
}
