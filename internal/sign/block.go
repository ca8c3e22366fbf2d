package sign

import (
	"fmt"

	"github.com/ogulcanaydogan/apkforge/internal/keystore"
)

const (
	blockIDV2 uint32 = 0x7109871a
	blockIDV3 uint32 = 0xf05368c0

	attrStrippingProtection uint32 = 0xbeeff00d
	attrProofOfRotation     uint32 = 0x3ba06f8c

	schemeIDV3     = 3
	v3MinSDK       = 28
	v3MaxSDK       = 0x7fffffff
	lineageVersion = 1
	// Every capability of an earlier key is retained by its successor.
	lineageCapabilities = 0x1f
)

var blockMagic = []byte("APK Sig Block 42")

type pair struct {
	id    uint32
	value []byte
}

// signingBlock lays out u64 size || pairs || u64 size || magic, where size
// counts everything after the leading size field.
func signingBlock(pairs []pair) []byte {
	var body leWriter
	for _, p := range pairs {
		body.u64(uint64(4 + len(p.value)))
		body.u32(p.id)
		body.raw(p.value)
	}
	size := uint64(len(body.b) + 8 + len(blockMagic))
	var w leWriter
	w.u64(size)
	w.raw(body.b)
	w.u64(size)
	w.raw(blockMagic)
	return w.b
}

// algRecord is u32 algorithm id || length-prefixed digest or signature.
func algRecord(alg uint32, payload []byte) []byte {
	var w leWriter
	w.u32(alg)
	w.bytes(payload)
	return w.b
}

func attribute(id uint32, value []byte) []byte {
	var w leWriter
	w.u32(id)
	w.raw(value)
	return w.b
}

func u32Value(v uint32) []byte {
	var w leWriter
	w.u32(v)
	return w.b
}

// v2Signers builds the value of the V2 pair. When V3 is also present the
// stripping-protection attribute stops a verifier from accepting the
// package after the V3 pair has been removed.
func v2Signers(key keystore.Key, alg uint32, digest []byte, withV3 bool) ([]byte, error) {
	var attrs [][]byte
	if withV3 {
		attrs = append(attrs, attribute(attrStrippingProtection, u32Value(schemeIDV3)))
	}
	var sd leWriter
	sd.sequence([][]byte{algRecord(alg, digest)})
	sd.sequence([][]byte{key.Certificate.Raw})
	sd.sequence(attrs)

	sig, err := signMessage(key.Signer, alg, sd.b)
	if err != nil {
		return nil, fmt.Errorf("v2 signed data: %w", err)
	}
	var signer leWriter
	signer.bytes(sd.b)
	signer.sequence([][]byte{algRecord(alg, sig)})
	signer.bytes(key.Certificate.RawSubjectPublicKeyInfo)

	var v leWriter
	v.sequence([][]byte{signer.b})
	return v.b, nil
}

func v3Signers(key keystore.Key, alg uint32, digest, lineage []byte) ([]byte, error) {
	var attrs [][]byte
	if lineage != nil {
		attrs = append(attrs, attribute(attrProofOfRotation, lineage))
	}
	var sd leWriter
	sd.sequence([][]byte{algRecord(alg, digest)})
	sd.sequence([][]byte{key.Certificate.Raw})
	sd.u32(v3MinSDK)
	sd.u32(v3MaxSDK)
	sd.sequence(attrs)

	sig, err := signMessage(key.Signer, alg, sd.b)
	if err != nil {
		return nil, fmt.Errorf("v3 signed data: %w", err)
	}
	var signer leWriter
	signer.bytes(sd.b)
	signer.u32(v3MinSDK)
	signer.u32(v3MaxSDK)
	signer.sequence([][]byte{algRecord(alg, sig)})
	signer.bytes(key.Certificate.RawSubjectPublicKeyInfo)

	var v leWriter
	v.sequence([][]byte{signer.b})
	return v.b, nil
}

// encodeLineage builds the proof-of-rotation chain for keys, oldest first.
// Node i carries cert i and the algorithm key i will use to sign node i+1;
// from node 1 on, the node's signed data is signed by the previous key.
func encodeLineage(keys []keystore.Key) ([]byte, error) {
	nodes := make([][]byte, len(keys))
	var prevAlg uint32
	for i, k := range keys {
		alg, err := algorithmFor(k.Certificate.PublicKey)
		if err != nil {
			return nil, err
		}
		var sd leWriter
		sd.bytes(k.Certificate.Raw)
		sd.u32(prevAlg)

		var sig []byte
		if i > 0 {
			sig, err = signMessage(keys[i-1].Signer, prevAlg, sd.b)
			if err != nil {
				return nil, fmt.Errorf("lineage node %d: %w", i, err)
			}
		}
		var node leWriter
		node.bytes(sd.b)
		node.u32(lineageCapabilities)
		node.u32(alg)
		node.bytes(sig)
		nodes[i] = node.b
		prevAlg = alg
	}
	var w leWriter
	w.u32(lineageVersion)
	w.sequence(nodes)
	return w.b, nil
}
