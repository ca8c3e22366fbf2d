package verify

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
)

const (
	attrStrippingProtection uint32 = 0xbeeff00d
	attrProofOfRotation     uint32 = 0x3ba06f8c
)

type containerSigner struct {
	cert    *x509.Certificate
	alg     uint32
	digest  []byte
	attrs   map[uint32][]byte
	minSDK  uint32
	maxSDK  uint32
	lineage []*x509.Certificate
}

// verifySigners checks every signer of a V2 (v3 false) or V3 pair value
// against the recomputed content digest.
func verifySigners(value []byte, v3 bool, digest []byte) ([]containerSigner, error) {
	outer := &leReader{b: value}
	signers := outer.items()
	if outer.err != nil || !outer.done() {
		return nil, fmt.Errorf("malformed signer sequence")
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("no signers")
	}
	out := make([]containerSigner, 0, len(signers))
	for i, raw := range signers {
		s, err := verifySigner(raw, v3, digest)
		if err != nil {
			return nil, fmt.Errorf("signer #%d: %w", i+1, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func verifySigner(raw []byte, v3 bool, digest []byte) (containerSigner, error) {
	var s containerSigner
	r := &leReader{b: raw}
	signedData := r.prefixed()
	if v3 {
		s.minSDK = r.u32()
		s.maxSDK = r.u32()
	}
	sigs := r.items()
	pubDER := r.prefixed()
	if r.err != nil {
		return s, fmt.Errorf("malformed signer: %w", r.err)
	}
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return s, fmt.Errorf("parse public key: %w", err)
	}

	var sigAlg uint32
	var sig []byte
	for _, rec := range sigs {
		rr := &leReader{b: rec}
		alg := rr.u32()
		value := rr.prefixed()
		if rr.err != nil {
			return s, fmt.Errorf("malformed signature record")
		}
		if supported(alg) {
			sigAlg, sig = alg, value
			break
		}
	}
	if sig == nil {
		return s, fmt.Errorf("no supported signature")
	}
	if err := checkSignature(pub, sigAlg, signedData, sig); err != nil {
		return s, fmt.Errorf("signature over signed data: %w", err)
	}

	sd := &leReader{b: signedData}
	digests := sd.items()
	certs := sd.items()
	if v3 {
		if sd.u32() != s.minSDK || sd.u32() != s.maxSDK {
			return s, fmt.Errorf("sdk range differs between signer and signed data")
		}
	}
	attrs := sd.items()
	if sd.err != nil {
		return s, fmt.Errorf("malformed signed data: %w", sd.err)
	}
	if len(certs) == 0 {
		return s, fmt.Errorf("no certificates")
	}
	cert, err := x509.ParseCertificate(certs[0])
	if err != nil {
		return s, fmt.Errorf("parse certificate: %w", err)
	}
	if !bytes.Equal(cert.RawSubjectPublicKeyInfo, pubDER) {
		return s, fmt.Errorf("certificate public key does not match signer key")
	}

	var found bool
	for _, rec := range digests {
		rr := &leReader{b: rec}
		alg := rr.u32()
		d := rr.prefixed()
		if rr.err != nil {
			return s, fmt.Errorf("malformed digest record")
		}
		if alg == sigAlg {
			found = true
			if !bytes.Equal(d, digest) {
				return s, errDigest{fmt.Errorf("content digest mismatch")}
			}
		}
	}
	if !found {
		return s, fmt.Errorf("no digest for signature algorithm %s", algorithmName(sigAlg))
	}

	s.cert, s.alg, s.digest = cert, sigAlg, digest
	s.attrs = make(map[uint32][]byte, len(attrs))
	for _, a := range attrs {
		ar := &leReader{b: a}
		id := ar.u32()
		if ar.err != nil {
			return s, fmt.Errorf("malformed attribute")
		}
		s.attrs[id] = ar.b
	}
	if v3 {
		if lin, ok := s.attrs[attrProofOfRotation]; ok {
			chain, err := verifyLineage(lin)
			if err != nil {
				return s, fmt.Errorf("proof of rotation: %w", err)
			}
			if !bytes.Equal(chain[len(chain)-1].Raw, cert.Raw) {
				return s, fmt.Errorf("proof of rotation does not end in the signer certificate")
			}
			s.lineage = chain
		}
	}
	return s, nil
}

// verifyLineage checks that every node is signed by its predecessor with
// the algorithm the predecessor declared.
func verifyLineage(raw []byte) ([]*x509.Certificate, error) {
	r := &leReader{b: raw}
	if v := r.u32(); v != 1 {
		return nil, fmt.Errorf("unsupported lineage version %d", v)
	}
	nodes := r.items()
	if r.err != nil || len(nodes) == 0 {
		return nil, fmt.Errorf("malformed lineage")
	}
	var chain []*x509.Certificate
	var prev *x509.Certificate
	var prevAlg uint32
	for i, n := range nodes {
		nr := &leReader{b: n}
		signed := nr.prefixed()
		nr.u32() // capabilities
		alg := nr.u32()
		sig := nr.prefixed()
		if nr.err != nil {
			return nil, fmt.Errorf("malformed node %d", i)
		}
		sr := &leReader{b: signed}
		certDER := sr.prefixed()
		signedAlg := sr.u32()
		if sr.err != nil {
			return nil, fmt.Errorf("malformed node %d signed data", i)
		}
		cert, err := x509.ParseCertificate(certDER)
		if err != nil {
			return nil, fmt.Errorf("node %d certificate: %w", i, err)
		}
		if prev != nil {
			if signedAlg != prevAlg {
				return nil, fmt.Errorf("node %d algorithm mismatch", i)
			}
			if err := checkSignature(prev.PublicKey, prevAlg, signed, sig); err != nil {
				return nil, fmt.Errorf("node %d not signed by its predecessor: %w", i, err)
			}
		}
		chain = append(chain, cert)
		prev, prevAlg = cert, alg
	}
	return chain, nil
}

type errDigest struct{ error }

func (e errDigest) Unwrap() error { return e.error }

func certDigest(c *x509.Certificate) string {
	sum := sha256.Sum256(c.Raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}
