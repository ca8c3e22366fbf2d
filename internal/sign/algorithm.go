package sign

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

// Signature algorithm identifiers shared by the V2, V3 and V4 schemes.
const (
	AlgRSAPKCS1SHA256 uint32 = 0x0103
	AlgECDSASHA256    uint32 = 0x0201
)

const digestAlgSHA256 = 1 // V4 hash algorithm id

func algorithmFor(pub crypto.PublicKey) (uint32, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return AlgRSAPKCS1SHA256, nil
	case *ecdsa.PublicKey:
		if k.Curve == elliptic.P256() {
			return AlgECDSASHA256, nil
		}
		return 0, types.Errorf(types.KindUnsupportedAlgorithm, "ecdsa curve %s is not supported", k.Curve.Params().Name)
	}
	return 0, types.Errorf(types.KindUnsupportedAlgorithm, "key type %T is not supported", pub)
}

// signMessage hashes msg with SHA-256 and signs the hash. RSA PKCS#1 v1.5 is
// deterministic, so identical input yields identical signature bytes.
func signMessage(key crypto.Signer, alg uint32, msg []byte) ([]byte, error) {
	sum := sha256.Sum256(msg)
	switch alg {
	case AlgRSAPKCS1SHA256, AlgECDSASHA256:
	default:
		return nil, fmt.Errorf("signature algorithm %#x is not supported", alg)
	}
	sig, err := key.Sign(rand.Reader, sum[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}
