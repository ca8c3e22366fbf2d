package verify

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
)

const (
	algRSAPKCS1SHA256 uint32 = 0x0103
	algECDSASHA256    uint32 = 0x0201
)

func algorithmName(alg uint32) string {
	switch alg {
	case algRSAPKCS1SHA256:
		return "RSA_PKCS1_V1_5_WITH_SHA256"
	case algECDSASHA256:
		return "ECDSA_WITH_SHA256"
	}
	return fmt.Sprintf("unknown(%#x)", alg)
}

func supported(alg uint32) bool {
	return alg == algRSAPKCS1SHA256 || alg == algECDSASHA256
}

func checkSignature(pub crypto.PublicKey, alg uint32, msg, sig []byte) error {
	sum := sha256.Sum256(msg)
	switch alg {
	case algRSAPKCS1SHA256:
		k, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("rsa signature with %T key", pub)
		}
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, sum[:], sig)
	case algECDSASHA256:
		k, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("ecdsa signature with %T key", pub)
		}
		if !ecdsa.VerifyASN1(k, sum[:], sig) {
			return fmt.Errorf("ecdsa signature does not verify")
		}
		return nil
	}
	return fmt.Errorf("unsupported signature algorithm %#x", alg)
}

func subjectOf(c *x509.Certificate) string {
	if c.Subject.CommonName != "" {
		return c.Subject.CommonName
	}
	return c.Subject.String()
}
