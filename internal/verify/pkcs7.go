package verify

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidSignedData      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidSHA256          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
)

type pkcs7Signer struct {
	cert *x509.Certificate
	alg  uint32
	sig  []byte
}

// parsePKCS7 extracts the first signer of a detached SignedData. Signed
// attributes are not supported.
func parsePKCS7(der []byte) (pkcs7Signer, error) {
	var out pkcs7Signer
	in := cryptobyte.String(der)
	var ci, content, sd cryptobyte.String
	var ctype asn1.ObjectIdentifier
	if !in.ReadASN1(&ci, cbasn1.SEQUENCE) || !ci.ReadASN1ObjectIdentifier(&ctype) {
		return out, fmt.Errorf("malformed content info")
	}
	if !ctype.Equal(oidSignedData) {
		return out, fmt.Errorf("content type %s is not signedData", ctype)
	}
	tag0 := cbasn1.Tag(0).ContextSpecific().Constructed()
	if !ci.ReadASN1(&content, tag0) || !content.ReadASN1(&sd, cbasn1.SEQUENCE) {
		return out, fmt.Errorf("malformed signed data")
	}
	var version int64
	var digestAlgs, encap cryptobyte.String
	if !sd.ReadASN1Integer(&version) || !sd.ReadASN1(&digestAlgs, cbasn1.SET) || !sd.ReadASN1(&encap, cbasn1.SEQUENCE) {
		return out, fmt.Errorf("malformed signed data header")
	}

	var certs []*x509.Certificate
	var certSet cryptobyte.String
	var hasCerts bool
	if !sd.ReadOptionalASN1(&certSet, &hasCerts, tag0) {
		return out, fmt.Errorf("malformed certificate set")
	}
	for hasCerts && !certSet.Empty() {
		var el cryptobyte.String
		if !certSet.ReadASN1Element(&el, cbasn1.SEQUENCE) {
			return out, fmt.Errorf("malformed certificate")
		}
		c, err := x509.ParseCertificate(el)
		if err != nil {
			return out, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, c)
	}
	// CRLs, if any.
	sd.SkipOptionalASN1(cbasn1.Tag(1).ContextSpecific().Constructed())

	var infos, si, ias cryptobyte.String
	if !sd.ReadASN1(&infos, cbasn1.SET) || !infos.ReadASN1(&si, cbasn1.SEQUENCE) {
		return out, fmt.Errorf("no signer info")
	}
	var siVersion int64
	var issuer cryptobyte.String
	serial := new(big.Int)
	if !si.ReadASN1Integer(&siVersion) || !si.ReadASN1(&ias, cbasn1.SEQUENCE) ||
		!ias.ReadASN1Element(&issuer, cbasn1.SEQUENCE) || !ias.ReadASN1Integer(serial) {
		return out, fmt.Errorf("malformed issuer and serial number")
	}
	digestOID, err := readAlgorithm(&si)
	if err != nil {
		return out, err
	}
	if !digestOID.Equal(oidSHA256) {
		return out, fmt.Errorf("digest algorithm %s is not supported", digestOID)
	}
	if si.PeekASN1Tag(tag0) {
		return out, fmt.Errorf("signed attributes are not supported")
	}
	sigOID, err := readAlgorithm(&si)
	if err != nil {
		return out, err
	}
	var sig []byte
	if !si.ReadASN1Bytes(&sig, cbasn1.OCTET_STRING) {
		return out, fmt.Errorf("malformed signature")
	}

	for _, c := range certs {
		if string(c.RawIssuer) == string(issuer) && c.SerialNumber.Cmp(serial) == 0 {
			out.cert = c
			break
		}
	}
	if out.cert == nil {
		return out, fmt.Errorf("signer certificate not included")
	}
	switch {
	case sigOID.Equal(oidRSAEncryption), sigOID.Equal(oidSHA256WithRSA):
		out.alg = algRSAPKCS1SHA256
	case sigOID.Equal(oidECDSAWithSHA256):
		out.alg = algECDSASHA256
	default:
		return out, fmt.Errorf("signature algorithm %s is not supported", sigOID)
	}
	out.sig = sig
	return out, nil
}

func readAlgorithm(s *cryptobyte.String) (asn1.ObjectIdentifier, error) {
	var alg cryptobyte.String
	var oid asn1.ObjectIdentifier
	if !s.ReadASN1(&alg, cbasn1.SEQUENCE) || !alg.ReadASN1ObjectIdentifier(&oid) {
		return nil, fmt.Errorf("malformed algorithm identifier")
	}
	return oid, nil
}
