package sign

import (
	"crypto/x509"
	"encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidSignedData      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidData            = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidSHA256          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
)

// pkcs7SignedData wraps a detached signature over the signature file in a
// PKCS#7 SignedData without signed attributes.
func pkcs7SignedData(cert *x509.Certificate, alg uint32, sig []byte) ([]byte, error) {
	tag0 := cbasn1.Tag(0).ContextSpecific().Constructed()
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(ci *cryptobyte.Builder) {
		ci.AddASN1ObjectIdentifier(oidSignedData)
		ci.AddASN1(tag0, func(content *cryptobyte.Builder) {
			content.AddASN1(cbasn1.SEQUENCE, func(sd *cryptobyte.Builder) {
				sd.AddASN1Int64(1)
				sd.AddASN1(cbasn1.SET, func(set *cryptobyte.Builder) {
					addAlgorithm(set, oidSHA256, true)
				})
				sd.AddASN1(cbasn1.SEQUENCE, func(inner *cryptobyte.Builder) {
					inner.AddASN1ObjectIdentifier(oidData)
				})
				sd.AddASN1(tag0, func(certs *cryptobyte.Builder) {
					certs.AddBytes(cert.Raw)
				})
				sd.AddASN1(cbasn1.SET, func(infos *cryptobyte.Builder) {
					infos.AddASN1(cbasn1.SEQUENCE, func(si *cryptobyte.Builder) {
						si.AddASN1Int64(1)
						si.AddASN1(cbasn1.SEQUENCE, func(ias *cryptobyte.Builder) {
							ias.AddBytes(cert.RawIssuer)
							ias.AddASN1BigInt(cert.SerialNumber)
						})
						addAlgorithm(si, oidSHA256, true)
						if alg == AlgRSAPKCS1SHA256 {
							addAlgorithm(si, oidRSAEncryption, true)
						} else {
							addAlgorithm(si, oidECDSAWithSHA256, false)
						}
						si.AddASN1OctetString(sig)
					})
				})
			})
		})
	})
	return b.Bytes()
}

func addAlgorithm(b *cryptobyte.Builder, oid asn1.ObjectIdentifier, null bool) {
	b.AddASN1(cbasn1.SEQUENCE, func(a *cryptobyte.Builder) {
		a.AddASN1ObjectIdentifier(oid)
		if null {
			a.AddASN1NULL()
		}
	})
}
