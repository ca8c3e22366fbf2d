package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

const (
	KeyTypeRSA   = "rsa"
	KeyTypeECDSA = "ecdsa"
)

// GenerateDevKey writes a self-signed development key as a PEM bundle
// readable by Load.
func GenerateDevKey(path, alias, keyType string) error {
	k, err := NewSelfSigned(alias, keyType, "Android Debug")
	if err != nil {
		return err
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(k.Signer)
	if err != nil {
		return err
	}
	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{
		Type:    "PRIVATE KEY",
		Headers: map[string]string{AliasHeader: alias},
		Bytes:   pkcs8,
	})...)
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: k.Certificate.Raw})...)
	return os.WriteFile(path, out, 0o600)
}

// NewSelfSigned creates an in-memory key and a self-signed certificate.
func NewSelfSigned(alias, keyType, commonName string) (Key, error) {
	var signer crypto.Signer
	var err error
	switch keyType {
	case "", KeyTypeRSA:
		signer, err = rsa.GenerateKey(rand.Reader, 2048)
	case KeyTypeECDSA:
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	default:
		return Key{}, fmt.Errorf("unsupported key type %q", keyType)
	}
	if err != nil {
		return Key{}, fmt.Errorf("generate %s key: %w", keyType, err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return Key{}, err
	}
	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"Android"}, Country: []string{"US"}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(30, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return Key{}, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Key{}, err
	}
	return Key{Alias: alias, Signer: signer, Certificate: cert}, nil
}
