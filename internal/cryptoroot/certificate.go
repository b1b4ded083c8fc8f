package cryptoroot

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"
)

// ISO/IEC 18013-5 Annex B: extended key usages of mDL document signers and of
// reader authentication certificates.
var (
	documentSignerOID = asn1.ObjectIdentifier{1, 0, 18013, 5, 1, 2}
	readerAuthOID     = asn1.ObjectIdentifier{1, 0, 18013, 5, 1, 6}
)

func serialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

func createRootCertificate(key *ecdsa.PrivateKey, commonName string) (*x509.Certificate, error) {
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	now := time.Now().Truncate(time.Second)
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Country: []string{"DE"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		SubjectKeyId:          CalcKID(&key.PublicKey, "sha1"),
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(derBytes)
}

func createLeafCertificate(key *ecdsa.PrivateKey, commonName string, usage asn1.ObjectIdentifier, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, error) {
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	now := time.Now().Truncate(time.Second)
	notAfter := now.AddDate(1, 0, 0)
	if notAfter.After(parent.NotAfter) {
		notAfter = parent.NotAfter
	}
	template := x509.Certificate{
		SerialNumber:       serial,
		Subject:            pkix.Name{CommonName: commonName, Country: parent.Subject.Country},
		NotBefore:          now.Add(-time.Hour),
		NotAfter:           notAfter,
		KeyUsage:           x509.KeyUsageDigitalSignature,
		UnknownExtKeyUsage: []asn1.ObjectIdentifier{usage},
		SubjectKeyId:       CalcKID(&key.PublicKey, "sha1"),
		AuthorityKeyId:     parent.SubjectKeyId,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(derBytes)
}
