package cryptoroot

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/kokukuma/mdoc-holder/pkg/pki"
)

// writePEMFile stores the root key readable by the owner only.
func writePEMFile(privateKey *ecdsa.PrivateKey, filename string) error {
	pemBytes, err := pki.EncodePrivateKey(privateKey)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, pemBytes, 0o600)
}

func writeCertificatePEM(cert *x509.Certificate, filename string) error {
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	return os.WriteFile(filename, pemBytes, 0o644)
}

func readCertificatePEM(filename string) (*x509.Certificate, error) {
	pemBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate found in %s", filename)
	}
	return x509.ParseCertificate(block.Bytes)
}
