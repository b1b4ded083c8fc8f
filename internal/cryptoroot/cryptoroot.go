// Package cryptoroot keeps the issuing authority (IACA) root of the sample issuer and
// creates document signers chained to it. A second root of the same kind signs
// reader authentication certificates.
package cryptoroot

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"

	"github.com/kokukuma/mdoc-holder/internal/log"
	"github.com/kokukuma/mdoc-holder/mdoc"
	"github.com/kokukuma/mdoc-holder/pkg/pki"
)

const (
	rootKeyFile  = "rootKey.pem"
	rootCertFile = "rootCert.pem"
)

// Authority is an IACA root key and certificate.
type Authority struct {
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
}

func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil
}

// LoadOrCreate reads the root from dir, generating and writing a new one when dir
// holds none.
func LoadOrCreate(dir, commonName string) (*Authority, error) {
	keyPath := filepath.Join(dir, rootKeyFile)
	certPath := filepath.Join(dir, rootCertFile)

	if fileExists(keyPath) && fileExists(certPath) {
		key, err := pki.LoadPrivateKey(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read root key: %w", err)
		}
		cert, err := readCertificatePEM(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read root certificate: %w", err)
		}
		if pub, ok := cert.PublicKey.(*ecdsa.PublicKey); !ok || !pub.Equal(&key.PublicKey) {
			return nil, errors.New("root certificate does not match root key")
		}
		return &Authority{key: key, cert: cert}, nil
	}

	authority, err := New(commonName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if err := writePEMFile(authority.key, keyPath); err != nil {
		return nil, err
	}
	if err := writeCertificatePEM(authority.cert, certPath); err != nil {
		return nil, err
	}
	log.Module("cryptoroot").WithField("dir", dir).Info("Created issuing authority root")
	return authority, nil
}

// New generates a root that lives only in memory.
func New(commonName string) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cert, err := createRootCertificate(key, commonName)
	if err != nil {
		return nil, err
	}
	return &Authority{key: key, cert: cert}, nil
}

// Certificate returns the root certificate, the trust anchor readers need.
func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

// DocumentSigner creates a document signer key and certificate issued by the root.
func (a *Authority) DocumentSigner(commonName string) (*mdoc.Issuer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cert, err := createLeafCertificate(key, commonName, documentSignerOID, a.cert, a.key)
	if err != nil {
		return nil, err
	}
	return mdoc.NewIssuer(key, cert.Raw), nil
}

// ReaderSigner creates a reader authentication key and certificate issued by the root.
func (a *Authority) ReaderSigner(commonName string) (*mdoc.ReaderSigner, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cert, err := createLeafCertificate(key, commonName, readerAuthOID, a.cert, a.key)
	if err != nil {
		return nil, err
	}
	return mdoc.NewReaderSigner(key, cert.Raw), nil
}

func CalcKID(pub *ecdsa.PublicKey, hashAlgo string) []byte {
	b := elliptic.Marshal(pub.Curve, pub.X, pub.Y)

	var h hash.Hash
	switch hashAlgo {
	case "sha1":
		h = sha1.New()
	case "sha256":
		h = sha256.New()
	default:
		h = sha256.New()
	}

	h.Write(b)
	return h.Sum(nil)
}
