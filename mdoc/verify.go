package mdoc

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/veraison/go-cose"
)

type VerifierOption func(*Verifier)

// AllowSelfCert trusts the document signer certificate carried in the document itself.
func AllowSelfCert() VerifierOption {
	return func(v *Verifier) {
		v.allowSelfCert = true
	}
}

func WithCurrentTime(date time.Time) VerifierOption {
	return func(v *Verifier) {
		v.currentTime = date
	}
}

func SkipVerifyCertificate() VerifierOption {
	return func(v *Verifier) {
		v.skipVerifyCertificate = true
	}
}

// Verifier checks a returned document the way a reader does (ISO 18013-5 §9.3.1).
// The holder never needs it; the reader simulator and tests do.
type Verifier struct {
	roots                 *x509.CertPool
	allowSelfCert         bool
	skipVerifyCertificate bool
	currentTime           time.Time
}

func NewVerifier(roots *x509.CertPool, opts ...VerifierOption) *Verifier {
	if roots == nil {
		roots = x509.NewCertPool()
	}
	v := &Verifier{
		roots:       roots,
		currentTime: time.Now(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Verifier) Verify(doc Document, sessionTranscript []byte) error {
	mso, err := doc.IssuerSigned.MobileSecurityObject()
	if err != nil {
		return err
	}

	// 9.1.3 mdoc authentication
	if err := v.verifyDeviceSigned(mso, doc, sessionTranscript); err != nil {
		return fmt.Errorf("failed to verify device signed: %w", err)
	}

	// 1. Validate the certificate included in the MSO header.
	if err := v.verifyCertificate(doc.IssuerSigned); err != nil {
		return fmt.Errorf("failed to verify certificate: %w", err)
	}

	// 2. Verify the signature of IssuerAuth.
	if err := verifyIssuerAuth(doc.IssuerSigned); err != nil {
		return fmt.Errorf("failed to verify issuer auth: %w", err)
	}

	// 3. Verify the digest of every returned IssuerSignedItem.
	if err := verifyDigests(doc.IssuerSigned, mso); err != nil {
		return err
	}

	// 4. The DocType in the MSO matches the document.
	if doc.DocType != mso.DocType {
		return verificationError("docType mismatch: document=%s mso=%s", doc.DocType, mso.DocType)
	}

	// 5. The MSO is valid now.
	if v.currentTime.Before(mso.ValidityInfo.ValidFrom) || v.currentTime.After(mso.ValidityInfo.ValidUntil) {
		return verificationError("mso not valid at %v: validFrom=%v validUntil=%v",
			v.currentTime, mso.ValidityInfo.ValidFrom, mso.ValidityInfo.ValidUntil)
	}
	return nil
}

func (v *Verifier) verifyDeviceSigned(mso *MobileSecurityObject, doc Document, sessionTranscript []byte) error {
	if doc.DeviceSigned.DeviceAuth.DeviceSignature == nil {
		return verificationError("device signature missing")
	}
	payload, err := DeviceAuthenticationBytes(sessionTranscript, doc.DocType, doc.DeviceSigned.NameSpaces)
	if err != nil {
		return err
	}

	alg, err := doc.DeviceSigned.Alg()
	if err != nil {
		return err
	}
	pubKey, err := mso.DeviceKey()
	if err != nil {
		return err
	}
	verifier, err := cose.NewVerifier(alg, pubKey)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}

	// the signature is detached; verify a copy carrying the rebuilt payload
	signature := *doc.DeviceSigned.DeviceAuth.DeviceSignature
	signature.Payload = payload
	if err := signature.Verify(nil, verifier); err != nil {
		return verificationError("device signature: %v", err)
	}
	return nil
}

func (v *Verifier) verifyCertificate(issuerSigned IssuerSigned) error {
	if v.skipVerifyCertificate {
		return nil
	}

	certs, err := issuerSigned.DocumentSigningCertificateChain()
	if err != nil {
		return err
	}

	roots := v.roots
	if v.allowSelfCert {
		roots = roots.Clone()
		for _, cert := range certs {
			roots.AddCert(cert)
		}
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		CurrentTime:   v.currentTime,
	}
	if _, err := certs[0].Verify(opts); err != nil {
		return verificationError("certificate chain: %v", err)
	}
	return nil
}

func verifyIssuerAuth(issuerSigned IssuerSigned) error {
	alg, err := issuerSigned.Alg()
	if err != nil {
		return err
	}
	documentSigningKey, err := issuerSigned.DocumentSigningKey()
	if err != nil {
		return err
	}
	verifier, err := cose.NewVerifier(alg, documentSigningKey)
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}
	if err := issuerSigned.IssuerAuth.Verify(nil, verifier); err != nil {
		return verificationError("issuer auth: %v", err)
	}
	return nil
}

func verifyDigests(issuerSigned IssuerSigned, mso *MobileSecurityObject) error {
	for ns, itemBytes := range issuerSigned.NameSpaces {
		for _, b := range itemBytes {
			item, err := b.IssuerSignedItem()
			if err != nil {
				return err
			}
			digest, err := mso.GetDigest(ns, item.DigestID)
			if err != nil {
				return verificationError("%v", err)
			}
			calc, err := b.Digest(mso.DigestAlgorithm)
			if err != nil {
				return err
			}
			if !bytes.Equal(digest, calc) {
				return verificationError("digest mismatch: %s digestID=%d", ns, item.DigestID)
			}
		}
	}
	return nil
}
