package mdoc

import (
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

// ErrReaderAuthMissing is returned when a DocRequest carries no readerAuth.
var ErrReaderAuthMissing = errors.New("reader authentication missing")

// ReaderAuthenticationBytes returns the payload of the reader signature:
//
//	ReaderAuthenticationBytes = #6.24(bstr .cbor ReaderAuthentication)
//	ReaderAuthentication = ["ReaderAuthentication", SessionTranscript, ItemsRequestBytes]
func ReaderAuthenticationBytes(sessionTranscript []byte, itemsRequest TaggedCBOR) ([]byte, error) {
	if len(sessionTranscript) == 0 {
		return nil, fmt.Errorf("session transcript is empty")
	}
	ra, err := encMode.Marshal([]interface{}{
		"ReaderAuthentication",
		cbor.RawMessage(sessionTranscript),
		itemsRequest,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reader authentication: %w", err)
	}
	return TaggedCBOR(ra).MarshalCBOR()
}

// ReaderSigner authenticates a reader's DocRequests. Its certificate is put in the
// x5chain header of every readerAuth.
type ReaderSigner struct {
	key         *ecdsa.PrivateKey
	certificate []byte
}

func NewReaderSigner(key *ecdsa.PrivateKey, certificate []byte) *ReaderSigner {
	return &ReaderSigner{key: key, certificate: certificate}
}

// Sign returns docRequest with a readerAuth bound to sessionTranscript.
func (rs *ReaderSigner) Sign(docRequest DocRequest, sessionTranscript []byte) (DocRequest, error) {
	payload, err := ReaderAuthenticationBytes(sessionTranscript, docRequest.ItemsRequest)
	if err != nil {
		return DocRequest{}, err
	}
	signature, err := sign1(rs.key, payload, cose.UnprotectedHeader{cose.HeaderLabelX5Chain: rs.certificate})
	if err != nil {
		return DocRequest{}, fmt.Errorf("failed to sign reader authentication: %w", err)
	}
	signature.Payload = nil

	readerAuth, err := encMode.Marshal(signature)
	if err != nil {
		return DocRequest{}, fmt.Errorf("failed to marshal reader auth: %w", err)
	}
	docRequest.ReaderAuth = readerAuth
	return docRequest, nil
}

// VerifyReaderAuth checks the readerAuth signature against sessionTranscript and
// chains the reader certificate to roots. It returns the reader certificate.
func (r DocRequest) VerifyReaderAuth(sessionTranscript []byte, roots *x509.CertPool) (*x509.Certificate, error) {
	if len(r.ReaderAuth) == 0 {
		return nil, ErrReaderAuthMissing
	}
	var signature UntaggedSign1Message
	if err := cbor.Unmarshal(r.ReaderAuth, &signature); err != nil {
		return nil, fmt.Errorf("%w: reader auth: %v", ErrMalformed, err)
	}
	if signature.Headers.Protected == nil {
		return nil, fmt.Errorf("%w: reader auth without protected header", ErrMalformed)
	}
	alg, err := signature.Headers.Protected.Algorithm()
	if err != nil {
		return nil, fmt.Errorf("%w: reader auth: %v", ErrMalformed, err)
	}
	certs, err := x5chain(signature.Headers.Unprotected)
	if err != nil {
		return nil, fmt.Errorf("%w: reader auth: %v", ErrMalformed, err)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	if roots == nil {
		roots = x509.NewCertPool()
	}
	if _, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, verificationError("reader certificate chain: %v", err)
	}

	readerKey, ok := certs[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, verificationError("unexpected reader key type: %T", certs[0].PublicKey)
	}
	verifier, err := cose.NewVerifier(alg, readerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}
	payload, err := ReaderAuthenticationBytes(sessionTranscript, r.ItemsRequest)
	if err != nil {
		return nil, err
	}
	signature.Payload = payload
	if err := signature.Verify(nil, verifier); err != nil {
		return nil, verificationError("reader auth: %v", err)
	}
	return certs[0], nil
}
