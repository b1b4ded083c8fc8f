package mdoc

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReaderSigner(t *testing.T, commonName string) (*ReaderSigner, *x509.CertPool) {
	t.Helper()
	ca, err := NewSelfSignedIssuer(commonName)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(ca.Certificate())
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	return NewReaderSigner(ca.key, ca.Certificate()), roots
}

func TestReaderAuth(t *testing.T) {
	signer, roots := newTestReaderSigner(t, "Test reader")
	docRequest, err := NewDocRequest(DocTypeMDL, []Element{FamilyName}, false)
	require.NoError(t, err)
	signed, err := signer.Sign(docRequest, testTranscript)
	require.NoError(t, err)
	assert.Equal(t, docRequest.ItemsRequest, signed.ItemsRequest)

	// readerAuth survives the DeviceRequest encoding
	encoded, err := EncodeDeviceRequest(signed)
	require.NoError(t, err)
	req, err := DecodeDeviceRequest(encoded)
	require.NoError(t, err)
	signed = req.DocRequests[0]

	cert, err := signed.VerifyReaderAuth(testTranscript, roots)
	require.NoError(t, err)
	assert.Equal(t, "Test reader", cert.Subject.CommonName)

	t.Run("missing", func(t *testing.T) {
		_, err := docRequest.VerifyReaderAuth(testTranscript, roots)
		assert.ErrorIs(t, err, ErrReaderAuthMissing)
	})
	t.Run("untrusted root", func(t *testing.T) {
		_, otherRoots := newTestReaderSigner(t, "Other reader")
		_, err := signed.VerifyReaderAuth(testTranscript, otherRoots)
		assert.ErrorIs(t, err, ErrVerification)
		_, err = signed.VerifyReaderAuth(testTranscript, nil)
		assert.ErrorIs(t, err, ErrVerification)
	})
	t.Run("other session", func(t *testing.T) {
		_, err := signed.VerifyReaderAuth([]byte{0x83, 0xf6, 0xf6, 0x80}, roots)
		assert.ErrorIs(t, err, ErrVerification)
	})
	t.Run("other items", func(t *testing.T) {
		other, err := NewDocRequest(DocTypeMDL, []Element{FamilyName, Portrait}, false)
		require.NoError(t, err)
		other.ReaderAuth = signed.ReaderAuth
		_, err = other.VerifyReaderAuth(testTranscript, roots)
		assert.ErrorIs(t, err, ErrVerification)
	})
	t.Run("malformed", func(t *testing.T) {
		broken := DocRequest{ItemsRequest: signed.ItemsRequest, ReaderAuth: []byte{0x80}}
		_, err := broken.VerifyReaderAuth(testTranscript, roots)
		assert.ErrorIs(t, err, ErrMalformed)
	})
}
