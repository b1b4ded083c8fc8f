package mdoc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTranscript = []byte{0x83, 0xf6, 0xf6, 0xf6} // [null, null, null]

func issueTestDocument(t *testing.T) (*Issuer, *ecdsa.PrivateKey, *IssuerSigned) {
	t.Helper()
	issuer, err := NewSelfSignedIssuer("test issuer")
	require.NoError(t, err)
	deviceKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	issuerSigned, err := issuer.Issue(DocTypeMDL, &deviceKey.PublicKey, map[NameSpace]map[ElementIdentifier]ElementValue{
		NameSpaceMDL: {
			FamilyName.Name: "Mustermann",
			GivenName.Name:  "Erika",
			"age_over_21":   true,
		},
	})
	require.NoError(t, err)
	return issuer, deviceKey, issuerSigned
}

func respond(t *testing.T, deviceKey *ecdsa.PrivateKey, issuerSigned IssuerSigned, transcript []byte) Document {
	t.Helper()
	deviceSigned, err := NewDeviceSigned(deviceKey, DocTypeMDL, transcript, nil)
	require.NoError(t, err)
	return Document{DocType: DocTypeMDL, IssuerSigned: issuerSigned, DeviceSigned: *deviceSigned}
}

func TestIssueAndVerify(t *testing.T) {
	issuer, deviceKey, issuerSigned := issueTestDocument(t)

	selected, missing, err := issuerSigned.Select(map[NameSpace][]ElementIdentifier{
		NameSpaceMDL: {FamilyName.Name, Portrait.Name},
	})
	require.NoError(t, err)
	assert.Equal(t, Errors{NameSpaceMDL: {Portrait.Name: ErrorCodeDataNotReturned}}, missing)
	require.Len(t, selected.NameSpaces[NameSpaceMDL], 1)

	encoded, err := EncodeDeviceResponse(&DeviceResponse{
		Version:   ResponseVersion,
		Documents: []Document{respond(t, deviceKey, selected, testTranscript)},
		Status:    StatusOK,
	})
	require.NoError(t, err)

	resp, err := DecodeDeviceResponse(encoded)
	require.NoError(t, err)
	doc, err := resp.GetDocument(DocTypeMDL)
	require.NoError(t, err)

	value, err := doc.GetElementValue(NameSpaceMDL, FamilyName.Name)
	require.NoError(t, err)
	assert.Equal(t, "Mustermann", value)
	_, err = doc.GetElementValue(NameSpaceMDL, GivenName.Name)
	assert.ErrorIs(t, err, ErrElementNotFound)
	assert.True(t, IsDocumentError(err))

	cert, err := x509.ParseCertificate(issuer.Certificate())
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(cert)

	t.Run("trusted root", func(t *testing.T) {
		assert.NoError(t, NewVerifier(roots).Verify(*doc, testTranscript))
	})
	t.Run("self cert", func(t *testing.T) {
		assert.NoError(t, NewVerifier(nil, AllowSelfCert()).Verify(*doc, testTranscript))
	})
	t.Run("untrusted", func(t *testing.T) {
		assert.ErrorIs(t, NewVerifier(nil).Verify(*doc, testTranscript), ErrVerification)
	})
	t.Run("other transcript", func(t *testing.T) {
		err := NewVerifier(roots).Verify(*doc, []byte{0x83, 0xf6, 0xf6, 0x01})
		assert.ErrorIs(t, err, ErrVerification)
	})
	t.Run("expired", func(t *testing.T) {
		err := NewVerifier(nil, SkipVerifyCertificate(), WithCurrentTime(time.Now().Add(2*365*24*time.Hour))).Verify(*doc, testTranscript)
		assert.ErrorIs(t, err, ErrVerification)
	})
}

func TestVerify_TamperedItem(t *testing.T) {
	_, deviceKey, issuerSigned := issueTestDocument(t)

	item, err := issuerSigned.NameSpaces[NameSpaceMDL][0].IssuerSignedItem()
	require.NoError(t, err)
	item.ElementValue = "tampered"
	b, err := cbor.Marshal(item)
	require.NoError(t, err)
	issuerSigned.NameSpaces[NameSpaceMDL][0] = b

	doc := respond(t, deviceKey, *issuerSigned, testTranscript)
	err = NewVerifier(nil, AllowSelfCert()).Verify(doc, testTranscript)
	assert.ErrorIs(t, err, ErrVerification)
	assert.ErrorContains(t, err, "digest mismatch")
}

func TestVerify_WrongDeviceKey(t *testing.T) {
	_, _, issuerSigned := issueTestDocument(t)
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	doc := respond(t, other, *issuerSigned, testTranscript)
	err = NewVerifier(nil, AllowSelfCert()).Verify(doc, testTranscript)
	assert.ErrorIs(t, err, ErrVerification)
}

func TestIssuerSigned_EncodeDecode(t *testing.T) {
	_, deviceKey, issuerSigned := issueTestDocument(t)

	b, err := EncodeIssuerSigned(issuerSigned)
	require.NoError(t, err)
	decoded, err := DecodeIssuerSigned(b)
	require.NoError(t, err)

	mso, err := decoded.MobileSecurityObject()
	require.NoError(t, err)
	assert.Equal(t, DocTypeMDL, mso.DocType)
	assert.Equal(t, "SHA-256", mso.DigestAlgorithm)
	key, err := mso.DeviceKey()
	require.NoError(t, err)
	assert.True(t, deviceKey.PublicKey.Equal(key))

	doc := respond(t, deviceKey, *decoded, testTranscript)
	assert.NoError(t, NewVerifier(nil, AllowSelfCert()).Verify(doc, testTranscript))

	_, err = DecodeIssuerSigned([]byte{0xff})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDeviceRequest(t *testing.T) {
	ageOver21, err := AgeOver(21)
	require.NoError(t, err)
	docRequest, err := NewDocRequest(DocTypeMDL, []Element{FamilyName, ageOver21, EUFamilyName}, false)
	require.NoError(t, err)
	encoded, err := EncodeDeviceRequest(docRequest)
	require.NoError(t, err)

	req, err := DecodeDeviceRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, RequestVersion, req.Version)
	require.Len(t, req.DocRequests, 1)

	items, err := req.DocRequests[0].Items()
	require.NoError(t, err)
	assert.Equal(t, DocTypeMDL, items.DocType)
	assert.Equal(t, map[NameSpace][]ElementIdentifier{
		NameSpaceMDL: {"age_over_21", "family_name"},
		NameSpacePID: {"family_name"},
	}, items.Requested())

	t.Run("malformed", func(t *testing.T) {
		tests := []struct {
			name string
			data []byte
		}{
			{"not cbor", []byte{0xff}},
			{"no version", mustMarshal(t, map[string]interface{}{"docRequests": []interface{}{}})},
			{"no doc requests", mustMarshal(t, map[string]interface{}{"version": "1.0", "docRequests": []interface{}{}})},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := DecodeDeviceRequest(tt.data)
				assert.ErrorIs(t, err, ErrMalformed)
			})
		}
	})
	t.Run("items without doc type", func(t *testing.T) {
		_, err := DocRequest{ItemsRequest: mustMarshal(t, map[string]interface{}{"nameSpaces": map[string]interface{}{}})}.Items()
		assert.ErrorIs(t, err, ErrMalformed)
	})
	_, err = EncodeDeviceRequest()
	assert.Error(t, err)
}

func TestAgeOver(t *testing.T) {
	e, err := AgeOver(18)
	require.NoError(t, err)
	assert.Equal(t, "org.iso.18013.5.1/age_over_18", e.String())

	_, err = AgeOver(100)
	assert.Error(t, err)
	_, err = AgeOver(-1)
	assert.Error(t, err)
}

func TestGetDocument(t *testing.T) {
	resp := DeviceResponse{Documents: []Document{{DocType: "testDoc"}}}

	doc, err := resp.GetDocument("testDoc")
	require.NoError(t, err)
	assert.Equal(t, DocType("testDoc"), doc.DocType)

	_, err = resp.GetDocument(DocTypeMDL)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	return b
}
