package mdoc

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kokukuma/mdoc-holder/pkg/hash"
	"github.com/veraison/go-cose"
)

type DocType string

type NameSpace string

type ElementIdentifier string

type ElementValue interface{}

const (
	// ResponseVersion is the DeviceResponse version of ISO/IEC 18013-5:2021.
	ResponseVersion = "1.0"

	// StatusOK is the DeviceResponse status of a processed request.
	StatusOK uint = 0
	// StatusGeneralError is the DeviceResponse status when no documents could be returned.
	StatusGeneralError uint = 10
)

type DeviceResponse struct {
	Version        string          `cbor:"version"`
	Documents      []Document      `cbor:"documents,omitempty"`
	DocumentErrors []DocumentError `cbor:"documentErrors,omitempty"`
	Status         uint            `cbor:"status"`
}

func (d DeviceResponse) GetDocument(docType DocType) (*Document, error) {
	for _, doc := range d.Documents {
		if doc.DocType == docType {
			return &doc, nil
		}
	}
	return nil, fmt.Errorf("%w: doctype=%s", ErrDocumentNotFound, docType)
}

// EncodeDeviceResponse returns the CBOR encoding of the response.
func EncodeDeviceResponse(resp *DeviceResponse) ([]byte, error) {
	b, err := encMode.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device response: %w", err)
	}
	return b, nil
}

// DecodeDeviceResponse parses a CBOR encoded DeviceResponse.
func DecodeDeviceResponse(data []byte) (*DeviceResponse, error) {
	var resp DeviceResponse
	if err := cbor.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if resp.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrMalformed)
	}
	return &resp, nil
}

type Document struct {
	DocType      DocType      `cbor:"docType"`
	IssuerSigned IssuerSigned `cbor:"issuerSigned"`
	DeviceSigned DeviceSigned `cbor:"deviceSigned"`
	Errors       Errors       `cbor:"errors,omitempty"`
}

func (d *Document) GetElementValue(namespace NameSpace, elementIdentifier ElementIdentifier) (ElementValue, error) {
	if d.DocType == "" {
		return nil, fmt.Errorf("invalid document type")
	}

	items, err := d.IssuerSigned.GetIssuerSignedItems(namespace)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.ElementIdentifier == elementIdentifier {
			if tag, ok := item.ElementValue.(cbor.Tag); ok {
				return tag.Content, nil
			}
			return item.ElementValue, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrElementNotFound, namespace, elementIdentifier)
}

type IssuerSigned struct {
	NameSpaces IssuerNameSpaces     `cbor:"nameSpaces,omitempty"`
	IssuerAuth UntaggedSign1Message `cbor:"issuerAuth"`
}

// Select returns a copy of the issuer signed data that only discloses the requested
// elements, and the requested elements that aren't there. Digests in the MSO stay
// verifiable because items are copied byte for byte.
func (i *IssuerSigned) Select(requested map[NameSpace][]ElementIdentifier) (IssuerSigned, Errors, error) {
	selected := IssuerSigned{
		NameSpaces: IssuerNameSpaces{},
		IssuerAuth: i.IssuerAuth,
	}
	var missing Errors

	for ns, ids := range requested {
		available := map[ElementIdentifier]IssuerSignedItemBytes{}
		for _, b := range i.NameSpaces[ns] {
			item, err := b.IssuerSignedItem()
			if err != nil {
				return IssuerSigned{}, nil, err
			}
			available[item.ElementIdentifier] = b
		}

		for _, id := range ids {
			b, ok := available[id]
			if !ok {
				if missing == nil {
					missing = Errors{}
				}
				if missing[ns] == nil {
					missing[ns] = ErrorItems{}
				}
				missing[ns][id] = ErrorCodeDataNotReturned
				continue
			}
			selected.NameSpaces[ns] = append(selected.NameSpaces[ns], b)
		}
	}
	return selected, missing, nil
}

func (i *IssuerSigned) GetNameSpaces() []NameSpace {
	nss := []NameSpace{}
	for ns := range i.NameSpaces {
		nss = append(nss, ns)
	}
	return nss
}

func (i *IssuerSigned) GetIssuerSignedItems(ns NameSpace) ([]IssuerSignedItem, error) {
	if len(i.NameSpaces[ns]) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNameSpaceNotFound, ns)
	}
	isis := make([]IssuerSignedItem, 0, len(i.NameSpaces[ns]))
	for _, b := range i.NameSpaces[ns] {
		isi, err := b.IssuerSignedItem()
		if err != nil {
			return nil, err
		}
		isis = append(isis, *isi)
	}
	return isis, nil
}

func (i *IssuerSigned) Alg() (cose.Algorithm, error) {
	if i.IssuerAuth.Headers.Protected == nil {
		return 0, fmt.Errorf("protected header is nil")
	}
	return i.IssuerAuth.Headers.Protected.Algorithm()
}

func (i *IssuerSigned) DocumentSigningKey() (*ecdsa.PublicKey, error) {
	certificate, err := i.DocumentSigningCertificate()
	if err != nil {
		return nil, err
	}

	documentSigningKey, ok := certificate.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type: %T, expected *ecdsa.PublicKey", certificate.PublicKey)
	}
	return documentSigningKey, nil
}

func (i *IssuerSigned) DocumentSigningCertificate() (*x509.Certificate, error) {
	certificates, err := i.DocumentSigningCertificateChain()
	if err != nil {
		return nil, err
	}
	return certificates[0], nil
}

func (i *IssuerSigned) DocumentSigningCertificateChain() ([]*x509.Certificate, error) {
	return x5chain(i.IssuerAuth.Headers.Unprotected)
}

// x5chain parses the certificate chain of an x5chain header, leaf first.
func x5chain(headers cose.UnprotectedHeader) ([]*x509.Certificate, error) {
	rawX5Chain, ok := headers[cose.HeaderLabelX5Chain]
	if !ok {
		return nil, fmt.Errorf("x5chain not found in unprotected headers")
	}

	var rawX5ChainBytes [][]byte
	switch v := rawX5Chain.(type) {
	case [][]byte:
		rawX5ChainBytes = v
	case []byte:
		rawX5ChainBytes = [][]byte{v}
	case []interface{}:
		for _, c := range v {
			b, ok := c.([]byte)
			if !ok {
				return nil, fmt.Errorf("unexpected x5chain entry type: %T", c)
			}
			rawX5ChainBytes = append(rawX5ChainBytes, b)
		}
	default:
		return nil, fmt.Errorf("unexpected x5chain type: %T", rawX5Chain)
	}

	if len(rawX5ChainBytes) == 0 {
		return nil, fmt.Errorf("empty x5chain")
	}

	certs := make([]*x509.Certificate, 0, len(rawX5ChainBytes))
	for _, certData := range rawX5ChainBytes {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func (i *IssuerSigned) MobileSecurityObject() (*MobileSecurityObject, error) {
	if i.IssuerAuth.Payload == nil {
		return nil, fmt.Errorf("%w: missing issuerAuth payload", ErrMalformed)
	}

	var content TaggedCBOR
	if err := cbor.Unmarshal(i.IssuerAuth.Payload, &content); err != nil {
		return nil, fmt.Errorf("%w: mso: %v", ErrMalformed, err)
	}

	var mso MobileSecurityObject
	if err := cbor.Unmarshal(content, &mso); err != nil {
		return nil, fmt.Errorf("%w: mso: %v", ErrMalformed, err)
	}
	return &mso, nil
}

type IssuerNameSpaces map[NameSpace][]IssuerSignedItemBytes

// IssuerSignedItemBytes = #6.24(bstr .cbor IssuerSignedItem)
type IssuerSignedItemBytes = TaggedCBOR

type IssuerSignedItem struct {
	DigestID          DigestID          `cbor:"digestID"`
	Random            []byte            `cbor:"random"`
	ElementIdentifier ElementIdentifier `cbor:"elementIdentifier"`
	ElementValue      ElementValue      `cbor:"elementValue"`
}

func (i TaggedCBOR) IssuerSignedItem() (*IssuerSignedItem, error) {
	if len(i) == 0 {
		return nil, fmt.Errorf("%w: empty issuer signed item", ErrMalformed)
	}
	var item IssuerSignedItem
	if err := cbor.Unmarshal(i, &item); err != nil {
		return nil, fmt.Errorf("%w: issuer signed item: %v", ErrMalformed, err)
	}
	return &item, nil
}

// Digest hashes the tag 24 wrapped item, which is what the MSO value digests cover.
func (i TaggedCBOR) Digest(alg string) ([]byte, error) {
	v, err := i.MarshalCBOR()
	if err != nil {
		return nil, err
	}

	return hash.Digest(v, alg)
}

type MobileSecurityObject struct {
	Version         string        `cbor:"version"`
	DigestAlgorithm string        `cbor:"digestAlgorithm"`
	ValueDigests    ValueDigests  `cbor:"valueDigests"`
	DeviceKeyInfo   DeviceKeyInfo `cbor:"deviceKeyInfo"`
	DocType         DocType       `cbor:"docType"`
	ValidityInfo    ValidityInfo  `cbor:"validityInfo"`
}

func (m *MobileSecurityObject) DeviceKey() (*ecdsa.PublicKey, error) {
	if m == nil || len(m.DeviceKeyInfo.DeviceKey) == 0 {
		return nil, fmt.Errorf("device key not available")
	}
	return decodeECDSAKey(m.DeviceKeyInfo.DeviceKey)
}

func (m *MobileSecurityObject) GetDigest(ns NameSpace, digestID DigestID) (Digest, error) {
	digests, ok := m.ValueDigests[ns]
	if !ok {
		return nil, fmt.Errorf("value digests not found: %s", ns)
	}
	digest, ok := digests[digestID]
	if !ok {
		return nil, fmt.Errorf("digest not found: %s, %d", ns, digestID)
	}
	return digest, nil
}

type DeviceKeyInfo struct {
	// DeviceKey is the CBOR encoded COSE_Key.
	DeviceKey         cbor.RawMessage    `cbor:"deviceKey"`
	KeyAuthorizations *KeyAuthorizations `cbor:"keyAuthorizations,omitempty"`
}

type KeyAuthorizations struct {
	NameSpaces   []NameSpace                       `cbor:"nameSpaces,omitempty"`
	DataElements map[NameSpace][]ElementIdentifier `cbor:"dataElements,omitempty"`
}

type ValueDigests map[NameSpace]DigestIDs

type DigestIDs map[DigestID]Digest

type ValidityInfo struct {
	Signed     time.Time `cbor:"signed"`
	ValidFrom  time.Time `cbor:"validFrom"`
	ValidUntil time.Time `cbor:"validUntil"`
}

type DigestID uint32

type Digest []byte

type DeviceSigned struct {
	NameSpaces DeviceNameSpacesBytes `cbor:"nameSpaces"`
	DeviceAuth DeviceAuth            `cbor:"deviceAuth"`
}

// DeviceNameSpacesBytes = #6.24(bstr .cbor DeviceNameSpaces)
type DeviceNameSpacesBytes = TaggedCBOR

type DeviceNameSpaces map[NameSpace]DeviceSignedItems

type DeviceSignedItems map[ElementIdentifier]ElementValue

func (d *DeviceSigned) Alg() (cose.Algorithm, error) {
	if d.DeviceAuth.DeviceSignature == nil {
		return 0, fmt.Errorf("device signature not available")
	}
	if d.DeviceAuth.DeviceSignature.Headers.Protected == nil {
		return 0, fmt.Errorf("protected headers not available")
	}
	return d.DeviceAuth.DeviceSignature.Headers.Protected.Algorithm()
}

func (d *DeviceSigned) DeviceNameSpaces() (DeviceNameSpaces, error) {
	if len(d.NameSpaces) == 0 {
		return nil, fmt.Errorf("device name spaces bytes is empty")
	}

	var nameSpaces DeviceNameSpaces
	if err := cbor.Unmarshal(d.NameSpaces, &nameSpaces); err != nil {
		return nil, fmt.Errorf("%w: device name spaces: %v", ErrMalformed, err)
	}
	return nameSpaces, nil
}

type DeviceAuth struct {
	DeviceSignature *UntaggedSign1Message `cbor:"deviceSignature,omitempty"`
	DeviceMac       *UntaggedSign1Message `cbor:"deviceMac,omitempty"`
}

type DocumentError map[DocType]ErrorCode

type Errors map[NameSpace]ErrorItems

type ErrorItems map[ElementIdentifier]ErrorCode

type ErrorCode int

// ErrorCodeDataNotReturned is the element error code for a requested element the
// holder doesn't return.
const ErrorCodeDataNotReturned ErrorCode = 0

// TaggedCBOR is embedded CBOR: #6.24(bstr .cbor any). It holds the inner encoding and
// marshals with the tag.
type TaggedCBOR []byte

func (b TaggedCBOR) MarshalCBOR() ([]byte, error) {
	out, err := encMode.Marshal(cbor.Tag{Number: tagEncodedCBOR, Content: []byte(b)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tagged cbor: %w", err)
	}
	return out, nil
}

func (b *TaggedCBOR) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Number != tagEncodedCBOR {
		return fmt.Errorf("unexpected tag: %d", tag.Number)
	}
	content, ok := tag.Content.([]byte)
	if !ok {
		return fmt.Errorf("unexpected tag content type: %T", tag.Content)
	}
	*b = content
	return nil
}

// UntaggedSign1Message is a COSE_Sign1 without the COSE tag, as used for IssuerAuth
// and DeviceSignature.
type UntaggedSign1Message cose.UntaggedSign1Message

func (m *UntaggedSign1Message) Sign(rand io.Reader, external []byte, signer cose.Signer) error {
	return (*cose.UntaggedSign1Message)(m).Sign(rand, external, signer)
}

func (m *UntaggedSign1Message) Verify(external []byte, verifier cose.Verifier) error {
	return (*cose.UntaggedSign1Message)(m).Verify(external, verifier)
}

func (m UntaggedSign1Message) MarshalCBOR() ([]byte, error) {
	return (*cose.UntaggedSign1Message)(&m).MarshalCBOR()
}

func (m *UntaggedSign1Message) UnmarshalCBOR(data []byte) error {
	return (*cose.UntaggedSign1Message)(m).UnmarshalCBOR(data)
}
