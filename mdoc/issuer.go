package mdoc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

const (
	msoVersion      = "1.0"
	digestAlgorithm = "SHA-256"
	randomLength    = 16
)

// Issuer produces issuer signed data. The sample wallet uses it for demo documents
// when none are provisioned.
type Issuer struct {
	key         *ecdsa.PrivateKey
	certificate []byte
	validity    time.Duration
	now         func() time.Time
}

// NewIssuer returns an issuer signing with key; certificate is the DER encoded
// document signer certificate put in the x5chain header.
func NewIssuer(key *ecdsa.PrivateKey, certificate []byte) *Issuer {
	return &Issuer{
		key:         key,
		certificate: certificate,
		validity:    365 * 24 * time.Hour,
		now:         time.Now,
	}
}

// NewSelfSignedIssuer generates a P-256 key and a self signed document signer certificate.
func NewSelfSignedIssuer(commonName string) (*Issuer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate issuer key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	now := time.Now().Truncate(time.Second)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(2 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	return NewIssuer(key, der), nil
}

// Certificate returns the DER encoded document signer certificate.
func (is *Issuer) Certificate() []byte {
	return is.certificate
}

// Issue signs elements of docType for deviceKey.
func (is *Issuer) Issue(docType DocType, deviceKey *ecdsa.PublicKey, elements map[NameSpace]map[ElementIdentifier]ElementValue) (*IssuerSigned, error) {
	deviceKeyBytes, err := EncodeDeviceKey(deviceKey)
	if err != nil {
		return nil, err
	}

	nameSpaces := IssuerNameSpaces{}
	digests := ValueDigests{}
	var digestID DigestID

	for _, ns := range sortedKeys(elements) {
		digests[ns] = DigestIDs{}
		for _, id := range sortedKeys(elements[ns]) {
			random := make([]byte, randomLength)
			if _, err := rand.Read(random); err != nil {
				return nil, fmt.Errorf("failed to generate random: %w", err)
			}
			b, err := encMode.Marshal(IssuerSignedItem{
				DigestID:          digestID,
				Random:            random,
				ElementIdentifier: id,
				ElementValue:      elements[ns][id],
			})
			if err != nil {
				return nil, fmt.Errorf("failed to marshal issuer signed item %s: %w", id, err)
			}
			item := IssuerSignedItemBytes(b)
			digest, err := item.Digest(digestAlgorithm)
			if err != nil {
				return nil, err
			}
			nameSpaces[ns] = append(nameSpaces[ns], item)
			digests[ns][digestID] = digest
			digestID++
		}
	}

	signed := is.now().UTC().Truncate(time.Second)
	mso, err := encMode.Marshal(MobileSecurityObject{
		Version:         msoVersion,
		DigestAlgorithm: digestAlgorithm,
		ValueDigests:    digests,
		DeviceKeyInfo:   DeviceKeyInfo{DeviceKey: deviceKeyBytes},
		DocType:         docType,
		ValidityInfo: ValidityInfo{
			Signed:     signed,
			ValidFrom:  signed,
			ValidUntil: signed.Add(is.validity),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mso: %w", err)
	}
	payload, err := TaggedCBOR(mso).MarshalCBOR()
	if err != nil {
		return nil, err
	}

	issuerAuth, err := sign1(is.key, payload, cose.UnprotectedHeader{cose.HeaderLabelX5Chain: is.certificate})
	if err != nil {
		return nil, fmt.Errorf("failed to sign mso: %w", err)
	}
	return &IssuerSigned{NameSpaces: nameSpaces, IssuerAuth: *issuerAuth}, nil
}

// EncodeIssuerSigned returns the CBOR encoding of issuer signed data, the form the
// sample wallet stores documents in.
func EncodeIssuerSigned(issuerSigned *IssuerSigned) ([]byte, error) {
	b, err := encMode.Marshal(issuerSigned)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal issuer signed: %w", err)
	}
	return b, nil
}

func DecodeIssuerSigned(data []byte) (*IssuerSigned, error) {
	var issuerSigned IssuerSigned
	if err := cbor.Unmarshal(data, &issuerSigned); err != nil {
		return nil, fmt.Errorf("%w: issuer signed: %v", ErrMalformed, err)
	}
	return &issuerSigned, nil
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
