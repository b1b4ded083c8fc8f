// Package engagement encodes and decodes the DeviceEngagement structure of
// ISO/IEC 18013-5 §8.2.1.1: the message a holder shows to a reader (usually as a QR
// code) carrying its ephemeral public key and the ways it can be reached.
package engagement

import (
	"crypto/ecdh"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	// Version10 is the DeviceEngagement version of ISO/IEC 18013-5:2021.
	Version10 = "1.0"

	// cipherSuiteIdentifier 1 is the only cipher suite defined for session encryption.
	cipherSuiteIdentifier = 1

	tagEncodedCBOR = 24
)

// DeviceEngagement is a decoded engagement message.
type DeviceEngagement struct {
	Version    string
	EDeviceKey *ecdh.PublicKey
	// EDeviceKeyBytes is the COSE_Key encoding of EDeviceKey, the content of the
	// tag 24 in the Security structure.
	EDeviceKeyBytes   []byte
	ConnectionMethods []ConnectionMethod
	// Raw is the exact encoding the engagement was decoded from.
	Raw []byte
}

// DeviceEngagement = {0: tstr, 1: Security, ? 2: DeviceRetrievalMethods, ...}
type deviceEngagement struct {
	Version                string            `cbor:"0,keyasint"`
	Security               security          `cbor:"1,keyasint"`
	DeviceRetrievalMethods []retrievalMethod `cbor:"2,keyasint,omitempty"`
}

// Security = [cipherSuiteIdentifier, EDeviceKeyBytes]
type security struct {
	_               struct{} `cbor:",toarray"`
	CipherSuite     int
	EDeviceKeyBytes cbor.Tag
}

// Generate encodes the engagement for eSenderKey, advertising methods in order.
// At least one connection method is required: a reader scanning an engagement
// without any has no way to reach the holder.
func Generate(eSenderKey *ecdh.PublicKey, version string, methods []ConnectionMethod) ([]byte, error) {
	if version == "" {
		return nil, ErrEmptyVersion
	}
	if len(methods) == 0 {
		return nil, ErrNoConnectionMethods
	}

	keyBytes, err := EncodeCOSEKey(eSenderKey)
	if err != nil {
		return nil, err
	}

	de := deviceEngagement{
		Version: version,
		Security: security{
			CipherSuite:     cipherSuiteIdentifier,
			EDeviceKeyBytes: cbor.Tag{Number: tagEncodedCBOR, Content: keyBytes},
		},
		DeviceRetrievalMethods: make([]retrievalMethod, 0, len(methods)),
	}
	for _, m := range methods {
		rm, err := encodeConnectionMethod(m)
		if err != nil {
			return nil, err
		}
		de.DeviceRetrievalMethods = append(de.DeviceRetrievalMethods, rm)
	}

	b, err := encMode.Marshal(de)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device engagement: %w", err)
	}
	return b, nil
}

// Generator builds an engagement incrementally.
type Generator struct {
	eSenderKey *ecdh.PublicKey
	version    string
	methods    []ConnectionMethod
}

func NewGenerator(eSenderKey *ecdh.PublicKey, version string) *Generator {
	return &Generator{
		eSenderKey: eSenderKey,
		version:    version,
	}
}

// AddConnectionMethods appends methods to the advertised list.
func (g *Generator) AddConnectionMethods(methods ...ConnectionMethod) *Generator {
	g.methods = append(g.methods, methods...)
	return g
}

func (g *Generator) Generate() ([]byte, error) {
	return Generate(g.eSenderKey, g.version, g.methods)
}

// Decode parses engagement bytes produced by Generate or by another holder.
func Decode(data []byte) (*DeviceEngagement, error) {
	if len(data) == 0 {
		return nil, malformed("empty input")
	}

	var de deviceEngagement
	if err := cbor.Unmarshal(data, &de); err != nil {
		return nil, malformed("%v", err)
	}
	if de.Version == "" {
		return nil, malformed("missing version")
	}
	if de.Security.CipherSuite != cipherSuiteIdentifier {
		return nil, malformed("unsupported cipher suite: %d", de.Security.CipherSuite)
	}
	if de.Security.EDeviceKeyBytes.Number != tagEncodedCBOR {
		return nil, malformed("unexpected tag for EDeviceKeyBytes: %d", de.Security.EDeviceKeyBytes.Number)
	}
	keyBytes, ok := de.Security.EDeviceKeyBytes.Content.([]byte)
	if !ok {
		return nil, malformed("unexpected EDeviceKeyBytes content type: %T", de.Security.EDeviceKeyBytes.Content)
	}
	key, err := DecodeCOSEKey(keyBytes)
	if err != nil {
		return nil, malformed("%v", err)
	}

	result := &DeviceEngagement{
		Version:         de.Version,
		EDeviceKey:      key,
		EDeviceKeyBytes: keyBytes,
		Raw:             append([]byte(nil), data...),
	}
	for _, rm := range de.DeviceRetrievalMethods {
		m, err := decodeConnectionMethod(rm)
		if err != nil {
			return nil, err
		}
		result.ConnectionMethods = append(result.ConnectionMethods, m)
	}
	return result, nil
}
