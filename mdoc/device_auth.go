package mdoc

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/veraison/go-cose"
)

// DeviceAuthenticationBytes returns the payload of the device signature:
//
//	DeviceAuthenticationBytes = #6.24(bstr .cbor DeviceAuthentication)
//	DeviceAuthentication = ["DeviceAuthentication", SessionTranscript, DocType, DeviceNameSpacesBytes]
func DeviceAuthenticationBytes(sessionTranscript []byte, docType DocType, nameSpaces DeviceNameSpacesBytes) ([]byte, error) {
	if len(sessionTranscript) == 0 {
		return nil, fmt.Errorf("session transcript is empty")
	}

	deviceAuthentication := []interface{}{
		"DeviceAuthentication",
		cbor.RawMessage(sessionTranscript),
		docType,
		nameSpaces,
	}
	da, err := encMode.Marshal(deviceAuthentication)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device authentication: %w", err)
	}
	return TaggedCBOR(da).MarshalCBOR()
}

// NewDeviceSigned signs the device name spaces for docType with deviceKey. The
// signature is detached: its payload is DeviceAuthenticationBytes, which the reader
// rebuilds from its own session transcript.
func NewDeviceSigned(deviceKey *ecdsa.PrivateKey, docType DocType, sessionTranscript []byte, nameSpaces DeviceNameSpaces) (*DeviceSigned, error) {
	if deviceKey == nil {
		return nil, fmt.Errorf("device key is nil")
	}
	if nameSpaces == nil {
		nameSpaces = DeviceNameSpaces{}
	}
	nsBytes, err := encMode.Marshal(nameSpaces)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device name spaces: %w", err)
	}

	payload, err := DeviceAuthenticationBytes(sessionTranscript, docType, nsBytes)
	if err != nil {
		return nil, err
	}

	signature, err := sign1(deviceKey, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to sign device authentication: %w", err)
	}
	signature.Payload = nil

	return &DeviceSigned{
		NameSpaces: nsBytes,
		DeviceAuth: DeviceAuth{DeviceSignature: signature},
	}, nil
}

func sign1(key *ecdsa.PrivateKey, payload []byte, unprotected cose.UnprotectedHeader) (*UntaggedSign1Message, error) {
	alg, err := algorithmFor(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	signer, err := cose.NewSigner(alg, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	msg := &UntaggedSign1Message{
		Headers: cose.Headers{
			Protected:   cose.ProtectedHeader{cose.HeaderLabelAlgorithm: alg},
			Unprotected: unprotected,
		},
		Payload: payload,
	}
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, err
	}
	return msg, nil
}

func algorithmFor(pub *ecdsa.PublicKey) (cose.Algorithm, error) {
	switch pub.Curve {
	case elliptic.P256():
		return cose.AlgorithmES256, nil
	case elliptic.P384():
		return cose.AlgorithmES384, nil
	case elliptic.P521():
		return cose.AlgorithmES512, nil
	default:
		return 0, fmt.Errorf("unsupported curve: %s", pub.Curve.Params().Name)
	}
}

// EncodeDeviceKey returns the COSE_Key encoding of an ECDSA device key.
func EncodeDeviceKey(pub *ecdsa.PublicKey) ([]byte, error) {
	ecdhKey, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert device key: %w", err)
	}
	return engagement.EncodeCOSEKey(ecdhKey)
}

func decodeECDSAKey(data []byte) (*ecdsa.PublicKey, error) {
	key, err := engagement.DecodeCOSEKey(data)
	if err != nil {
		return nil, err
	}

	var curve elliptic.Curve
	switch key.Curve() {
	case ecdh.P256():
		curve = elliptic.P256()
	case ecdh.P384():
		curve = elliptic.P384()
	case ecdh.P521():
		curve = elliptic.P521()
	}

	// uncompressed point: 0x04 || X || Y
	point := key.Bytes()
	size := (len(point) - 1) / 2
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(point[1 : 1+size]),
		Y:     new(big.Int).SetBytes(point[1+size:]),
	}, nil
}
