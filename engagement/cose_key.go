package engagement

import (
	"crypto/ecdh"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RFC 8152 Table 21 / Table 22
const (
	KeyTypeEC2 = 2

	P256 = 1
	P384 = 2
	P521 = 3
)

// COSEKey is the EC2 form of a COSE_Key as used for EDeviceKey and EReaderKey.
type COSEKey struct {
	Kty int    `cbor:"1,keyasint"`
	Crv int    `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

func curveParams(curve ecdh.Curve) (crv int, size int, err error) {
	switch curve {
	case ecdh.P256():
		return P256, 32, nil
	case ecdh.P384():
		return P384, 48, nil
	case ecdh.P521():
		return P521, 66, nil
	default:
		return 0, 0, fmt.Errorf("%w: %v", ErrUnsupportedCurve, curve)
	}
}

// NewCOSEKey converts an ECDH public key to its COSE_Key representation.
func NewCOSEKey(pub *ecdh.PublicKey) (*COSEKey, error) {
	if pub == nil {
		return nil, ErrMissingKey
	}
	crv, size, err := curveParams(pub.Curve())
	if err != nil {
		return nil, err
	}

	// uncompressed point: 0x04 || X || Y
	raw := pub.Bytes()
	if len(raw) != 1+2*size || raw[0] != 0x04 {
		return nil, fmt.Errorf("unexpected public key encoding: length=%d", len(raw))
	}
	return &COSEKey{
		Kty: KeyTypeEC2,
		Crv: crv,
		X:   raw[1 : 1+size],
		Y:   raw[1+size:],
	}, nil
}

// PublicKey converts the COSE_Key back to an ECDH public key.
func (k *COSEKey) PublicKey() (*ecdh.PublicKey, error) {
	if k == nil {
		return nil, ErrMissingKey
	}
	if k.Kty != KeyTypeEC2 {
		return nil, fmt.Errorf("unsupported key type: %d", k.Kty)
	}

	var curve ecdh.Curve
	switch k.Crv {
	case P256:
		curve = ecdh.P256()
	case P384:
		curve = ecdh.P384()
	case P521:
		curve = ecdh.P521()
	default:
		return nil, fmt.Errorf("%w: crv=%d", ErrUnsupportedCurve, k.Crv)
	}

	if len(k.X) == 0 || len(k.Y) == 0 {
		return nil, fmt.Errorf("invalid coordinates")
	}
	point := make([]byte, 0, 1+len(k.X)+len(k.Y))
	point = append(point, 0x04)
	point = append(point, k.X...)
	point = append(point, k.Y...)

	pub, err := curve.NewPublicKey(point)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, nil
}

// EncodeCOSEKey returns the deterministic CBOR encoding of the COSE_Key for pub.
func EncodeCOSEKey(pub *ecdh.PublicKey) ([]byte, error) {
	key, err := NewCOSEKey(pub)
	if err != nil {
		return nil, err
	}
	b, err := encMode.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cose key: %w", err)
	}
	return b, nil
}

// DecodeCOSEKey parses a CBOR encoded COSE_Key into an ECDH public key.
func DecodeCOSEKey(data []byte) (*ecdh.PublicKey, error) {
	var key COSEKey
	if err := cbor.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cose key: %w", err)
	}
	return key.PublicKey()
}
