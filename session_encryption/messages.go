package session_encryption

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Status codes of SessionData, ISO/IEC 18013-5 §9.1.1.4.
const (
	StatusEncryptionError    = 10
	StatusDecodingError      = 11
	StatusSessionTermination = 20
)

// ErrDecoding is returned for messages that aren't valid SessionEstablishment or SessionData.
var ErrDecoding = errors.New("failed to decode session message")

// SessionEstablishment is the reader's first message: its ephemeral key and the encrypted request.
type SessionEstablishment struct {
	EReaderKey cbor.Tag `cbor:"eReaderKey"`
	Data       []byte   `cbor:"data"`
}

// EReaderKeyBytes returns the COSE_Key encoding of the reader key.
func (s *SessionEstablishment) EReaderKeyBytes() ([]byte, error) {
	if s.EReaderKey.Number != tagEncodedCBOR {
		return nil, fmt.Errorf("%w: unexpected tag for eReaderKey: %d", ErrDecoding, s.EReaderKey.Number)
	}
	b, ok := s.EReaderKey.Content.([]byte)
	if !ok || len(b) == 0 {
		return nil, fmt.Errorf("%w: eReaderKey is not a byte string", ErrDecoding)
	}
	return b, nil
}

// SessionData carries every following message. Either field may be absent.
type SessionData struct {
	Data   []byte `cbor:"data,omitempty"`
	Status *uint  `cbor:"status,omitempty"`
}

// StatusOf returns a status pointer, for building SessionData literals.
func StatusOf(status uint) *uint {
	return &status
}

func EncodeSessionEstablishment(eReaderKeyBytes, data []byte) ([]byte, error) {
	b, err := encMode.Marshal(SessionEstablishment{
		EReaderKey: cbor.Tag{Number: tagEncodedCBOR, Content: eReaderKeyBytes},
		Data:       data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session establishment: %w", err)
	}
	return b, nil
}

func DecodeSessionEstablishment(data []byte) (*SessionEstablishment, error) {
	var s SessionEstablishment
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	if _, err := s.EReaderKeyBytes(); err != nil {
		return nil, err
	}
	if len(s.Data) == 0 {
		return nil, fmt.Errorf("%w: session establishment without data", ErrDecoding)
	}
	return &s, nil
}

func EncodeSessionData(data []byte, status *uint) ([]byte, error) {
	b, err := encMode.Marshal(SessionData{Data: data, Status: status})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session data: %w", err)
	}
	return b, nil
}

func DecodeSessionData(data []byte) (*SessionData, error) {
	var s SessionData
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	if s.Data == nil && s.Status == nil {
		return nil, fmt.Errorf("%w: session data without data and status", ErrDecoding)
	}
	return &s, nil
}
