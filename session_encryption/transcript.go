package session_encryption

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const tagEncodedCBOR = 24

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// SessionTranscript encodes the transcript both parties bind their session keys and
// signatures to:
//
//	SessionTranscript = [DeviceEngagementBytes, EReaderKeyBytes, Handover]
//
// where the first two are the tag 24 wrapped engagement and reader key. A nil
// handover encodes as null, which is what QR engagement uses.
func SessionTranscript(deviceEngagement, eReaderKeyBytes []byte, handover cbor.RawMessage) ([]byte, error) {
	if len(deviceEngagement) == 0 {
		return nil, fmt.Errorf("device engagement cannot be empty")
	}
	if len(eReaderKeyBytes) == 0 {
		return nil, fmt.Errorf("eReaderKeyBytes cannot be empty")
	}

	var h interface{}
	if len(handover) > 0 {
		h = handover
	}
	transcript := []interface{}{
		cbor.Tag{Number: tagEncodedCBOR, Content: deviceEngagement},
		cbor.Tag{Number: tagEncodedCBOR, Content: eReaderKeyBytes},
		h,
	}

	b, err := encMode.Marshal(transcript)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session transcript: %w", err)
	}
	return b, nil
}

// transcriptSalt is the HKDF salt: SHA-256 over SessionTranscriptBytes = #6.24(bstr .cbor SessionTranscript).
func transcriptSalt(transcript []byte) ([]byte, error) {
	b, err := encMode.Marshal(cbor.Tag{Number: tagEncodedCBOR, Content: transcript})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session transcript bytes: %w", err)
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}
