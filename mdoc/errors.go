// Package mdoc holds the ISO/IEC 18013-5:2021 request and response structures a holder
// exchanges with a reader: DeviceRequest, DeviceResponse and the issuer and device
// signed data inside it.
package mdoc

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const tagEncodedCBOR = 24

var (
	// ErrMalformed is returned when a structure can't be decoded.
	ErrMalformed = errors.New("malformed mdoc structure")
	// ErrDocumentNotFound is returned when a response has no document of the doc type.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrNameSpaceNotFound is returned when a document has no items in the namespace.
	ErrNameSpaceNotFound = errors.New("namespace not found")
	// ErrElementNotFound is returned when a namespace lacks the element.
	ErrElementNotFound = errors.New("element not found")
	// ErrVerification is returned when a signature or digest doesn't verify.
	ErrVerification = errors.New("verification failed")
)

// IsDocumentError checks if an error is related to document content rather than its encoding.
func IsDocumentError(err error) bool {
	return errors.Is(err, ErrDocumentNotFound) ||
		errors.Is(err, ErrNameSpaceNotFound) ||
		errors.Is(err, ErrElementNotFound)
}

// encMode is the core deterministic encoding with tdate (tag 0) timestamps.
var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339
	opts.TimeTag = cbor.EncTagRequired

	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create cbor encoding mode: %v", err))
	}
}

func verificationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrVerification, fmt.Sprintf(format, args...))
}
