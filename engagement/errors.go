package engagement

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrEmptyVersion is returned when the engagement version is empty.
	ErrEmptyVersion = errors.New("engagement version is empty")
	// ErrNoConnectionMethods is returned when no connection method is advertised.
	ErrNoConnectionMethods = errors.New("no connection methods to advertise")
	// ErrMissingKey is returned when no sender key is given.
	ErrMissingKey = errors.New("missing ephemeral key")
	// ErrUnsupportedCurve is returned for keys on curves other than P-256, P-384 and P-521.
	ErrUnsupportedCurve = errors.New("unsupported curve")
	// ErrMalformedEngagement is returned when engagement bytes can't be decoded.
	ErrMalformedEngagement = errors.New("malformed device engagement")
)

// encMode is the core deterministic encoding (RFC 8949 §4.2.1), so that the same
// inputs always produce the same engagement bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create cbor encoding mode: %v", err))
	}
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedEngagement, fmt.Sprintf(format, args...))
}
