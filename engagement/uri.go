package engagement

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// URIScheme prefixes engagement bytes rendered as a QR code, ISO/IEC 18013-5 §8.2.2.3.
const URIScheme = "mdoc:"

var b64 = base64.URLEncoding.WithPadding(base64.NoPadding)

// ToURI renders engagement bytes as an "mdoc:" URI.
func ToURI(engagement []byte) string {
	return URIScheme + b64.EncodeToString(engagement)
}

// FromURI extracts the engagement bytes from an "mdoc:" URI.
func FromURI(uri string) ([]byte, error) {
	if !strings.HasPrefix(uri, URIScheme) {
		return nil, malformed("missing %q scheme", URIScheme)
	}
	data, err := b64.DecodeString(strings.TrimPrefix(uri, URIScheme))
	if err != nil {
		return nil, fmt.Errorf("failed to decode engagement uri: %w", err)
	}
	return data, nil
}
