package presentment

import (
	"context"
	"errors"

	"github.com/kokukuma/mdoc-holder/transport"
)

var (
	// ErrConsentDenied is returned by a Source when the user declined. It ends the session without an error.
	ErrConsentDenied = errors.New("consent denied")
	// ErrDocumentUnavailable is returned when no document can satisfy the request.
	ErrDocumentUnavailable = errors.New("document unavailable")
	// ErrMalformedRequest is returned when the reader sent a message that can't be parsed.
	ErrMalformedRequest = errors.New("malformed reader request")
	// ErrIllegalTransition is returned when an operation isn't allowed in the current state.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrEngagementTimeout is returned when no reader connected in time.
	ErrEngagementTimeout = errors.New("engagement timed out")
	// ErrInvalidSelection is returned by SelectDocument for an index that names no candidate.
	ErrInvalidSelection = errors.New("invalid document selection")
	// ErrSessionClosed is returned by Start after Close.
	ErrSessionClosed = errors.New("session closed")
)

// IsRecoverable returns true when the session failed in a way that a new Start may fix,
// e.g. a transport failure or a cancelled engagement.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, transport.ErrTransportSetupFailed) ||
		errors.Is(err, transport.ErrNoTransportAvailable) ||
		errors.Is(err, transport.ErrCancelled) ||
		errors.Is(err, transport.ErrClosed) ||
		errors.Is(err, ErrEngagementTimeout) ||
		errors.Is(err, context.Canceled)
}

// Request is a decrypted reader request.
type Request struct {
	// DeviceRequest is the CBOR encoded DeviceRequest.
	DeviceRequest []byte
	// SessionTranscript is the CBOR encoded transcript the response must be bound to.
	SessionTranscript []byte
}

// ReaderUnverified names a reader whose request carried no trusted reader authentication.
const ReaderUnverified = "unverified"

// Candidate is a document that can answer a request.
type Candidate struct {
	ID          string
	DisplayName string
	DocType     string
	// Reader is the name of the authenticated reader asking for the document, or
	// ReaderUnverified.
	Reader string
}

// Selection is the document the user picked and consented to release.
type Selection struct {
	Request   *Request
	Candidate Candidate
}

// Source resolves requests against the holder's documents. The session never looks
// at document content, it only sequences these calls.
type Source interface {
	// ResolveDocuments returns the documents that can answer the request, in display order.
	// It returns ErrMalformedRequest when the DeviceRequest can't be parsed.
	ResolveDocuments(ctx context.Context, request *Request) ([]Candidate, error)
	// ApplyConsent builds the CBOR encoded DeviceResponse for the selection.
	// It may fail with ErrConsentDenied or ErrDocumentUnavailable.
	ApplyConsent(ctx context.Context, selection Selection) ([]byte, error)
}

// Display renders the engagement, e.g. as a QR code. Calls are made with the session
// lock held and must not block or call back into the session.
type Display interface {
	Show(engagement []byte)
	Clear()
}
