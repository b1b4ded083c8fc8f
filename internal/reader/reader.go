// Package reader is an mdoc reader simulator: it scans an engagement, connects to the
// holder, requests documents and checks what comes back.
package reader

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/kokukuma/mdoc-holder/internal/log"
	"github.com/kokukuma/mdoc-holder/mdoc"
	enc "github.com/kokukuma/mdoc-holder/session_encryption"
	"github.com/kokukuma/mdoc-holder/transport"
	"github.com/sirupsen/logrus"
)

// ErrDeclined is returned when the holder ended the session without a response.
var ErrDeclined = errors.New("holder declined the request")

// Result is what a request returned.
type Result struct {
	Engagement        *engagement.DeviceEngagement
	SessionTranscript []byte
	Response          *mdoc.DeviceResponse
	// Status is the session status the holder sent along, if any.
	Status *uint
}

// Reader requests documents from holders.
type Reader struct {
	opts   transport.Options
	roots  *x509.CertPool
	signer *mdoc.ReaderSigner
	logger *logrus.Entry
}

// New returns a reader. roots are the trusted document signer roots; nil accepts
// self signed issuers, which is what the demo wallet uses.
func New(opts transport.Options, roots *x509.CertPool) *Reader {
	return &Reader{
		opts:   opts,
		roots:  roots,
		logger: log.Module("reader"),
	}
}

// Authenticate makes r sign its DocRequests with signer.
func (r *Reader) Authenticate(signer *mdoc.ReaderSigner) *Reader {
	r.signer = signer
	return r
}

// Request connects to the holder behind uri (an mdoc: engagement URI) and sends one
// DeviceRequest for docRequests.
func (r *Reader) Request(ctx context.Context, uri string, docRequests ...mdoc.DocRequest) (*Result, error) {
	engagementBytes, err := engagement.FromURI(uri)
	if err != nil {
		return nil, err
	}
	de, err := engagement.Decode(engagementBytes)
	if err != nil {
		return nil, err
	}
	if len(docRequests) == 0 {
		return nil, errors.New("at least one doc request is required")
	}

	tr, err := transport.Dial(ctx, de.ConnectionMethods, r.opts)
	if err != nil {
		return nil, err
	}
	defer tr.Close()
	r.logger.WithField(log.FieldMethod, tr.ConnectionMethod()).Info("Connected to holder")

	readerKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate reader key: %w", err)
	}
	readerKeyBytes, err := engagement.EncodeCOSEKey(readerKey.PublicKey())
	if err != nil {
		return nil, err
	}
	transcript, err := enc.SessionTranscript(engagementBytes, readerKeyBytes, nil)
	if err != nil {
		return nil, err
	}
	crypto, err := enc.NewReaderSession(readerKey, de.EDeviceKey, transcript)
	if err != nil {
		return nil, err
	}
	defer crypto.Destroy()

	// readerAuth covers the session transcript, so requests are signed only now.
	if r.signer != nil {
		signed := make([]mdoc.DocRequest, len(docRequests))
		for i, docRequest := range docRequests {
			if signed[i], err = r.signer.Sign(docRequest, transcript); err != nil {
				return nil, err
			}
		}
		docRequests = signed
	}
	deviceRequest, err := mdoc.EncodeDeviceRequest(docRequests...)
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.Encrypt(deviceRequest)
	if err != nil {
		return nil, err
	}
	establishment, err := enc.EncodeSessionEstablishment(readerKeyBytes, ciphertext)
	if err != nil {
		return nil, err
	}
	if err := tr.Send(ctx, establishment); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	message, err := tr.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to receive response: %w", err)
	}
	sessionData, err := enc.DecodeSessionData(message)
	if err != nil {
		return nil, err
	}

	result := &Result{Engagement: de, SessionTranscript: transcript, Status: sessionData.Status}
	if len(sessionData.Data) == 0 {
		if sessionData.Status != nil && *sessionData.Status == enc.StatusSessionTermination {
			return result, ErrDeclined
		}
		return result, fmt.Errorf("holder reported session status %v", statusString(sessionData.Status))
	}

	plaintext, err := crypto.Decrypt(sessionData.Data)
	if err != nil {
		return result, err
	}
	result.Response, err = mdoc.DecodeDeviceResponse(plaintext)
	if err != nil {
		return result, err
	}
	r.logger.WithFields(logrus.Fields{
		"documents": len(result.Response.Documents),
		"status":    result.Response.Status,
	}).Info("Received device response")
	return result, nil
}

// Verify checks every returned document against the session transcript.
func (r *Reader) Verify(result *Result) error {
	if result.Response == nil {
		return errors.New("no response to verify")
	}
	var opts []mdoc.VerifierOption
	if r.roots == nil {
		opts = append(opts, mdoc.AllowSelfCert())
	}
	verifier := mdoc.NewVerifier(r.roots, opts...)
	for _, doc := range result.Response.Documents {
		if err := verifier.Verify(doc, result.SessionTranscript); err != nil {
			return fmt.Errorf("document %s: %w", doc.DocType, err)
		}
	}
	return nil
}

func statusString(status *uint) string {
	if status == nil {
		return "none"
	}
	return fmt.Sprintf("%d", *status)
}
