package wallet

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/kokukuma/mdoc-holder/internal/log"
	"github.com/kokukuma/mdoc-holder/mdoc"
	"github.com/kokukuma/mdoc-holder/presentment"
	"github.com/sirupsen/logrus"
)

// Source answers reader requests from a Store. Only the requested elements are
// released; requested elements a document lacks are reported in its errors.
type Source struct {
	store       *Store
	readerRoots *x509.CertPool
	logger      *logrus.Entry
}

var _ presentment.Source = (*Source)(nil)

type SourceOption func(*Source)

// WithReaderRoots trusts readers whose authentication certificate chains to roots.
func WithReaderRoots(roots *x509.CertPool) SourceOption {
	return func(s *Source) {
		s.readerRoots = roots
	}
}

func NewSource(store *Store, opts ...SourceOption) *Source {
	s := &Source{
		store:  store,
		logger: log.Module("wallet"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveDocuments lists every stored document of a requested doc type once, in
// request order.
func (s *Source) ResolveDocuments(_ context.Context, request *presentment.Request) ([]presentment.Candidate, error) {
	docRequests, err := decodeRequest(request)
	if err != nil {
		return nil, err
	}

	var candidates []presentment.Candidate
	seen := map[string]bool{}
	for _, r := range docRequests {
		reader := s.readerName(r.docRequest, request.SessionTranscript)
		for _, doc := range s.store.FindByDocType(r.items.DocType) {
			if seen[doc.ID] {
				continue
			}
			seen[doc.ID] = true
			candidates = append(candidates, presentment.Candidate{
				ID:          doc.ID,
				DisplayName: doc.DisplayName,
				DocType:     string(doc.DocType),
				Reader:      reader,
			})
		}
	}
	s.logger.WithField("candidates", len(candidates)).Debug("Resolved documents")
	return candidates, nil
}

// readerName returns the common name of the reader certificate when the request
// is authenticated by a trusted reader.
func (s *Source) readerName(docRequest mdoc.DocRequest, sessionTranscript []byte) string {
	if len(docRequest.ReaderAuth) == 0 || s.readerRoots == nil {
		return presentment.ReaderUnverified
	}
	cert, err := docRequest.VerifyReaderAuth(sessionTranscript, s.readerRoots)
	if err != nil {
		s.logger.WithError(err).Warn("Reader authentication failed")
		return presentment.ReaderUnverified
	}
	if cert.Subject.CommonName == "" {
		return cert.Subject.String()
	}
	return cert.Subject.CommonName
}

func (s *Source) ApplyConsent(_ context.Context, selection presentment.Selection) ([]byte, error) {
	doc, ok := s.store.Get(selection.Candidate.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", presentment.ErrDocumentUnavailable, selection.Candidate.ID)
	}
	docRequests, err := decodeRequest(selection.Request)
	if err != nil {
		return nil, err
	}
	var items *mdoc.ItemsRequest
	for _, r := range docRequests {
		if r.items.DocType == doc.DocType {
			items = r.items
			break
		}
	}
	if items == nil {
		return nil, fmt.Errorf("%w: %s wasn't requested", presentment.ErrDocumentUnavailable, doc.DocType)
	}

	issuerSigned, missing, err := doc.IssuerSigned.Select(items.Requested())
	if err != nil {
		return nil, fmt.Errorf("failed to select elements: %w", err)
	}
	deviceSigned, err := mdoc.NewDeviceSigned(doc.DeviceKey, doc.DocType, selection.Request.SessionTranscript, nil)
	if err != nil {
		return nil, err
	}

	response, err := mdoc.EncodeDeviceResponse(&mdoc.DeviceResponse{
		Version: mdoc.ResponseVersion,
		Documents: []mdoc.Document{{
			DocType:      doc.DocType,
			IssuerSigned: issuerSigned,
			DeviceSigned: *deviceSigned,
			Errors:       missing,
		}},
		Status: mdoc.StatusOK,
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"docType": doc.DocType,
		"missing": len(missing),
	}).Info("Built device response")
	return response, nil
}

type requestedDocument struct {
	docRequest mdoc.DocRequest
	items      *mdoc.ItemsRequest
}

// decodeRequest returns the documents requested, in request order.
func decodeRequest(request *presentment.Request) ([]requestedDocument, error) {
	if request == nil {
		return nil, fmt.Errorf("%w: no request", presentment.ErrMalformedRequest)
	}
	deviceRequest, err := mdoc.DecodeDeviceRequest(request.DeviceRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", presentment.ErrMalformedRequest, err)
	}

	out := make([]requestedDocument, 0, len(deviceRequest.DocRequests))
	for _, docRequest := range deviceRequest.DocRequests {
		items, err := docRequest.Items()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", presentment.ErrMalformedRequest, err)
		}
		out = append(out, requestedDocument{docRequest: docRequest, items: items})
	}
	return out, nil
}
