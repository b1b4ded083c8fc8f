package mdoc

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// RequestVersion is the DeviceRequest version of ISO/IEC 18013-5:2021.
const RequestVersion = "1.0"

// DeviceRequest = {"version": tstr, "docRequests": [+ DocRequest]}
type DeviceRequest struct {
	Version     string       `cbor:"version"`
	DocRequests []DocRequest `cbor:"docRequests"`
}

// DocRequest = {"itemsRequest": ItemsRequestBytes, ? "readerAuth": ReaderAuth}
type DocRequest struct {
	ItemsRequest TaggedCBOR      `cbor:"itemsRequest"`
	ReaderAuth   cbor.RawMessage `cbor:"readerAuth,omitempty"`
}

type ItemsRequest struct {
	DocType     DocType                                  `cbor:"docType"`
	NameSpaces  map[NameSpace]map[ElementIdentifier]bool `cbor:"nameSpaces"`
	RequestInfo map[string]interface{}                   `cbor:"requestInfo,omitempty"`
}

// Items decodes the embedded ItemsRequest.
func (r DocRequest) Items() (*ItemsRequest, error) {
	if len(r.ItemsRequest) == 0 {
		return nil, fmt.Errorf("%w: empty items request", ErrMalformed)
	}
	var items ItemsRequest
	if err := cbor.Unmarshal(r.ItemsRequest, &items); err != nil {
		return nil, fmt.Errorf("%w: items request: %v", ErrMalformed, err)
	}
	if items.DocType == "" {
		return nil, fmt.Errorf("%w: items request without docType", ErrMalformed)
	}
	return &items, nil
}

// Requested lists the requested element identifiers per namespace, sorted, ignoring
// the intent to retain flag.
func (r *ItemsRequest) Requested() map[NameSpace][]ElementIdentifier {
	out := make(map[NameSpace][]ElementIdentifier, len(r.NameSpaces))
	for ns, elements := range r.NameSpaces {
		ids := make([]ElementIdentifier, 0, len(elements))
		for id := range elements {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out[ns] = ids
	}
	return out
}

// NewDocRequest builds a DocRequest for the elements of docType. intentToRetain is
// applied to every element.
func NewDocRequest(docType DocType, elements []Element, intentToRetain bool) (DocRequest, error) {
	items := ItemsRequest{
		DocType:    docType,
		NameSpaces: map[NameSpace]map[ElementIdentifier]bool{},
	}
	for _, e := range elements {
		if items.NameSpaces[e.Namespace] == nil {
			items.NameSpaces[e.Namespace] = map[ElementIdentifier]bool{}
		}
		items.NameSpaces[e.Namespace][e.Name] = intentToRetain
	}

	b, err := encMode.Marshal(items)
	if err != nil {
		return DocRequest{}, fmt.Errorf("failed to marshal items request: %w", err)
	}
	return DocRequest{ItemsRequest: b}, nil
}

// EncodeDeviceRequest returns the CBOR encoding of a DeviceRequest for docRequests.
func EncodeDeviceRequest(docRequests ...DocRequest) ([]byte, error) {
	if len(docRequests) == 0 {
		return nil, fmt.Errorf("at least one doc request is required")
	}
	b, err := encMode.Marshal(DeviceRequest{
		Version:     RequestVersion,
		DocRequests: docRequests,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device request: %w", err)
	}
	return b, nil
}

// DecodeDeviceRequest parses a CBOR encoded DeviceRequest.
func DecodeDeviceRequest(data []byte) (*DeviceRequest, error) {
	var req DeviceRequest
	if err := cbor.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: device request: %v", ErrMalformed, err)
	}
	if req.Version == "" {
		return nil, fmt.Errorf("%w: device request without version", ErrMalformed)
	}
	if len(req.DocRequests) == 0 {
		return nil, fmt.Errorf("%w: device request without doc requests", ErrMalformed)
	}
	return &req, nil
}
