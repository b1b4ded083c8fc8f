// Package wallet is a sample presentment source backed by documents held in memory.
package wallet

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kokukuma/mdoc-holder/mdoc"
	"github.com/kokukuma/mdoc-holder/pkg/pki"
)

// Document is a credential the holder can present.
type Document struct {
	ID           string
	DisplayName  string
	DocType      mdoc.DocType
	IssuerSigned *mdoc.IssuerSigned
	DeviceKey    *ecdsa.PrivateKey
}

// NewDocument wraps provisioned issuer signed data. The doc type is read from the MSO.
func NewDocument(displayName string, issuerSigned *mdoc.IssuerSigned, deviceKey *ecdsa.PrivateKey) (*Document, error) {
	mso, err := issuerSigned.MobileSecurityObject()
	if err != nil {
		return nil, err
	}
	msoKey, err := mso.DeviceKey()
	if err != nil {
		return nil, err
	}
	if !msoKey.Equal(&deviceKey.PublicKey) {
		return nil, fmt.Errorf("device key doesn't match the key in the mso of %s", displayName)
	}
	return &Document{
		ID:           uuid.NewString(),
		DisplayName:  displayName,
		DocType:      mso.DocType,
		IssuerSigned: issuerSigned,
		DeviceKey:    deviceKey,
	}, nil
}

// LoadDocument reads issuer signed data (CBOR, raw or hex) and the PEM device key.
func LoadDocument(displayName, issuerSignedPath, deviceKeyPath string) (*Document, error) {
	data, err := os.ReadFile(issuerSignedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read issuer signed data: %w", err)
	}
	if decoded, err := hex.DecodeString(strings.TrimSpace(string(data))); err == nil {
		data = decoded
	}
	issuerSigned, err := mdoc.DecodeIssuerSigned(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", issuerSignedPath, err)
	}

	deviceKey, err := pki.LoadPrivateKey(deviceKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load device key %s: %w", deviceKeyPath, err)
	}
	return NewDocument(displayName, issuerSigned, deviceKey)
}

// DemoElements are the elements of the sample mDL.
func DemoElements() map[mdoc.NameSpace]map[mdoc.ElementIdentifier]mdoc.ElementValue {
	ageOver21, _ := mdoc.AgeOver(21)
	today := time.Now().UTC()
	return map[mdoc.NameSpace]map[mdoc.ElementIdentifier]mdoc.ElementValue{
		mdoc.NameSpaceMDL: {
			mdoc.FamilyName.Name:       "Mustermann",
			mdoc.GivenName.Name:        "Erika",
			mdoc.BirthDate.Name:        "1971-09-01",
			mdoc.IssueDate.Name:        today.Format(time.DateOnly),
			mdoc.ExpiryDate.Name:       today.AddDate(5, 0, 0).Format(time.DateOnly),
			mdoc.IssuingCountry.Name:   "DE",
			mdoc.IssuingAuthority.Name: "Demo Authority",
			mdoc.DocumentNumber.Name:   "D0000001",
			ageOver21.Name:             true,
		},
	}
}

// NewDemoDocument issues a sample mDL with a fresh device key, signed by a self signed issuer.
func NewDemoDocument(displayName string) (*Document, error) {
	issuer, err := mdoc.NewSelfSignedIssuer("mdoc-holder demo issuer")
	if err != nil {
		return nil, err
	}
	return IssueDocument(issuer, displayName, mdoc.DocTypeMDL, DemoElements())
}

// IssueDocument has issuer sign elements for a freshly generated device key.
func IssueDocument(issuer *mdoc.Issuer, displayName string, docType mdoc.DocType, elements map[mdoc.NameSpace]map[mdoc.ElementIdentifier]mdoc.ElementValue) (*Document, error) {
	deviceKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device key: %w", err)
	}
	issuerSigned, err := issuer.Issue(docType, &deviceKey.PublicKey, elements)
	if err != nil {
		return nil, err
	}
	return NewDocument(displayName, issuerSigned, deviceKey)
}

// Save writes the issuer signed data (hex encoded CBOR) and the device key (PEM) of
// doc, the files LoadDocument reads.
func (doc *Document) Save(issuerSignedPath, deviceKeyPath string) error {
	data, err := mdoc.EncodeIssuerSigned(doc.IssuerSigned)
	if err != nil {
		return err
	}
	if err := os.WriteFile(issuerSignedPath, []byte(hex.EncodeToString(data)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write issuer signed data: %w", err)
	}
	key, err := pki.EncodePrivateKey(doc.DeviceKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(deviceKeyPath, key, 0o600); err != nil {
		return fmt.Errorf("failed to write device key: %w", err)
	}
	return nil
}

// Store holds the documents of the wallet in display order.
type Store struct {
	mu        sync.RWMutex
	documents []*Document
}

func NewStore(documents ...*Document) *Store {
	return &Store{documents: documents}
}

func (s *Store) Add(doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents = append(s.documents, doc)
}

func (s *Store) Get(id string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.documents {
		if doc.ID == id {
			return doc, true
		}
	}
	return nil, false
}

func (s *Store) List() []*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Document(nil), s.documents...)
}

// FindByDocType returns the documents of docType in display order.
func (s *Store) FindByDocType(docType mdoc.DocType) []*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found []*Document
	for _, doc := range s.documents {
		if doc.DocType == docType {
			found = append(found, doc)
		}
	}
	return found
}
