// Package session_encryption implements the session encryption of ISO/IEC 18013-5
// §9.1.1: keys derived with HKDF from an ECDH secret and the session transcript, and
// AES-256-GCM with per direction message counters.
package session_encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const keySize = 32

var (
	// ErrDecryption is returned when a message can't be authenticated, e.g. due to a wrong key or counter.
	ErrDecryption = errors.New("failed to decrypt session message")
	// ErrDestroyed is returned when a session is used after Destroy.
	ErrDestroyed = errors.New("session keys destroyed")
	// ErrCounterExhausted is returned when a direction ran out of message counters.
	ErrCounterExhausted = errors.New("session message counter exhausted")
)

// Role selects which derived key a session encrypts with.
type Role int

const (
	RoleMdoc Role = iota
	RoleMdocReader
)

// The IV is the 8 byte identifier of the sender followed by its 4 byte message counter.
var (
	readerIdentifier = [8]byte{0, 0, 0, 0, 0, 0, 0, 0}
	mdocIdentifier   = [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
)

// Session encrypts and decrypts the messages of one engagement.
type Session struct {
	role Role

	mu             sync.Mutex
	skDevice       []byte
	skReader       []byte
	encryptCounter uint32
	decryptCounter uint32
	destroyed      bool
}

// NewMdocSession derives the holder's session keys from its ephemeral private key and the reader's key.
func NewMdocSession(eDeviceKey *ecdh.PrivateKey, eReaderKey *ecdh.PublicKey, transcript []byte) (*Session, error) {
	return newSession(RoleMdoc, eDeviceKey, eReaderKey, transcript)
}

// NewReaderSession derives the reader's session keys from its ephemeral private key and the holder's key.
func NewReaderSession(eReaderKey *ecdh.PrivateKey, eDeviceKey *ecdh.PublicKey, transcript []byte) (*Session, error) {
	return newSession(RoleMdocReader, eReaderKey, eDeviceKey, transcript)
}

func newSession(role Role, private *ecdh.PrivateKey, peer *ecdh.PublicKey, transcript []byte) (*Session, error) {
	if private == nil || peer == nil {
		return nil, fmt.Errorf("session keys cannot be nil")
	}
	shared, err := private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	defer zero(shared)

	salt, err := transcriptSalt(transcript)
	if err != nil {
		return nil, err
	}

	skDevice, err := deriveKey(shared, salt, "SKDevice")
	if err != nil {
		return nil, err
	}
	skReader, err := deriveKey(shared, salt, "SKReader")
	if err != nil {
		zero(skDevice)
		return nil, err
	}
	return &Session{
		role:     role,
		skDevice: skDevice,
		skReader: skReader,
	}, nil
}

func deriveKey(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s: %w", info, err)
	}
	return key, nil
}

// Encrypt seals a message sent by this session's role.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, ErrDestroyed
	}

	key, identifier := s.skDevice, mdocIdentifier
	if s.role == RoleMdocReader {
		key, identifier = s.skReader, readerIdentifier
	}
	counter, err := next(&s.encryptCounter)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce(identifier, counter), plaintext, nil), nil
}

// Decrypt opens a message sent by the other role.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, ErrDestroyed
	}

	key, identifier := s.skReader, readerIdentifier
	if s.role == RoleMdocReader {
		key, identifier = s.skDevice, mdocIdentifier
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	counter := s.decryptCounter + 1
	if counter == 0 {
		return nil, ErrCounterExhausted
	}
	plaintext, err := aead.Open(nil, nonce(identifier, counter), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	// Only authenticated messages advance the counter.
	s.decryptCounter = counter
	return plaintext, nil
}

// Destroy zeroes the session keys. The session is unusable afterwards.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.skDevice)
	zero(s.skReader)
	s.skDevice, s.skReader = nil, nil
	s.destroyed = true
}

func next(counter *uint32) (uint32, error) {
	if *counter == math.MaxUint32 {
		return 0, ErrCounterExhausted
	}
	*counter++
	return *counter, nil
}

func nonce(identifier [8]byte, counter uint32) []byte {
	iv := make([]byte, 12)
	copy(iv, identifier[:])
	binary.BigEndian.PutUint32(iv[8:], counter)
	return iv
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return aead, nil
}

func zero(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
