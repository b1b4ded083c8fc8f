// Package hash computes the MSO digest algorithms by their ISO 18013-5 names.
package hash

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

func New(alg string) (hash.Hash, error) {
	switch alg {
	case "SHA-256":
		return sha256.New(), nil
	case "SHA-384":
		return sha512.New384(), nil
	case "SHA-512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %s", alg)
	}
}

func Digest(message []byte, alg string) ([]byte, error) {
	hasher, err := New(alg)
	if err != nil {
		return nil, err
	}
	hasher.Write(message)
	return hasher.Sum(nil), nil
}
