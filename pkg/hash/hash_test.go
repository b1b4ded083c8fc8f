package hash

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest(t *testing.T) {
	tests := []struct {
		alg    string
		length int
	}{
		{"SHA-256", 32},
		{"SHA-384", 48},
		{"SHA-512", 64},
	}
	for _, tt := range tests {
		t.Run(tt.alg, func(t *testing.T) {
			d, err := Digest([]byte("abc"), tt.alg)
			require.NoError(t, err)
			assert.Len(t, d, tt.length)
		})
	}

	d, err := Digest([]byte("abc"), "SHA-256")
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hex.EncodeToString(d))

	_, err = Digest([]byte("abc"), "MD5")
	assert.ErrorContains(t, err, "unsupported digest algorithm")
}
