package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPrivateKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	t.Run("sec1", func(t *testing.T) {
		b, err := EncodePrivateKey(key)
		require.NoError(t, err)
		path := filepath.Join(t.TempDir(), "device.pem")
		require.NoError(t, os.WriteFile(path, b, 0o600))

		loaded, err := LoadPrivateKey(path)
		require.NoError(t, err)
		assert.True(t, key.Equal(loaded))
	})
	t.Run("pkcs8", func(t *testing.T) {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)

		loaded, err := ParsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
		require.NoError(t, err)
		assert.True(t, key.Equal(loaded))
	})
	t.Run("not pem", func(t *testing.T) {
		_, err := ParsePrivateKey([]byte("garbage"))
		assert.Error(t, err)
	})
	t.Run("wrong block", func(t *testing.T) {
		_, err := ParsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}}))
		assert.ErrorContains(t, err, "unexpected PEM block type")
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPrivateKey(filepath.Join(t.TempDir(), "missing.pem"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
