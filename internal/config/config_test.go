package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "holder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("MDOC_CONFIGFILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load(FlagSet())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Verbosity)
	assert.Equal(t, "text", cfg.LoggerFormat)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, engagement.Version10, cfg.Presentment.Version)
	assert.Equal(t, []string{"tcp", "websocket"}, cfg.Presentment.Methods)
	assert.Zero(t, cfg.Presentment.EngagementTimeout)
	assert.True(t, cfg.Wallet.Demo)
	assert.Equal(t, int64(1<<20), cfg.TransportOptions().MaxMessageSize)
}

func TestLoad_Precedence(t *testing.T) {
	path := writeConfig(t, `
verbosity: debug
http:
  address: ":9000"
presentment:
  methods: [websocket]
  engagementtimeout: 1m
transport:
  host: 127.0.0.1
wallet:
  demo: false
  documents:
    - displayname: My licence
      issuersigned: mdl.cbor
      devicekey: device.pem
`)
	t.Setenv("MDOC_CONFIGFILE", path)
	t.Setenv("MDOC_HTTP_ADDRESS", ":9001")
	t.Setenv("MDOC_TRANSPORT_ADVERTISEDHOST", "holder.local")
	t.Setenv("MDOC_WALLET_READERROOTS", "readers.pem")

	flags := FlagSet()
	require.NoError(t, flags.Parse([]string{"--verbosity=warn", "--presentment.methods=tcp,websocket"}))

	cfg, err := Load(flags)
	require.NoError(t, err)

	// flag beats env beats file beats default
	assert.Equal(t, "warn", cfg.Verbosity)
	assert.Equal(t, ":9001", cfg.HTTP.Address)
	assert.Equal(t, []string{"tcp", "websocket"}, cfg.Presentment.Methods)
	assert.Equal(t, time.Minute, cfg.Presentment.EngagementTimeout)
	assert.Equal(t, "text", cfg.LoggerFormat)
	assert.False(t, cfg.Wallet.Demo)
	require.Len(t, cfg.Wallet.Documents, 1)
	assert.Equal(t, DocumentConfig{DisplayName: "My licence", IssuerSigned: "mdl.cbor", DeviceKey: "device.pem"}, cfg.Wallet.Documents[0])
	assert.Equal(t, "readers.pem", cfg.Wallet.ReaderRoots)

	opts := cfg.TransportOptions()
	assert.Equal(t, "127.0.0.1", opts.Host)
	assert.Equal(t, "holder.local", opts.AdvertisedHost)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown method", "presentment:\n  methods: [carrier-pigeon]\n", "unknown connection method"},
		{"incomplete document", "wallet:\n  documents:\n    - displayname: x\n", "issuersigned and devicekey are required"},
		{"empty version", "presentment:\n  version: \"\"\n", "presentment.version is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MDOC_CONFIGFILE", writeConfig(t, tt.content))
			_, err := Load(nil)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfig_ConnectionMethods(t *testing.T) {
	cfg := Default()
	cfg.Presentment.Methods = []string{"ble", "TCP", "ws"}
	cfg.Transport.Host = "127.0.0.1"
	cfg.Transport.TCPPort = 7000

	methods, err := cfg.ConnectionMethods()
	require.NoError(t, err)
	require.Len(t, methods, 3)

	ble, ok := methods[0].(engagement.BLE)
	require.True(t, ok)
	assert.True(t, ble.SupportsPeripheralServerMode)
	assert.Equal(t, engagement.TCP{Host: "127.0.0.1", Port: 7000}, methods[1])
	assert.Equal(t, engagement.WebSocket{}, methods[2])

	cfg.Presentment.Methods = nil
	_, err = cfg.ConnectionMethods()
	assert.Error(t, err)
}
