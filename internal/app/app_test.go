package app

import (
	"testing"
	"time"

	"github.com/kokukuma/mdoc-holder/internal/config"
	"github.com/kokukuma/mdoc-holder/internal/display"
	"github.com/kokukuma/mdoc-holder/presentment"
	"github.com/kokukuma/mdoc-holder/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 5 * time.Second
	tick        = 10 * time.Millisecond
)

func TestNew(t *testing.T) {
	cfg := config.Default()
	factory := transport.NewMemoryFactory()

	a, err := New(&cfg, display.NewMemory(), WithTransportFactory(factory))
	require.NoError(t, err)
	defer a.Close()

	docs := a.Store.List()
	require.Len(t, docs, 1)
	assert.Equal(t, "Demo driving licence", docs[0].DisplayName)
	assert.Equal(t, presentment.StateIdle, a.Session.State())

	require.NoError(t, a.Session.Start())
	assert.Eventually(t, func() bool { return len(factory.Transports()) == 2 }, testTimeout, tick)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "mdoc_presentment_sessions_started_total")
}

func TestNew_Errors(t *testing.T) {
	t.Run("no documents", func(t *testing.T) {
		cfg := config.Default()
		cfg.Wallet.Demo = false
		_, err := New(&cfg, nil)
		assert.ErrorContains(t, err, "no documents configured")
	})
	t.Run("missing document", func(t *testing.T) {
		cfg := config.Default()
		cfg.Wallet.Documents = []config.DocumentConfig{{DisplayName: "x", IssuerSigned: "/nonexistent", DeviceKey: "/nonexistent"}}
		_, err := New(&cfg, nil)
		assert.Error(t, err)
	})
	t.Run("missing reader roots", func(t *testing.T) {
		cfg := config.Default()
		cfg.Wallet.ReaderRoots = "/nonexistent/readers.pem"
		_, err := New(&cfg, nil)
		assert.ErrorContains(t, err, "wallet.readerroots")
	})
	t.Run("bad verbosity", func(t *testing.T) {
		cfg := config.Default()
		cfg.Verbosity = "loud"
		_, err := New(&cfg, nil)
		assert.Error(t, err)
	})
}
