package main

import (
	"bytes"
	"context"
	"crypto/x509"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/kokukuma/mdoc-holder/internal/app"
	"github.com/kokukuma/mdoc-holder/internal/config"
	"github.com/kokukuma/mdoc-holder/internal/cryptoroot"
	"github.com/kokukuma/mdoc-holder/internal/display"
	"github.com/kokukuma/mdoc-holder/internal/reader"
	"github.com/kokukuma/mdoc-holder/internal/wallet"
	"github.com/kokukuma/mdoc-holder/mdoc"
	"github.com/kokukuma/mdoc-holder/pkg/pki"
	"github.com/kokukuma/mdoc-holder/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 10 * time.Second

func newTestApp(t *testing.T, configure ...func(*config.Config)) (*app.App, *display.Memory) {
	t.Helper()
	cfg := config.Default()
	cfg.Presentment.Methods = []string{"tcp"}
	cfg.Transport.Host = "127.0.0.1"
	for _, c := range configure {
		c(&cfg)
	}
	d := display.NewMemory()
	a, err := app.New(&cfg, d)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, d
}

// runReader requests the family name once an engagement is shown on d. A nil
// signer sends the request without reader authentication.
func runReader(ctx context.Context, t *testing.T, d *display.Memory, signer *mdoc.ReaderSigner) <-chan error {
	t.Helper()
	docRequest, err := mdoc.NewDocRequest(mdoc.DocTypeMDL, []mdoc.Element{mdoc.FamilyName}, false)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		for d.Current() == nil {
			select {
			case <-ctx.Done():
				done <- ctx.Err()
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
		r := reader.New(transport.Options{}, nil)
		if signer != nil {
			r.Authenticate(signer)
		}
		_, err := r.Request(ctx, engagement.ToURI(d.Current()), docRequest)
		done <- err
	}()
	return done
}

func TestPresent(t *testing.T) {
	tests := []struct {
		name    string
		answer  string
		output  string
		readErr error
	}{
		{"consent", "y\n", "Presentment completed", nil},
		{"decline", "n\n", "Presentment declined", reader.ErrDeclined},
		{"no answer", "", "Presentment declined", reader.ErrDeclined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, d := newTestApp(t)
			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			done := runReader(ctx, t, d, nil)

			var out bytes.Buffer
			require.NoError(t, present(ctx, a.Session, strings.NewReader(tt.answer), &out))
			assert.Contains(t, out.String(), tt.output)
			assert.Contains(t, out.String(), "Share the requested data with the reader (unverified)")

			err := <-done
			if tt.readErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.readErr)
			}
		})
	}
}

func TestPresent_AuthenticatedReader(t *testing.T) {
	dir := t.TempDir()
	readerCA, err := cryptoroot.LoadOrCreate(dir, "Test reader CA")
	require.NoError(t, err)
	signer, err := readerCA.ReaderSigner("Test reader")
	require.NoError(t, err)
	a, d := newTestApp(t, func(cfg *config.Config) {
		cfg.Wallet.ReaderRoots = filepath.Join(dir, "rootCert.pem")
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	done := runReader(ctx, t, d, signer)

	var out bytes.Buffer
	require.NoError(t, present(ctx, a.Session, strings.NewReader("y\n"), &out))
	assert.Contains(t, out.String(), "Share the requested data with the reader (Test reader)")
	assert.NoError(t, <-done)
}

func TestPresent_Cancelled(t *testing.T) {
	a, _ := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := present(ctx, a.Session, strings.NewReader(""), &bytes.Buffer{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRootCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := createRootCommand(strings.NewReader(""), &out)
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "serve")
	assert.Contains(t, out.String(), "present")
	assert.Contains(t, out.String(), "--presentment.methods")
}

func TestIssueCommand(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	cmd := createRootCommand(strings.NewReader(""), &out)
	cmd.SetArgs([]string{
		"issue",
		"--authority", filepath.Join(dir, "iaca"),
		"--out", dir,
		"--name", "erika",
		"--given-name", "Erika Maria",
	})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "issuersigned: "+filepath.Join(dir, "erika.hex"))

	doc, err := wallet.LoadDocument("erika", filepath.Join(dir, "erika.hex"), filepath.Join(dir, "erika.pem"))
	require.NoError(t, err)
	items, err := doc.IssuerSigned.GetIssuerSignedItems(mdoc.NameSpaceMDL)
	require.NoError(t, err)
	values := map[mdoc.ElementIdentifier]mdoc.ElementValue{}
	for _, item := range items {
		values[item.ElementIdentifier] = item.ElementValue
	}
	assert.Equal(t, "Erika Maria", values[mdoc.GivenName.Name])

	roots, err := pki.GetRootCertificates(filepath.Join(dir, "iaca", "rootCert.pem"))
	require.NoError(t, err)
	chain, err := doc.IssuerSigned.DocumentSigningCertificateChain()
	require.NoError(t, err)
	_, err = chain[0].Verify(x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	assert.NoError(t, err)
}
