package reader

import (
	"context"
	"crypto/x509"
	"testing"
	"time"

	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/kokukuma/mdoc-holder/internal/cryptoroot"
	"github.com/kokukuma/mdoc-holder/internal/display"
	"github.com/kokukuma/mdoc-holder/internal/wallet"
	"github.com/kokukuma/mdoc-holder/mdoc"
	"github.com/kokukuma/mdoc-holder/presentment"
	"github.com/kokukuma/mdoc-holder/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const waitTimeout = 10 * time.Second

var loopback = transport.Options{Host: "127.0.0.1"}

type holder struct {
	session *presentment.Session
	display *display.Memory
	changes <-chan presentment.StateChange
}

func newHolder(t *testing.T, methods ...engagement.ConnectionMethod) *holder {
	t.Helper()
	return newHolderWithSource(t, nil, methods...)
}

func newHolderWithSource(t *testing.T, opts []wallet.SourceOption, methods ...engagement.ConnectionMethod) *holder {
	t.Helper()
	doc, err := wallet.NewDemoDocument("Demo driving licence")
	require.NoError(t, err)

	d := display.NewMemory()
	session := presentment.NewSession(presentment.Config{
		ConnectionMethods: methods,
		TransportOptions:  loopback,
		Display:           d,
		Source:            wallet.NewSource(wallet.NewStore(doc), opts...),
	})
	changes, _ := session.Subscribe()
	return &holder{session: session, display: d, changes: changes}
}

func (h *holder) waitForState(t *testing.T, want presentment.State) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case change, ok := <-h.changes:
			require.True(t, ok, "subscription closed while waiting for %s", want)
			if change.State == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

// start begins a presentment and returns the engagement URI once it is shown.
func (h *holder) start(t *testing.T) string {
	t.Helper()
	require.NoError(t, h.session.Start())
	require.Eventually(t, func() bool { return h.display.Current() != nil }, waitTimeout, 10*time.Millisecond)
	return engagement.ToURI(h.display.Current())
}

func mdlRequest(t *testing.T) mdoc.DocRequest {
	t.Helper()
	ageOver21, err := mdoc.AgeOver(21)
	require.NoError(t, err)
	docRequest, err := mdoc.NewDocRequest(mdoc.DocTypeMDL, []mdoc.Element{mdoc.FamilyName, ageOver21}, false)
	require.NoError(t, err)
	return docRequest
}

type outcome struct {
	result *Result
	err    error
}

func request(ctx context.Context, r *Reader, uri string, docRequest mdoc.DocRequest) <-chan outcome {
	done := make(chan outcome, 1)
	go func() {
		result, err := r.Request(ctx, uri, docRequest)
		done <- outcome{result, err}
	}()
	return done
}

func TestReader_EndToEnd(t *testing.T) {
	tests := []struct {
		name    string
		methods []engagement.ConnectionMethod
	}{
		{"tcp", []engagement.ConnectionMethod{engagement.TCP{}}},
		{"websocket", []engagement.ConnectionMethod{engagement.WebSocket{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ignore := goleak.IgnoreCurrent()
			h := newHolder(t, tt.methods...)
			uri := h.start(t)

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			r := New(loopback, nil)
			done := request(ctx, r, uri, mdlRequest(t))

			h.waitForState(t, presentment.StateWaitingForConsent)
			require.NoError(t, h.session.Consent(true))
			h.waitForState(t, presentment.StateCompleted)

			out := <-done
			require.NoError(t, out.err)
			require.NotNil(t, out.result.Response)
			require.NotNil(t, out.result.Status)
			assert.Equal(t, uint(20), *out.result.Status)
			require.NoError(t, r.Verify(out.result))

			doc, err := out.result.Response.GetDocument(mdoc.DocTypeMDL)
			require.NoError(t, err)
			value, err := doc.GetElementValue(mdoc.NameSpaceMDL, mdoc.FamilyName.Name)
			require.NoError(t, err)
			assert.Equal(t, "Mustermann", value)
			_, err = doc.GetElementValue(mdoc.NameSpaceMDL, mdoc.GivenName.Name)
			assert.ErrorIs(t, err, mdoc.ErrElementNotFound)

			h.session.Close()
			goleak.VerifyNone(t, ignore)
		})
	}
}

func TestReader_Authenticated(t *testing.T) {
	readerCA, err := cryptoroot.New("Test reader CA")
	require.NoError(t, err)
	signer, err := readerCA.ReaderSigner("Test reader")
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(readerCA.Certificate())

	tests := []struct {
		name   string
		signer *mdoc.ReaderSigner
		reader string
	}{
		{"signed", signer, "Test reader"},
		{"unsigned", nil, presentment.ReaderUnverified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHolderWithSource(t, []wallet.SourceOption{wallet.WithReaderRoots(roots)}, engagement.TCP{})
			defer h.session.Close()
			uri := h.start(t)

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			r := New(loopback, nil)
			if tt.signer != nil {
				r.Authenticate(tt.signer)
			}
			done := request(ctx, r, uri, mdlRequest(t))

			h.waitForState(t, presentment.StateWaitingForConsent)
			candidates := h.session.Candidates()
			require.Len(t, candidates, 1)
			assert.Equal(t, tt.reader, candidates[0].Reader)
			require.NoError(t, h.session.Consent(true))

			out := <-done
			require.NoError(t, out.err)
			assert.NoError(t, r.Verify(out.result))
		})
	}
}

func TestReader_Declined(t *testing.T) {
	h := newHolder(t, engagement.TCP{}, engagement.WebSocket{})
	defer h.session.Close()
	uri := h.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	done := request(ctx, New(loopback, nil), uri, mdlRequest(t))

	h.waitForState(t, presentment.StateWaitingForConsent)
	require.NoError(t, h.session.Consent(false))
	h.waitForState(t, presentment.StateIdle)

	out := <-done
	assert.ErrorIs(t, out.err, ErrDeclined)
	assert.Nil(t, out.result.Response)
	assert.Error(t, New(loopback, nil).Verify(out.result))
}

func TestReader_NoMatchingDocument(t *testing.T) {
	h := newHolder(t, engagement.TCP{})
	defer h.session.Close()
	uri := h.start(t)

	docRequest, err := mdoc.NewDocRequest(mdoc.DocTypePID, []mdoc.Element{mdoc.EUFamilyName}, false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	out := <-request(ctx, New(loopback, nil), uri, docRequest)
	assert.ErrorIs(t, out.err, ErrDeclined)

	h.waitForState(t, presentment.StateIdle)
	assert.ErrorIs(t, h.session.Err(), presentment.ErrDocumentUnavailable)
}

func TestReader_BadURI(t *testing.T) {
	_, err := New(loopback, nil).Request(context.Background(), "https://example.com", mdlRequest(t))
	assert.Error(t, err)
}
