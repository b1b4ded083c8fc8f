// Package display renders device engagements for readers to scan.
package display

import (
	"fmt"
	"io"
	"sync"

	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/kokukuma/mdoc-holder/presentment"
	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
)

var (
	_ presentment.Display = (*Terminal)(nil)
	_ presentment.Display = (*Memory)(nil)
)

// Terminal prints the engagement as a QR code followed by its mdoc: URI.
type Terminal struct {
	mu      sync.Mutex
	w       io.Writer
	showing bool
}

func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

func (t *Terminal) Show(deviceEngagement []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	uri := engagement.ToURI(deviceEngagement)
	qrterminal.GenerateWithConfig(uri, qrterminal.Config{
		HalfBlocks: false,
		BlackChar:  qrterminal.WHITE,
		WhiteChar:  qrterminal.BLACK,
		Level:      qrterminal.M,
		Writer:     t.w,
		QuietZone:  1,
	})
	fmt.Fprintln(t.w, uri)
	t.showing = true
}

// Clear runs on connect as well as on cancel and timeout.
func (t *Terminal) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.showing {
		return
	}
	t.showing = false
	fmt.Fprintln(t.w, "Engagement closed")
}

// Memory keeps the engagement currently shown, for an HTTP front end to render.
type Memory struct {
	mu      sync.Mutex
	current []byte
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Show(deviceEngagement []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = append([]byte(nil), deviceEngagement...)
}

func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
}

// Current returns the engagement being shown, or nil.
func (m *Memory) Current() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.current...)
}

// QRCode renders the mdoc: URI of deviceEngagement as a PNG.
func QRCode(deviceEngagement []byte, size int) ([]byte, error) {
	png, err := qrcode.Encode(engagement.ToURI(deviceEngagement), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr code: %w", err)
	}
	return png, nil
}
