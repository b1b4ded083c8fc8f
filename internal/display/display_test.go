package display

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEngagement = []byte{0xa2, 0x00, 0x63, 0x31, 0x2e, 0x30, 0x01, 0x80}

func TestTerminal(t *testing.T) {
	var out bytes.Buffer
	d := NewTerminal(&out)
	d.Clear()
	assert.Empty(t, out.String())

	d.Show(testEngagement)
	assert.Contains(t, out.String(), engagement.ToURI(testEngagement))

	out.Reset()
	d.Clear()
	assert.Equal(t, "Engagement closed\n", out.String(), "cancel and timeout clear the display too")
	d.Clear()
	assert.Equal(t, "Engagement closed\n", out.String())
}

func TestMemory(t *testing.T) {
	d := NewMemory()
	assert.Nil(t, d.Current())

	d.Show(testEngagement)
	current := d.Current()
	assert.Equal(t, testEngagement, current)

	// callers get a copy
	current[0] = 0
	assert.Equal(t, testEngagement, d.Current())

	d.Clear()
	assert.Nil(t, d.Current())
}

func TestQRCode(t *testing.T) {
	b, err := QRCode(testEngagement, 128)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, 128, img.Bounds().Dx())
}
