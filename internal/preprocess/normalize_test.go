package preprocess

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garvit1910/ctrl-hack-del/internal/apperr"
	"github.com/garvit1910/ctrl-hack-del/internal/tensor"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// strokeImage draws a dark diagonal stroke on a uniform background.
func strokeImage(w, h int, bg, fg uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: bg})
		}
	}
	for i := 0; i < w && i < h; i++ {
		img.SetGray(i, i, color.Gray{Y: fg})
	}
	return img
}

func TestNormalizeRejectsEmptyInput(t *testing.T) {
	_, err := NewNormalizer(DefaultSize).Normalize(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestNormalizeRejectsUndecodableInput(t *testing.T) {
	_, err := NewNormalizer(DefaultSize).Normalize([]byte("definitely not an image"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestNormalizeProducesCanonicalTensor(t *testing.T) {
	n := NewNormalizer(32)
	img, err := n.Normalize(encodePNG(t, strokeImage(100, 50, 250, 10)))
	require.NoError(t, err)

	assert.Equal(t, 32, img.Size)
	require.Len(t, img.Pix, 32*32*3)
	for _, v := range img.Pix {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(1))
	}
	// Grayscale sources become three identical channels.
	assert.Equal(t, img.At(5, 7, 0), img.At(5, 7, 1))
	assert.Equal(t, img.At(5, 7, 0), img.At(5, 7, 2))
}

func TestNormalizeDropsAlphaChannel(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < len(src.Pix); i += 4 {
		src.Pix[i], src.Pix[i+1], src.Pix[i+2], src.Pix[i+3] = 240, 240, 240, 0
	}
	img, err := NewNormalizer(16).Normalize(encodePNG(t, src))
	require.NoError(t, err)
	assert.InDelta(t, 240.0/255.0, float64(img.At(8, 8, 0)), 1e-6)
}

func TestNormalizeIsIdempotentOnCanonicalImages(t *testing.T) {
	n := NewNormalizer(64)
	first, err := n.Normalize(encodePNG(t, strokeImage(64, 64, 240, 20)))
	require.NoError(t, err)

	second, err := n.Normalize(encodePNG(t, first.RGBA()))
	require.NoError(t, err)

	for i := range first.Pix {
		assert.InDelta(t, first.Pix[i], second.Pix[i], 2.0/255.0, "sample %d", i)
	}
}

func TestNormalizeInvertsDarkBackgrounds(t *testing.T) {
	n := NewNormalizer(32)
	dark, err := n.Normalize(encodePNG(t, strokeImage(32, 32, 10, 245)))
	require.NoError(t, err)
	light, err := n.Normalize(encodePNG(t, strokeImage(32, 32, 245, 10)))
	require.NoError(t, err)

	assert.Greater(t, dark.Mean(), 0.5)
	for i := range dark.Pix {
		assert.InDelta(t, light.Pix[i], dark.Pix[i], 1.5/255.0)
	}
}

func TestNormalizeConvertsPalettedImages(t *testing.T) {
	bg := color.RGBA{R: 20, G: 40, B: 60, A: 255}
	src := image.NewPaletted(image.Rect(0, 0, 32, 32), color.Palette{bg, color.RGBA{R: 250, G: 250, B: 250, A: 255}})
	for i := 0; i < 32; i++ {
		src.SetColorIndex(i, i, 1)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, src, nil))

	img, err := NewNormalizer(16).Normalize(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, img.Pix, 16*16*tensor.Channels)

	// A dark background is inverted; each channel keeps its own value.
	assert.Greater(t, img.Mean(), 0.5)
	assert.InDelta(t, 1-20.0/255.0, float64(img.At(0, 15, 0)), 2.0/255.0)
	assert.InDelta(t, 1-40.0/255.0, float64(img.At(0, 15, 1)), 2.0/255.0)
	assert.InDelta(t, 1-60.0/255.0, float64(img.At(0, 15, 2)), 2.0/255.0)
}

// cornerJPEG encodes a white square with a black block in its top-left corner.
func cornerJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			v := uint8(255)
			if x < 12 && y < 12 {
				v = 0
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

// withOrientation inserts an EXIF APP1 segment carrying orientation right
// after the JPEG start-of-image marker.
func withOrientation(t *testing.T, data []byte, orientation uint16) []byte {
	t.Helper()
	require.True(t, len(data) > 2 && data[0] == 0xff && data[1] == 0xd8)

	var exif bytes.Buffer
	exif.WriteString("Exif\x00\x00")
	exif.WriteString("MM")
	// TIFF header with the first IFD at offset 8, then one SHORT Orientation
	// entry padded to four bytes and no next IFD.
	for _, v := range []interface{}{
		uint16(0x002a), uint32(8),
		uint16(1),
		uint16(0x0112), uint16(3), uint32(1), orientation, uint16(0),
		uint32(0),
	} {
		require.NoError(t, binary.Write(&exif, binary.BigEndian, v))
	}

	var out bytes.Buffer
	out.Write(data[:2])
	out.Write([]byte{0xff, 0xe1})
	require.NoError(t, binary.Write(&out, binary.BigEndian, uint16(exif.Len()+2)))
	out.Write(exif.Bytes())
	out.Write(data[2:])
	return out.Bytes()
}

func TestNormalizeAppliesEXIFOrientation(t *testing.T) {
	n := NewNormalizer(16)
	plain := cornerJPEG(t)

	upright, err := n.Normalize(plain)
	require.NoError(t, err)
	assert.Less(t, upright.At(2, 2, 0), float32(0.3), "block starts top-left")
	assert.Greater(t, upright.At(2, 13, 0), float32(0.7))

	// Orientation 6 means the stored image must be turned 90 degrees clockwise.
	rotated, err := n.Normalize(withOrientation(t, plain, 6))
	require.NoError(t, err)
	assert.Greater(t, rotated.At(2, 2, 0), float32(0.7))
	assert.Less(t, rotated.At(2, 13, 0), float32(0.3), "block should move top-right")
	assert.Greater(t, rotated.At(13, 2, 0), float32(0.7))
}

func filled(size int, values ...float32) *tensor.Image {
	img := tensor.NewImage(size)
	for i := range img.Pix {
		img.Pix[i] = values[i%len(values)]
	}
	return img
}

func TestCorrectPolarityInvertsDarkImage(t *testing.T) {
	dark := filled(4, 0.1, 0.3, 0.2)
	require.InDelta(t, 0.2, dark.Mean(), 1e-6)

	corrected := CorrectPolarity(dark)
	for i, v := range dark.Pix {
		assert.Equal(t, 1-v, corrected.Pix[i])
	}
	assert.InDelta(t, 0.8, corrected.Mean(), 1e-6)
}

func TestCorrectPolarityKeepsLightImage(t *testing.T) {
	light := filled(4, 0.9, 0.7, 0.8)
	assert.Same(t, light, CorrectPolarity(light))
}

func TestCorrectPolarityLeavesExactThresholdUnchanged(t *testing.T) {
	mid := filled(4, 0.25, 0.75)
	require.Equal(t, 0.5, mid.Mean())
	assert.Same(t, mid, CorrectPolarity(mid))
}

func TestDecodeEnvelope(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G'}
	encoded := base64.StdEncoding.EncodeToString(raw)

	cases := map[string]string{
		"plain":        encoded,
		"data uri":     "data:image/png;base64," + encoded,
		"unpadded":     base64.RawStdEncoding.EncodeToString(raw),
		"bare scheme":  "data:image/png," + encoded,
		"surrounding ": "  " + encoded + "\n",
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := DecodeEnvelope(payload)
			require.NoError(t, err)
			assert.Equal(t, raw, got)
		})
	}
}

func TestDecodeEnvelopeRejectsBadPayloads(t *testing.T) {
	for _, payload := range []string{"", "data:image/png;base64,", "!!!not base64!!!"} {
		_, err := DecodeEnvelope(payload)
		require.Error(t, err, payload)
		assert.True(t, errors.Is(err, apperr.ErrValidation))
	}
}
