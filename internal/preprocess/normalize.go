// Package preprocess turns encoded drawings into the canonical tensor the
// classifiers were trained on.
package preprocess

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/garvit1910/ctrl-hack-del/internal/apperr"
	"github.com/garvit1910/ctrl-hack-del/internal/tensor"
)

// DefaultSize is the spatial size both classifiers expect.
const DefaultSize = 224

// MaxPixels bounds the decoded raster to keep hostile uploads from exhausting memory.
const MaxPixels = 40_000_000

// PolarityThreshold is the mean sample value below which an image is treated
// as light strokes on a dark background and inverted.
//
// The global mean is a blunt signal: drawings on a mid-gray background or
// with large empty regions can land on the wrong side of it.
const PolarityThreshold = 0.5

// Normalizer decodes drawings into size x size RGB tensors.
type Normalizer struct {
	size int
}

// NewNormalizer returns a Normalizer producing size x size tensors.
func NewNormalizer(size int) *Normalizer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Normalizer{size: size}
}

// Size returns the canonical spatial size.
func (n *Normalizer) Size() int {
	return n.size
}

// Normalize decodes encoded, converts it to RGB, resamples it to the canonical
// size with a Lanczos filter, scales samples into [0, 1] and applies polarity
// correction so strokes are always dark on a light background.
func (n *Normalizer) Normalize(encoded []byte) (*tensor.Image, error) {
	if len(encoded) == 0 {
		return nil, apperr.Invalid("image", "image data is empty")
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(encoded))
	if err != nil {
		return nil, apperr.Invalid("image", "unrecognized image format: %v", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, apperr.Invalid("image", "image has no pixels")
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return nil, apperr.Invalid("image", "image is %dx%d, larger than %d pixels", cfg.Width, cfg.Height, MaxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(encoded), imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperr.Invalid("image", "failed to decode image: %v", err)
	}

	rgb := toOpaqueNRGBA(img)
	resized := resize.Resize(uint(n.size), uint(n.size), rgb, resize.Lanczos3)

	return CorrectPolarity(toTensor(resized, n.size)), nil
}

// CorrectPolarity inverts img when its mean sample value is below
// PolarityThreshold. A mean of exactly the threshold is left unchanged.
func CorrectPolarity(img *tensor.Image) *tensor.Image {
	if img.Mean() < PolarityThreshold {
		return img.Inverted()
	}
	return img
}

// toOpaqueNRGBA converts any decoded raster to non-premultiplied RGB with the
// alpha channel discarded, so transparent pixels keep their stored color.
func toOpaqueNRGBA(img image.Image) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

func toTensor(img image.Image, size int) *tensor.Image {
	out := tensor.NewImage(size)
	b := img.Bounds()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*size + x) * tensor.Channels
			out.Pix[i] = float32(r>>8) / 255
			out.Pix[i+1] = float32(g>>8) / 255
			out.Pix[i+2] = float32(bl>>8) / 255
		}
	}
	return out
}

// DecodeEnvelope extracts raw image bytes from a base64 payload that may be
// wrapped in a "scheme,payload" envelope such as a data URI.
func DecodeEnvelope(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, apperr.Invalid("image", "image payload is empty")
	}
	if _, after, ok := strings.Cut(payload, "base64,"); ok {
		payload = after
	} else if strings.HasPrefix(payload, "data:") {
		if _, after, ok := strings.Cut(payload, ","); ok {
			payload = after
		}
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, apperr.Invalid("image", "image payload is empty")
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, apperr.Invalid("image", "failed to decode base64 payload: %v", err)
		}
	}
	if len(raw) == 0 {
		return nil, apperr.Invalid("image", "image payload is empty")
	}
	return raw, nil
}
