package saliency

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/garvit1910/ctrl-hack-del/internal/tensor"
)

// Blend weights of the source raster and the colorized map.
const (
	SourceWeight  = 0.6
	HeatmapWeight = 0.4
)

// jet is the 256-entry blue to red ramp used to colorize heatmaps.
var jet = buildJet()

func buildJet() [256]color.RGBA {
	var lut [256]color.RGBA
	for i := range lut {
		x := float64(i) / 255
		lut[i] = color.RGBA{
			R: rampChannel(1.5 - math.Abs(4*x-3)),
			G: rampChannel(1.5 - math.Abs(4*x-2)),
			B: rampChannel(1.5 - math.Abs(4*x-1)),
			A: 255,
		}
	}
	return lut
}

func rampChannel(v float64) uint8 {
	return uint8(math.Round(255 * math.Max(0, math.Min(1, v))))
}

// RampColor returns the ramp color for a heatmap value in [0, 1].
func RampColor(v float64) color.RGBA {
	return jet[rampIndex(v)]
}

func rampIndex(v float64) uint8 {
	s := 255 * v
	switch {
	case !(s > 0):
		return 0
	case s >= 255:
		return 255
	default:
		return uint8(s)
	}
}

// Upsample resizes h to size x size with bilinear interpolation. A map that
// already has the target size is returned as is.
func Upsample(h *tensor.Heatmap, size int) *tensor.Heatmap {
	if h.H == size && h.W == size {
		return h
	}

	src := image.NewGray16(image.Rect(0, 0, h.W, h.H))
	for y := 0; y < h.H; y++ {
		for x := 0; x < h.W; x++ {
			src.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(clamp01(h.At(y, x)) * 0xffff))})
		}
	}

	dst := image.NewGray16(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := &tensor.Heatmap{H: size, W: size, Data: make([]float64, size*size)}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			out.Data[y*size+x] = float64(dst.Gray16At(x, y).Y) / 0xffff
		}
	}
	return out
}

// Colorize maps every heatmap value through the ramp.
func Colorize(h *tensor.Heatmap) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, h.W, h.H))
	for y := 0; y < h.H; y++ {
		for x := 0; x < h.W; x++ {
			out.SetRGBA(x, y, RampColor(h.At(y, x)))
		}
	}
	return out
}

// Blend mixes src and heat per channel as SourceWeight*src + HeatmapWeight*heat,
// rounded and clamped to [0, 255]. Both rasters must share bounds.
func Blend(src, heat *image.RGBA) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(b)
	for i := 0; i < len(out.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := SourceWeight*float64(src.Pix[i+c]) + HeatmapWeight*float64(heat.Pix[i+c])
			out.Pix[i+c] = uint8(math.Min(255, math.Max(0, math.Round(v))))
		}
		out.Pix[i+3] = 255
	}
	return out
}

// EncodePNG renders img as PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DataURI renders img as a base64 PNG data URI for JSON transport.
func DataURI(img image.Image) (string, error) {
	raw, err := EncodePNG(img)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw), nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
