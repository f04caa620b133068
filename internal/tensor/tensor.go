// Package tensor holds the numeric value types shared by the normalizer, the
// model adapters and the saliency generator.
package tensor

import (
	"fmt"
	"image"
	"image/color"
)

// Channels is the fixed channel count of a normalized image (RGB).
const Channels = 3

// Image is a square HxWx3 float32 tensor with samples in [0, 1], stored
// row-major in HWC order. It is treated as immutable once built.
type Image struct {
	Size int
	Pix  []float32
}

// NewImage allocates a zeroed size x size x 3 image.
func NewImage(size int) *Image {
	return &Image{Size: size, Pix: make([]float32, size*size*Channels)}
}

// At returns the sample at row y, column x, channel c.
func (m *Image) At(y, x, c int) float32 {
	return m.Pix[(y*m.Size+x)*Channels+c]
}

// Mean returns the mean over every sample of the image.
func (m *Image) Mean() float64 {
	if len(m.Pix) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m.Pix {
		sum += float64(v)
	}
	return sum / float64(len(m.Pix))
}

// Inverted returns a copy with every sample mapped v -> 1-v.
func (m *Image) Inverted() *Image {
	out := &Image{Size: m.Size, Pix: make([]float32, len(m.Pix))}
	for i, v := range m.Pix {
		out.Pix[i] = 1 - v
	}
	return out
}

// CHW returns the samples reordered channel-major, as expected by models
// exported with an NCHW input.
func (m *Image) CHW() []float32 {
	plane := m.Size * m.Size
	out := make([]float32, len(m.Pix))
	for i := 0; i < plane; i++ {
		for c := 0; c < Channels; c++ {
			out[c*plane+i] = m.Pix[i*Channels+c]
		}
	}
	return out
}

// RGBA renders the image as an 8-bit raster. Samples are truncated, not
// rounded, when scaled to [0, 255].
func (m *Image) RGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, m.Size, m.Size))
	for y := 0; y < m.Size; y++ {
		for x := 0; x < m.Size; x++ {
			out.SetRGBA(x, y, color.RGBA{
				R: toUint8(m.At(y, x, 0)),
				G: toUint8(m.At(y, x, 1)),
				B: toUint8(m.At(y, x, 2)),
				A: 255,
			})
		}
	}
	return out
}

func toUint8(v float32) uint8 {
	s := v * 255
	switch {
	case s <= 0:
		return 0
	case s >= 255:
		return 255
	default:
		return uint8(s)
	}
}

// FeatureMap is an HxWxC activation or gradient tensor for one image.
type FeatureMap struct {
	H, W, C int
	Data    []float32
}

// NewFeatureMap wraps data in HWC order, checking its length against the shape.
func NewFeatureMap(h, w, c int, data []float32) (*FeatureMap, error) {
	if h <= 0 || w <= 0 || c <= 0 {
		return nil, fmt.Errorf("invalid feature map shape %dx%dx%d", h, w, c)
	}
	if len(data) != h*w*c {
		return nil, fmt.Errorf("feature map shape %dx%dx%d needs %d values, got %d", h, w, c, h*w*c, len(data))
	}
	return &FeatureMap{H: h, W: w, C: c, Data: data}, nil
}

// SameShape reports whether two feature maps have identical dimensions.
func (f *FeatureMap) SameShape(other *FeatureMap) bool {
	return f.H == other.H && f.W == other.W && f.C == other.C
}

// FromCHW converts channel-major data into an HWC feature map.
func FromCHW(h, w, c int, data []float32) (*FeatureMap, error) {
	if len(data) != h*w*c {
		return nil, fmt.Errorf("feature map shape %dx%dx%d needs %d values, got %d", h, w, c, h*w*c, len(data))
	}
	out := make([]float32, len(data))
	plane := h * w
	for ch := 0; ch < c; ch++ {
		for i := 0; i < plane; i++ {
			out[i*c+ch] = data[ch*plane+i]
		}
	}
	return NewFeatureMap(h, w, c, out)
}

// Heatmap is a 2-D class activation map with values in [0, 1].
type Heatmap struct {
	H, W int
	Data []float64
}

// At returns the value at row y, column x.
func (h *Heatmap) At(y, x int) float64 {
	return h.Data[y*h.W+x]
}
