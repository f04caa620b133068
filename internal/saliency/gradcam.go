// Package saliency explains classifier decisions with gradient-weighted class
// activation maps rendered over the input drawing.
package saliency

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/garvit1910/ctrl-hack-del/internal/apperr"
	"github.com/garvit1910/ctrl-hack-del/internal/model"
	"github.com/garvit1910/ctrl-hack-del/internal/tensor"
)

// Result is the explanation for one image.
type Result struct {
	Layer   model.LayerID
	Heatmap *tensor.Heatmap
	Overlay *image.RGBA
}

type options struct {
	layer model.LayerID
}

// Option customizes Generate.
type Option func(*options)

// WithLayer skips target layer selection and explains layer instead.
func WithLayer(layer model.LayerID) Option {
	return func(o *options) { o.layer = layer }
}

// Generate computes the class activation map of img under a and blends it
// over the image. Every failure other than context cancellation is returned
// as an *apperr.ExplainabilityError so callers can drop the overlay and carry on.
func Generate(ctx context.Context, a model.Adapter, img *tensor.Image, opts ...Option) (*Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	layer := o.layer
	if layer == "" {
		var err error
		if layer, err = model.TargetLayer(a); err != nil {
			return nil, apperr.Unexplainable(a.Name(), err)
		}
	}

	acts, grads, err := a.ActivationAndGradient(ctx, img, layer)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if errors.Is(err, apperr.ErrExplainability) {
			return nil, err
		}
		return nil, apperr.Unexplainable(a.Name(), fmt.Errorf("layer %s: %w", layer, err))
	}

	cam, err := ClassActivationMap(acts, grads)
	if err != nil {
		return nil, apperr.Unexplainable(a.Name(), fmt.Errorf("layer %s: %w", layer, err))
	}

	heatmap := Upsample(cam, img.Size)
	overlay := Blend(img.RGBA(), Colorize(heatmap))
	return &Result{Layer: layer, Heatmap: heatmap, Overlay: overlay}, nil
}

// ClassActivationMap pools the gradients per channel, weights the activation
// channels by those means, keeps the positive part and scales it into [0, 1].
// When nothing is positive the map is all zeros.
func ClassActivationMap(acts, grads *tensor.FeatureMap) (*tensor.Heatmap, error) {
	if acts == nil || grads == nil {
		return nil, errors.New("missing activations or gradients")
	}
	if !acts.SameShape(grads) {
		return nil, fmt.Errorf("activation shape %dx%dx%d does not match gradient shape %dx%dx%d",
			acts.H, acts.W, acts.C, grads.H, grads.W, grads.C)
	}

	rows, cols := acts.H*acts.W, acts.C
	a, err := toDense(rows, cols, acts.Data)
	if err != nil {
		return nil, fmt.Errorf("activations: %w", err)
	}
	g, err := toDense(rows, cols, grads.Data)
	if err != nil {
		return nil, fmt.Errorf("gradients: %w", err)
	}

	weights := make([]float64, cols)
	col := make([]float64, rows)
	for c := 0; c < cols; c++ {
		weights[c] = stat.Mean(mat.Col(col, c, g), nil)
	}

	var m mat.VecDense
	m.MulVec(a, mat.NewVecDense(cols, weights))

	data := make([]float64, rows)
	for i := range data {
		if v := m.AtVec(i); v > 0 {
			data[i] = v
		}
	}
	peak := floats.Max(data)
	switch {
	case math.IsInf(peak, 1):
		return nil, errors.New("class activation map overflowed")
	case peak > 0:
		floats.Scale(1/peak, data)
	}
	return &tensor.Heatmap{H: acts.H, W: acts.W, Data: data}, nil
}

func toDense(rows, cols int, data []float32) (*mat.Dense, error) {
	out := make([]float64, len(data))
	for i, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("non-finite value at index %d", i)
		}
		out[i] = f
	}
	return mat.NewDense(rows, cols, out), nil
}
