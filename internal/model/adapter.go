// Package model defines the boundary to the trained classifiers and the
// process-wide lifecycle that owns them.
package model

import (
	"context"
	"fmt"

	"github.com/garvit1910/ctrl-hack-del/internal/apperr"
	"github.com/garvit1910/ctrl-hack-del/internal/tensor"
)

// CanonicalTargetLayer is the final activation stage of the MobileNetV2
// backbone, right before global pooling.
const CanonicalTargetLayer = "out_relu"

// LayerID names an internal layer of a model.
type LayerID string

// Score is a positive-class probability in [0, 1].
type Score float64

// LayerInfo describes one internal layer. OutputShape is [H, W, C] for
// spatial layers and [N] for flat ones.
type LayerInfo struct {
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	OutputShape []int64 `json:"output_shape"`
}

// Spatial reports whether the layer output has spatial extent larger than 1x1.
func (l LayerInfo) Spatial() bool {
	if len(l.OutputShape) != 3 {
		return false
	}
	h, w := l.OutputShape[0], l.OutputShape[1]
	return h > 0 && w > 0 && h*w > 1
}

// Adapter wraps one trained classifier. Implementations must be safe for
// concurrent use; a backend that is not reentrant serializes each inference
// call internally.
type Adapter interface {
	// Name identifies the model, e.g. "spiral_cnn".
	Name() string
	// Version is the artifact version string reported by /model-info.
	Version() string
	// Predict returns one positive-class probability per image.
	Predict(ctx context.Context, batch []*tensor.Image) ([]Score, error)
	// ActivationAndGradient runs a single forward/backward pass and returns
	// the output of layer together with the gradient of the class score
	// with respect to that output.
	ActivationAndGradient(ctx context.Context, img *tensor.Image, layer LayerID) (activations, gradients *tensor.FeatureMap, err error)
	// Layers lists the layers the adapter can report on, input to output.
	Layers() []LayerInfo
	// Close releases backend resources.
	Close() error
}

// SelectTargetLayer picks the layer used for class activation mapping: the
// canonically named final activation when present, otherwise the last layer
// whose output has spatial extent larger than 1x1.
func SelectTargetLayer(layers []LayerInfo) (LayerID, error) {
	for i := len(layers) - 1; i >= 0; i-- {
		if layers[i].Name == CanonicalTargetLayer {
			return LayerID(layers[i].Name), nil
		}
	}
	for i := len(layers) - 1; i >= 0; i-- {
		if layers[i].Spatial() {
			return LayerID(layers[i].Name), nil
		}
	}
	return "", apperr.ErrNoTargetLayer
}

// PredictOne runs a batch of one and returns its score.
func PredictOne(ctx context.Context, a Adapter, img *tensor.Image) (Score, error) {
	scores, err := a.Predict(ctx, []*tensor.Image{img})
	if err != nil {
		return 0, err
	}
	if len(scores) != 1 {
		return 0, fmt.Errorf("%s returned %d scores for a batch of 1", a.Name(), len(scores))
	}
	return scores[0], nil
}

// TargetLayer resolves the class activation mapping layer of a.
func TargetLayer(a Adapter) (LayerID, error) {
	id, err := SelectTargetLayer(a.Layers())
	if err != nil {
		return "", fmt.Errorf("%s: %w", a.Name(), err)
	}
	return id, nil
}
