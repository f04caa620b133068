// Package modeltest provides an in-memory model.Adapter for tests.
package modeltest

import (
	"context"
	"sync"

	"github.com/garvit1910/ctrl-hack-del/internal/model"
	"github.com/garvit1910/ctrl-hack-del/internal/tensor"
)

// Fake is a scripted model.Adapter. The zero value predicts 0 and exposes no layers.
type Fake struct {
	ModelName    string
	ModelVersion string
	Score        model.Score
	PredictErr   error
	Activations  *tensor.FeatureMap
	Gradients    *tensor.FeatureMap
	GradientErr  error
	LayerList    []model.LayerInfo

	mu           sync.Mutex
	predictCalls int
	gradCalls    int
	lastLayer    model.LayerID
	closed       bool
}

// Name implements model.Adapter.
func (f *Fake) Name() string {
	if f.ModelName == "" {
		return "fake"
	}
	return f.ModelName
}

// Version implements model.Adapter.
func (f *Fake) Version() string { return f.ModelVersion }

// Predict implements model.Adapter.
func (f *Fake) Predict(ctx context.Context, batch []*tensor.Image) ([]model.Score, error) {
	f.mu.Lock()
	f.predictCalls++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.PredictErr != nil {
		return nil, f.PredictErr
	}
	out := make([]model.Score, len(batch))
	for i := range out {
		out[i] = f.Score
	}
	return out, nil
}

// ActivationAndGradient implements model.Adapter.
func (f *Fake) ActivationAndGradient(ctx context.Context, img *tensor.Image, layer model.LayerID) (*tensor.FeatureMap, *tensor.FeatureMap, error) {
	f.mu.Lock()
	f.gradCalls++
	f.lastLayer = layer
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if f.GradientErr != nil {
		return nil, nil, f.GradientErr
	}
	return f.Activations, f.Gradients, nil
}

// Layers implements model.Adapter.
func (f *Fake) Layers() []model.LayerInfo { return f.LayerList }

// Close implements model.Adapter.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// PredictCalls returns how many times Predict ran.
func (f *Fake) PredictCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.predictCalls
}

// GradientCalls returns how many times ActivationAndGradient ran.
func (f *Fake) GradientCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gradCalls
}

// LastLayer returns the layer requested by the latest ActivationAndGradient call.
func (f *Fake) LastLayer() model.LayerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLayer
}

// Closed reports whether Close ran.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Loader returns a model.Loader handing out f.
func (f *Fake) Loader() model.Loader {
	return func(context.Context) (model.Adapter, error) { return f, nil }
}

// SpatialLayers is a typical layer listing ending in a 2x2 feature map and a
// flat classifier head.
func SpatialLayers(channels int) []model.LayerInfo {
	return []model.LayerInfo{
		{Name: "conv1", Kind: "conv2d", OutputShape: []int64{4, 4, int64(channels)}},
		{Name: model.CanonicalTargetLayer, Kind: "activation", OutputShape: []int64{2, 2, int64(channels)}},
		{Name: "global_average_pooling2d", Kind: "pooling", OutputShape: []int64{int64(channels)}},
		{Name: "output", Kind: "dense", OutputShape: []int64{1}},
	}
}
