// Package onnx serves the classifiers through ONNX Runtime. Besides the
// prediction graph, each model ships exported gradient graphs that return a
// target layer's activations and the gradient of the class score with
// respect to them.
package onnx

import (
	"context"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/garvit1910/ctrl-hack-del/internal/apperr"
	"github.com/garvit1910/ctrl-hack-del/internal/model"
	"github.com/garvit1910/ctrl-hack-del/internal/tensor"
)

var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

// session is one graph with pre-bound input and output tensors. The bound
// tensors are shared state, so every Run holds mu from copy-in to copy-out.
type session struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
}

func newSession(path, inputName string, inputShape []int64, outputNames []string, outputShapes [][]int64) (*session, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(inputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	s := &session{input: input}
	bound := make([]ort.ArbitraryTensor, 0, len(outputShapes))
	for _, shape := range outputShapes {
		out, err := ort.NewEmptyTensor[float32](ort.NewShape(shape...))
		if err != nil {
			s.destroy()
			return nil, fmt.Errorf("failed to create output tensor: %w", err)
		}
		s.outputs = append(s.outputs, out)
		bound = append(bound, out)
	}

	s.session, err = ort.NewAdvancedSession(path,
		[]string{inputName}, outputNames,
		[]ort.ArbitraryTensor{input}, bound,
		nil)
	if err != nil {
		s.destroy()
		return nil, fmt.Errorf("failed to create ONNX session for %s: %w", path, err)
	}
	return s, nil
}

// run copies data in, executes the graph and hands the outputs to read while
// the lock is still held. read must copy anything it keeps.
func (s *session) run(data []float32, read func(outputs [][]float32) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy(s.input.GetData(), data)
	if err := s.session.Run(); err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	outputs := make([][]float32, len(s.outputs))
	for i, t := range s.outputs {
		outputs[i] = t.GetData()
	}
	return read(outputs)
}

func (s *session) destroy() {
	if s.session != nil {
		_ = s.session.Destroy()
	}
	for _, t := range s.outputs {
		_ = t.Destroy()
	}
	if s.input != nil {
		_ = s.input.Destroy()
	}
}

// Adapter is a model.Adapter backed by ONNX Runtime sessions.
type Adapter struct {
	meta      *Metadata
	predict   *session
	gradients map[model.LayerID]*session
	logger    *zap.Logger
}

// Load creates the prediction session and one session per gradient graph.
func Load(metadataPath, libraryPath string, logger *zap.Logger) (*Adapter, error) {
	meta, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}
	if err := acquireEnvironment(libraryPath); err != nil {
		return nil, err
	}

	a := &Adapter{
		meta:      meta,
		gradients: make(map[model.LayerID]*session),
		logger:    logger.Named("onnx").With(zap.String("model", meta.Name)),
	}

	a.predict, err = newSession(meta.resolve(meta.ModelPath), meta.InputName, meta.inputShape(),
		[]string{meta.OutputName}, [][]int64{{1, 1}})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	for name, g := range meta.Gradients {
		layer, _ := meta.layer(name)
		shape := meta.featureShape(layer)
		s, err := newSession(meta.resolve(g.ModelPath), meta.InputName, meta.inputShape(),
			[]string{g.ActivationOutput, g.GradientOutput}, [][]int64{shape, shape})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.gradients[model.LayerID(name)] = s
	}

	a.logger.Info("onnx model loaded",
		zap.String("path", meta.resolve(meta.ModelPath)),
		zap.Int("gradient_graphs", len(a.gradients)),
	)
	return a, nil
}

// Loader adapts Load to model.Loader.
func Loader(metadataPath, libraryPath string, logger *zap.Logger) model.Loader {
	return func(context.Context) (model.Adapter, error) {
		return Load(metadataPath, libraryPath, logger)
	}
}

// Name implements model.Adapter.
func (a *Adapter) Name() string { return a.meta.Name }

// Version implements model.Adapter.
func (a *Adapter) Version() string { return a.meta.Version }

// Layers implements model.Adapter.
func (a *Adapter) Layers() []model.LayerInfo { return a.meta.Layers }

func (a *Adapter) inputData(img *tensor.Image) ([]float32, error) {
	if img.Size != a.meta.ImageSize {
		return nil, fmt.Errorf("%s expects %dx%d input, got %dx%d", a.meta.Name, a.meta.ImageSize, a.meta.ImageSize, img.Size, img.Size)
	}
	if a.meta.Layout == LayoutNCHW {
		return img.CHW(), nil
	}
	return img.Pix, nil
}

// Predict implements model.Adapter. Images run one at a time through the
// batch-of-one session.
func (a *Adapter) Predict(ctx context.Context, batch []*tensor.Image) ([]model.Score, error) {
	scores := make([]model.Score, 0, len(batch))
	for _, img := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := a.inputData(img)
		if err != nil {
			return nil, err
		}
		var score float32
		if err := a.predict.run(data, func(outputs [][]float32) error {
			score = outputs[0][0]
			return nil
		}); err != nil {
			return nil, err
		}
		if math.IsNaN(float64(score)) {
			return nil, fmt.Errorf("%s produced NaN", a.meta.Name)
		}
		scores = append(scores, model.Score(score))
	}
	return scores, nil
}

// ActivationAndGradient implements model.Adapter. A layer without an exported
// gradient graph has no gradient path and yields an explainability error.
func (a *Adapter) ActivationAndGradient(ctx context.Context, img *tensor.Image, layer model.LayerID) (*tensor.FeatureMap, *tensor.FeatureMap, error) {
	s, ok := a.gradients[layer]
	if !ok {
		return nil, nil, apperr.Unexplainable(a.meta.Name, fmt.Errorf("no gradient graph exported for layer %q", layer))
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	data, err := a.inputData(img)
	if err != nil {
		return nil, nil, err
	}

	info, _ := a.meta.layer(string(layer))
	h, w, c := int(info.OutputShape[0]), int(info.OutputShape[1]), int(info.OutputShape[2])

	var acts, grads *tensor.FeatureMap
	err = s.run(data, func(outputs [][]float32) error {
		actData := append([]float32(nil), outputs[0]...)
		gradData := append([]float32(nil), outputs[1]...)
		var err error
		if a.meta.Layout == LayoutNCHW {
			if acts, err = tensor.FromCHW(h, w, c, actData); err != nil {
				return err
			}
			grads, err = tensor.FromCHW(h, w, c, gradData)
			return err
		}
		if acts, err = tensor.NewFeatureMap(h, w, c, actData); err != nil {
			return err
		}
		grads, err = tensor.NewFeatureMap(h, w, c, gradData)
		return err
	})
	if err != nil {
		return nil, nil, apperr.Unexplainable(a.meta.Name, err)
	}
	return acts, grads, nil
}

// Close destroys every session and releases the shared environment.
func (a *Adapter) Close() error {
	if a.predict != nil {
		a.predict.destroy()
		a.predict = nil
	}
	for id, s := range a.gradients {
		s.destroy()
		delete(a.gradients, id)
	}
	return releaseEnvironment()
}
