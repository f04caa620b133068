package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/garvit1910/ctrl-hack-del/internal/model"
)

// Tensor layouts accepted in metadata.
const (
	LayoutNHWC = "nhwc"
	LayoutNCHW = "nchw"
)

// Metadata describes an exported classifier and its gradient graphs.
type Metadata struct {
	Name       string                   `json:"name"`
	Version    string                   `json:"version"`
	ModelPath  string                   `json:"model_path"`
	InputName  string                   `json:"input_name"`
	OutputName string                   `json:"output_name"`
	ImageSize  int                      `json:"image_size"`
	Layout     string                   `json:"layout"`
	Layers     []model.LayerInfo        `json:"layers"`
	Gradients  map[string]GradientGraph `json:"gradients"`

	dir string
}

// GradientGraph is an exported graph computing, for one target layer, the
// layer output and the gradient of the class score with respect to it.
type GradientGraph struct {
	ModelPath        string `json:"model_path"`
	ActivationOutput string `json:"activation_output"`
	GradientOutput   string `json:"gradient_output"`
}

// LoadMetadata reads and validates a metadata file. Relative model paths are
// resolved against the file's directory.
func LoadMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	meta.dir = filepath.Dir(path)

	if meta.InputName == "" {
		meta.InputName = "input"
	}
	if meta.OutputName == "" {
		meta.OutputName = "output"
	}
	if meta.Layout == "" {
		meta.Layout = LayoutNHWC
	}
	if err := meta.validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata %s: %w", path, err)
	}
	return &meta, nil
}

func (m *Metadata) validate() error {
	var errs []error
	if m.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if m.ModelPath == "" {
		errs = append(errs, errors.New("model_path is required"))
	}
	if m.ImageSize <= 0 {
		errs = append(errs, fmt.Errorf("image_size must be positive, got %d", m.ImageSize))
	}
	if m.Layout != LayoutNHWC && m.Layout != LayoutNCHW {
		errs = append(errs, fmt.Errorf("unknown layout %q", m.Layout))
	}
	for name, g := range m.Gradients {
		layer, ok := m.layer(name)
		if !ok {
			errs = append(errs, fmt.Errorf("gradient graph for unknown layer %q", name))
			continue
		}
		if len(layer.OutputShape) != 3 {
			errs = append(errs, fmt.Errorf("gradient layer %q needs a [h, w, c] output shape", name))
		}
		if g.ModelPath == "" || g.ActivationOutput == "" || g.GradientOutput == "" {
			errs = append(errs, fmt.Errorf("gradient graph for %q is incomplete", name))
		}
	}
	return errors.Join(errs...)
}

func (m *Metadata) layer(name string) (model.LayerInfo, bool) {
	for _, l := range m.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return model.LayerInfo{}, false
}

func (m *Metadata) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.dir, path)
}

func (m *Metadata) inputShape() []int64 {
	s := int64(m.ImageSize)
	if m.Layout == LayoutNCHW {
		return []int64{1, 3, s, s}
	}
	return []int64{1, s, s, 3}
}

func (m *Metadata) featureShape(layer model.LayerInfo) []int64 {
	h, w, c := layer.OutputShape[0], layer.OutputShape[1], layer.OutputShape[2]
	if m.Layout == LayoutNCHW {
		return []int64{1, c, h, w}
	}
	return []int64{1, h, w, c}
}
