package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/garvit1910/ctrl-hack-del/internal/apperr"
	"github.com/garvit1910/ctrl-hack-del/internal/tensor"
)

// Loader constructs an adapter. It is called once per process.
type Loader func(ctx context.Context) (Adapter, error)

// Info summarizes a loaded model for /model-info.
type Info struct {
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	TargetLayer string      `json:"target_layer,omitempty"`
	Layers      []LayerInfo `json:"layers"`
}

// Models owns the spiral and wave adapters for the lifetime of the process:
// Load, then serve any number of requests through Pair, then Release.
type Models struct {
	spiralLoader Loader
	waveLoader   Loader
	imageSize    int
	warmup       bool
	logger       *zap.Logger

	mu       sync.RWMutex
	spiral   Adapter
	wave     Adapter
	ready    bool
	released bool
}

// ErrReleased is returned by Load when Release ran before loading finished.
var ErrReleased = errors.New("models released")

// Option customizes Models.
type Option func(*Models)

// WithWarmup runs one prediction on a blank image of the given size per
// adapter before the models are marked ready.
func WithWarmup(imageSize int) Option {
	return func(m *Models) {
		m.warmup = true
		m.imageSize = imageSize
	}
}

// NewModels prepares the lifecycle without loading anything yet.
func NewModels(spiral, wave Loader, logger *zap.Logger, opts ...Option) *Models {
	m := &Models{
		spiralLoader: spiral,
		waveLoader:   wave,
		logger:       logger.Named("models"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load constructs both adapters, warms them up and marks the pair ready.
// On failure anything already loaded is closed again. Adapters that finish
// loading after Release or after ctx is done are closed instead of published.
func (m *Models) Load(ctx context.Context) error {
	start := time.Now()
	m.logger.Info("loading models")

	spiral, err := m.spiralLoader(ctx)
	if err != nil {
		return fmt.Errorf("load spiral model: %w", err)
	}
	wave, err := m.waveLoader(ctx)
	if err != nil {
		_ = spiral.Close()
		return fmt.Errorf("load wave model: %w", err)
	}
	m.logger.Info("models loaded",
		zap.String("spiral", spiral.Name()),
		zap.String("wave", wave.Name()),
		zap.Duration("elapsed", time.Since(start)),
	)

	if m.warmup {
		for _, a := range []Adapter{spiral, wave} {
			if _, err := PredictOne(ctx, a, tensor.NewImage(m.imageSize)); err != nil {
				_ = spiral.Close()
				_ = wave.Close()
				return fmt.Errorf("warm up %s: %w", a.Name(), err)
			}
		}
		m.logger.Info("warm-up complete")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released || ctx.Err() != nil {
		closeErr := errors.Join(spiral.Close(), wave.Close())
		if m.released {
			return errors.Join(ErrReleased, closeErr)
		}
		return errors.Join(ctx.Err(), closeErr)
	}
	m.spiral, m.wave, m.ready = spiral, wave, true
	return nil
}

// Ready reports whether both adapters are loaded.
func (m *Models) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Pair returns the spiral and wave adapters, or ErrModelUnavailable when
// they are not loaded.
func (m *Models) Pair() (spiral, wave Adapter, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return nil, nil, apperr.ErrModelUnavailable
	}
	return m.spiral, m.wave, nil
}

// Info describes both models. It returns ErrModelUnavailable before Load.
func (m *Models) Info() ([]Info, error) {
	spiral, wave, err := m.Pair()
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, 2)
	for _, a := range []Adapter{spiral, wave} {
		info := Info{Name: a.Name(), Version: a.Version(), Layers: a.Layers()}
		if id, err := SelectTargetLayer(info.Layers); err == nil {
			info.TargetLayer = string(id)
		}
		out = append(out, info)
	}
	return out, nil
}

// Release closes both adapters. Later calls to Pair fail and a Load still in
// flight discards what it loaded.
func (m *Models) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	if !m.ready {
		return nil
	}
	m.ready = false
	err := errors.Join(m.spiral.Close(), m.wave.Close())
	m.spiral, m.wave = nil, nil
	return err
}
