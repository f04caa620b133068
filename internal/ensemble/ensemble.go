// Package ensemble combines the spiral and wave classifier outputs into one
// probability, risk tier and confidence estimate.
package ensemble

import (
	"fmt"
	"math"

	"github.com/garvit1910/ctrl-hack-del/internal/apperr"
)

// Disclaimer accompanies every result.
const Disclaimer = "This is a screening tool only. It does not constitute a medical diagnosis. " +
	"Please consult a healthcare professional for proper evaluation."

// VoteThreshold splits a model score into a binary vote.
const VoteThreshold = 0.5

// Mode records how the drawings were produced. It is metadata only and never
// changes the computation.
type Mode string

const (
	ModeDrawn    Mode = "drawn"
	ModeUploaded Mode = "uploaded"
)

// ParseMode validates a caller-supplied mode tag.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDrawn, ModeUploaded:
		return Mode(s), nil
	default:
		return "", apperr.Invalid("input_mode", "must be 'drawn' or 'uploaded', got %q", s)
	}
}

// Weights are the fixed contributions of the two models. They sum to 1.
type Weights struct {
	Spiral float64 `json:"spiral_cnn"`
	Wave   float64 `json:"wave_cnn"`
}

// DefaultWeights weigh both models equally.
var DefaultWeights = Weights{Spiral: 0.5, Wave: 0.5}

// Validate checks that the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	if w.Spiral < 0 || w.Wave < 0 || math.IsNaN(w.Spiral) || math.IsNaN(w.Wave) {
		return fmt.Errorf("ensemble weights must be non-negative, got %g and %g", w.Spiral, w.Wave)
	}
	if sum := w.Spiral + w.Wave; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("ensemble weights must sum to 1, got %g", sum)
	}
	return nil
}

// Result is the combined screening outcome.
type Result struct {
	ProbabilityPercent float64 `json:"pd_probability_percent"`
	RiskTier           string  `json:"risk_tier"`
	RiskColor          string  `json:"risk_color"`
	SpiralPercent      float64 `json:"spiral_cnn_percent"`
	WavePercent        float64 `json:"wave_cnn_percent"`
	InputMode          Mode    `json:"input_mode"`
	WeightsUsed        Weights `json:"weights_used"`
	ModelAgreement     float64 `json:"model_agreement"`
	Unanimous          bool    `json:"unanimous"`
	ConfidenceScore    float64 `json:"confidence_score"`
	ConfidenceLabel    string  `json:"confidence_label"`
	Disclaimer         string  `json:"disclaimer"`
}

// Classifier applies a fixed weighting. It holds no mutable state.
type Classifier struct {
	weights Weights
}

// NewClassifier validates w and returns a Classifier using it.
func NewClassifier(w Weights) (*Classifier, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{weights: w}, nil
}

// Weights returns the configured weights.
func (c *Classifier) Weights() Weights {
	return c.weights
}

// Combine returns the weighted probability in [0, 1].
func (c *Classifier) Combine(spiral, wave float64) float64 {
	return c.weights.Spiral*spiral + c.weights.Wave*wave
}

// Classify combines two positive-class probabilities. Scores must lie in
// [0, 1]; mode is validated and echoed but has no effect on the numbers.
func (c *Classifier) Classify(spiral, wave float64, mode Mode) (Result, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return Result{}, err
	}
	if err := checkScore("spiral_cnn", spiral); err != nil {
		return Result{}, err
	}
	if err := checkScore("wave_cnn", wave); err != nil {
		return Result{}, err
	}

	final := c.Combine(spiral, wave)
	percent := round(final*100, 2)
	tier := TierFor(percent)
	confidence := round(math.Abs(final-0.5)*2, 4)
	unanimous := vote(spiral) == vote(wave)

	agreement := 0.5
	if unanimous {
		agreement = 1.0
	}

	return Result{
		ProbabilityPercent: percent,
		RiskTier:           tier.Label,
		RiskColor:          tier.Color,
		SpiralPercent:      round(spiral*100, 2),
		WavePercent:        round(wave*100, 2),
		InputMode:          mode,
		WeightsUsed:        c.weights,
		ModelAgreement:     agreement,
		Unanimous:          unanimous,
		ConfidenceScore:    confidence,
		ConfidenceLabel:    ConfidenceLabelFor(confidence),
		Disclaimer:         Disclaimer,
	}, nil
}

func checkScore(name string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%s score %v is outside [0, 1]", name, v)
	}
	return nil
}

func vote(score float64) bool {
	return score >= VoteThreshold
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
