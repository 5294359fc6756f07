package aggregator

import (
	"errors"
	"fmt"
	"math"

	"edge-agent/internal/models"
)

// ErrInvalidInput is returned for empty, silent or otherwise degenerate audio
var ErrInvalidInput = errors.New("invalid audio input")

// FeatureConfig holds configuration for feature extraction
type FeatureConfig struct {
	NumBlocks       int     // Sub-blocks used for spectral entropy
	RolloffFraction float64 // Energy fraction c for the rolloff factor, must be < 1
}

// DefaultFeatureConfig returns default feature extraction configuration
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		NumBlocks:       10,
		RolloffFraction: 0.8,
	}
}

// Extract derives the feature vector of a mono signal using the default configuration
func Extract(samples []float64, sampleRate int) (models.FeatureVector, error) {
	return ExtractWithConfig(samples, sampleRate, DefaultFeatureConfig())
}

// ExtractWithConfig derives the feature vector of a mono signal.
// It is pure: no I/O, and the input slice is not modified.
func ExtractWithConfig(samples []float64, sampleRate int, config FeatureConfig) (models.FeatureVector, error) {
	if err := validate(samples, sampleRate, config); err != nil {
		return models.FeatureVector{}, err
	}

	energy := signalEnergy(samples)
	if energy == 0 {
		return models.FeatureVector{}, fmt.Errorf("%w: zero signal energy", ErrInvalidInput)
	}

	centroid, err := SpectralCentroid(samples, sampleRate)
	if err != nil {
		return models.FeatureVector{}, err
	}

	return models.FeatureVector{
		ZeroCrossingRate: ZeroCrossingRate(samples),
		SpectralCentroid: centroid,
		SpectralEntropy:  spectralEntropy(samples, config.NumBlocks, energy),
		RolloffFactor:    rolloffFactor(samples, config.RolloffFraction, energy),
	}, nil
}

func validate(samples []float64, sampleRate int, config FeatureConfig) error {
	if len(samples) == 0 {
		return fmt.Errorf("%w: no samples", ErrInvalidInput)
	}
	if sampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidInput, sampleRate)
	}
	if config.NumBlocks <= 0 || config.RolloffFraction <= 0 || config.RolloffFraction >= 1 {
		return fmt.Errorf("%w: bad feature config %+v", ErrInvalidInput, config)
	}
	// Every entropy block needs at least one sample
	if len(samples) < config.NumBlocks {
		return fmt.Errorf("%w: %d samples, need at least %d", ErrInvalidInput, len(samples), config.NumBlocks)
	}
	for i, s := range samples {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: non-finite sample at index %d", ErrInvalidInput, i)
		}
	}
	return nil
}

// sign maps zero to 0, so a zero next to a nonzero sample counts as half a crossing
func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs whose sign differs.
// Requires at least two samples; returns 0 otherwise.
func ZeroCrossingRate(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}

	var crossed float64
	prev := sign(samples[0])
	for _, s := range samples[1:] {
		cur := sign(s)
		crossed += math.Abs(cur - prev)
		prev = cur
	}

	return (crossed / 2) / float64(len(samples)-1)
}

// SpectralCentroid computes the brightness indicator directly on the time-domain
// samples: per-sample weights L[i] = (i+1)*sr/(2N) applied to the peak-normalized
// signal, the absolute weighted mean then normalized by Nyquist.
func SpectralCentroid(samples []float64, sampleRate int) (float64, error) {
	n := len(samples)
	if n == 0 || sampleRate <= 0 {
		return 0, fmt.Errorf("%w: empty signal or bad sample rate", ErrInvalidInput)
	}

	var peak float64
	for _, s := range samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return 0, fmt.Errorf("%w: silent signal", ErrInvalidInput)
	}

	nyquist := float64(sampleRate) / 2.0
	step := float64(sampleRate) / (2.0 * float64(n))

	var numerator, denominator float64
	for i, s := range samples {
		y := s / peak
		numerator += float64(i+1) * step * y
		denominator += y
	}
	if denominator == 0 {
		return 0, fmt.Errorf("%w: centroid weights sum to zero", ErrInvalidInput)
	}

	return math.Abs(numerator/denominator) / nyquist, nil
}

// SpectralEntropy returns the Shannon entropy (bits) of the energy distribution
// across numBlocks contiguous sub-blocks.
func SpectralEntropy(samples []float64, numBlocks int) (float64, error) {
	if numBlocks <= 0 || len(samples) < numBlocks {
		return 0, fmt.Errorf("%w: %d samples for %d blocks", ErrInvalidInput, len(samples), numBlocks)
	}
	energy := signalEnergy(samples)
	if energy == 0 {
		return 0, fmt.Errorf("%w: zero signal energy", ErrInvalidInput)
	}
	return spectralEntropy(samples, numBlocks, energy), nil
}

// spectralEntropy truncates the signal to windowSize*numBlocks samples and splits
// it column-major, so block j is samples[j*windowSize:(j+1)*windowSize]. Block
// energies are fractions of the untruncated signal energy.
func spectralEntropy(samples []float64, numBlocks int, energy float64) float64 {
	windowSize := len(samples) / numBlocks

	var entropy float64
	for j := 0; j < numBlocks; j++ {
		block := samples[j*windowSize : (j+1)*windowSize]
		p := signalEnergy(block) / energy
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}

	// Guard against -0 from rounding
	if entropy < 0 {
		return 0
	}
	return entropy
}

// RolloffFactor returns the normalized index at which cumulative energy first
// exceeds c of the total, or 0 when it never does.
func RolloffFactor(samples []float64, c float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return rolloffFactor(samples, c, signalEnergy(samples))
}

func rolloffFactor(samples []float64, c float64, energy float64) float64 {
	cutoff := c * energy

	var cumulative float64
	for i, s := range samples {
		cumulative += s * s
		if cumulative > cutoff {
			return float64(i) / float64(len(samples))
		}
	}

	return 0.0
}

// signalEnergy returns the sum of squared samples
func signalEnergy(samples []float64) float64 {
	var sumSquares float64
	for _, s := range samples {
		sumSquares += s * s
	}
	return sumSquares
}
