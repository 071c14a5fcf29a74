package quality

import (
	"math"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// Scorer labels a scaled feature vector. The raw score is a normality
// measure in [0,1]; the label applies the scorer's own calibrated cut.
// Scorers hold their parameters read-only and share no state, so they are
// safe for concurrent use without locking.
type Scorer interface {
	ID() string
	Score(v []float64) (document.ScorerLabel, float64)
}

// densityScorer estimates local density from a kernel over training
// centroids. Sparse neighborhoods score low.
type densityScorer struct {
	centroids [][]float64
	bandwidth float64
	threshold float64
}

func (s *densityScorer) ID() string { return "density" }

func (s *densityScorer) Score(v []float64) (document.ScorerLabel, float64) {
	if len(s.centroids) == 0 || s.bandwidth <= 0 {
		return document.ScorerAnomaly, 0
	}
	h2 := 2 * s.bandwidth * s.bandwidth
	sum := 0.0
	for _, c := range s.centroids {
		sum += math.Exp(-dist2(v, c) / h2)
	}
	raw := sum / float64(len(s.centroids))
	return labelFor(raw, s.threshold), raw
}

// boundaryScorer measures distance from the training center against a
// calibrated radius. On the boundary the raw score is exactly 0.5.
type boundaryScorer struct {
	center    []float64
	radius    float64
	threshold float64
}

func (s *boundaryScorer) ID() string { return "boundary" }

func (s *boundaryScorer) Score(v []float64) (document.ScorerLabel, float64) {
	if s.radius <= 0 {
		return document.ScorerAnomaly, 0
	}
	d := math.Sqrt(dist2(v, s.center))
	raw := 1 / (1 + d/s.radius)
	return labelFor(raw, s.threshold), raw
}

// reconstructionScorer projects the vector onto the principal subspace of
// the training set and scores by how much of it survives the round trip.
type reconstructionScorer struct {
	components [][]float64
	maxError   float64
	threshold  float64
}

func (s *reconstructionScorer) ID() string { return "reconstruction" }

func (s *reconstructionScorer) Score(v []float64) (document.ScorerLabel, float64) {
	if s.maxError <= 0 {
		return document.ScorerAnomaly, 0
	}
	recon := make([]float64, len(v))
	for _, c := range s.components {
		w := dot(v, c)
		for i := range recon {
			recon[i] += w * c[i]
		}
	}
	errSq := dist2(v, recon)
	raw := 1 / (1 + errSq/s.maxError)
	return labelFor(raw, s.threshold), raw
}

func labelFor(raw, threshold float64) document.ScorerLabel {
	if raw < threshold {
		return document.ScorerAnomaly
	}
	return document.ScorerNormal
}

// Scaler holds per-dimension standardization parameters fitted at training
// time. Dimensions with no variance pass through unscaled.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func (s *Scaler) Apply(v []float64) []float64 {
	out := make([]float64, len(v))
	for i := range v {
		std := 1.0
		if i < len(s.Std) && s.Std[i] > 1e-9 {
			std = s.Std[i]
		}
		mean := 0.0
		if i < len(s.Mean) {
			mean = s.Mean[i]
		}
		out[i] = (v[i] - mean) / std
	}
	return out
}

func dist2(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		bi := 0.0
		if i < len(b) {
			bi = b[i]
		}
		d := a[i] - bi
		sum += d * d
	}
	return sum
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		if i < len(b) {
			sum += a[i] * b[i]
		}
	}
	return sum
}
