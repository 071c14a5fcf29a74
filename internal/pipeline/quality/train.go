package quality

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// DefaultContamination is the assumed share of anomalous documents in an
// uncurated training corpus.
const DefaultContamination = 0.10

const (
	maxCentroids  = 64
	numComponents = 3
	minTrainSize  = 10
	powerIters    = 200
)

// Train fits the scaler and every scorer on a corpus of raw feature
// vectors, calibrating each threshold to the contamination rate. Training
// is fully deterministic: the same corpus and contamination always produce
// a byte-identical bundle apart from the timestamp.
func Train(vectors [][]float64, contamination float64) (*Bundle, error) {
	if len(vectors) < minTrainSize {
		return nil, fmt.Errorf("training needs at least %d vectors, got %d", minTrainSize, len(vectors))
	}
	if contamination <= 0 || contamination >= 0.5 {
		return nil, fmt.Errorf("contamination must be in (0, 0.5), got %v", contamination)
	}
	for i, v := range vectors {
		if len(v) != FeatureDim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), FeatureDim)
		}
	}

	scaler := fitScaler(vectors)
	scaled := make([][]float64, len(vectors))
	for i, v := range vectors {
		scaled[i] = scaler.Apply(v)
	}

	density := fitDensity(scaled, contamination)
	boundary := fitBoundary(scaled, contamination)
	reconstruction := fitReconstruction(scaled, contamination)

	return &Bundle{
		FeatureVersion: FeatureVersion,
		CreatedAt:      time.Now().UTC(),
		TrainedOn:      len(vectors),
		Contamination:  contamination,
		Scaler:         scaler,
		Density:        density,
		Boundary:       boundary,
		Reconstruction: reconstruction,
	}, nil
}

func fitScaler(vectors [][]float64) Scaler {
	n := float64(len(vectors))
	mean := make([]float64, FeatureDim)
	for _, v := range vectors {
		for i, x := range v {
			mean[i] += x
		}
	}
	for i := range mean {
		mean[i] /= n
	}

	std := make([]float64, FeatureDim)
	for _, v := range vectors {
		for i, x := range v {
			d := x - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / n)
	}
	return Scaler{Mean: mean, Std: std}
}

func fitDensity(scaled [][]float64, contamination float64) DensityParams {
	centroids := subsampleCentroids(scaled, maxCentroids)
	bandwidth := medianPairwiseDistance(centroids) / 2
	if bandwidth <= 0 {
		bandwidth = 1
	}

	s := densityScorer{centroids: centroids, bandwidth: bandwidth}
	raws := make([]float64, len(scaled))
	for i, v := range scaled {
		_, raws[i] = s.Score(v)
	}
	return DensityParams{
		Centroids: centroids,
		Bandwidth: bandwidth,
		Threshold: quantile(raws, contamination),
	}
}

func fitBoundary(scaled [][]float64, contamination float64) BoundaryParams {
	center := make([]float64, FeatureDim)
	for _, v := range scaled {
		for i, x := range v {
			center[i] += x
		}
	}
	for i := range center {
		center[i] /= float64(len(scaled))
	}

	dists := make([]float64, len(scaled))
	for i, v := range scaled {
		dists[i] = math.Sqrt(dist2(v, center))
	}
	radius := quantile(dists, 1-contamination)
	if radius <= 0 {
		radius = 1e-6
	}
	// Raw score is exactly 0.5 on the calibrated boundary.
	return BoundaryParams{Center: center, Radius: radius, Threshold: 0.5}
}

func fitReconstruction(scaled [][]float64, contamination float64) ReconstructionParams {
	components := principalComponents(scaled, numComponents)

	s := reconstructionScorer{components: components, maxError: 1}
	errs := make([]float64, len(scaled))
	for i, v := range scaled {
		recon := make([]float64, len(v))
		for _, c := range components {
			w := dot(v, c)
			for j := range recon {
				recon[j] += w * c[j]
			}
		}
		errs[i] = dist2(v, recon)
	}

	maxError := quantile(errs, 0.5)
	if maxError <= 0 {
		maxError = 1e-9
	}
	s.maxError = maxError

	raws := make([]float64, len(scaled))
	for i, v := range scaled {
		_, raws[i] = s.Score(v)
	}
	return ReconstructionParams{
		Components: components,
		MaxError:   maxError,
		Threshold:  quantile(raws, contamination),
	}
}

// subsampleCentroids picks an even stride through the lexicographically
// sorted corpus, bounding inference cost on large training sets.
func subsampleCentroids(scaled [][]float64, max int) [][]float64 {
	sorted := make([][]float64, len(scaled))
	copy(sorted, scaled)
	sort.Slice(sorted, func(i, j int) bool {
		for k := range sorted[i] {
			if sorted[i][k] != sorted[j][k] {
				return sorted[i][k] < sorted[j][k]
			}
		}
		return false
	})

	if len(sorted) <= max {
		return sorted
	}
	stride := (len(sorted) + max - 1) / max
	var out [][]float64
	for i := 0; i < len(sorted); i += stride {
		out = append(out, sorted[i])
	}
	return out
}

func medianPairwiseDistance(vectors [][]float64) float64 {
	var dists []float64
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			dists = append(dists, math.Sqrt(dist2(vectors[i], vectors[j])))
		}
	}
	if len(dists) == 0 {
		return 0
	}
	return quantile(dists, 0.5)
}

// quantile is the empirical quantile of the values: the smallest value v
// such that at least q of the corpus is <= v.
func quantile(values []float64, q float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	i := int(math.Ceil(q*float64(len(sorted)))) - 1
	if i < 0 {
		i = 0
	}
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

// principalComponents extracts up to k orthonormal components by power
// iteration with deflation. Initialization and sign are canonicalized so
// the result is reproducible.
func principalComponents(scaled [][]float64, k int) [][]float64 {
	cov := covariance(scaled)
	var comps [][]float64

	for c := 0; c < k; c++ {
		// Start along the axis with the most remaining variance.
		j, best := 0, cov[0][0]
		for i := 1; i < FeatureDim; i++ {
			if cov[i][i] > best {
				j, best = i, cov[i][i]
			}
		}
		if best < 1e-12 {
			break
		}

		v := make([]float64, FeatureDim)
		v[j] = 1
		for iter := 0; iter < powerIters; iter++ {
			w := matVec(cov, v)
			n := math.Sqrt(dot(w, w))
			if n < 1e-12 {
				break
			}
			for i := range w {
				w[i] /= n
			}
			if converged(w, v) {
				v = w
				break
			}
			v = w
		}

		canonicalSign(v)
		lambda := dot(v, matVec(cov, v))
		if lambda < 1e-12 {
			break
		}
		deflate(cov, v, lambda)
		comps = append(comps, v)
	}
	return comps
}

func covariance(scaled [][]float64) [][]float64 {
	n := float64(len(scaled))
	cov := make([][]float64, FeatureDim)
	for i := range cov {
		cov[i] = make([]float64, FeatureDim)
	}
	for _, v := range scaled {
		for i := 0; i < FeatureDim; i++ {
			for j := i; j < FeatureDim; j++ {
				cov[i][j] += v[i] * v[j]
			}
		}
	}
	for i := 0; i < FeatureDim; i++ {
		for j := i; j < FeatureDim; j++ {
			cov[i][j] /= n
			cov[j][i] = cov[i][j]
		}
	}
	return cov
}

func matVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(v))
	for i := range m {
		out[i] = dot(m[i], v)
	}
	return out
}

func converged(a, b []float64) bool {
	same, flipped := 0.0, 0.0
	for i := range a {
		d := a[i] - b[i]
		same += d * d
		s := a[i] + b[i]
		flipped += s * s
	}
	return same < 1e-18 || flipped < 1e-18
}

// canonicalSign flips the vector so its first significant element is
// positive.
func canonicalSign(v []float64) {
	for _, x := range v {
		if math.Abs(x) > 1e-9 {
			if x < 0 {
				for i := range v {
					v[i] = -v[i]
				}
			}
			return
		}
	}
}

func deflate(cov [][]float64, v []float64, lambda float64) {
	for i := range cov {
		for j := range cov[i] {
			cov[i][j] -= lambda * v[i] * v[j]
		}
	}
}
