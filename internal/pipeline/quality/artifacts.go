package quality

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrArtifactVersionMismatch is returned when a bundle's feature version
// differs from the one this build computes. The process must not start
// scoring with it.
var ErrArtifactVersionMismatch = errors.New("artifact feature version mismatch")

// DensityParams parameterize the density scorer.
type DensityParams struct {
	Centroids [][]float64 `json:"centroids"`
	Bandwidth float64     `json:"bandwidth"`
	Threshold float64     `json:"threshold"`
}

// BoundaryParams parameterize the boundary scorer.
type BoundaryParams struct {
	Center    []float64 `json:"center"`
	Radius    float64   `json:"radius"`
	Threshold float64   `json:"threshold"`
}

// ReconstructionParams parameterize the reconstruction scorer.
type ReconstructionParams struct {
	Components [][]float64 `json:"components"`
	MaxError   float64     `json:"max_error"`
	Threshold  float64     `json:"threshold"`
}

// Bundle is the persisted unit of trained state: scaler, all scorer
// parameters and the feature version they were fitted against. The pieces
// travel together; mixing a scaler from one training run with scorers from
// another is impossible by construction.
type Bundle struct {
	FeatureVersion string               `json:"feature_version"`
	CreatedAt      time.Time            `json:"created_at"`
	TrainedOn      int                  `json:"trained_on"`
	Contamination  float64              `json:"contamination"`
	Scaler         Scaler               `json:"scaler"`
	Density        DensityParams        `json:"density"`
	Boundary       BoundaryParams       `json:"boundary"`
	Reconstruction ReconstructionParams `json:"reconstruction"`
}

// bundleSchema validates the structural shape of a bundle file before any
// field is interpreted.
const bundleSchema = `{
  "type": "object",
  "required": ["feature_version", "scaler", "density", "boundary", "reconstruction"],
  "properties": {
    "feature_version": {"type": "string", "minLength": 1},
    "created_at": {"type": "string"},
    "trained_on": {"type": "integer", "minimum": 1},
    "contamination": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 0.5},
    "scaler": {
      "type": "object",
      "required": ["mean", "std"],
      "properties": {
        "mean": {"type": "array", "items": {"type": "number"}, "minItems": 1},
        "std": {"type": "array", "items": {"type": "number"}, "minItems": 1}
      }
    },
    "density": {
      "type": "object",
      "required": ["centroids", "bandwidth", "threshold"],
      "properties": {
        "centroids": {"type": "array", "items": {"type": "array", "items": {"type": "number"}}, "minItems": 1},
        "bandwidth": {"type": "number", "exclusiveMinimum": 0},
        "threshold": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "boundary": {
      "type": "object",
      "required": ["center", "radius", "threshold"],
      "properties": {
        "center": {"type": "array", "items": {"type": "number"}, "minItems": 1},
        "radius": {"type": "number", "exclusiveMinimum": 0},
        "threshold": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "reconstruction": {
      "type": "object",
      "required": ["components", "max_error", "threshold"],
      "properties": {
        "components": {"type": "array", "items": {"type": "array", "items": {"type": "number"}}},
        "max_error": {"type": "number", "exclusiveMinimum": 0},
        "threshold": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`

func validateBundleJSON(data []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("bundle.json", strings.NewReader(bundleSchema)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("bundle.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal bundle: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("bundle does not match schema: %w", err)
	}
	return nil
}

// LoadBundle reads, validates and version-checks an artifact bundle. It is
// called once at startup; everything it returns is read-only afterwards.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading artifact bundle: %w", err)
	}
	return ParseBundle(data)
}

// ParseBundle validates and decodes bundle bytes.
func ParseBundle(data []byte) (*Bundle, error) {
	if err := validateBundleJSON(data); err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding artifact bundle: %w", err)
	}
	if b.FeatureVersion != FeatureVersion {
		return nil, fmt.Errorf("%w: bundle %q, this build computes %q",
			ErrArtifactVersionMismatch, b.FeatureVersion, FeatureVersion)
	}
	if err := b.check(); err != nil {
		return nil, err
	}
	return &b, nil
}

// check verifies dimensional consistency across the bundle's pieces.
func (b *Bundle) check() error {
	if len(b.Scaler.Mean) != FeatureDim || len(b.Scaler.Std) != FeatureDim {
		return fmt.Errorf("scaler dimensions %d/%d, want %d",
			len(b.Scaler.Mean), len(b.Scaler.Std), FeatureDim)
	}
	for i, c := range b.Density.Centroids {
		if len(c) != FeatureDim {
			return fmt.Errorf("density centroid %d has dimension %d, want %d", i, len(c), FeatureDim)
		}
	}
	if len(b.Boundary.Center) != FeatureDim {
		return fmt.Errorf("boundary center has dimension %d, want %d", len(b.Boundary.Center), FeatureDim)
	}
	for i, c := range b.Reconstruction.Components {
		if len(c) != FeatureDim {
			return fmt.Errorf("reconstruction component %d has dimension %d, want %d", i, len(c), FeatureDim)
		}
	}
	return nil
}

// Save writes the bundle as indented JSON.
func (b *Bundle) Save(path string) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding artifact bundle: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing artifact bundle: %w", err)
	}
	return nil
}

// Scorers materializes the bundle's scorer set in its fixed order.
func (b *Bundle) Scorers() []Scorer {
	return []Scorer{
		&densityScorer{
			centroids: b.Density.Centroids,
			bandwidth: b.Density.Bandwidth,
			threshold: b.Density.Threshold,
		},
		&boundaryScorer{
			center:    b.Boundary.Center,
			radius:    b.Boundary.Radius,
			threshold: b.Boundary.Threshold,
		},
		&reconstructionScorer{
			components: b.Reconstruction.Components,
			maxError:   b.Reconstruction.MaxError,
			threshold:  b.Reconstruction.Threshold,
		},
	}
}
