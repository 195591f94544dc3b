package model

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/posinsight/posinsight/internal/features"
)

// Scaler is a fitted per-feature affine transform: (x - mean) / scale.
// The artifact is the JSON export of a fitted standard scaler.
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// LoadScaler reads and validates a scaler artifact.
func LoadScaler(path string) (*Scaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scaler at %s: %w", path, err)
	}

	var s Scaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scaler at %s: %w", path, err)
	}

	if len(s.Mean) != features.Dim || len(s.Scale) != features.Dim {
		return nil, fmt.Errorf("scaler dimension mismatch: mean=%d scale=%d, want %d",
			len(s.Mean), len(s.Scale), features.Dim)
	}
	return &s, nil
}

// Transform applies the affine transform to each feature.
// A zero scale entry (constant feature in training) divides by 1 instead.
func (s *Scaler) Transform(v features.Vector) features.Vector {
	var out features.Vector
	for i := 0; i < features.Dim; i++ {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v[i] - s.Mean[i]) / scale
	}
	return out
}
