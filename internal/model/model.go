// Package model loads the pretrained fraud-detection artifacts and scores
// feature vectors with them.
//
// Two artifacts are consumed read-only, loaded once per process lifetime:
// an affine feature scaler (JSON) and a probabilistic classifier (ONNX).
// If either is missing or incompatible the process must refuse to serve,
// so construction errors here are startup-fatal.
package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/posinsight/posinsight/internal/features"
	"github.com/posinsight/posinsight/internal/metrics"
)

// ErrArtifact marks a model or scaler that is unavailable or corrupt.
// It is only returned at construction time, never per request.
var ErrArtifact = errors.New("model artifact unavailable")

// Classifier produces the fraud-class probability for a scaled feature vector.
type Classifier interface {
	PredictProba(ctx context.Context, scaled []float64) (float64, error)
}

// Engine applies the scaler then the classifier to a feature vector.
// Immutable after construction and safe for concurrent use.
type Engine struct {
	scaler     *Scaler
	classifier Classifier
}

// NewEngine loads both artifacts from disk. Any load failure wraps ErrArtifact.
func NewEngine(scalerPath, modelPath string) (*Engine, error) {
	scaler, err := LoadScaler(scalerPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifact, err)
	}

	classifier, err := LoadONNXClassifier(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifact, err)
	}

	return &Engine{scaler: scaler, classifier: classifier}, nil
}

// NewEngineWith builds an engine from already-loaded artifacts (used by tests
// and by callers that manage artifact lifecycle themselves).
func NewEngineWith(scaler *Scaler, classifier Classifier) *Engine {
	return &Engine{scaler: scaler, classifier: classifier}
}

// Close releases the classifier's runtime resources, if it holds any.
func (e *Engine) Close() error {
	if c, ok := e.classifier.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Score returns the fraud probability in [0,1] for a feature vector.
func (e *Engine) Score(ctx context.Context, v features.Vector) (float64, error) {
	start := time.Now()

	scaled := e.scaler.Transform(v)
	p, err := e.classifier.PredictProba(ctx, scaled.Slice())
	if err != nil {
		return 0, fmt.Errorf("predict: %w", err)
	}

	metrics.ScoreDuration.Observe(time.Since(start).Seconds())

	// Clamp to [0, 1]
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return p, nil
}
