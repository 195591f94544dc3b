// Package policy converts a fraud probability plus raw transaction fields
// into a binary verdict.
//
// A transaction is flagged when the model probability exceeds the threshold
// OR the discount percentage exceeds the override cutoff. The override exists
// because the training signal was itself seeded from a discount heuristic, so
// it acts as a safety net independent of model drift.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Verdict is the binary classification result. The strings are part of the
// wire contract with existing consumers and must not change.
type Verdict string

const (
	VerdictNormal Verdict = "NORMAL"
	VerdictFraud  Verdict = "POTENSI FRAUD"
)

// Built-in preset names.
const (
	PresetStandard = "standard"
	PresetStrict   = "strict"
)

// Policy holds the classification thresholds. Comparisons are strict:
// a probability equal to Threshold or a discount equal to OverrideDiscount
// stays NORMAL.
type Policy struct {
	Threshold        float64 `yaml:"threshold" json:"threshold"`
	OverrideDiscount float64 `yaml:"override_discount" json:"override_discount"`
	OverrideEnabled  bool    `yaml:"override_enabled" json:"override_enabled"`
}

// Built-in presets. "standard" is the production rule; "strict" is the
// lower-threshold deployment variant that relies on the model alone.
var presets = map[string]Policy{
	PresetStandard: {Threshold: 0.75, OverrideDiscount: 40, OverrideEnabled: true},
	PresetStrict:   {Threshold: 0.5, OverrideEnabled: false},
}

// Preset returns a built-in policy by name.
func Preset(name string) (Policy, error) {
	p, ok := presets[name]
	if !ok {
		return Policy{}, fmt.Errorf("unknown policy preset %q", name)
	}
	return p, nil
}

// MustPreset returns a built-in policy by name, panicking on an unknown
// name. For use with the compile-time preset constants.
func MustPreset(name string) Policy {
	p, err := Preset(name)
	if err != nil {
		panic(err)
	}
	return p
}

// LoadPresets reads named policies from a YAML file and merges them over the
// built-ins (file entries win on name collision).
func LoadPresets(path string) (map[string]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var wrapper struct {
		Policies map[string]Policy `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	merged := make(map[string]Policy, len(presets)+len(wrapper.Policies))
	for name, p := range presets {
		merged[name] = p
	}
	for name, p := range wrapper.Policies {
		merged[name] = p
	}
	return merged, nil
}

// Classify returns the verdict for a score and discount percentage.
// Pure function; inputs are classified as-is without clamping (the transport
// layer rejects out-of-range fields before they reach here).
func (p Policy) Classify(score, discountPct float64) Verdict {
	if score > p.Threshold {
		return VerdictFraud
	}
	if p.OverrideEnabled && discountPct > p.OverrideDiscount {
		return VerdictFraud
	}
	return VerdictNormal
}
