package model

import (
	"fmt"
	"math"
)

// PriorityWeights are a tenant's relative weights for the priority formula.
// They need not sum to 1; the formula normalises by their sum.
type PriorityWeights struct {
	Risk          float64 `json:"risk"`
	Systemic      float64 `json:"systemic"`
	Monetary      float64 `json:"monetary"`
	Vulnerability float64 `json:"vulnerability"`
	Resolution    float64 `json:"resolution"`
}

// DefaultPriorityWeights returns the weights used when a tenant has none configured.
func DefaultPriorityWeights() PriorityWeights {
	return PriorityWeights{
		Risk:          0.30,
		Systemic:      0.25,
		Monetary:      0.15,
		Vulnerability: 0.20,
		Resolution:    0.10,
	}
}

// Sum returns the total of all five weights.
func (w PriorityWeights) Sum() float64 {
	return w.Risk + w.Systemic + w.Monetary + w.Vulnerability + w.Resolution
}

// Validate rejects negative weights and an all-zero vector.
func (w PriorityWeights) Validate() error {
	for name, v := range map[string]float64{
		"risk":          w.Risk,
		"systemic":      w.Systemic,
		"monetary":      w.Monetary,
		"vulnerability": w.Vulnerability,
		"resolution":    w.Resolution,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("weight %s must be a non-negative number", name)
		}
	}
	if w.Sum() <= 0 {
		return fmt.Errorf("at least one weight must be positive")
	}
	return nil
}

// weightDriftTolerance is how far the sum may stray from 1.0 before a warning.
const weightDriftTolerance = 0.01

// DriftWarning returns a non-empty message when the weights do not sum to 1.0.
func (w PriorityWeights) DriftWarning() string {
	sum := w.Sum()
	if math.Abs(sum-1.0) <= weightDriftTolerance {
		return ""
	}
	return fmt.Sprintf("weights sum to %.3f, not 1.0; scores are normalised by the sum", sum)
}
