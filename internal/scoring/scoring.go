// Package scoring holds the pure priority formula and routing decision.
// Nothing here performs I/O.
package scoring

import (
	"math"

	"github.com/ashita-ai/kujo/internal/model"
)

// Factors are the named inputs to the priority formula.
// Every field except MonetaryValue is expected in [0,1] and is clamped.
type Factors struct {
	RiskLevel             model.RiskLevel
	SystemicImpact        float64
	MonetaryValue         *float64
	Vulnerability         float64
	ResolutionProbability float64
}

// Priority combines the factors into a single score in [0,1], rounded to
// three decimals. Weights are normalised by their sum; an invalid vector
// (negative entries or a zero sum) falls back to the default weights.
func Priority(f Factors, w model.PriorityWeights) float64 {
	if w.Validate() != nil {
		w = model.DefaultPriorityWeights()
	}

	monetary := 0.0
	if f.MonetaryValue != nil {
		monetary = NormalizeMonetary(*f.MonetaryValue)
	}

	sum := w.Risk*RiskScore(f.RiskLevel) +
		w.Systemic*clamp01(f.SystemicImpact) +
		w.Monetary*monetary +
		w.Vulnerability*clamp01(f.Vulnerability) +
		w.Resolution*(1-clamp01(f.ResolutionProbability))

	return clamp01(round3(sum / w.Sum()))
}

// NormalizeMonetary maps a dollar amount onto [0,1] with log10(v)/5, so
// $100 is 0.4, $10,000 is 0.8 and $100,000 or more is 1.0. Non-positive
// amounts map to 0.
func NormalizeMonetary(v float64) float64 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	return clamp01(math.Log10(v) / 5)
}

// RiskScore maps a risk level onto [0,1]. Unknown levels score as medium.
func RiskScore(r model.RiskLevel) float64 {
	switch r {
	case model.RiskCritical:
		return 1.0
	case model.RiskHigh:
		return 0.75
	case model.RiskMedium:
		return 0.5
	case model.RiskLow:
		return 0.25
	default:
		return 0.5
	}
}

// Route picks the handling track. Rules are evaluated in order and the
// first match wins; a systemic flag always routes to systemic review.
func Route(risk model.RiskLevel, complexity float64, systemic bool, priority float64) model.Routing {
	switch {
	case systemic:
		return model.RoutingSystemicReview
	case risk == model.RiskCritical || complexity > 0.7:
		return model.RoutingInvestigation
	case risk == model.RiskHigh && complexity > 0.4:
		return model.RoutingInvestigation
	case priority > 0.6:
		return model.RoutingInvestigation
	default:
		return model.RoutingLine1Auto
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
