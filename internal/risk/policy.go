// Package risk scores deployment plans against a target environment
package risk

import (
	"fmt"
	"math"

	"github.com/lattiam/rollout/internal/interfaces"
)

// PolicyVersionV1 identifies the default scoring policy
const PolicyVersionV1 = "v1"

// Weights holds the weight of each risk factor
type Weights struct {
	ComponentCount  float64 `json:"component_count" mapstructure:"component_count"`
	DependencyDepth float64 `json:"dependency_depth" mapstructure:"dependency_depth"`
	Headroom        float64 `json:"headroom" mapstructure:"headroom"`
	Criticality     float64 `json:"criticality" mapstructure:"criticality"`
}

// Total returns the sum of all weights
func (w Weights) Total() float64 {
	return w.ComponentCount + w.DependencyDepth + w.Headroom + w.Criticality
}

// Thresholds are the lower score bounds of medium, high and critical
type Thresholds struct {
	Medium   float64 `json:"medium" mapstructure:"medium"`
	High     float64 `json:"high" mapstructure:"high"`
	Critical float64 `json:"critical" mapstructure:"critical"`
}

// Level maps a normalized score onto the four level scale
func (t Thresholds) Level(score float64) interfaces.RiskLevel {
	switch {
	case score >= t.Critical:
		return interfaces.RiskCritical
	case score >= t.High:
		return interfaces.RiskHigh
	case score >= t.Medium:
		return interfaces.RiskMedium
	default:
		return interfaces.RiskLow
	}
}

// Policy is a versioned scoring function. Each sub-score lies in [0,1] and is
// non-decreasing in the quantity it measures.
type Policy struct {
	Version    string     `json:"version" mapstructure:"version"`
	Weights    Weights    `json:"weights" mapstructure:"weights"`
	Thresholds Thresholds `json:"thresholds" mapstructure:"thresholds"`

	// ComponentSaturation is the component count at which that factor maxes out
	ComponentSaturation int `json:"component_saturation" mapstructure:"component_saturation"`
	// DepthSaturation is the chain length at which that factor maxes out
	DepthSaturation int `json:"depth_saturation" mapstructure:"depth_saturation"`

	MinConfidence     float64 `json:"min_confidence" mapstructure:"min_confidence"`
	HistorySaturation int     `json:"history_saturation" mapstructure:"history_saturation"`
}

// PolicyV1 returns the default policy
func PolicyV1() Policy {
	return Policy{
		Version: PolicyVersionV1,
		Weights: Weights{
			ComponentCount:  0.25,
			DependencyDepth: 0.25,
			Headroom:        0.25,
			Criticality:     0.25,
		},
		Thresholds: Thresholds{
			Medium:   0.3,
			High:     0.6,
			Critical: 0.85,
		},
		ComponentSaturation: 20,
		DepthSaturation:     6,
		MinConfidence:       0.2,
		HistorySaturation:   10,
	}
}

// Validate rejects policies that cannot produce a meaningful score
func (p Policy) Validate() error {
	if p.Weights.Total() <= 0 {
		return fmt.Errorf("risk policy %s: weights must sum to a positive value", p.Version)
	}
	if p.Weights.ComponentCount < 0 || p.Weights.DependencyDepth < 0 || p.Weights.Headroom < 0 || p.Weights.Criticality < 0 {
		return fmt.Errorf("risk policy %s: weights must not be negative", p.Version)
	}
	t := p.Thresholds
	if !(0 < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("risk policy %s: thresholds must satisfy 0 < medium < high < critical <= 1", p.Version)
	}
	if p.ComponentSaturation <= 0 || p.DepthSaturation <= 0 || p.HistorySaturation <= 0 {
		return fmt.Errorf("risk policy %s: saturation points must be positive", p.Version)
	}
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("risk policy %s: min confidence must be within [0,1]", p.Version)
	}
	return nil
}

func (p Policy) componentScore(n int) float64 {
	return math.Min(float64(n)/float64(p.ComponentSaturation), 1)
}

func (p Policy) depthScore(depth int) float64 {
	return math.Min(float64(depth)/float64(p.DepthSaturation), 1)
}

// headroomScore is 1 when free capacity only just covers peak demand and 0
// once it covers twice the demand.
func (p Policy) headroomScore(peak, free interfaces.ResourceDemand) (float64, float64) {
	ratio := math.Inf(1)
	if peak.CPU > 0 {
		ratio = math.Min(ratio, free.CPU/peak.CPU)
	}
	if peak.MemoryMB > 0 {
		ratio = math.Min(ratio, float64(free.MemoryMB)/float64(peak.MemoryMB))
	}

	switch {
	case ratio >= 2:
		return 0, ratio
	case ratio <= 1:
		return 1, ratio
	default:
		return 2 - ratio, ratio
	}
}

func (p Policy) criticalityScore(plan *interfaces.DeploymentPlan) float64 {
	if plan.IsCritical() {
		return 1
	}
	return plan.Metadata.BusinessImpact.ImpactScore()
}

// confidence grows linearly with history up to 1
func (p Policy) confidence(history int) float64 {
	if history <= 0 {
		return p.MinConfidence
	}
	c := p.MinConfidence + (1-p.MinConfidence)*float64(history)/float64(p.HistorySaturation)
	return math.Min(c, 1)
}
