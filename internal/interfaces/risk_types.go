package interfaces

import (
	"strings"
	"time"
)

// RiskLevel is the categorical risk scale
type RiskLevel string

// Risk levels, ordered from least to most severe
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders levels; unknown or empty levels rank below low
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether r is one of the four defined levels
func (r RiskLevel) Valid() bool {
	return r.Rank() > 0
}

// ImpactScore maps a level onto [0,1]
func (r RiskLevel) ImpactScore() float64 {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 0.33
	case RiskHigh:
		return 0.66
	case RiskCritical:
		return 1
	default:
		return 0
	}
}

// MaxRiskLevel returns the more severe of two levels
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseRiskLevel parses a level case-insensitively
func ParseRiskLevel(s string) (RiskLevel, error) {
	level := RiskLevel(strings.ToLower(strings.TrimSpace(s)))
	if !level.Valid() {
		return "", NewError(KindValidation, "unknown risk level %q", s)
	}
	return level, nil
}

// Risk factor categories
const (
	FactorComponentCount  = "component_count"
	FactorDependencyDepth = "dependency_depth"
	FactorHeadroom        = "environment_headroom"
	FactorCriticality     = "criticality"
)

// RiskFactor is one contributor to a risk score
type RiskFactor struct {
	Category    string    `json:"category"`
	Severity    RiskLevel `json:"severity"`
	Probability float64   `json:"probability"`
	Impact      float64   `json:"impact"`
	Weight      float64   `json:"weight"`
	Detail      string    `json:"detail,omitempty"`
}

// RiskAssessment is produced once per execution and never changed afterwards
type RiskAssessment struct {
	Level         RiskLevel    `json:"level"`
	Score         float64      `json:"score"`
	Factors       []RiskFactor `json:"factors"`
	Confidence    float64      `json:"confidence"`
	PolicyVersion string       `json:"policy_version"`
	AssessedAt    time.Time    `json:"assessed_at"`
}

// Clone returns a deep copy
func (r *RiskAssessment) Clone() *RiskAssessment {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Factors = append([]RiskFactor(nil), r.Factors...)
	return &cp
}
