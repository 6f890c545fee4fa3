package profile

import (
	"fmt"

	"github.com/szibis/profile-governor/internal/gateway"
)

// Thresholds are the limits the rules compare a snapshot against.
type Thresholds struct {
	CostWarning      float64 `json:"cost_warning"`
	CostCritical     float64 `json:"cost_critical"`
	CoverageMin      float64 `json:"coverage_min"`
	CoverageHeadroom float64 `json:"coverage_headroom"`
	PerformanceMin   float64 `json:"performance_min"`
}

// Rule identifies which rule produced a decision.
type Rule string

const (
	RuleCostCritical   Rule = "cost_critical"
	RuleCostWarning    Rule = "cost_warning"
	RuleCoverageLow    Rule = "coverage_low"
	RulePerformanceLow Rule = "performance_low"
	RuleHold           Rule = "hold"
)

// Outcome is the result of evaluating one snapshot.
type Outcome struct {
	Target string `json:"target"`
	Rule   Rule   `json:"rule"`
	Reason string `json:"reason"`
}

// Changed reports whether the outcome moves away from current.
func (o Outcome) Changed(current string) bool { return o.Target != current }

// Rules evaluates snapshots. It holds no mutable state.
type Rules struct {
	Profiles *Set
	// Moderate is chosen on a cost warning with coverage headroom.
	Moderate string
	// Conservative is chosen when coverage drops below the minimum.
	Conservative string
	Defaults     Thresholds
	// Overrides replace Defaults while the keyed profile is current.
	Overrides map[string]Thresholds
}

// NewRules validates role names against the set.
func NewRules(set *Set, moderate, conservative string, defaults Thresholds, overrides map[string]Thresholds) (*Rules, error) {
	if set == nil {
		set = DefaultSet()
	}
	for role, name := range map[string]string{"moderate": moderate, "conservative": conservative} {
		if !set.Known(name) {
			return nil, fmt.Errorf("%s profile %q: %w", role, name, ErrUnknownProfile)
		}
	}
	for name := range overrides {
		if !set.Known(name) {
			return nil, fmt.Errorf("threshold override for %q: %w", name, ErrUnknownProfile)
		}
	}
	return &Rules{
		Profiles:     set,
		Moderate:     moderate,
		Conservative: conservative,
		Defaults:     defaults,
		Overrides:    overrides,
	}, nil
}

// ThresholdsFor returns the thresholds in effect while current is active.
func (r *Rules) ThresholdsFor(current string) Thresholds {
	if t, ok := r.Overrides[current]; ok {
		return t
	}
	return r.Defaults
}

// Evaluate applies the rules in fixed order; the first match wins.
//
//  1. cost above critical: most aggressive
//  2. cost above warning with coverage above min plus headroom: moderate
//  3. coverage below min: conservative
//  4. performance below min: least aggressive
//  5. otherwise: stay on current
func (r *Rules) Evaluate(current string, s gateway.Snapshot) Outcome {
	t := r.ThresholdsFor(current)
	switch {
	case s.Cost > t.CostCritical:
		return Outcome{
			Target: r.Profiles.Most(),
			Rule:   RuleCostCritical,
			Reason: fmt.Sprintf("cost %.2f above critical %.2f", s.Cost, t.CostCritical),
		}
	case s.Cost > t.CostWarning && s.Coverage > t.CoverageMin+t.CoverageHeadroom:
		return Outcome{
			Target: r.Moderate,
			Rule:   RuleCostWarning,
			Reason: fmt.Sprintf("cost %.2f above warning %.2f with coverage %.3f above %.3f",
				s.Cost, t.CostWarning, s.Coverage, t.CoverageMin+t.CoverageHeadroom),
		}
	case s.Coverage < t.CoverageMin:
		return Outcome{
			Target: r.Conservative,
			Rule:   RuleCoverageLow,
			Reason: fmt.Sprintf("coverage %.3f below minimum %.3f", s.Coverage, t.CoverageMin),
		}
	case s.Performance < t.PerformanceMin:
		return Outcome{
			Target: r.Profiles.Least(),
			Rule:   RulePerformanceLow,
			Reason: fmt.Sprintf("performance %.3f below minimum %.3f", s.Performance, t.PerformanceMin),
		}
	default:
		return Outcome{Target: current, Rule: RuleHold, Reason: "within thresholds"}
	}
}
