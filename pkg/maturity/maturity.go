// Package maturity computes a workspace's governance maturity score:
// six named dimensions, each scored 1-5 from observable audit-trail
// evidence, rolled up by taking the minimum rather than an average —
// a workspace is only as mature as its weakest dimension.
package maturity

import (
	"fmt"
	"math"
)

// DimensionID names one of the six fixed scoring dimensions. The set
// is closed: there is no mechanism to add a seventh.
type DimensionID string

const (
	DimensionReliability   DimensionID = "reliability"
	DimensionSecurity      DimensionID = "security"
	DimensionDocumentation DimensionID = "documentation"
	DimensionGovernance    DimensionID = "governance"
	DimensionIntegration   DimensionID = "integration"
	DimensionPerformance   DimensionID = "performance"
)

// dimensionOrder fixes the order scores are computed and reported in.
var dimensionOrder = []DimensionID{
	DimensionReliability,
	DimensionSecurity,
	DimensionDocumentation,
	DimensionGovernance,
	DimensionIntegration,
	DimensionPerformance,
}

// missingEvidenceCap is the ceiling a dimension's score cannot exceed
// when its underlying evidence is absent (a zero-denominator ratio, or
// no samples at all) rather than merely poor.
const missingEvidenceCap = 2

// Score is one dimension's 1-5 rating plus the evidence it was
// derived from.
type Score struct {
	Dimension DimensionID
	Value     int
	Evidence  string
}

// Report is the computed scorecard: every dimension's score, in fixed
// order, and the overall figure (the minimum across all six).
type Report struct {
	Scores  []Score
	Overall int
}

// Inputs are the raw observations the scorer reduces into dimension
// scores, gathered from the audit journal's entries (including their
// dispatch latency samples) and the number of declared preflight checks.
// Deterministic given the same inputs: Compute has no hidden clock or
// randomness.
type Inputs struct {
	// reliability: declared preflight checks passing.
	PreflightChecksDeclared int
	PreflightRunsTotal      int
	PreflightRunsPassed     int

	// security: policy evaluations that were bypassed (denied but
	// still applied) versus the total evaluated. A bypass should never
	// happen under a correctly wired pipeline; any nonzero count
	// sharply reduces this dimension.
	PolicyEvaluationsTotal int
	PolicyBypassCount      int

	// documentation: writes that declared a complete governance intent
	// (purpose/connected_via/registered_in/failure_modes) versus total
	// writes attempted.
	WritesTotal              int
	WritesWithCompleteIntent int

	// governance: writes that carried a valid, approved plan binding
	// versus total writes attempted.
	WritesPlanBound int

	// integration: audit chain coverage — whether the chain verifies
	// and how many entries it has recorded.
	ChainValid        bool
	TotalAuditEntries int

	// performance: dispatch latency samples, in milliseconds, lower is
	// better.
	LatencySamplesMs []float64
}

// Compute reduces inputs into a Report across the six fixed
// dimensions, each 1-5, with the overall figure the minimum of all six.
func Compute(in Inputs) Report {
	scores := make([]Score, 0, len(dimensionOrder))
	scores = append(scores, scoreReliability(in))
	scores = append(scores, scoreSecurity(in))
	scores = append(scores, scoreDocumentation(in))
	scores = append(scores, scoreGovernance(in))
	scores = append(scores, scoreIntegration(in))
	scores = append(scores, scorePerformance(in))

	overall := scores[0].Value
	for _, s := range scores[1:] {
		if s.Value < overall {
			overall = s.Value
		}
	}
	return Report{Scores: scores, Overall: overall}
}

func scoreReliability(in Inputs) Score {
	if in.PreflightChecksDeclared == 0 || in.PreflightRunsTotal == 0 {
		return Score{Dimension: DimensionReliability, Value: missingEvidenceCap,
			Evidence: "no preflight checks declared or run"}
	}
	ratio := float64(in.PreflightRunsPassed) / float64(in.PreflightRunsTotal)
	return Score{
		Dimension: DimensionReliability,
		Value:     ratioToScale(ratio),
		Evidence:  fmt.Sprintf("%d/%d preflight runs passed across %d declared check(s)", in.PreflightRunsPassed, in.PreflightRunsTotal, in.PreflightChecksDeclared),
	}
}

func scoreSecurity(in Inputs) Score {
	if in.PolicyEvaluationsTotal == 0 {
		return Score{Dimension: DimensionSecurity, Value: missingEvidenceCap,
			Evidence: "no policy evaluations recorded"}
	}
	if in.PolicyBypassCount > 0 {
		return Score{
			Dimension: DimensionSecurity,
			Value:     1,
			Evidence:  fmt.Sprintf("%d policy bypass(es) recorded out of %d evaluations", in.PolicyBypassCount, in.PolicyEvaluationsTotal),
		}
	}
	return Score{
		Dimension: DimensionSecurity,
		Value:     5,
		Evidence:  fmt.Sprintf("0 policy bypasses across %d evaluations", in.PolicyEvaluationsTotal),
	}
}

func scoreDocumentation(in Inputs) Score {
	if in.WritesTotal == 0 {
		return Score{Dimension: DimensionDocumentation, Value: missingEvidenceCap,
			Evidence: "no writes recorded"}
	}
	ratio := float64(in.WritesWithCompleteIntent) / float64(in.WritesTotal)
	return Score{
		Dimension: DimensionDocumentation,
		Value:     ratioToScale(ratio),
		Evidence:  fmt.Sprintf("%d/%d writes declared a complete intent envelope", in.WritesWithCompleteIntent, in.WritesTotal),
	}
}

func scoreGovernance(in Inputs) Score {
	if in.WritesTotal == 0 {
		return Score{Dimension: DimensionGovernance, Value: missingEvidenceCap,
			Evidence: "no writes recorded"}
	}
	ratio := float64(in.WritesPlanBound) / float64(in.WritesTotal)
	return Score{
		Dimension: DimensionGovernance,
		Value:     ratioToScale(ratio),
		Evidence:  fmt.Sprintf("%d/%d writes carried a valid plan binding", in.WritesPlanBound, in.WritesTotal),
	}
}

func scoreIntegration(in Inputs) Score {
	if in.TotalAuditEntries == 0 {
		return Score{Dimension: DimensionIntegration, Value: missingEvidenceCap,
			Evidence: "audit journal is empty"}
	}
	if !in.ChainValid {
		return Score{Dimension: DimensionIntegration, Value: 1,
			Evidence: fmt.Sprintf("chain verification failed across %d entries", in.TotalAuditEntries)}
	}
	return Score{
		Dimension: DimensionIntegration,
		Value:     5,
		Evidence:  fmt.Sprintf("%d entries verified, chain intact", in.TotalAuditEntries),
	}
}

func scorePerformance(in Inputs) Score {
	if len(in.LatencySamplesMs) == 0 {
		return Score{Dimension: DimensionPerformance, Value: missingEvidenceCap,
			Evidence: "no latency samples recorded"}
	}
	var total float64
	for _, ms := range in.LatencySamplesMs {
		total += ms
	}
	mean := total / float64(len(in.LatencySamplesMs))

	var value int
	switch {
	case mean < 100:
		value = 5
	case mean < 300:
		value = 4
	case mean < 800:
		value = 3
	case mean < 2000:
		value = 2
	default:
		value = 1
	}
	return Score{
		Dimension: DimensionPerformance,
		Value:     value,
		Evidence:  fmt.Sprintf("mean dispatch latency %.1fms over %d sample(s)", mean, len(in.LatencySamplesMs)),
	}
}

// ratioToScale maps a [0,1] ratio onto the 1-5 scale.
func ratioToScale(ratio float64) int {
	value := int(math.Round(1 + ratio*4))
	if value < 1 {
		value = 1
	}
	if value > 5 {
		value = 5
	}
	return value
}
