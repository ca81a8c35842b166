// Package validator implements the stateless six-tier observation check
// described by the oracle's data-quality gate: format, range, staleness,
// statistical outlier, cross-source deviation, and consensus deviation.
// Each tier appends errors at one of four severities and the accumulated
// severities scale the observation's confidence down.
package validator

import (
	"math"
	"sort"
	"time"

	"github.com/sawpanic/priceoracle/internal/oracle/feed"
)

// Severity classifies a single validation error.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Issue is one validation finding.
type Issue struct {
	Tier     string
	Severity Severity
	Message  string
}

// Range bounds an acceptable price.
type Range struct {
	Min float64
	Max float64
}

// Config holds the thresholds the validator checks against.
type Config struct {
	PriceRange       Range
	MaxDataAge       time.Duration
	OutlierThreshold float64 // fractional deviation from recent mean, default 0.05
	MinHistoryForMAD int     // minimum historical observations before z-score check, default 3
}

// DefaultConfig accepts prices between one cent and one million,
// rejects observations older than 2s, and flags deviations past 5%
// from the recent mean.
func DefaultConfig() Config {
	return Config{
		PriceRange:       Range{Min: 0.01, Max: 1_000_000},
		MaxDataAge:       2000 * time.Millisecond,
		OutlierThreshold: 0.05,
		MinHistoryForMAD: 3,
	}
}

// Context supplies the cross-observation state a single-observation
// validation pass needs: recent history for the symbol, other sources'
// latest prices, and an optional consensus median.
type Context struct {
	Now              time.Time
	History          []float64 // recent observations for this symbol from all sources, newest last
	RecentMean5      []float64 // last up-to-5 observations for percentage-deviation check
	OtherSourcePrice []float64 // latest price from each other contributing source
	ConsensusMedian  float64
	HasConsensus     bool
}

// Result is the outcome of validating one observation.
type Result struct {
	IsValid            bool
	Issues             []Issue
	AdjustedConfidence float64
	Adjusted           feed.PriceObservation
}

// Validator runs the six tiers against a single observation.
type Validator struct {
	cfg Config
}

// New creates a Validator with the given configuration.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate runs every tier against obs and returns the adjusted result.
// Tiers never mutate obs in place; Adjusted carries confidence decay.
func (v *Validator) Validate(obs feed.PriceObservation, ctx Context) Result {
	var issues []Issue

	issues = append(issues, v.formatTier(obs)...)
	issues = append(issues, v.rangeTier(obs)...)
	issues = append(issues, v.stalenessTier(obs, ctx)...)
	issues = append(issues, v.outlierTier(obs, ctx)...)
	issues = append(issues, v.crossSourceTier(obs, ctx)...)
	issues = append(issues, v.consensusTier(obs, ctx)...)

	confidence := obs.Confidence
	var criticals, highs int
	for _, iss := range issues {
		switch iss.Severity {
		case SeverityCritical:
			confidence *= 0.1
			criticals++
		case SeverityHigh:
			confidence *= 0.5
			highs++
		case SeverityMedium:
			confidence *= 0.8
		case SeverityLow:
			confidence *= 0.95
		}
	}
	confidence = feed.ClampUnit(confidence)

	adjusted := obs
	adjusted.Confidence = confidence

	return Result{
		IsValid:            criticals == 0 && highs <= 1,
		Issues:             issues,
		AdjustedConfidence: confidence,
		Adjusted:           adjusted,
	}
}

// formatTier rejects structurally broken observations: empty fields,
// non-finite prices, out-of-range confidence.
func (v *Validator) formatTier(obs feed.PriceObservation) []Issue {
	var issues []Issue
	if obs.Symbol == "" {
		issues = append(issues, Issue{"format", SeverityCritical, "empty symbol"})
	}
	if math.IsNaN(obs.Price) || math.IsInf(obs.Price, 0) || obs.Price <= 0 {
		issues = append(issues, Issue{"format", SeverityCritical, "price is not finite and positive"})
	}
	if obs.Timestamp.IsZero() {
		issues = append(issues, Issue{"format", SeverityCritical, "missing timestamp"})
	}
	if obs.Source == "" {
		issues = append(issues, Issue{"format", SeverityCritical, "empty source"})
	}
	if obs.Confidence < 0 || obs.Confidence > 1 {
		issues = append(issues, Issue{"format", SeverityCritical, "confidence out of [0,1]"})
	}
	return issues
}

// rangeTier bounds the price to the configured window.
func (v *Validator) rangeTier(obs feed.PriceObservation) []Issue {
	var issues []Issue
	if obs.Price <= 0 {
		issues = append(issues, Issue{"range", SeverityCritical, "non-positive price"})
		return issues
	}
	if obs.Price < v.cfg.PriceRange.Min || obs.Price > v.cfg.PriceRange.Max {
		issues = append(issues, Issue{"range", SeverityHigh, "price outside configured range"})
	}
	return issues
}

// stalenessTier fails observations past MaxDataAge outright and flags
// ones within 20% of it.
func (v *Validator) stalenessTier(obs feed.PriceObservation, ctx Context) []Issue {
	now := ctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	age := now.Sub(obs.Timestamp)
	var issues []Issue
	if age > v.cfg.MaxDataAge {
		issues = append(issues, Issue{"staleness", SeverityCritical, "observation exceeds maxDataAge"})
	} else if age > (v.cfg.MaxDataAge*8)/10 {
		issues = append(issues, Issue{"staleness", SeverityLow, "observation approaching maxDataAge"})
	}
	return issues
}

// outlierTier runs a z-score against the window's history plus a
// percentage deviation from the recent 5-observation mean.
func (v *Validator) outlierTier(obs feed.PriceObservation, ctx Context) []Issue {
	var issues []Issue

	if len(ctx.History) >= v.cfg.MinHistoryForMAD {
		mean, stddev := meanStdDev(ctx.History)
		if stddev > 0 {
			z := math.Abs(obs.Price-mean) / stddev
			if z > 2.5 {
				issues = append(issues, Issue{"outlier", SeverityMedium, "z-score exceeds 2.5 sigma"})
			}
		}
	}

	if len(ctx.RecentMean5) > 0 {
		recentMean, _ := meanStdDev(ctx.RecentMean5)
		if recentMean > 0 {
			dev := math.Abs(obs.Price-recentMean) / recentMean
			switch {
			case dev > 2*v.cfg.OutlierThreshold:
				issues = append(issues, Issue{"outlier", SeverityHigh, "large deviation from recent mean"})
			case dev > v.cfg.OutlierThreshold:
				issues = append(issues, Issue{"outlier", SeverityMedium, "deviation from recent mean"})
			}
		}
	}

	return issues
}

// crossSourceTier compares the price against the median of the other
// contributing sources, once at least two exist.
func (v *Validator) crossSourceTier(obs feed.PriceObservation, ctx Context) []Issue {
	var issues []Issue
	if len(ctx.OtherSourcePrice) < 2 {
		return issues
	}
	med := median(ctx.OtherSourcePrice)
	if med <= 0 {
		return issues
	}
	dev := math.Abs(obs.Price-med) / med
	switch {
	case dev > 0.04:
		issues = append(issues, Issue{"cross-source", SeverityHigh, "deviates from other sources' median"})
	case dev > 0.02:
		issues = append(issues, Issue{"cross-source", SeverityMedium, "deviates from other sources' median"})
	}
	return issues
}

// consensusTier compares the price against the last published consensus
// median, when one is available.
func (v *Validator) consensusTier(obs feed.PriceObservation, ctx Context) []Issue {
	var issues []Issue
	if !ctx.HasConsensus || ctx.ConsensusMedian <= 0 {
		return issues
	}
	dev := math.Abs(obs.Price-ctx.ConsensusMedian) / ctx.ConsensusMedian
	switch {
	case dev > 0.01:
		issues = append(issues, Issue{"consensus", SeverityHigh, "deviates from consensus"})
	case dev > 0.005:
		issues = append(issues, Issue{"consensus", SeverityMedium, "deviates from consensus"})
	}
	return issues
}

func meanStdDev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(len(values)))
	return mean, stddev
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
