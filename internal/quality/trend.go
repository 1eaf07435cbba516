package quality

import "math"

// Trend is the direction of a backend's recent quality.
type Trend int

const (
	TrendUnknown Trend = iota
	TrendStable
	TrendImproving
	TrendDeclining
)

func (t Trend) String() string {
	switch t {
	case TrendStable:
		return "stable"
	case TrendImproving:
		return "improving"
	case TrendDeclining:
		return "declining"
	default:
		return "unknown"
	}
}

const (
	// minTrendSamples leaves at least one residual degree of freedom.
	minTrendSamples = 3
	// minSlope is the smallest per-sample change treated as a trend.
	minSlope = 0.01
)

// tCritical95 holds two-sided 95% critical values of Student's t for 1..30
// degrees of freedom.
var tCritical95 = [...]float64{
	12.706, 4.303, 3.182, 2.776, 2.571, 2.447, 2.365, 2.306, 2.262, 2.228,
	2.201, 2.179, 2.160, 2.145, 2.131, 2.120, 2.110, 2.101, 2.093, 2.086,
	2.080, 2.074, 2.069, 2.064, 2.060, 2.056, 2.052, 2.048, 2.045, 2.042,
}

// criticalT returns the two-sided 95% critical value for df degrees of
// freedom, rounding df down to the nearest tabled value above 30.
func criticalT(df int) float64 {
	switch {
	case df < 1:
		return math.Inf(1)
	case df <= len(tCritical95):
		return tCritical95[df-1]
	case df < 40:
		return 2.042
	case df < 60:
		return 2.021
	case df < 120:
		return 2.000
	default:
		return 1.980
	}
}

// fitSlope returns the least-squares slope of ys against 0..n-1 and its
// standard error.
func fitSlope(ys []float64) (slope, stderr float64) {
	n := float64(len(ys))
	xMean := (n - 1) / 2
	var yMean float64
	for _, y := range ys {
		yMean += y
	}
	yMean /= n

	var sxx, sxy, syy float64
	for i, y := range ys {
		dx := float64(i) - xMean
		dy := y - yMean
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx == 0 {
		return 0, math.Inf(1)
	}
	slope = sxy / sxx
	sse := math.Max(0, syy-slope*sxy)
	stderr = math.Sqrt(sse / (n - 2) / sxx)
	return slope, stderr
}

// classify returns improving or declining only for a slope that is both
// large enough and significant at 95%.
func classify(scores []float64) Trend {
	if len(scores) < minTrendSamples {
		return TrendUnknown
	}
	slope, stderr := fitSlope(scores)
	if math.Abs(slope) < minSlope {
		return TrendStable
	}
	// stderr of zero is a perfect fit
	if stderr > 0 && math.Abs(slope)/stderr <= criticalT(len(scores)-2) {
		return TrendStable
	}
	if slope > 0 {
		return TrendImproving
	}
	return TrendDeclining
}
