// Package scoring turns test outcomes into an integer grade.
package scoring

import "math"

const (
	// MaxRuntimePenalty and MaxMemoryPenalty are fractions of the correctness score.
	MaxRuntimePenalty = 0.05
	MaxMemoryPenalty  = 0.05

	// penaltyThreshold is the share of a declared limit a program may use for free.
	penaltyThreshold = 0.5
)

// Input holds everything the grade depends on.
type Input struct {
	AvgRuntimeMs  float64
	AvgMemoryKB   float64
	PassedTests   int
	TotalTests    int
	MaxScore      int
	TimeLimitMs   float64
	MemoryLimitKB float64
}

// Calculate returns the grade for in. Correctness dominates: the performance
// penalty removes at most MaxRuntimePenalty+MaxMemoryPenalty of the base score,
// and it does not depend on PassedTests, so the grade is monotonic in it.
// The result is rounded and clamped to [0, MaxScore].
func Calculate(in Input) int {
	if in.TotalTests <= 0 || in.MaxScore <= 0 {
		return 0
	}
	passed := in.PassedTests
	if passed < 0 {
		passed = 0
	}
	if passed > in.TotalTests {
		passed = in.TotalTests
	}

	base := float64(passed) / float64(in.TotalTests) * float64(in.MaxScore)
	penalty := usagePenalty(in.AvgRuntimeMs, in.TimeLimitMs, MaxRuntimePenalty) +
		usagePenalty(in.AvgMemoryKB, in.MemoryLimitKB, MaxMemoryPenalty)

	score := int(math.Round(base * (1 - penalty)))
	if score < 0 {
		return 0
	}
	if score > in.MaxScore {
		return in.MaxScore
	}
	return score
}

// usagePenalty grows linearly from 0 at half the limit to max at the limit.
func usagePenalty(used, limit, max float64) float64 {
	if limit <= 0 || used <= 0 || math.IsNaN(used) {
		return 0
	}
	ratio := used / limit
	if ratio <= penaltyThreshold {
		return 0
	}
	if ratio >= 1 {
		return max
	}
	return (ratio - penaltyThreshold) / (1 - penaltyThreshold) * max
}

// Percentage expresses score as a rounded share of maxScore.
func Percentage(score float64, maxScore int) int {
	if maxScore <= 0 {
		return 0
	}
	return int(math.Round(score / float64(maxScore) * 100))
}

// RunningAverage is the mean of graded scores, rounded only at the end.
type RunningAverage struct {
	Count      int
	Mean       float64
	Score      int
	Percentage int
}

// Average computes the running average for sum over count graded submissions.
func Average(sum, count, maxScore int) RunningAverage {
	if count <= 0 {
		return RunningAverage{}
	}
	mean := float64(sum) / float64(count)
	return RunningAverage{
		Count:      count,
		Mean:       mean,
		Score:      int(math.Round(mean)),
		Percentage: Percentage(mean, maxScore),
	}
}
