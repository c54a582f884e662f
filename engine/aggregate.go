package engine

import (
	"math"

	"badgekit/core"
)

// Aggregate combines per-rule progress into one weighted verdict.
func Aggregate(rules []core.RuleProgress) core.Computed {
	var weightSum, weighted float64
	var currentSum, targetSum int64
	for _, r := range rules {
		w := r.Weight
		if w < 0 || math.IsNaN(w) {
			w = 0
		}
		weightSum += w
		weighted += r.Normalized * w
		currentSum += clampCurrent(r.Current, r.Target)
		targetSum += r.Target
	}

	var agg float64
	if weightSum > 0 {
		agg = weighted / weightSum
	}
	agg = math.Max(0, math.Min(agg, 1))

	completed := agg >= 1 || (targetSum > 0 && currentSum >= targetSum)
	progress := int(math.Round(agg * 100))
	// A badge completed on sums (a zero-target rule can hold agg below 1)
	// still reports 100 so stored completed records never read as partial.
	if completed {
		progress = 100
	}
	return core.Computed{
		Aggregate:   agg,
		Progress:    progress,
		IsUnlocked:  currentSum > 0,
		IsCompleted: completed,
		Data: core.ProgressData{
			Rules:      rules,
			CurrentSum: currentSum,
			TargetSum:  targetSum,
		},
	}
}

func clampCurrent(current, target int64) int64 {
	if current < 0 {
		return 0
	}
	if current > target {
		return target
	}
	return current
}
