package normalizer

import (
	"math"

	"github.com/ternarybob/accedo/internal/models"
)

// maxImpactWeight is the weight of a critical violation, the worst case
// a single rule can contribute per node.
const maxImpactWeight = 3.0

// PageScore computes the page score from the weighted violation sum and
// the number of rules the engine evaluated. Scores are clamped to
// [0,100] and rounded to one decimal; a page where no rules applied
// scores a clean 100.
func PageScore(weightedViolations float64, totalRules int) float64 {
	if totalRules == 0 {
		return 100
	}
	score := 100 - (weightedViolations/(float64(totalRules)*maxImpactWeight))*100
	if score < 0 {
		score = 0
	}
	return round1(score)
}

// ScanScore is the mean of the page scores, excluding pages that
// errored. A scan where every page errored scores 0; callers mark such
// scans failed rather than completed.
func ScanScore(results []*models.PageScanResult) float64 {
	sum := 0.0
	count := 0
	for _, r := range results {
		if r == nil || r.Failed() {
			continue
		}
		sum += r.Score
		count++
	}
	if count == 0 {
		return 0
	}
	return round1(sum / float64(count))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
