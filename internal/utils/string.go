package utils

import "context"

// FindClosestString returns the candidate with the smallest edit distance to s, candidates whose distance
// is greater than maxDifferences are ignored.
func FindClosestString(ctx context.Context, candidates []string, s string, maxDifferences int) (closest string, distance int, found bool) {
	distance = maxDifferences + 1

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return "", 0, false
		}
		d := levenshteinDistance(candidate, s)
		if d < distance {
			closest, distance, found = candidate, d, true
		}
	}

	if !found {
		return "", 0, false
	}
	return
}

func levenshteinDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	previous := make([]int, len(rb)+1)
	current := make([]int, len(rb)+1)

	for j := range previous {
		previous[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		current[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			current[j] = min(previous[j]+1, current[j-1]+1, previous[j-1]+cost)
		}
		previous, current = current, previous
	}
	return previous[len(rb)]
}
