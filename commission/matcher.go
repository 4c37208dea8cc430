package commission

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// DefaultMatchThreshold is the minimum similarity accepted as a product match.
const DefaultMatchThreshold = 0.7

// Similarity returns (maxLen - distance) / maxLen over lower-cased, trimmed
// strings, where maxLen is the rune length of the longer string. Two empty
// strings are identical.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))

	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1.0
	}
	distance := levenshtein.ComputeDistance(a, b)
	return float64(maxLen-distance) / float64(maxLen)
}

// ProductMatcher resolves a carrier's free-text product name to a catalog row.
type ProductMatcher struct {
	Threshold float64
}

// NewProductMatcher returns a matcher; a non-positive threshold means the default.
func NewProductMatcher(threshold float64) ProductMatcher {
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}
	return ProductMatcher{Threshold: threshold}
}

// Match returns the most similar candidate and its score. Ties keep the
// earliest candidate. A best score below the threshold returns a
// *ProductMatchError naming the best guess; the caller must not use it.
func (m ProductMatcher) Match(name string, candidates []Product) (Product, float64, error) {
	threshold := m.Threshold
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}

	best := -1
	bestScore := -1.0
	for i, c := range candidates {
		score := Similarity(name, c.Name)
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	if best < 0 {
		return Product{}, 0, &ProductMatchError{Query: name, Threshold: threshold}
	}
	if bestScore < threshold {
		return Product{}, bestScore, &ProductMatchError{
			Query:     name,
			BestGuess: candidates[best].Name,
			Score:     bestScore,
			Threshold: threshold,
		}
	}
	return candidates[best], bestScore, nil
}
