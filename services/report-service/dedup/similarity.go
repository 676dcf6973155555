package dedup

import "strings"

// Similarity weights: visual evidence dominates, text breaks near-ties.
const (
	imageWeight = 0.7
	textWeight  = 0.3
)

// HashSimilarity compares two fixed-length perceptual-hash strings
// position by position and returns the fraction of matching characters.
// Hashes of different lengths come from mismatched hash schemes and score
// 0 rather than erroring.
func HashSimilarity(a, b string) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	matches := 0
	for i := 0; i < len(a); i++ {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(a))
}

// ImageSimilarity scores a new hash against all of a candidate's
// historical hashes (accumulated through prior merges) and keeps the best
// match.
func ImageSimilarity(newHash string, candidateHashes []string) float64 {
	best := 0.0
	for _, h := range candidateHashes {
		if s := HashSimilarity(newHash, h); s > best {
			best = s
		}
	}
	return best
}

// TextSimilarity is the Jaccard index over whitespace tokens of the
// lower-cased "title description" strings. An empty union scores 0.
func TextSimilarity(title1, desc1, title2, desc2 string) float64 {
	set1 := tokenize(title1 + " " + desc1)
	set2 := tokenize(title2 + " " + desc2)

	union := len(set2)
	intersection := 0
	for tok := range set1 {
		if _, ok := set2[tok]; ok {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Score combines image and text similarity into a single value in [0,1].
func Score(newHash, newTitle, newDescription string, candidateHashes []string, candidateTitle, candidateDescription string) float64 {
	image := ImageSimilarity(newHash, candidateHashes)
	text := TextSimilarity(newTitle, newDescription, candidateTitle, candidateDescription)
	return image*imageWeight + text*textWeight
}

func tokenize(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = struct{}{}
	}
	return set
}
