package dedup

import (
	"fmt"

	"civic-issue-reporting/services/report-service/models"
)

// Submission carries the fields of a not-yet-persisted report that the
// dedup engine inspects.
type Submission struct {
	Title       string
	Description string
	Category    models.Category
	Latitude    float64
	Longitude   float64
	ImageHash   string
}

// Verdict is the outcome of a duplicate decision. Original is set iff
// IsDuplicate is true and always points at a non-duplicate report.
type Verdict struct {
	IsDuplicate bool
	Original    *models.Report
	Similarity  float64
}

// Policy decides whether a submission duplicates one of the candidates
// already known to lie within the dedup radius. The two implementations
// are alternatives, selected per deployment; they are never combined.
type Policy interface {
	Name() string
	Decide(s Submission, candidates []models.Report) Verdict
}

const (
	PolicyCategoryRadius = "category_radius"
	PolicySimilarity     = "similarity"

	// DefaultSimilarityThreshold is the minimum combined image/text score
	// for the similarity policy to declare a duplicate.
	DefaultSimilarityThreshold = 0.85
)

// NewPolicy builds the policy named by a deployment's configuration.
func NewPolicy(name string, threshold float64) (Policy, error) {
	switch name {
	case PolicyCategoryRadius:
		return CategoryRadiusPolicy{}, nil
	case PolicySimilarity:
		if threshold <= 0 || threshold > 1 {
			threshold = DefaultSimilarityThreshold
		}
		return SimilarityPolicy{Threshold: threshold}, nil
	}
	return nil, fmt.Errorf("unknown dedup policy %q", name)
}

// CategoryRadiusPolicy treats any in-radius candidate sharing the
// submission's category as a duplicate. The earliest-created match is the
// canonical original, with id order as a deterministic tie-break.
type CategoryRadiusPolicy struct{}

func (CategoryRadiusPolicy) Name() string { return PolicyCategoryRadius }

func (CategoryRadiusPolicy) Decide(s Submission, candidates []models.Report) Verdict {
	var original *models.Report
	for i := range candidates {
		c := &candidates[i]
		if c.Category != s.Category {
			continue
		}
		if original == nil ||
			c.CreatedAt.Before(original.CreatedAt) ||
			(c.CreatedAt.Equal(original.CreatedAt) && c.ID < original.ID) {
			original = c
		}
	}
	if original == nil {
		return Verdict{}
	}
	return Verdict{IsDuplicate: true, Original: original, Similarity: 1}
}

// SimilarityPolicy scores every candidate with the combined image/text
// scorer and declares a duplicate when the best score clears Threshold.
// Candidates are not filtered by category: a pothole photographed twice is
// the same issue even if the two reporters disagreed on the label.
type SimilarityPolicy struct {
	Threshold float64
}

func (SimilarityPolicy) Name() string { return PolicySimilarity }

func (p SimilarityPolicy) Decide(s Submission, candidates []models.Report) Verdict {
	var best *models.Report
	bestScore := 0.0
	for i := range candidates {
		c := &candidates[i]
		score := Score(s.ImageHash, s.Title, s.Description, c.ImageHashes, c.Title, c.Description)
		if best == nil || score > bestScore {
			best, bestScore = c, score
		}
	}
	if best == nil || bestScore < p.Threshold {
		return Verdict{}
	}
	return Verdict{IsDuplicate: true, Original: best, Similarity: bestScore}
}
