package dedup

import (
	"context"
	"fmt"
	"log"

	"civic-issue-reporting/services/report-service/models"
)

// DefaultRadiusMeters is how close two reports must be before they are
// even considered for deduplication.
const DefaultRadiusMeters = 50.0

// CandidateFinder returns open, non-duplicate reports within radiusMeters
// of a point, ordered by creation time ascending.
type CandidateFinder interface {
	FindCandidates(ctx context.Context, lat, lon, radiusMeters float64) ([]models.Report, error)
}

// Resolver orchestrates the proximity query and the configured policy to
// decide whether a submission duplicates an existing open report.
type Resolver struct {
	finder CandidateFinder
	policy Policy
	radius float64
}

func NewResolver(finder CandidateFinder, policy Policy, radiusMeters float64) *Resolver {
	if radiusMeters <= 0 {
		panic(fmt.Sprintf("dedup: non-positive radius %v", radiusMeters))
	}
	return &Resolver{finder: finder, policy: policy, radius: radiusMeters}
}

func (r *Resolver) Policy() string { return r.policy.Name() }

// Resolve returns the duplicate verdict for a submission. An empty
// candidate set short-circuits to "not a duplicate"; the common case
// never touches the scorer.
func (r *Resolver) Resolve(ctx context.Context, s Submission) (Verdict, error) {
	if !ValidCoordinates(s.Latitude, s.Longitude) {
		return Verdict{}, fmt.Errorf("dedup: invalid coordinates (%v, %v)", s.Latitude, s.Longitude)
	}

	candidates, err := r.finder.FindCandidates(ctx, s.Latitude, s.Longitude, r.radius)
	if err != nil {
		return Verdict{}, fmt.Errorf("dedup: candidate query failed: %w", err)
	}
	if len(candidates) == 0 {
		return Verdict{}, nil
	}

	// The finder already excludes duplicates; a duplicate slipping through
	// would let the merge chain, so drop such rows and flag the defect.
	open := candidates[:0]
	for _, c := range candidates {
		if c.IsDuplicate {
			log.Printf("[ERROR] Duplicate report %s returned as dedup candidate, skipping", c.ID)
			continue
		}
		open = append(open, c)
	}
	if len(open) == 0 {
		return Verdict{}, nil
	}

	return r.policy.Decide(s, open), nil
}
