package reports

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"civic-issue-reporting/services/report-service/dedup"
	"civic-issue-reporting/services/report-service/models"
	"civic-issue-reporting/services/report-service/store"
)

// memStore is an in-memory Store with the same observable semantics as
// the gorm implementation, shared by the service tests.
type memStore struct {
	mu         sync.Mutex
	reports    map[string]*models.Report
	activities []models.Activity
	upvotes    map[string]map[string]bool // reportID -> userID
	comments   []models.Comment
}

func newMemStore() *memStore {
	return &memStore{
		reports: make(map[string]*models.Report),
		upvotes: make(map[string]map[string]bool),
	}
}

func (m *memStore) Create(ctx context.Context, report *models.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *report
	m.reports[report.ID] = &cp
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (*models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, store.ErrReportNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) List(ctx context.Context, status models.Status, category models.Category) ([]models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Report
	for _, r := range m.reports {
		if r.Status == models.StatusArchived {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		if category != "" && r.Category != category {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ListByReporter(ctx context.Context, reporterID string) ([]models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Report
	for _, r := range m.reports {
		if r.ReporterID == reporterID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) FindCandidates(ctx context.Context, lat, lon, radiusMeters float64) ([]models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Report
	for _, r := range m.reports {
		if r.IsDuplicate || r.Status == models.StatusArchived || r.Status == models.StatusResolved {
			continue
		}
		if dedup.DistanceMeters(lat, lon, r.Latitude, r.Longitude) <= radiusMeters {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memStore) ListNearby(ctx context.Context, lat, lon, radiusMeters float64) ([]store.NearbyReport, error) {
	candidates, err := m.FindCandidates(ctx, lat, lon, radiusMeters)
	if err != nil {
		return nil, err
	}
	var out []store.NearbyReport
	for _, r := range candidates {
		out = append(out, store.NearbyReport{
			Report:         r,
			DistanceMeters: dedup.DistanceMeters(lat, lon, r.Latitude, r.Longitude),
		})
	}
	return out, nil
}

func (m *memStore) Merge(ctx context.Context, duplicateID, originalID string, actorID *string) (*models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dup, ok := m.reports[duplicateID]
	if !ok {
		return nil, fmt.Errorf("duplicate %s: %w", duplicateID, store.ErrReportNotFound)
	}
	orig, ok := m.reports[originalID]
	if !ok {
		return nil, fmt.Errorf("original %s: %w", originalID, store.ErrReportNotFound)
	}
	if dup.MergedAt != nil {
		return nil, store.ErrAlreadyMerged
	}
	if orig.IsDuplicate {
		return nil, fmt.Errorf("original %s: %w", originalID, store.ErrNotCanonical)
	}

	now := time.Now().UTC()
	dup.Status = models.StatusArchived
	dup.IsDuplicate = true
	dup.OriginalReportID = &originalID
	dup.MergedAt = &now

	for user := range m.upvotes[duplicateID] {
		m.voteSet(originalID)[user] = true
	}
	delete(m.upvotes, duplicateID)
	dup.Upvotes = 0

	orig.ImageURLs = append(orig.ImageURLs, dup.ImageURLs...)
	orig.ImageHashes = append(orig.ImageHashes, dup.ImageHashes...)
	orig.DuplicateCount++
	orig.Upvotes = len(m.upvotes[originalID])

	m.activities = append(m.activities,
		models.Activity{ID: fmt.Sprintf("act-%d", len(m.activities)), ReportID: originalID,
			Type: models.ActivityAddedDuplicate, Message: fmt.Sprintf("Duplicate report %s merged into this report", duplicateID),
			ActorID: actorID, CreatedAt: now},
		models.Activity{ID: fmt.Sprintf("act-%d", len(m.activities)+1), ReportID: duplicateID,
			Type: models.ActivityMarkedAsDuplicate, Message: fmt.Sprintf("Marked as duplicate of report %s", originalID),
			ActorID: actorID, CreatedAt: now},
	)

	cp := *orig
	return &cp, nil
}

func (m *memStore) Upvote(ctx context.Context, reportID, userID string) (*models.Report, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[reportID]
	if !ok {
		return nil, false, store.ErrReportNotFound
	}
	votes := m.voteSet(reportID)
	if votes[userID] {
		cp := *r
		return &cp, false, nil
	}
	votes[userID] = true
	r.Upvotes++
	cp := *r
	return &cp, true, nil
}

func (m *memStore) UpdateStatus(ctx context.Context, reportID string, status models.Status) (*models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[reportID]
	if !ok {
		return nil, store.ErrReportNotFound
	}
	r.Status = status
	cp := *r
	return &cp, nil
}

func (m *memStore) AppendActivity(ctx context.Context, activity *models.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities = append(m.activities, *activity)
	return nil
}

func (m *memStore) ListActivities(ctx context.Context, reportID string) ([]models.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[reportID]; !ok {
		return nil, store.ErrReportNotFound
	}
	var out []models.Activity
	for _, a := range m.activities {
		if a.ReportID == reportID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) AddComment(ctx context.Context, comment *models.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments = append(m.comments, *comment)
	return nil
}

func (m *memStore) ListComments(ctx context.Context, reportID string) ([]models.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Comment
	for _, c := range m.comments {
		if c.ReportID == reportID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) HasUpvoted(ctx context.Context, reportID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voteSet(reportID)[userID], nil
}

func (m *memStore) voteSet(reportID string) map[string]bool {
	if m.upvotes[reportID] == nil {
		m.upvotes[reportID] = make(map[string]bool)
	}
	return m.upvotes[reportID]
}

func (m *memStore) activitiesOfType(reportID string, typ models.ActivityType) []models.Activity {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Activity
	for _, a := range m.activities {
		if a.ReportID == reportID && a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}
