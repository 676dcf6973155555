package reports

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civic-issue-reporting/services/report-service/dedup"
	"civic-issue-reporting/services/report-service/models"
	"civic-issue-reporting/services/report-service/store"
)

type fakeStorage struct {
	uploads int
	err     error
}

func (f *fakeStorage) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.uploads++
	return fmt.Sprintf("https://storage.local/reports/%d.jpg", f.uploads), nil
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeAnalyzer) AnalyzeAsync(reportID string, image []byte, category models.Category) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reportID)
}

type fakePublisher struct {
	created       []models.ReportEvent
	notifications []models.NotificationEvent
	err           error
}

func (f *fakePublisher) PublishReportCreated(ev models.ReportEvent) error {
	if f.err != nil {
		return f.err
	}
	f.created = append(f.created, ev)
	return nil
}

func (f *fakePublisher) PublishNotification(ev models.NotificationEvent) error {
	if f.err != nil {
		return f.err
	}
	f.notifications = append(f.notifications, ev)
	return nil
}

func contentHash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

type fixture struct {
	svc       *Service
	store     *memStore
	storage   *fakeStorage
	analyzer  *fakeAnalyzer
	publisher *fakePublisher
}

func newFixture(t *testing.T, policy dedup.Policy) *fixture {
	t.Helper()
	st := newMemStore()
	storage := &fakeStorage{}
	analyzer := &fakeAnalyzer{}
	publisher := &fakePublisher{}
	resolver := dedup.NewResolver(st, policy, dedup.DefaultRadiusMeters)
	svc := NewService(st, resolver, storage, contentHash, analyzer, publisher)
	return &fixture{svc: svc, store: st, storage: storage, analyzer: analyzer, publisher: publisher}
}

var (
	citizen   = Actor{ID: "11111111-1111-1111-1111-111111111111", Name: "Asha", Role: "citizen"}
	neighbour = Actor{ID: "22222222-2222-2222-2222-222222222222", Name: "Ravi", Role: "citizen"}
	inspector = Actor{ID: "33333333-3333-3333-3333-333333333333", Name: "Inspector", Role: "authority"}
)

func roadIssueAt(lat, lon float64, image string) CreateReportInput {
	return CreateReportInput{
		Title:       "Pothole on main road",
		Description: "deep pothole near the bus stop",
		Category:    models.CategoryRoadIssue,
		Latitude:    lat,
		Longitude:   lon,
		Image:       []byte(image),
		ContentType: "image/jpeg",
	}
}

func TestCreateFreshReport(t *testing.T) {
	f := newFixture(t, dedup.CategoryRadiusPolicy{})

	res, err := f.svc.Create(context.Background(), citizen, roadIssueAt(28.6139, 77.2090, "img-1"))
	require.NoError(t, err)

	assert.False(t, res.IsDuplicate)
	assert.False(t, res.Merged)
	assert.Nil(t, res.Original)

	r := res.Report
	assert.Equal(t, models.StatusPending, r.Status)
	assert.Len(t, r.ImageURLs, 1)
	assert.Equal(t, 1, r.Upvotes, "creator auto-upvote")

	voted, err := f.svc.HasUpvoted(context.Background(), r.ID, citizen.ID)
	require.NoError(t, err)
	assert.True(t, voted)

	assert.Len(t, f.store.activitiesOfType(r.ID, models.ActivityCreated), 1)
	assert.Equal(t, []string{r.ID}, f.analyzer.calls, "analysis dispatched")
	require.Len(t, f.publisher.created, 1)
	assert.Equal(t, r.ID, f.publisher.created[0].ID)
}

func TestCreateDuplicateMergesIntoOriginal(t *testing.T) {
	f := newFixture(t, dedup.CategoryRadiusPolicy{})
	ctx := context.Background()

	first, err := f.svc.Create(ctx, citizen, roadIssueAt(28.6139, 77.2090, "img-1"))
	require.NoError(t, err)

	// ~15m away, same category: a duplicate under the category+radius policy.
	second, err := f.svc.Create(ctx, neighbour, roadIssueAt(28.6140, 77.2091, "img-2"))
	require.NoError(t, err)

	assert.True(t, second.IsDuplicate)
	assert.True(t, second.Merged)
	require.NotNil(t, second.Original)
	assert.Equal(t, first.Report.ID, second.Original.ID)

	dup, err := f.svc.Get(ctx, second.Report.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchived, dup.Status)
	assert.True(t, dup.IsDuplicate)
	require.NotNil(t, dup.OriginalReportID)
	assert.Equal(t, first.Report.ID, *dup.OriginalReportID)
	require.NotNil(t, dup.MergedAt)

	orig, err := f.svc.Get(ctx, first.Report.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, orig.DuplicateCount)
	assert.False(t, orig.IsDuplicate)
	require.Len(t, orig.ImageURLs, 2)
	assert.Equal(t, first.Report.ImageURLs[0], orig.ImageURLs[0], "original's images come first")
	assert.Len(t, orig.ImageHashes, 2)

	// One merge activity on each side.
	assert.Len(t, f.store.activitiesOfType(orig.ID, models.ActivityAddedDuplicate), 1)
	assert.Len(t, f.store.activitiesOfType(dup.ID, models.ActivityMarkedAsDuplicate), 1)

	// The duplicate never shows in the public list: exactly one visible
	// ROAD_ISSUE report remains at that location.
	visible, err := f.svc.List(ctx, "", models.CategoryRoadIssue)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, orig.ID, visible[0].ID)
	assert.Equal(t, 1, visible[0].DuplicateCount)

	// No analysis and no report-created event for the duplicate.
	assert.Equal(t, []string{first.Report.ID}, f.analyzer.calls)
	assert.Len(t, f.publisher.created, 1)
}

func TestCreateDuplicateDifferentCategoryStaysFresh(t *testing.T) {
	f := newFixture(t, dedup.CategoryRadiusPolicy{})
	ctx := context.Background()

	_, err := f.svc.Create(ctx, citizen, roadIssueAt(28.6139, 77.2090, "img-1"))
	require.NoError(t, err)

	garbage := roadIssueAt(28.6140, 77.2091, "img-2")
	garbage.Category = models.CategoryGarbage
	garbage.Title = "Garbage pile"
	res, err := f.svc.Create(ctx, neighbour, garbage)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
}

func TestCreateFarAwayStaysFresh(t *testing.T) {
	f := newFixture(t, dedup.CategoryRadiusPolicy{})
	ctx := context.Background()

	_, err := f.svc.Create(ctx, citizen, roadIssueAt(28.6139, 77.2090, "img-1"))
	require.NoError(t, err)

	// ~10km away: same category, but nowhere near the radius.
	res, err := f.svc.Create(ctx, neighbour, roadIssueAt(28.7041, 77.1025, "img-2"))
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)

	visible, err := f.svc.List(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, visible, 2)
}

func TestCreateDuplicateUnderSimilarityPolicy(t *testing.T) {
	f := newFixture(t, dedup.SimilarityPolicy{Threshold: dedup.DefaultSimilarityThreshold})
	ctx := context.Background()

	first, err := f.svc.Create(ctx, citizen, roadIssueAt(28.6139, 77.2090, "same-bytes"))
	require.NoError(t, err)

	// Identical image and text: combined score 1.0, above the threshold.
	second, err := f.svc.Create(ctx, neighbour, roadIssueAt(28.6140, 77.2091, "same-bytes"))
	require.NoError(t, err)
	require.True(t, second.IsDuplicate)
	assert.Equal(t, first.Report.ID, second.Original.ID)
	assert.InDelta(t, 1.0, second.Similarity, 1e-9)

	// Different image and unrelated text: stays fresh even 15m away.
	third := roadIssueAt(28.6140, 77.2091, "other-bytes")
	third.Title = "Water leaking from pipe"
	third.Description = "constant stream since morning"
	res, err := f.svc.Create(ctx, neighbour, third)
	require.NoError(t, err)
	assert.False(t, res.IsDuplicate)
}

func TestRepeatMergeIsRejected(t *testing.T) {
	f := newFixture(t, dedup.CategoryRadiusPolicy{})
	ctx := context.Background()

	first, err := f.svc.Create(ctx, citizen, roadIssueAt(28.6139, 77.2090, "img-1"))
	require.NoError(t, err)
	second, err := f.svc.Create(ctx, neighbour, roadIssueAt(28.6140, 77.2091, "img-2"))
	require.NoError(t, err)

	actorID := citizen.ID
	_, err = f.store.Merge(ctx, second.Report.ID, first.Report.ID, &actorID)
	assert.ErrorIs(t, err, store.ErrAlreadyMerged)

	orig, err := f.svc.Get(ctx, first.Report.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, orig.DuplicateCount, "count must not double-increment")
	assert.Len(t, orig.ImageURLs, 2, "image list must not duplicate")
}

func TestMergeRepointsUpvotesWithoutDoubleVotes(t *testing.T) {
	f := newFixture(t, dedup.CategoryRadiusPolicy{})
	ctx := context.Background()

	first, err := f.svc.Create(ctx, citizen, roadIssueAt(28.6139, 77.2090, "img-1"))
	require.NoError(t, err)

	// neighbour upvotes the original before filing their own duplicate.
	_, created, err := f.svc.Upvote(ctx, neighbour, first.Report.ID)
	require.NoError(t, err)
	require.True(t, created)

	second, err := f.svc.Create(ctx, neighbour, roadIssueAt(28.6140, 77.2091, "img-2"))
	require.NoError(t, err)
	require.True(t, second.Merged)

	// citizen's vote + neighbour's single vote; the auto-upvote on the
	// duplicate must not become a second row for neighbour.
	orig, err := f.svc.Get(ctx, first.Report.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, orig.Upvotes)
}

func TestUpvoteIdempotent(t *testing.T) {
	f := newFixture(t, dedup.CategoryRadiusPolicy{})
	ctx := context.Background()

	res, err := f.svc.Create(ctx, citizen, roadIssueAt(28.6139, 77.2090, "img-1"))
	require.NoError(t, err)

	r, created, err := f.svc.Upvote(ctx, neighbour, res.Report.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, r.Upvotes)

	r, created, err = f.svc.Upvote(ctx, neighbour, res.Report.ID)
	require.NoError(t, err)
	assert.False(t, created, "second vote is a detectable no-op")
	assert.Equal(t, 2, r.Upvotes)
}

func TestUpdateStatusTransitions(t *testing.T) {
	f := newFixture(t, dedup.CategoryRadiusPolicy{})
	ctx := context.Background()

	res, err := f.svc.Create(ctx, citizen, roadIssueAt(28.6139, 77.2090, "img-1"))
	require.NoError(t, err)
	id := res.Report.ID

	r, err := f.svc.UpdateStatus(ctx, inspector, id, models.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, r.Status)

	r, err = f.svc.UpdateStatus(ctx, inspector, id, models.StatusResolved)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, r.Status)
	assert.Len(t, f.store.activitiesOfType(id, models.ActivityMarkedResolved), 1)

	// RESOLVED is terminal.
	_, err = f.svc.UpdateStatus(ctx, inspector, id, models.StatusInProgress)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// ARCHIVED is never reachable through the status endpoint.
	other, err := f.svc.Create(ctx, citizen, roadIssueAt(12.9716, 77.5946, "img-2"))
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, inspector, other.Report.ID, models.StatusArchived)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, dedup.CategoryRadiusPolicy{})
	ctx := context.Background()

	input := roadIssueAt(28.6139, 77.2090, "img")
	input.Title = ""
	_, err := f.svc.Create(ctx, citizen, input)
	assert.ErrorIs(t, err, ErrInvalidInput)

	input = roadIssueAt(91, 77.2090, "img")
	_, err = f.svc.Create(ctx, citizen, input)
	assert.ErrorIs(t, err, ErrInvalidInput)

	input = roadIssueAt(28.6139, 77.2090, "img")
	input.Category = "VOLCANO"
	_, err = f.svc.Create(ctx, citizen, input)
	assert.ErrorIs(t, err, ErrInvalidInput)

	input = roadIssueAt(28.6139, 77.2090, "")
	input.Image = nil
	_, err = f.svc.Create(ctx, citizen, input)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateSucceedsWhenPublisherFails(t *testing.T) {
	f := newFixture(t, dedup.CategoryRadiusPolicy{})
	f.publisher.err = errors.New("broker down")

	res, err := f.svc.Create(context.Background(), citizen, roadIssueAt(28.6139, 77.2090, "img-1"))
	require.NoError(t, err, "queue failure must never fail report creation")
	assert.Equal(t, models.StatusPending, res.Report.Status)
}

func TestCreateFailsWhenUploadFails(t *testing.T) {
	f := newFixture(t, dedup.CategoryRadiusPolicy{})
	f.storage.err = errors.New("bucket unavailable")

	_, err := f.svc.Create(context.Background(), citizen, roadIssueAt(28.6139, 77.2090, "img-1"))
	assert.Error(t, err)
}

func TestCommentsAndActivities(t *testing.T) {
	f := newFixture(t, dedup.CategoryRadiusPolicy{})
	ctx := context.Background()

	res, err := f.svc.Create(ctx, citizen, roadIssueAt(28.6139, 77.2090, "img-1"))
	require.NoError(t, err)
	id := res.Report.ID

	_, err = f.svc.AddComment(ctx, neighbour, id, "same here, my tyre hit it")
	require.NoError(t, err)
	_, err = f.svc.AddComment(ctx, inspector, id, "crew scheduled for Monday")
	require.NoError(t, err)

	comments, err := f.svc.ListComments(ctx, id)
	require.NoError(t, err)
	assert.Len(t, comments, 2)

	assert.Len(t, f.store.activitiesOfType(id, models.ActivityCommentAdded), 1)
	assert.Len(t, f.store.activitiesOfType(id, models.ActivityAuthorityCommented), 1)

	_, err = f.svc.AddComment(ctx, neighbour, "missing-id", "hello")
	assert.ErrorIs(t, err, store.ErrReportNotFound)

	_, err = f.svc.AddComment(ctx, neighbour, id, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestListNearbyValidation(t *testing.T) {
	f := newFixture(t, dedup.CategoryRadiusPolicy{})
	ctx := context.Background()

	_, err := f.svc.ListNearby(ctx, 95, 0, 5)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.ListNearby(ctx, 0, 0, -1)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.ListNearby(ctx, 0, 0, 5)
	require.NoError(t, err)
}
