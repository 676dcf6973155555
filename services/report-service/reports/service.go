package reports

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"civic-issue-reporting/pkg/security"
	"civic-issue-reporting/services/report-service/dedup"
	"civic-issue-reporting/services/report-service/models"
	"civic-issue-reporting/services/report-service/store"
)

var (
	// ErrInvalidInput rejects malformed submissions before they reach the
	// resolver or the store.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition rejects status changes the lifecycle state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the persistence surface the lifecycle service needs. The gorm
// implementation lives in the store package; tests inject a fake.
type Store interface {
	Create(ctx context.Context, report *models.Report) error
	Get(ctx context.Context, id string) (*models.Report, error)
	List(ctx context.Context, status models.Status, category models.Category) ([]models.Report, error)
	ListByReporter(ctx context.Context, reporterID string) ([]models.Report, error)
	ListNearby(ctx context.Context, lat, lon, radiusMeters float64) ([]store.NearbyReport, error)
	Merge(ctx context.Context, duplicateID, originalID string, actorID *string) (*models.Report, error)
	Upvote(ctx context.Context, reportID, userID string) (*models.Report, bool, error)
	UpdateStatus(ctx context.Context, reportID string, status models.Status) (*models.Report, error)
	AppendActivity(ctx context.Context, activity *models.Activity) error
	ListActivities(ctx context.Context, reportID string) ([]models.Activity, error)
	AddComment(ctx context.Context, comment *models.Comment) error
	ListComments(ctx context.Context, reportID string) ([]models.Comment, error)
	HasUpvoted(ctx context.Context, reportID, userID string) (bool, error)
}

// ImageStorage uploads a binary blob and returns a durable URL.
type ImageStorage interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// Analyzer dispatches a detached image analysis whose outcome never
// reaches the submission caller.
type Analyzer interface {
	AnalyzeAsync(reportID string, image []byte, category models.Category)
}

// Publisher emits queue events. Failures are logged, never surfaced.
type Publisher interface {
	PublishReportCreated(ev models.ReportEvent) error
	PublishNotification(ev models.NotificationEvent) error
}

// Actor is the verified identity behind a mutating call, supplied by the
// auth middleware.
type Actor struct {
	ID   string
	Name string
	Role string
}

func (a Actor) authority() bool {
	return a.Role == "authority" || a.Role == "admin"
}

type CreateReportInput struct {
	Title       string
	Description string
	Category    models.Category
	Latitude    float64
	Longitude   float64
	Image       []byte
	ContentType string
	IsAnonymous bool
}

// CreateResult tells the caller whether the submission became a fresh
// report or was folded into an existing one.
type CreateResult struct {
	Report      *models.Report `json:"report"`
	IsDuplicate bool           `json:"is_duplicate"`
	Original    *models.Report `json:"original_report,omitempty"`
	Merged      bool           `json:"merged"`
	Similarity  float64        `json:"similarity,omitempty"`
}

// Hasher computes the fixed-length content hash compared by the
// similarity scorer.
type Hasher func(data []byte) string

// Service is the report lifecycle orchestration layer: creation, dedup,
// merge, status transitions, upvotes, comments, activity timelines.
type Service struct {
	store    Store
	resolver *dedup.Resolver
	images   ImageStorage
	hash     Hasher
	analyzer Analyzer
	events   Publisher
}

func NewService(st Store, resolver *dedup.Resolver, images ImageStorage, hash Hasher, analyzer Analyzer, events Publisher) *Service {
	return &Service{
		store:    st,
		resolver: resolver,
		images:   images,
		hash:     hash,
		analyzer: analyzer,
		events:   events,
	}
}

// Create files a new report. A submission judged to duplicate an open
// report is persisted already archived - there is never a window where a
// duplicate looks like a live report - and immediately merged into its
// original.
func (s *Service) Create(ctx context.Context, actor Actor, input CreateReportInput) (*CreateResult, error) {
	if err := validateCreate(input); err != nil {
		return nil, err
	}

	imageURL, err := s.images.Upload(ctx, input.Image, input.ContentType)
	if err != nil {
		return nil, fmt.Errorf("image upload failed: %w", err)
	}
	imageHash := s.hash(input.Image)

	verdict, err := s.resolver.Resolve(ctx, dedup.Submission{
		Title:       input.Title,
		Description: input.Description,
		Category:    input.Category,
		Latitude:    input.Latitude,
		Longitude:   input.Longitude,
		ImageHash:   imageHash,
	})
	if err != nil {
		return nil, err
	}

	report := &models.Report{
		ID:           uuid.New().String(),
		Title:        input.Title,
		Description:  input.Description,
		Category:     input.Category,
		Latitude:     input.Latitude,
		Longitude:    input.Longitude,
		Status:       models.StatusPending,
		ImageURLs:    []string{imageURL},
		ImageHashes:  []string{imageHash},
		ReporterID:   actor.ID,
		ReporterName: actor.Name,
		IsAnonymous:  input.IsAnonymous,
		CreatedAt:    time.Now().UTC(),
	}
	if input.IsAnonymous {
		if enc, encErr := security.EncryptString(actor.ID); encErr == nil {
			report.ReporterIDEnc = enc
		} else {
			log.Printf("[WARN] Failed to encrypt reporter id for anonymous report: %v", encErr)
		}
	}

	if verdict.IsDuplicate {
		return s.createAsDuplicate(ctx, actor, report, verdict)
	}
	return s.createFresh(ctx, actor, report, input.Image)
}

func (s *Service) createAsDuplicate(ctx context.Context, actor Actor, report *models.Report, verdict dedup.Verdict) (*CreateResult, error) {
	originalID := verdict.Original.ID
	report.Status = models.StatusArchived
	report.IsDuplicate = true
	report.OriginalReportID = &originalID

	if err := s.store.Create(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to save duplicate report: %w", err)
	}

	// The submitter's support should count on the canonical report: the
	// vote lands on the duplicate and the merge re-points it.
	if _, _, err := s.store.Upvote(ctx, report.ID, actor.ID); err != nil {
		log.Printf("[WARN] Failed to register submitter upvote for duplicate %s: %v", report.ID, err)
	}

	actorID := actor.ID
	merged, err := s.store.Merge(ctx, report.ID, originalID, &actorID)
	if err != nil {
		return nil, fmt.Errorf("merge into %s failed: %w", originalID, err)
	}

	s.logActivity(ctx, report.ID, models.ActivityCreated,
		fmt.Sprintf("Report %q was created and identified as a duplicate", report.Title), &actorID)

	s.notify(models.NotificationEvent{
		ReportID: merged.ID,
		Title:    merged.Title,
		Message:  "A duplicate of your report was filed and merged in",
		Type:     "report_merged",
		Status:   merged.Status,
		Category: merged.Category,
		UserID:   merged.ReporterID,
	})

	log.Printf("[OK] Report %s merged into original %s (policy=%s, similarity=%.2f)",
		report.ID, originalID, s.resolver.Policy(), verdict.Similarity)

	return &CreateResult{
		Report:      report,
		IsDuplicate: true,
		Original:    merged,
		Merged:      true,
		Similarity:  verdict.Similarity,
	}, nil
}

func (s *Service) createFresh(ctx context.Context, actor Actor, report *models.Report, image []byte) (*CreateResult, error) {
	if err := s.store.Create(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to save report: %w", err)
	}

	// The creator's own upvote registers through the normal path so the
	// Upvote row and the cached count stay consistent.
	if voted, _, err := s.store.Upvote(ctx, report.ID, actor.ID); err != nil {
		log.Printf("[WARN] Failed to register creator upvote for report %s: %v", report.ID, err)
	} else {
		report.Upvotes = voted.Upvotes
	}

	actorID := actor.ID
	s.logActivity(ctx, report.ID, models.ActivityCreated,
		fmt.Sprintf("Report %q was created", report.Title), &actorID)

	// Detection-model analysis is detached: its result lands in the
	// annotation store and its failure never reaches this caller.
	s.analyzer.AnalyzeAsync(report.ID, image, report.Category)

	if s.events != nil {
		ev := models.ReportEvent{
			ID:          report.ID,
			Title:       report.Title,
			Description: report.Description,
			Category:    report.Category,
			Latitude:    report.Latitude,
			Longitude:   report.Longitude,
			IsAnonymous: report.IsAnonymous,
			ReporterID:  report.ReporterID,
			Reporter:    report.ReporterName,
			CreatedAt:   report.CreatedAt,
		}
		if err := s.events.PublishReportCreated(ev); err != nil {
			log.Printf("[WARN] Report %s saved but event publish failed: %v", report.ID, err)
		}
	}

	log.Printf("[OK] Report created - ID: %s, Category: %s", report.ID, report.Category)
	return &CreateResult{Report: report, IsDuplicate: false, Merged: false}, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Report, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, status models.Status, category models.Category) ([]models.Report, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if category != "" && !category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, category)
	}
	return s.store.List(ctx, status, category)
}

func (s *Service) ListByReporter(ctx context.Context, reporterID string) ([]models.Report, error) {
	return s.store.ListByReporter(ctx, reporterID)
}

// ListNearby serves the public proximity browse. Radius is kilometers
// here, unlike the metric dedup radius, and is capped the way the mobile
// clients expect.
func (s *Service) ListNearby(ctx context.Context, lat, lon, radiusKm float64) ([]store.NearbyReport, error) {
	if !dedup.ValidCoordinates(lat, lon) {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrInvalidInput)
	}
	if radiusKm <= 0 || radiusKm > 100 {
		return nil, fmt.Errorf("%w: radius must be between 0.1 and 100 km", ErrInvalidInput)
	}
	return s.store.ListNearby(ctx, lat, lon, radiusKm*1000)
}

// UpdateStatus applies the lifecycle state machine. ARCHIVED is never a
// legal target; only the merge transaction archives reports.
func (s *Service) UpdateStatus(ctx context.Context, actor Actor, reportID string, status models.Status) (*models.Report, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	current, err := s.store.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}

	updated, err := s.store.UpdateStatus(ctx, reportID, status)
	if err != nil {
		return nil, err
	}

	actorID := actor.ID
	if status == models.StatusResolved {
		s.logActivity(ctx, reportID, models.ActivityMarkedResolved, "Report has been marked as resolved", &actorID)
	} else {
		s.logActivity(ctx, reportID, models.ActivityStatusUpdated,
			fmt.Sprintf("Status changed from %s to %s", current.Status, status), &actorID)
	}

	s.notify(models.NotificationEvent{
		ReportID: updated.ID,
		Title:    updated.Title,
		Message:  fmt.Sprintf("Your report is now %s", status),
		Type:     "status_update",
		Status:   updated.Status,
		Category: updated.Category,
		UserID:   updated.ReporterID,
	})

	return updated, nil
}

// Upvote registers a vote. A repeat vote is a safe no-op: the bool result
// is false and no error is returned.
func (s *Service) Upvote(ctx context.Context, actor Actor, reportID string) (*models.Report, bool, error) {
	return s.store.Upvote(ctx, reportID, actor.ID)
}

func (s *Service) AddComment(ctx context.Context, actor Actor, reportID, text string) (*models.Comment, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: comment text is required", ErrInvalidInput)
	}
	if _, err := s.store.Get(ctx, reportID); err != nil {
		return nil, err
	}

	comment := &models.Comment{
		ID:         uuid.New().String(),
		ReportID:   reportID,
		UserID:     actor.ID,
		AuthorName: actor.Name,
		Text:       text,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.AddComment(ctx, comment); err != nil {
		return nil, err
	}

	activityType := models.ActivityCommentAdded
	if actor.authority() {
		activityType = models.ActivityAuthorityCommented
	}
	actorID := actor.ID
	s.logActivity(ctx, reportID, activityType,
		fmt.Sprintf("%s commented on the report", actor.Name), &actorID)

	return comment, nil
}

func (s *Service) ListComments(ctx context.Context, reportID string) ([]models.Comment, error) {
	if _, err := s.store.Get(ctx, reportID); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, reportID)
}

func (s *Service) ListActivities(ctx context.Context, reportID string) ([]models.Activity, error) {
	return s.store.ListActivities(ctx, reportID)
}

func (s *Service) HasUpvoted(ctx context.Context, reportID, userID string) (bool, error) {
	return s.store.HasUpvoted(ctx, reportID, userID)
}

func (s *Service) logActivity(ctx context.Context, reportID string, typ models.ActivityType, message string, actorID *string) {
	activity := &models.Activity{
		ID:        uuid.New().String(),
		ReportID:  reportID,
		Type:      typ,
		Message:   message,
		ActorID:   actorID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendActivity(ctx, activity); err != nil {
		log.Printf("[WARN] Failed to append %s activity for report %s: %v", typ, reportID, err)
	}
}

func (s *Service) notify(ev models.NotificationEvent) {
	if s.events == nil {
		return
	}
	ev.ID = uuid.New().String()
	ev.CreatedAt = time.Now().UTC()
	if err := s.events.PublishNotification(ev); err != nil {
		log.Printf("[WARN] Failed to publish notification for report %s: %v", ev.ReportID, err)
	}
}

func validateCreate(input CreateReportInput) error {
	if input.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if !input.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidInput, input.Category)
	}
	if !dedup.ValidCoordinates(input.Latitude, input.Longitude) {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidInput)
	}
	if len(input.Image) == 0 {
		return fmt.Errorf("%w: a photo is required", ErrInvalidInput)
	}
	return nil
}
