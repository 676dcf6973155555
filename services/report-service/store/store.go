package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"civic-issue-reporting/services/report-service/dedup"
	"civic-issue-reporting/services/report-service/models"
)

// ReportStore is the gorm-backed persistent store for reports and their
// upvotes, activities and comments.
type ReportStore struct {
	db *gorm.DB
}

func NewReportStore(db *gorm.DB) *ReportStore {
	return &ReportStore{db: db}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Report{},
		&models.Activity{},
		&models.Upvote{},
		&models.Comment{},
	)
}

func (s *ReportStore) Create(ctx context.Context, report *models.Report) error {
	return s.db.WithContext(ctx).Create(report).Error
}

func (s *ReportStore) Get(ctx context.Context, id string) (*models.Report, error) {
	var report models.Report
	err := s.db.WithContext(ctx).First(&report, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// List returns publicly visible reports: everything except archived
// duplicates, newest first. Optional status and category narrow the list.
func (s *ReportStore) List(ctx context.Context, status models.Status, category models.Category) ([]models.Report, error) {
	q := s.db.WithContext(ctx).
		Where("status <> ?", models.StatusArchived).
		Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if category != "" {
		q = q.Where("category = ?", category)
	}

	var reports []models.Report
	if err := q.Find(&reports).Error; err != nil {
		return nil, err
	}
	return reports, nil
}

func (s *ReportStore) ListByReporter(ctx context.Context, reporterID string) ([]models.Report, error) {
	var reports []models.Report
	err := s.db.WithContext(ctx).
		Where("reporter_id = ?", reporterID).
		Order("created_at DESC").
		Find(&reports).Error
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// FindCandidates returns open, non-duplicate reports within radiusMeters
// of the point, ordered by creation time ascending (id as tie-break). A
// degree-window bounding box narrows the SQL scan, then the geodesic
// distance makes the final cut in-process.
func (s *ReportStore) FindCandidates(ctx context.Context, lat, lon, radiusMeters float64) ([]models.Report, error) {
	latDelta, lonDelta := boundingBoxDeltas(lat, radiusMeters)

	q := s.db.WithContext(ctx).
		Where("status NOT IN ?", []models.Status{models.StatusResolved, models.StatusArchived}).
		Where("is_duplicate = ?", false).
		Where("latitude BETWEEN ? AND ?", lat-latDelta, lat+latDelta).
		Order("created_at ASC, id ASC")
	if lonDelta < 180 {
		q = q.Where("longitude BETWEEN ? AND ?", lon-lonDelta, lon+lonDelta)
	}

	var rows []models.Report
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	candidates := rows[:0]
	for _, r := range rows {
		if dedup.DistanceMeters(lat, lon, r.Latitude, r.Longitude) <= radiusMeters {
			candidates = append(candidates, r)
		}
	}
	return candidates, nil
}

// NearbyReport pairs a report with its distance from the query point.
type NearbyReport struct {
	models.Report
	DistanceMeters float64 `json:"distance_meters"`
}

// ListNearby returns unresolved, non-duplicate reports within radiusMeters,
// closest first.
func (s *ReportStore) ListNearby(ctx context.Context, lat, lon, radiusMeters float64) ([]NearbyReport, error) {
	candidates, err := s.FindCandidates(ctx, lat, lon, radiusMeters)
	if err != nil {
		return nil, err
	}

	nearby := make([]NearbyReport, 0, len(candidates))
	for _, r := range candidates {
		nearby = append(nearby, NearbyReport{
			Report:         r,
			DistanceMeters: math.Round(dedup.DistanceMeters(lat, lon, r.Latitude, r.Longitude)*100) / 100,
		})
	}
	sort.Slice(nearby, func(i, j int) bool {
		return nearby[i].DistanceMeters < nearby[j].DistanceMeters
	})
	return nearby, nil
}

// Merge archives the duplicate and folds its evidence into the original
// in a single transaction: image lists concatenated (original first),
// duplicate_count incremented by exactly one, upvotes re-pointed without
// breaking the one-vote-per-user invariant, and an activity appended on
// each side. Nothing is visible half-merged; on any error the whole
// transaction rolls back.
func (s *ReportStore) Merge(ctx context.Context, duplicateID, originalID string, actorID *string) (*models.Report, error) {
	var merged models.Report

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dup, orig models.Report

		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&dup, "id = ?", duplicateID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("duplicate %s: %w", duplicateID, ErrReportNotFound)
		}
		if err != nil {
			return err
		}

		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&orig, "id = ?", originalID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("original %s: %w", originalID, ErrReportNotFound)
		}
		if err != nil {
			return err
		}

		// merged_at, not status, is the re-merge guard: the lifecycle service
		// pre-creates duplicates already archived before calling Merge.
		if dup.MergedAt != nil {
			return ErrAlreadyMerged
		}
		if orig.IsDuplicate {
			return fmt.Errorf("original %s: %w", originalID, ErrNotCanonical)
		}

		now := time.Now().UTC()
		err = tx.Model(&models.Report{}).Where("id = ?", duplicateID).Updates(map[string]interface{}{
			"status":             models.StatusArchived,
			"is_duplicate":       true,
			"original_report_id": originalID,
			"merged_at":          now,
			"upvotes":            0,
		}).Error
		if err != nil {
			return err
		}

		// Re-point the duplicate's upvotes. Insert-or-ignore keeps users who
		// voted on both sides at a single row on the original.
		var votes []models.Upvote
		if err := tx.Where("report_id = ?", duplicateID).Find(&votes).Error; err != nil {
			return err
		}
		for _, v := range votes {
			err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Upvote{
				ReportID:  originalID,
				UserID:    v.UserID,
				CreatedAt: v.CreatedAt,
			}).Error
			if err != nil {
				return err
			}
		}
		if err := tx.Where("report_id = ?", duplicateID).Delete(&models.Upvote{}).Error; err != nil {
			return err
		}

		var voteCount int64
		if err := tx.Model(&models.Upvote{}).Where("report_id = ?", originalID).Count(&voteCount).Error; err != nil {
			return err
		}

		err = tx.Model(&models.Report{}).Where("id = ?", originalID).
			Update("duplicate_count", gorm.Expr("duplicate_count + 1")).Error
		if err != nil {
			return err
		}

		err = tx.Model(&orig).Select("image_urls", "image_hashes", "upvotes").Updates(models.Report{
			ImageURLs:   append(orig.ImageURLs, dup.ImageURLs...),
			ImageHashes: append(orig.ImageHashes, dup.ImageHashes...),
			Upvotes:     int(voteCount),
		}).Error
		if err != nil {
			return err
		}

		activities := []models.Activity{
			newActivity(originalID, models.ActivityAddedDuplicate,
				fmt.Sprintf("Duplicate report %s merged into this report", duplicateID), actorID),
			newActivity(duplicateID, models.ActivityMarkedAsDuplicate,
				fmt.Sprintf("Marked as duplicate of report %s", originalID), actorID),
		}
		if err := tx.Create(&activities).Error; err != nil {
			return err
		}

		return tx.First(&merged, "id = ?", originalID).Error
	})
	if err != nil {
		return nil, err
	}
	return &merged, nil
}

// Upvote registers a vote for a report. The second vote by the same user
// is a safe no-op: the report is returned unchanged and the bool is false.
func (s *ReportStore) Upvote(ctx context.Context, reportID, userID string) (*models.Report, bool, error) {
	var report models.Report
	created := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&report, "id = ?", reportID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrReportNotFound
		}
		if err != nil {
			return err
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Upvote{
			ReportID:  reportID,
			UserID:    userID,
			CreatedAt: time.Now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true

		err = tx.Model(&report).Update("upvotes", gorm.Expr("upvotes + 1")).Error
		if err != nil {
			return err
		}
		report.Upvotes++
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &report, created, nil
}

// UpdateStatus persists a status transition already validated by the
// lifecycle service.
func (s *ReportStore) UpdateStatus(ctx context.Context, reportID string, status models.Status) (*models.Report, error) {
	var report models.Report
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&report, "id = ?", reportID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrReportNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&report).Update("status", status).Error; err != nil {
			return err
		}
		report.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *ReportStore) AppendActivity(ctx context.Context, activity *models.Activity) error {
	return s.db.WithContext(ctx).Create(activity).Error
}

func (s *ReportStore) ListActivities(ctx context.Context, reportID string) ([]models.Activity, error) {
	if _, err := s.Get(ctx, reportID); err != nil {
		return nil, err
	}
	var activities []models.Activity
	err := s.db.WithContext(ctx).
		Where("report_id = ?", reportID).
		Order("created_at DESC").
		Find(&activities).Error
	if err != nil {
		return nil, err
	}
	return activities, nil
}

func (s *ReportStore) AddComment(ctx context.Context, comment *models.Comment) error {
	return s.db.WithContext(ctx).Create(comment).Error
}

func (s *ReportStore) ListComments(ctx context.Context, reportID string) ([]models.Comment, error) {
	var comments []models.Comment
	err := s.db.WithContext(ctx).
		Where("report_id = ?", reportID).
		Order("created_at ASC").
		Find(&comments).Error
	if err != nil {
		return nil, err
	}
	return comments, nil
}

func (s *ReportStore) HasUpvoted(ctx context.Context, reportID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Upvote{}).
		Where("report_id = ? AND user_id = ?", reportID, userID).
		Count(&count).Error
	return count > 0, err
}

func newActivity(reportID string, typ models.ActivityType, message string, actorID *string) models.Activity {
	return models.Activity{
		ID:        uuid.New().String(),
		ReportID:  reportID,
		Type:      typ,
		Message:   message,
		ActorID:   actorID,
		CreatedAt: time.Now().UTC(),
	}
}

// boundingBoxDeltas converts a metric radius to degree windows around a
// latitude. The longitude window widens toward the poles and degrades to
// a full scan at the poles themselves.
func boundingBoxDeltas(lat, radiusMeters float64) (latDelta, lonDelta float64) {
	const metersPerDegreeLat = 111320.0
	latDelta = radiusMeters / metersPerDegreeLat

	cosLat := math.Cos(lat * math.Pi / 180)
	if cosLat < 1e-6 {
		return latDelta, 180
	}
	return latDelta, radiusMeters / (metersPerDegreeLat * cosLat)
}
