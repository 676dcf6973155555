package models

import (
	"time"
)

// Category is the closed set of issue categories citizens can file.
type Category string

const (
	CategoryRoadIssue      Category = "ROAD_ISSUE"
	CategoryGarbage        Category = "GARBAGE"
	CategoryStreetLight    Category = "STREET_LIGHT"
	CategoryWaterLeak      Category = "WATER_LEAK"
	CategoryNoiseComplaint Category = "NOISE_COMPLAINT"
	CategoryOther          Category = "OTHER"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryRoadIssue, CategoryGarbage, CategoryStreetLight,
		CategoryWaterLeak, CategoryNoiseComplaint, CategoryOther:
		return true
	}
	return false
}

// Status is a report's lifecycle state.
// PENDING -> IN_PROGRESS -> RESOLVED, or PENDING -> ARCHIVED via merge.
// Nothing leaves RESOLVED or ARCHIVED.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusResolved   Status = "RESOLVED"
	StatusArchived   Status = "ARCHIVED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusResolved, StatusArchived:
		return true
	}
	return false
}

// Terminal reports cannot change status again.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusArchived
}

// CanTransition reports whether a status change is allowed. ARCHIVED is
// never a valid target here; only the merge transaction archives a report.
func (s Status) CanTransition(to Status) bool {
	if s.Terminal() || to == StatusArchived {
		return false
	}
	switch s {
	case StatusPending:
		return to == StatusInProgress || to == StatusResolved
	case StatusInProgress:
		return to == StatusResolved
	}
	return false
}

type Report struct {
	ID          string   `gorm:"type:uuid;primaryKey" json:"id"`
	Title       string   `gorm:"not null" json:"title"`
	Description string   `json:"description,omitempty"`
	Category    Category `gorm:"type:varchar(32);not null;index" json:"category"`
	Latitude    float64  `gorm:"not null;index" json:"latitude"`
	Longitude   float64  `gorm:"not null;index" json:"longitude"`
	Status      Status   `gorm:"type:varchar(16);not null;default:'PENDING';index" json:"status"`

	// ImageURLs and ImageHashes are aligned slices in upload order. Merges
	// append the duplicate's entries after the original's.
	ImageURLs   []string `gorm:"serializer:json" json:"image_urls"`
	ImageHashes []string `gorm:"serializer:json" json:"-"`

	ReporterID   string `gorm:"type:uuid;not null;index" json:"reporter_id"`
	ReporterName string `json:"reporter_name"`
	IsAnonymous  bool   `gorm:"default:false" json:"is_anonymous"`
	// ReporterIDEnc stores the real reporter user id encrypted (AES-GCM) for
	// anonymous reports. It is never returned in any API response.
	ReporterIDEnc string `json:"-"`

	IsDuplicate      bool       `gorm:"default:false;index" json:"is_duplicate"`
	OriginalReportID *string    `gorm:"type:uuid" json:"original_report_id,omitempty"`
	DuplicateCount   int        `gorm:"default:0" json:"duplicate_count"`
	MergedAt         *time.Time `json:"merged_at,omitempty"`

	Upvotes    int  `gorm:"default:0" json:"upvotes"`
	HasUpvoted bool `gorm:"-" json:"has_upvoted,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActivityType is the closed set of timeline entry kinds.
type ActivityType string

const (
	ActivityCreated            ActivityType = "CREATED"
	ActivityCommentAdded       ActivityType = "COMMENT_ADDED"
	ActivityAuthorityCommented ActivityType = "AUTHORITY_COMMENTED"
	ActivityStatusUpdated      ActivityType = "STATUS_UPDATED"
	ActivityAddedDuplicate     ActivityType = "ADDED_DUPLICATE"
	ActivityMarkedResolved     ActivityType = "MARKED_RESOLVED"
	ActivityMarkedAsDuplicate  ActivityType = "MARKED_AS_DUPLICATE"
)

// Activity is an immutable, append-only timeline entry on a report.
// ActorID is nil for system-generated entries.
type Activity struct {
	ID        string       `gorm:"type:uuid;primaryKey" json:"id"`
	ReportID  string       `gorm:"type:uuid;not null;index" json:"report_id"`
	Type      ActivityType `gorm:"type:varchar(32);not null" json:"type"`
	Message   string       `gorm:"not null" json:"message"`
	ActorID   *string      `gorm:"type:uuid" json:"actor_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Upvote existence is the fact: at most one row per (report, user) pair.
type Upvote struct {
	ReportID  string    `gorm:"type:uuid;primaryKey" json:"report_id"`
	UserID    string    `gorm:"type:uuid;primaryKey" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Comment struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	ReportID   string    `gorm:"type:uuid;not null;index" json:"report_id"`
	UserID     string    `gorm:"type:uuid;not null" json:"user_id"`
	AuthorName string    `json:"author_name"`
	Text       string    `gorm:"not null" json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReportEvent is the payload published to the report queue when a new
// report is created, consumed by the dispatcher service.
type ReportEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Category    Category  `json:"category"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	IsAnonymous bool      `json:"is_anonymous"`
	ReporterID  string    `json:"reporter_id"`
	Reporter    string    `json:"reporter_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// NotificationEvent is published when a report changes state, consumed by
// the notification service for fan-out to subscribed clients.
type NotificationEvent struct {
	ID        string    `json:"id"`
	ReportID  string    `json:"report_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"` // status_update, report_merged
	Status    Status    `json:"status"`
	Category  Category  `json:"category,omitempty"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
