package vision

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"civic-issue-reporting/services/report-service/models"
)

var ErrAnnotationNotFound = errors.New("annotation not found")

// Annotation is a persisted model verdict for a report. It lives outside
// the relational store and is only read back through diagnostic
// endpoints; it plays no part in duplicate resolution.
type Annotation struct {
	ReportID    string          `bson:"report_id" json:"report_id"`
	Category    models.Category `bson:"category" json:"category"`
	Prediction  Prediction      `bson:"prediction" json:"prediction"`
	IsConfirmed bool            `bson:"is_confirmed" json:"is_confirmed"`
	ProcessedAt time.Time       `bson:"processed_at" json:"processed_at"`
}

// AnnotationStore keeps model verdicts in MongoDB.
type AnnotationStore struct {
	collection *mongo.Collection
}

func NewAnnotationStore(db *mongo.Database) *AnnotationStore {
	return &AnnotationStore{collection: db.Collection("annotations")}
}

func (s *AnnotationStore) Save(ctx context.Context, a Annotation) error {
	_, err := s.collection.InsertOne(ctx, a)
	return err
}

// Latest returns the most recent annotation for a report.
func (s *AnnotationStore) Latest(ctx context.Context, reportID string) (*Annotation, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "processed_at", Value: -1}})

	var a Annotation
	err := s.collection.FindOne(ctx, bson.M{"report_id": reportID}, opts).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrAnnotationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
