package vision

import (
	"context"
	"fmt"
	"log"
	"time"

	"civic-issue-reporting/services/report-service/models"
)

// Predictor is the model call; AnnotationSink is where verdicts land.
// Both are satisfied by the real Client and AnnotationStore.
type Predictor interface {
	Predict(ctx context.Context, image []byte, filename string) (Prediction, error)
}

type AnnotationSink interface {
	Save(ctx context.Context, a Annotation) error
}

// Analyzer runs detection-model analysis decoupled from the request that
// triggered it. The verdict is persisted on its own; errors are logged
// and go nowhere else.
type Analyzer struct {
	model   Predictor
	sink    AnnotationSink
	timeout time.Duration
}

func NewAnalyzer(model Predictor, sink AnnotationSink, timeout time.Duration) *Analyzer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Analyzer{model: model, sink: sink, timeout: timeout}
}

// AnalyzeAsync dispatches the analysis on its own goroutine with its own
// deadline. There is no channel back to the caller.
func (a *Analyzer) AnalyzeAsync(reportID string, image []byte, category models.Category) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		a.Analyze(ctx, reportID, image, category)
	}()
}

// Analyze runs one analysis to completion. A failed model call is
// recorded as an unsuccessful annotation so the diagnostic endpoints can
// show what happened.
func (a *Analyzer) Analyze(ctx context.Context, reportID string, image []byte, category models.Category) {
	filename := fmt.Sprintf("report-%s.jpg", reportID)

	prediction, err := a.model.Predict(ctx, image, filename)
	if err != nil {
		log.Printf("[WARN] Model analysis failed for report %s: %v", reportID, err)
		prediction = Prediction{Success: false, FailureReason: err.Error()}
	}

	annotation := Annotation{
		ReportID:    reportID,
		Category:    category,
		Prediction:  prediction,
		IsConfirmed: EvaluatePrediction(prediction, category),
		ProcessedAt: time.Now().UTC(),
	}

	if err := a.sink.Save(ctx, annotation); err != nil {
		log.Printf("[WARN] Failed to save annotation for report %s: %v", reportID, err)
	}
}
