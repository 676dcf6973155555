package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"civic-issue-reporting/services/report-service/models"
)

// Detection is a single object the model found in the image.
type Detection struct {
	Class      string  `json:"class" bson:"class"`
	Confidence float64 `json:"confidence" bson:"confidence"`
}

// Prediction is the model's answer as a tagged variant: either a
// successful run with structured detections, or a failure with a reason.
// The raw payload is never passed around untyped.
type Prediction struct {
	Success       bool        `json:"success" bson:"success"`
	Detections    []Detection `json:"detections,omitempty" bson:"detections,omitempty"`
	Count         int         `json:"count" bson:"count"`
	FailureReason string      `json:"failure_reason,omitempty" bson:"failure_reason,omitempty"`
}

// detectionClasses maps report categories to the model's class labels.
var detectionClasses = map[models.Category]string{
	models.CategoryRoadIssue: "pothole",
	models.CategoryGarbage:   "garbage",
}

// EvaluatePrediction decides whether the model confirmed the reported
// issue: at least one detection of the category's class above 0.5
// confidence. Categories the model was not trained on are never
// confirmed.
func EvaluatePrediction(p Prediction, category models.Category) bool {
	if !p.Success {
		return false
	}
	class, ok := detectionClasses[category]
	if !ok {
		return false
	}
	for _, d := range p.Detections {
		if d.Class == class && d.Confidence > 0.5 {
			return true
		}
	}
	return false
}

// Client calls the external detection-model HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Predict submits an image for analysis. Transport and decode errors are
// returned as errors; a model-side failure comes back as an unsuccessful
// Prediction.
func (c *Client) Predict(ctx context.Context, image []byte, filename string) (Prediction, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return Prediction{}, err
	}
	if _, err := part.Write(image); err != nil {
		return Prediction{}, err
	}
	if err := writer.Close(); err != nil {
		return Prediction{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", &body)
	if err != nil {
		return Prediction{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Prediction{}, fmt.Errorf("model returned status %d: %s", resp.StatusCode, payload)
	}

	var p Prediction
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Prediction{}, fmt.Errorf("failed to decode model response: %w", err)
	}
	return p, nil
}

// Health reports whether the model API answers its health endpoint.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
