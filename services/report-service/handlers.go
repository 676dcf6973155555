package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"civic-issue-reporting/pkg/middleware"
	"civic-issue-reporting/pkg/response"
	"civic-issue-reporting/pkg/security"
	"civic-issue-reporting/services/report-service/models"
	"civic-issue-reporting/services/report-service/reports"
	"civic-issue-reporting/services/report-service/store"
	"civic-issue-reporting/services/report-service/vision"
)

// server holds the wired dependencies for the HTTP surface. Handlers are
// methods so nothing reaches for package globals.
type server struct {
	reports     *reports.Service
	annotations *vision.AnnotationStore
	model       *vision.Client
	db          *gorm.DB
	diagnostics bool
}

func (s *server) routes() {
	chain := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.TraceMiddleware(
			middleware.MetricsMiddleware(
				middleware.LoggerMiddleware(
					middleware.AuthMiddleware(h)))).ServeHTTP
	}
	public := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.TraceMiddleware(
			middleware.MetricsMiddleware(
				middleware.LoggerMiddleware(h))).ServeHTTP
	}

	http.HandleFunc("/health", public(s.healthHandler))
	http.Handle("/metrics", middleware.GetMetricsHandler())

	http.HandleFunc("/api/reports", chain(s.reportsHandler))
	http.HandleFunc("/api/reports/mine", chain(s.myReportsHandler))
	http.HandleFunc("/api/reports/nearby", chain(s.nearbyReportsHandler))
	http.HandleFunc("/api/reports/", chain(s.reportDetailHandler))

	if s.diagnostics {
		http.HandleFunc("/internal/model/health", public(s.modelHealthHandler))
		http.HandleFunc("/internal/model/annotations/", chain(s.annotationHandler))
		http.HandleFunc("/internal/reports/", chain(s.revealReporterHandler))
	}
}

func (s *server) healthHandler(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		response.Error(w, http.StatusServiceUnavailable, "Database unreachable", err.Error())
		return
	}
	response.Success(w, http.StatusOK, "Report service healthy", nil)
}

func (s *server) reportsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listReports(w, r)
	case http.MethodPost:
		s.createReport(w, r)
	default:
		response.Error(w, http.StatusMethodNotAllowed, "Method not allowed", "")
	}
}

// reportDetailHandler routes /api/reports/{id} and its sub-resources.
func (s *server) reportDetailHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/reports/"), "/")
	if rest == "" {
		response.Error(w, http.StatusBadRequest, "Missing report ID", "")
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		if r.Method != http.MethodGet {
			response.Error(w, http.StatusMethodNotAllowed, "Method not allowed", "")
			return
		}
		s.getReport(w, r, id)
	case "status":
		if r.Method != http.MethodPut {
			response.Error(w, http.StatusMethodNotAllowed, "Method not allowed", "")
			return
		}
		middleware.RequireRole("authority", "admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.updateStatus(w, r, id)
		})).ServeHTTP(w, r)
	case "upvote":
		if r.Method != http.MethodPost {
			response.Error(w, http.StatusMethodNotAllowed, "Method not allowed", "")
			return
		}
		s.upvoteReport(w, r, id)
	case "comments":
		switch r.Method {
		case http.MethodGet:
			s.listComments(w, r, id)
		case http.MethodPost:
			s.addComment(w, r, id)
		default:
			response.Error(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		}
	case "activities":
		if r.Method != http.MethodGet {
			response.Error(w, http.StatusMethodNotAllowed, "Method not allowed", "")
			return
		}
		s.listActivities(w, r, id)
	default:
		response.Error(w, http.StatusNotFound, "Not found", "")
	}
}

func (s *server) createReport(w http.ResponseWriter, r *http.Request) {
	claims, ok := r.Context().Value(middleware.UserContextKey).(*middleware.UserClaims)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}

	var input struct {
		Title       string  `json:"title"`
		Description string  `json:"description"`
		Category    string  `json:"category"`
		Latitude    float64 `json:"latitude"`
		Longitude   float64 `json:"longitude"`
		Image       string  `json:"image"`
		IsAnonymous bool    `json:"is_anonymous"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	image, contentType, err := parseBase64Image(input.Image)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid image payload", err.Error())
		return
	}

	result, err := s.reports.Create(r.Context(), actorFromClaims(claims), reports.CreateReportInput{
		Title:       input.Title,
		Description: input.Description,
		Category:    models.Category(input.Category),
		Latitude:    input.Latitude,
		Longitude:   input.Longitude,
		Image:       image,
		ContentType: contentType,
		IsAnonymous: input.IsAnonymous,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	maskAnonymous(result.Report)
	if result.Original != nil {
		maskAnonymous(result.Original)
	}

	message := "Report created"
	if result.Merged {
		message = "Report merged into an existing issue"
		middleware.CountReportMerged()
	} else {
		middleware.CountReportCreated()
	}
	response.Success(w, http.StatusCreated, message, result)
}

func (s *server) listReports(w http.ResponseWriter, r *http.Request) {
	status := models.Status(r.URL.Query().Get("status"))
	category := models.Category(r.URL.Query().Get("category"))

	list, err := s.reports.List(r.Context(), status, category)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	for i := range list {
		maskAnonymous(&list[i])
	}
	response.Success(w, http.StatusOK, "Reports retrieved", list)
}

func (s *server) myReportsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		response.Error(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}
	claims, ok := r.Context().Value(middleware.UserContextKey).(*middleware.UserClaims)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}

	list, err := s.reports.ListByReporter(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.Success(w, http.StatusOK, "Your reports retrieved", list)
}

func (s *server) nearbyReportsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		response.Error(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}

	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
	if latErr != nil || lngErr != nil {
		response.Error(w, http.StatusBadRequest, "lat and lng are required", "")
		return
	}
	radiusKm := 5.0
	if v := q.Get("radius"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "Invalid radius", err.Error())
			return
		}
		radiusKm = parsed
	}

	nearby, err := s.reports.ListNearby(r.Context(), lat, lng, radiusKm)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	for i := range nearby {
		maskAnonymous(&nearby[i].Report)
	}
	response.Success(w, http.StatusOK, "Nearby reports retrieved", nearby)
}

func (s *server) getReport(w http.ResponseWriter, r *http.Request, id string) {
	report, err := s.reports.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if claims, ok := r.Context().Value(middleware.UserContextKey).(*middleware.UserClaims); ok {
		voted, err := s.reports.HasUpvoted(r.Context(), id, claims.UserID)
		if err == nil {
			report.HasUpvoted = voted
		}
	}

	maskAnonymous(report)
	response.Success(w, http.StatusOK, "Report retrieved", report)
}

func (s *server) updateStatus(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := r.Context().Value(middleware.UserContextKey).(*middleware.UserClaims)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}

	var input struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	updated, err := s.reports.UpdateStatus(r.Context(), actorFromClaims(claims), id, models.Status(input.Status))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	maskAnonymous(updated)
	response.Success(w, http.StatusOK, "Status updated", updated)
}

func (s *server) upvoteReport(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := r.Context().Value(middleware.UserContextKey).(*middleware.UserClaims)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}

	report, voted, err := s.reports.Upvote(r.Context(), actorFromClaims(claims), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	maskAnonymous(report)

	message := "Upvote registered"
	if !voted {
		message = "Already upvoted"
	}
	response.Success(w, http.StatusOK, message, report)
}

func (s *server) listComments(w http.ResponseWriter, r *http.Request, id string) {
	comments, err := s.reports.ListComments(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.Success(w, http.StatusOK, "Comments retrieved", comments)
}

func (s *server) addComment(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := r.Context().Value(middleware.UserContextKey).(*middleware.UserClaims)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}

	var input struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.Error(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	comment, err := s.reports.AddComment(r.Context(), actorFromClaims(claims), id, input.Text)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.Success(w, http.StatusCreated, "Comment added", comment)
}

func (s *server) listActivities(w http.ResponseWriter, r *http.Request, id string) {
	activities, err := s.reports.ListActivities(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.Success(w, http.StatusOK, "Activities retrieved", activities)
}

func (s *server) modelHealthHandler(w http.ResponseWriter, r *http.Request) {
	if s.model.Health(r.Context()) {
		response.Success(w, http.StatusOK, "Model API healthy", nil)
		return
	}
	response.Error(w, http.StatusServiceUnavailable, "Model API unreachable", "")
}

func (s *server) annotationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		response.Error(w, http.StatusMethodNotAllowed, "Method not allowed", "")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/internal/model/annotations/"), "/")
	if id == "" {
		response.Error(w, http.StatusBadRequest, "Missing report ID", "")
		return
	}

	annotation, err := s.annotations.Latest(r.Context(), id)
	if err != nil {
		if errors.Is(err, vision.ErrAnnotationNotFound) {
			response.Error(w, http.StatusNotFound, "No annotation for report", "")
			return
		}
		response.Error(w, http.StatusInternalServerError, "Failed to load annotation", err.Error())
		return
	}
	response.Success(w, http.StatusOK, "Annotation retrieved", annotation)
}

// revealReporterHandler decrypts the reporter identity of an anonymous
// report. Admin-only, and only mounted when diagnostics are enabled.
func (s *server) revealReporterHandler(w http.ResponseWriter, r *http.Request) {
	middleware.RequireRole("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/internal/reports/"), "/")
		id := strings.TrimSuffix(rest, "/reporter")
		if id == "" || id == rest {
			response.Error(w, http.StatusNotFound, "Not found", "")
			return
		}

		report, err := s.reports.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !report.IsAnonymous || report.ReporterIDEnc == "" {
			response.Error(w, http.StatusBadRequest, "Report is not anonymous", "")
			return
		}

		reporterID, err := security.DecryptString(report.ReporterIDEnc)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "Failed to decrypt reporter identity", err.Error())
			return
		}
		response.Success(w, http.StatusOK, "Reporter identity revealed", map[string]string{
			"report_id":   report.ID,
			"reporter_id": reporterID,
		})
	})).ServeHTTP(w, r)
}

func actorFromClaims(claims *middleware.UserClaims) reports.Actor {
	return reports.Actor{
		ID:   claims.UserID,
		Name: claims.DisplayName(),
		Role: claims.Role,
	}
}

// maskAnonymous strips the visible reporter identity from responses for
// anonymous reports. The encrypted copy never serializes.
func maskAnonymous(report *models.Report) {
	if report != nil && report.IsAnonymous {
		report.ReporterID = ""
		report.ReporterName = "Anonymous"
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reports.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, "Invalid input", err.Error())
	case errors.Is(err, store.ErrReportNotFound):
		response.Error(w, http.StatusNotFound, "Report not found", "")
	case errors.Is(err, reports.ErrInvalidTransition), errors.Is(err, store.ErrAlreadyMerged), errors.Is(err, store.ErrNotCanonical):
		response.Error(w, http.StatusConflict, "Conflict", err.Error())
	default:
		response.Error(w, http.StatusInternalServerError, "Internal server error", err.Error())
	}
}

// parseBase64Image accepts either a raw base64 string or a data URL and
// returns the decoded bytes plus content type.
func parseBase64Image(payload string) ([]byte, string, error) {
	if payload == "" {
		return nil, "", errors.New("image is required")
	}

	contentType := "image/jpeg"
	data := payload
	if strings.HasPrefix(payload, "data:") {
		idx := strings.Index(payload, ",")
		if idx < 0 {
			return nil, "", errors.New("malformed data URL")
		}
		meta := payload[len("data:"):idx]
		if semi := strings.Index(meta, ";"); semi >= 0 {
			meta = meta[:semi]
		}
		if meta != "" {
			contentType = meta
		}
		data = payload[idx+1:]
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", err
	}
	return decoded, contentType, nil
}
