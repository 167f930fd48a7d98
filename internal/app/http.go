package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"memoir/api/internal/export"
	"memoir/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Registration needs no identity header.
	if r.Method == http.MethodPost && r.URL.Path == "/api/users" {
		var body struct {
			DisplayName string `json:"displayName"`
			Email       string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.DisplayName) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "displayName is required", nil)
			return
		}
		user, err := s.service.EnsureUser(r.Context(), body.DisplayName, body.Email)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":          user.ID,
			"displayName": user.DisplayName,
			"email":       user.Email,
		})
		return
	}

	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/summary" {
		payload, err := s.service.Summary(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
			return
		}
		limit, ok := queryInt(w, r, "limit", 20)
		if !ok {
			return
		}
		offset, ok := queryInt(w, r, "offset", 0)
		if !ok {
			return
		}
		resp, err := s.service.SearchContent(r.Context(), search.Query{
			Text:       q,
			FilterType: search.ResultType(strings.TrimSpace(r.URL.Query().Get("type"))),
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/media" {
		s.handleIngestMedia(w, r, userID)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/content" {
		var body struct {
			Body     string     `json:"body"`
			PostedAt *time.Time `json:"postedAt"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		postedAt := time.Time{}
		if body.PostedAt != nil {
			postedAt = *body.PostedAt
		}
		item, err := s.service.CreateContent(r.Context(), userID, body.Body, postedAt)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":       item.ID,
			"authorId": item.AuthorID,
			"postedAt": item.PostedAt,
		})
		return
	}

	segments := splitPath(r.URL.Path)

	// GET /api/media/{id}/url
	if r.Method == http.MethodGet && len(segments) == 4 && segments[0] == "api" && segments[1] == "media" && segments[3] == "url" {
		url, err := s.service.MediaURL(r.Context(), segments[2])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url})
		return
	}

	if len(segments) >= 2 && segments[0] == "api" && segments[1] == "collisions" {
		s.handleCollisions(w, r, userID, segments[2:])
		return
	}

	if len(segments) >= 2 && segments[0] == "api" && segments[1] == "connections" {
		s.handleConnections(w, r, userID, segments[2:])
		return
	}

	if len(segments) >= 2 && segments[0] == "api" && segments[1] == "tags" {
		s.handleTags(w, r, userID, segments[2:])
		return
	}

	if r.Method == http.MethodGet && len(segments) == 2 && segments[0] == "api" && segments[1] == "graph" {
		payload, err := s.service.GetMemoryGraph(r.Context(), userID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(segments) >= 2 && segments[0] == "api" && segments[1] == "mergers" {
		s.handleMergers(w, r, userID, segments[2:])
		return
	}

	if len(segments) >= 2 && segments[0] == "api" && segments[1] == "marketplace" {
		s.handleMarketplace(w, r, segments[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleIngestMedia(w http.ResponseWriter, r *http.Request, userID string) {
	var body struct {
		Filename    string     `json:"filename"`
		ContentType string     `json:"contentType"`
		Data        string     `json:"data"` // base64
		TakenAt     *time.Time `json:"takenAt"`
		Latitude    *float64   `json:"latitude"`
		Longitude   *float64   `json:"longitude"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	data, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "data must be base64 encoded", nil)
		return
	}
	item, err := s.service.IngestMedia(r.Context(), userID, IngestMediaInput{
		Filename:    body.Filename,
		ContentType: body.ContentType,
		Data:        data,
		TakenAt:     body.TakenAt,
		Latitude:    body.Latitude,
		Longitude:   body.Longitude,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        item.ID,
		"ownerId":   item.OwnerID,
		"objectKey": item.ObjectKey,
		"takenAt":   item.TakenAt,
	})
}

func (s *HTTPServer) handleCollisions(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		collisions, err := s.service.ListCollisions(r.Context(), userID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"collisions": collisions})

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "detect":
		persisted, err := s.service.DetectAllCollisions(r.Context(), userID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"detected":   len(persisted),
			"collisions": persisted,
		})

	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "overlaps":
		overlaps, err := s.service.DetectOverlaps(r.Context(), userID, rest[1])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"overlaps": overlaps})

	case r.Method == http.MethodGet && len(rest) == 1:
		collision, err := s.service.GetCollision(r.Context(), rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, collision)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "verify":
		collision, err := s.service.VerifyCollision(r.Context(), rest[0], userID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, collision)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleConnections(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	switch {
	case r.Method == http.MethodPost && len(rest) == 0:
		var body struct {
			UserID           string `json:"userId"`
			RelationshipType string `json:"relationshipType"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.UserID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
			return
		}
		conn, err := s.service.CreateOrUpdateConnection(r.Context(), userID, body.UserID, body.RelationshipType)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"userA":            conn.UserA,
			"userB":            conn.UserB,
			"strength":         conn.StrengthScore,
			"relationshipType": conn.RelationshipType,
			"lastInteraction":  conn.LastInteraction,
		})

	case r.Method == http.MethodGet && len(rest) == 2 && rest[1] == "timeline":
		payload, err := s.service.GetRelationshipTimeline(r.Context(), userID, rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleTags(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	switch {
	case r.Method == http.MethodPost && len(rest) == 0:
		var body struct {
			TaggedUserID string `json:"taggedUserId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.TaggedUserID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "taggedUserId is required", nil)
			return
		}
		tag, err := s.service.CreateTag(r.Context(), userID, body.TaggedUserID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":           tag.ID,
			"taggerId":     tag.TaggerID,
			"taggedUserId": tag.TaggedUserID,
			"status":       tag.Status,
		})

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "accept":
		conn, err := s.service.AcceptTag(r.Context(), rest[0], userID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"userA":    conn.UserA,
			"userB":    conn.UserB,
			"strength": conn.StrengthScore,
		})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleMergers(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	switch {
	case r.Method == http.MethodPost && len(rest) == 0:
		var body struct {
			CollisionID string `json:"collisionId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.CollisionID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "collisionId is required", nil)
			return
		}
		payload, err := s.service.CreateMergerProposal(r.Context(), body.CollisionID, userID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)

	case r.Method == http.MethodGet && len(rest) == 1:
		payload, err := s.service.GetMerger(r.Context(), rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "approve":
		var input PerspectiveInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ApproveMerger(r.Context(), rest[0], userID, input)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "publish":
		var body struct {
			Price float64 `json:"price"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.PublishMerger(r.Context(), rest[0], body.Price)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case r.Method == http.MethodGet && len(rest) == 2 && rest[1] == "conflicts":
		conflicts, err := s.service.DetectConflicts(r.Context(), rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})

	case r.Method == http.MethodPost && len(rest) == 4 && rest[1] == "conflicts" && rest[3] == "resolve":
		var input ResolveConflictInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ResolveConflict(r.Context(), rest[0], rest[2], userID, input)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case r.Method == http.MethodGet && len(rest) == 2 && rest[1] == "resolutions":
		resolutions, err := s.service.ListResolutions(r.Context(), rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"resolutions": resolutions})

	case r.Method == http.MethodGet && len(rest) == 2 && rest[1] == "history":
		limit, ok := queryInt(w, r, "limit", 50)
		if !ok {
			return
		}
		payload, err := s.service.MergerHistory(r.Context(), rest[0], limit)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case r.Method == http.MethodGet && len(rest) == 2 && rest[1] == "export":
		s.handleExport(w, r, rest[0])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleMarketplace(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		items, err := s.service.ListPublishedMergers(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stories": items})

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "sale":
		payload, err := s.service.RecordSale(r.Context(), rest[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, mergerID string) {
	format := export.Format(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = export.FormatPDF
	}
	includePerspectives := r.URL.Query().Get("includePerspectives") != "false"

	result, err := s.service.ExportStory(r.Context(), export.Request{
		MergerID:            mergerID,
		Format:              format,
		IncludePerspectives: includePerspectives,
	})
	if err != nil {
		switch {
		case errors.Is(err, export.ErrContentUnavailable):
			writeError(w, http.StatusConflict, "INVALID_STATE", "story is not published", nil)
		case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
			writeError(w, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "export dependencies are not installed", nil)
		default:
			s.fail(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// requireUser resolves the caller from the X-User-Id header against the
// user directory.
func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "X-User-Id header is required", nil)
		return "", false
	}
	if _, err := s.service.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown user", nil)
			return "", false
		}
		s.fail(w, err)
		return "", false
	}
	return userID, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("http: request failed: %v", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-User-Id, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be an integer", nil)
		return 0, false
	}
	return parsed, true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
