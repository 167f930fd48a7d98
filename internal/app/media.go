package app

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"memoir/api/internal/media"
	"memoir/api/internal/search"
	"memoir/api/internal/store"
	"memoir/api/internal/util"
)

// IngestMediaInput carries an upload plus its optional capture metadata.
type IngestMediaInput struct {
	Filename    string
	ContentType string
	Data        []byte
	TakenAt     *time.Time
	Latitude    *float64
	Longitude   *float64
}

// IngestMedia stores the blob, records the media row, then scans it
// against the uploader's connections. A failed scan does not undo the
// upload; it is logged and the item stays ingested.
func (s *Service) IngestMedia(ctx context.Context, ownerID string, input IngestMediaInput) (store.MediaItem, error) {
	if s.blobs == nil {
		return store.MediaItem{}, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "media storage is not configured", nil)
	}
	if len(input.Data) == 0 {
		return store.MediaItem{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "media payload is empty", nil)
	}
	if (input.Latitude == nil) != (input.Longitude == nil) {
		return store.MediaItem{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "latitude and longitude must be set together", nil)
	}
	if _, err := s.store.GetUser(ctx, ownerID); err != nil {
		return store.MediaItem{}, err
	}

	mediaID := util.NewID("med")
	objectKey := media.ObjectKey(ownerID, mediaID)
	contentType := input.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := s.blobs.Put(ctx, objectKey, contentType, bytes.NewReader(input.Data), int64(len(input.Data))); err != nil {
		return store.MediaItem{}, err
	}

	item := store.MediaItem{
		ID:          mediaID,
		OwnerID:     ownerID,
		ObjectKey:   objectKey,
		ContentType: contentType,
		TakenAt:     input.TakenAt,
		Latitude:    input.Latitude,
		Longitude:   input.Longitude,
	}
	if err := s.store.InsertMediaItem(ctx, item); err != nil {
		return store.MediaItem{}, err
	}

	if err := s.ProcessNewMedia(ctx, mediaID); err != nil {
		log.Printf("collisions: scan of new media %s failed: %v", mediaID, err)
	}
	return item, nil
}

// MediaURL returns a time-limited download link for a stored item.
func (s *Service) MediaURL(ctx context.Context, mediaID string) (string, error) {
	if s.blobs == nil {
		return "", domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "media storage is not configured", nil)
	}
	item, err := s.store.GetMediaItem(ctx, mediaID)
	if err != nil {
		return "", err
	}
	return s.blobs.PresignedURL(ctx, item.ObjectKey, 15*time.Minute)
}

// CreateContent records a text post and pushes it into the search index.
func (s *Service) CreateContent(ctx context.Context, authorID, body string, postedAt time.Time) (store.ContentItem, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return store.ContentItem{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "body is required", nil)
	}
	if _, err := s.store.GetUser(ctx, authorID); err != nil {
		return store.ContentItem{}, err
	}
	if postedAt.IsZero() {
		postedAt = time.Now().UTC()
	}

	item := store.ContentItem{
		ID:       util.NewID("cnt"),
		AuthorID: authorID,
		Body:     body,
		PostedAt: postedAt,
	}
	if err := s.store.InsertContentItem(ctx, item); err != nil {
		return store.ContentItem{}, err
	}

	if s.search != nil {
		s.search.IndexContent(search.ContentRecord{
			ID:       item.ID,
			AuthorID: item.AuthorID,
			Body:     item.Body,
			PostedAt: item.PostedAt.Format(time.RFC3339),
		})
	}
	return item, nil
}

// SearchContent runs a query through the search facade.
func (s *Service) SearchContent(ctx context.Context, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "search is not configured", nil)
	}
	return s.search.Search(q), nil
}
