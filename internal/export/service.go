package export

import (
	"context"
	"fmt"
	"time"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetStory(ctx context.Context, mergerID string) (StoryInfo, error)
	ListStoryPerspectives(ctx context.Context, mergerID string) ([]PerspectiveInfo, error)
}

// StoryInfo holds merged-story metadata
type StoryInfo struct {
	ID           string
	Title        string
	EventDate    time.Time
	InitiatorID  string
	Participants []string
	IsPublished  bool
	PublishedAt  *time.Time
}

// PerspectiveInfo holds one participant's contribution
type PerspectiveInfo struct {
	UserID     string
	Narrative  string
	Mood       string
	PhotoCount int
}

// Service provides story export functionality
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates an export in the requested format. Only published
// stories can be exported.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	story, err := s.store.GetStory(ctx, req.MergerID)
	if err != nil {
		return nil, fmt.Errorf("get story: %w", err)
	}
	if !story.IsPublished {
		return nil, fmt.Errorf("%w: story %s is not published", ErrContentUnavailable, req.MergerID)
	}

	data := TemplateData{
		Title:        story.Title,
		EventDate:    story.EventDate,
		Participants: story.Participants,
		PublishedAt:  story.PublishedAt,
		Perspectives: []TemplatePerspective{},
	}

	if req.IncludePerspectives {
		perspectives, err := s.store.ListStoryPerspectives(ctx, req.MergerID)
		if err != nil {
			return nil, fmt.Errorf("list perspectives: %w", err)
		}
		for _, p := range perspectives {
			data.Perspectives = append(data.Perspectives, TemplatePerspective{
				Author:        p.UserID,
				Mood:          p.Mood,
				NarrativeHTML: narrativeToHTML(p.Narrative),
				PhotoCount:    p.PhotoCount,
			})
		}
	}

	html, err := RenderStoryHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(html, story.Title)
	case FormatDOCX:
		return exportDOCX(html, story.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}
