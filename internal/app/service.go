package app

import (
	"context"
	"io"
	"time"

	"memoir/api/internal/config"
	"memoir/api/internal/export"
	"memoir/api/internal/narrative"
	"memoir/api/internal/search"
	"memoir/api/internal/store"
)

type dataStore interface {
	EnsureUser(context.Context, string, string) (store.User, error)
	GetUser(context.Context, string) (store.User, error)
	InsertMediaItem(context.Context, store.MediaItem) error
	GetMediaItem(context.Context, string) (store.MediaItem, error)
	ListTimestampedMedia(context.Context, string) ([]store.MediaItem, error)
	ListGeotaggedMedia(context.Context, string) ([]store.MediaItem, error)
	ListGeotaggedMediaExcept(context.Context, string) ([]store.MediaItem, error)
	ListCandidateMedia(context.Context, []string, time.Time, time.Time) ([]store.MediaItem, error)
	InsertContentItem(context.Context, store.ContentItem) error
	ListContentByAuthor(context.Context, string) ([]store.ContentItem, error)
	ListContentExcept(context.Context, string) ([]store.ContentItem, error)
	InsertEventTag(context.Context, store.EventTag) error
	GetEventTag(context.Context, string) (store.EventTag, error)
	UpdateEventTagStatus(context.Context, string, string) (bool, error)
	CountAcceptedTags(context.Context, string, string) (int, error)
	InsertCollision(context.Context, store.MemoryCollision) (bool, error)
	GetCollision(context.Context, string) (store.MemoryCollision, error)
	ListCollisionsForUser(context.Context, string) ([]store.MemoryCollision, error)
	ListCollisionsForPair(context.Context, string, string) ([]store.MemoryCollision, error)
	CountCollisionsForPair(context.Context, string, string) (int, error)
	VerifyCollision(context.Context, string) (bool, error)
	UpsertConnection(context.Context, store.Connection) (store.Connection, error)
	GetConnection(context.Context, string, string) (store.Connection, error)
	ListConnectionsForUser(context.Context, string) ([]store.Connection, error)
	ListConnectedUserIDs(context.Context, string) ([]string, error)
	InsertMerger(context.Context, store.StoryMerger) error
	GetMerger(context.Context, string) (store.StoryMerger, error)
	ListApprovals(context.Context, string) ([]store.MergerApproval, error)
	ApproveParticipant(context.Context, string, string) error
	PendingApprovalCount(context.Context, string) (int, error)
	UpsertPerspective(context.Context, store.Perspective) error
	ListPerspectives(context.Context, string) ([]store.Perspective, error)
	MarkPublished(context.Context, string, float64, map[string]float64) (bool, error)
	ListPublishedMergers(context.Context) ([]store.StoryMerger, error)
	IncrementSales(context.Context, string) (bool, error)
	InsertResolution(context.Context, store.ConflictResolution) error
	ListResolutions(context.Context, string) ([]store.ConflictResolution, error)
	SummaryCounts(context.Context) (int, int, int, error)
	Ping(ctx context.Context) error
}

type archiveService interface {
	EnsureMergerRepo(store.StoryMerger) error
	CommitPerspective(string, store.Perspective) (narrative.CommitInfo, error)
	PublishTag(string, string) error
	Head(string) (string, error)
	History(string, int) ([]narrative.CommitInfo, error)
	Perspectives(string) ([]store.Perspective, error)
}

type searchService interface {
	Search(search.Query) search.Response
	IndexContent(search.ContentRecord)
	IndexStory(search.StoryRecord)
}

type graphCache interface {
	Get(context.Context, string) ([]byte, bool, error)
	Set(context.Context, string, []byte) error
	Invalidate(context.Context, ...string) error
}

type blobStore interface {
	Put(ctx context.Context, objectKey, contentType string, r io.Reader, size int64) error
	PresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

type notifier interface {
	IsConfigured() bool
	SendCollisionDetected(to, userName, eventTitle string, others []string) error
	SendMergerProposed(to, userName, eventTitle, initiator string) error
	SendStoryPublished(to, userName, eventTitle string) error
}

type Service struct {
	cfg     config.Config
	store   dataStore
	archive archiveService
	search  searchService // nil when search is disabled
	cache   graphCache    // nil when Redis is unavailable
	blobs   blobStore     // nil when object storage is unconfigured
	notify  notifier      // nil or unconfigured disables email
	export  *export.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, archive *narrative.Archive) *Service {
	return &Service{
		cfg:     cfg,
		store:   dataStore,
		archive: archive,
		export:  export.NewService(&exportStore{store: dataStore}),
	}
}

// SetSearch attaches the search facade. Mention detection and content
// search stay disabled while unset.
func (s *Service) SetSearch(svc *search.Service) {
	if svc != nil {
		s.search = svc
	}
}

func (s *Service) SetGraphCache(cache graphCache) {
	s.cache = cache
}

func (s *Service) SetBlobStore(blobs blobStore) {
	s.blobs = blobs
}

func (s *Service) SetNotifier(n notifier) {
	s.notify = n
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// EnsureUser registers a user by display name, reusing the existing row
// when the email is already known.
func (s *Service) EnsureUser(ctx context.Context, displayName, email string) (store.User, error) {
	return s.store.EnsureUser(ctx, displayName, email)
}

func (s *Service) GetUser(ctx context.Context, userID string) (store.User, error) {
	return s.store.GetUser(ctx, userID)
}

func (s *Service) Summary(ctx context.Context) (map[string]any, error) {
	collisions, connections, published, err := s.store.SummaryCounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"collisions":       collisions,
		"connections":      connections,
		"publishedStories": published,
	}, nil
}

// exportStore adapts the data store to the export package's interface.
type exportStore struct {
	store dataStore
}

func (e *exportStore) GetStory(ctx context.Context, mergerID string) (export.StoryInfo, error) {
	merger, err := e.store.GetMerger(ctx, mergerID)
	if err != nil {
		return export.StoryInfo{}, err
	}
	return export.StoryInfo{
		ID:           merger.ID,
		Title:        merger.EventTitle,
		EventDate:    merger.EventDate,
		InitiatorID:  merger.InitiatorID,
		Participants: merger.Participants,
		IsPublished:  merger.IsPublished,
		PublishedAt:  merger.PublishedAt,
	}, nil
}

func (e *exportStore) ListStoryPerspectives(ctx context.Context, mergerID string) ([]export.PerspectiveInfo, error) {
	perspectives, err := e.store.ListPerspectives(ctx, mergerID)
	if err != nil {
		return nil, err
	}
	infos := make([]export.PerspectiveInfo, 0, len(perspectives))
	for _, p := range perspectives {
		infos = append(infos, export.PerspectiveInfo{
			UserID:     p.UserID,
			Narrative:  p.Narrative,
			Mood:       p.Mood,
			PhotoCount: len(p.Photos),
		})
	}
	return infos, nil
}

// ExportStory renders a published story in the requested format.
func (s *Service) ExportStory(ctx context.Context, req export.Request) (*export.Result, error) {
	return s.export.Export(ctx, req)
}
