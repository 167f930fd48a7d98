package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"time"

	"memoir/api/internal/config"
	"memoir/api/internal/export"
	"memoir/api/internal/narrative"
	"memoir/api/internal/search"
	"memoir/api/internal/store"
)

// fakeStore implements dataStore with overridable function fields. Unset
// getters return sql.ErrNoRows, unset lists return empty slices, unset
// writes succeed.
type fakeStore struct {
	ensureUserFn             func(ctx context.Context, displayName, email string) (store.User, error)
	getUserFn                func(ctx context.Context, id string) (store.User, error)
	insertMediaItemFn        func(ctx context.Context, item store.MediaItem) error
	getMediaItemFn           func(ctx context.Context, id string) (store.MediaItem, error)
	listTimestampedMediaFn   func(ctx context.Context, ownerID string) ([]store.MediaItem, error)
	listGeotaggedMediaFn     func(ctx context.Context, ownerID string) ([]store.MediaItem, error)
	listGeotaggedExceptFn    func(ctx context.Context, ownerID string) ([]store.MediaItem, error)
	listCandidateMediaFn     func(ctx context.Context, ownerIDs []string, from, to time.Time) ([]store.MediaItem, error)
	insertContentItemFn      func(ctx context.Context, item store.ContentItem) error
	listContentByAuthorFn    func(ctx context.Context, authorID string) ([]store.ContentItem, error)
	listContentExceptFn      func(ctx context.Context, authorID string) ([]store.ContentItem, error)
	insertEventTagFn         func(ctx context.Context, tag store.EventTag) error
	getEventTagFn            func(ctx context.Context, id string) (store.EventTag, error)
	updateEventTagStatusFn   func(ctx context.Context, id, status string) (bool, error)
	countAcceptedTagsFn      func(ctx context.Context, userA, userB string) (int, error)
	insertCollisionFn        func(ctx context.Context, collision store.MemoryCollision) (bool, error)
	getCollisionFn           func(ctx context.Context, id string) (store.MemoryCollision, error)
	listCollisionsForUserFn  func(ctx context.Context, userID string) ([]store.MemoryCollision, error)
	listCollisionsForPairFn  func(ctx context.Context, userA, userB string) ([]store.MemoryCollision, error)
	countCollisionsForPairFn func(ctx context.Context, userA, userB string) (int, error)
	verifyCollisionFn        func(ctx context.Context, id string) (bool, error)
	upsertConnectionFn       func(ctx context.Context, conn store.Connection) (store.Connection, error)
	getConnectionFn          func(ctx context.Context, userA, userB string) (store.Connection, error)
	listConnectionsForUserFn func(ctx context.Context, userID string) ([]store.Connection, error)
	listConnectedUserIDsFn   func(ctx context.Context, userID string) ([]string, error)
	insertMergerFn           func(ctx context.Context, merger store.StoryMerger) error
	getMergerFn              func(ctx context.Context, id string) (store.StoryMerger, error)
	listApprovalsFn          func(ctx context.Context, mergerID string) ([]store.MergerApproval, error)
	approveParticipantFn     func(ctx context.Context, mergerID, userID string) error
	pendingApprovalCountFn   func(ctx context.Context, mergerID string) (int, error)
	upsertPerspectiveFn      func(ctx context.Context, p store.Perspective) error
	listPerspectivesFn       func(ctx context.Context, mergerID string) ([]store.Perspective, error)
	markPublishedFn          func(ctx context.Context, id string, price float64, shares map[string]float64) (bool, error)
	listPublishedMergersFn   func(ctx context.Context) ([]store.StoryMerger, error)
	incrementSalesFn         func(ctx context.Context, id string) (bool, error)
	insertResolutionFn       func(ctx context.Context, resolution store.ConflictResolution) error
	listResolutionsFn        func(ctx context.Context, mergerID string) ([]store.ConflictResolution, error)
	summaryCountsFn          func(ctx context.Context) (int, int, int, error)
	pingFn                   func(ctx context.Context) error
}

func (f *fakeStore) EnsureUser(ctx context.Context, displayName, email string) (store.User, error) {
	if f.ensureUserFn != nil {
		return f.ensureUserFn(ctx, displayName, email)
	}
	return store.User{ID: "usr-new", DisplayName: displayName, Email: email}, nil
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (store.User, error) {
	if f.getUserFn != nil {
		return f.getUserFn(ctx, id)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) InsertMediaItem(ctx context.Context, item store.MediaItem) error {
	if f.insertMediaItemFn != nil {
		return f.insertMediaItemFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) GetMediaItem(ctx context.Context, id string) (store.MediaItem, error) {
	if f.getMediaItemFn != nil {
		return f.getMediaItemFn(ctx, id)
	}
	return store.MediaItem{}, sql.ErrNoRows
}

func (f *fakeStore) ListTimestampedMedia(ctx context.Context, ownerID string) ([]store.MediaItem, error) {
	if f.listTimestampedMediaFn != nil {
		return f.listTimestampedMediaFn(ctx, ownerID)
	}
	return nil, nil
}

func (f *fakeStore) ListGeotaggedMedia(ctx context.Context, ownerID string) ([]store.MediaItem, error) {
	if f.listGeotaggedMediaFn != nil {
		return f.listGeotaggedMediaFn(ctx, ownerID)
	}
	return nil, nil
}

func (f *fakeStore) ListGeotaggedMediaExcept(ctx context.Context, ownerID string) ([]store.MediaItem, error) {
	if f.listGeotaggedExceptFn != nil {
		return f.listGeotaggedExceptFn(ctx, ownerID)
	}
	return nil, nil
}

func (f *fakeStore) ListCandidateMedia(ctx context.Context, ownerIDs []string, from, to time.Time) ([]store.MediaItem, error) {
	if f.listCandidateMediaFn != nil {
		return f.listCandidateMediaFn(ctx, ownerIDs, from, to)
	}
	return nil, nil
}

func (f *fakeStore) InsertContentItem(ctx context.Context, item store.ContentItem) error {
	if f.insertContentItemFn != nil {
		return f.insertContentItemFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) ListContentByAuthor(ctx context.Context, authorID string) ([]store.ContentItem, error) {
	if f.listContentByAuthorFn != nil {
		return f.listContentByAuthorFn(ctx, authorID)
	}
	return nil, nil
}

func (f *fakeStore) ListContentExcept(ctx context.Context, authorID string) ([]store.ContentItem, error) {
	if f.listContentExceptFn != nil {
		return f.listContentExceptFn(ctx, authorID)
	}
	return nil, nil
}

func (f *fakeStore) InsertEventTag(ctx context.Context, tag store.EventTag) error {
	if f.insertEventTagFn != nil {
		return f.insertEventTagFn(ctx, tag)
	}
	return nil
}

func (f *fakeStore) GetEventTag(ctx context.Context, id string) (store.EventTag, error) {
	if f.getEventTagFn != nil {
		return f.getEventTagFn(ctx, id)
	}
	return store.EventTag{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateEventTagStatus(ctx context.Context, id, status string) (bool, error) {
	if f.updateEventTagStatusFn != nil {
		return f.updateEventTagStatusFn(ctx, id, status)
	}
	return true, nil
}

func (f *fakeStore) CountAcceptedTags(ctx context.Context, userA, userB string) (int, error) {
	if f.countAcceptedTagsFn != nil {
		return f.countAcceptedTagsFn(ctx, userA, userB)
	}
	return 0, nil
}

func (f *fakeStore) InsertCollision(ctx context.Context, collision store.MemoryCollision) (bool, error) {
	if f.insertCollisionFn != nil {
		return f.insertCollisionFn(ctx, collision)
	}
	return true, nil
}

func (f *fakeStore) GetCollision(ctx context.Context, id string) (store.MemoryCollision, error) {
	if f.getCollisionFn != nil {
		return f.getCollisionFn(ctx, id)
	}
	return store.MemoryCollision{}, sql.ErrNoRows
}

func (f *fakeStore) ListCollisionsForUser(ctx context.Context, userID string) ([]store.MemoryCollision, error) {
	if f.listCollisionsForUserFn != nil {
		return f.listCollisionsForUserFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) ListCollisionsForPair(ctx context.Context, userA, userB string) ([]store.MemoryCollision, error) {
	if f.listCollisionsForPairFn != nil {
		return f.listCollisionsForPairFn(ctx, userA, userB)
	}
	return nil, nil
}

func (f *fakeStore) CountCollisionsForPair(ctx context.Context, userA, userB string) (int, error) {
	if f.countCollisionsForPairFn != nil {
		return f.countCollisionsForPairFn(ctx, userA, userB)
	}
	return 0, nil
}

func (f *fakeStore) VerifyCollision(ctx context.Context, id string) (bool, error) {
	if f.verifyCollisionFn != nil {
		return f.verifyCollisionFn(ctx, id)
	}
	return true, nil
}

func (f *fakeStore) UpsertConnection(ctx context.Context, conn store.Connection) (store.Connection, error) {
	if f.upsertConnectionFn != nil {
		return f.upsertConnectionFn(ctx, conn)
	}
	return conn, nil
}

func (f *fakeStore) GetConnection(ctx context.Context, userA, userB string) (store.Connection, error) {
	if f.getConnectionFn != nil {
		return f.getConnectionFn(ctx, userA, userB)
	}
	return store.Connection{}, sql.ErrNoRows
}

func (f *fakeStore) ListConnectionsForUser(ctx context.Context, userID string) ([]store.Connection, error) {
	if f.listConnectionsForUserFn != nil {
		return f.listConnectionsForUserFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) ListConnectedUserIDs(ctx context.Context, userID string) ([]string, error) {
	if f.listConnectedUserIDsFn != nil {
		return f.listConnectedUserIDsFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) InsertMerger(ctx context.Context, merger store.StoryMerger) error {
	if f.insertMergerFn != nil {
		return f.insertMergerFn(ctx, merger)
	}
	return nil
}

func (f *fakeStore) GetMerger(ctx context.Context, id string) (store.StoryMerger, error) {
	if f.getMergerFn != nil {
		return f.getMergerFn(ctx, id)
	}
	return store.StoryMerger{}, sql.ErrNoRows
}

func (f *fakeStore) ListApprovals(ctx context.Context, mergerID string) ([]store.MergerApproval, error) {
	if f.listApprovalsFn != nil {
		return f.listApprovalsFn(ctx, mergerID)
	}
	return nil, nil
}

func (f *fakeStore) ApproveParticipant(ctx context.Context, mergerID, userID string) error {
	if f.approveParticipantFn != nil {
		return f.approveParticipantFn(ctx, mergerID, userID)
	}
	return nil
}

func (f *fakeStore) PendingApprovalCount(ctx context.Context, mergerID string) (int, error) {
	if f.pendingApprovalCountFn != nil {
		return f.pendingApprovalCountFn(ctx, mergerID)
	}
	return 0, nil
}

func (f *fakeStore) UpsertPerspective(ctx context.Context, p store.Perspective) error {
	if f.upsertPerspectiveFn != nil {
		return f.upsertPerspectiveFn(ctx, p)
	}
	return nil
}

func (f *fakeStore) ListPerspectives(ctx context.Context, mergerID string) ([]store.Perspective, error) {
	if f.listPerspectivesFn != nil {
		return f.listPerspectivesFn(ctx, mergerID)
	}
	return nil, nil
}

func (f *fakeStore) MarkPublished(ctx context.Context, id string, price float64, shares map[string]float64) (bool, error) {
	if f.markPublishedFn != nil {
		return f.markPublishedFn(ctx, id, price, shares)
	}
	return true, nil
}

func (f *fakeStore) ListPublishedMergers(ctx context.Context) ([]store.StoryMerger, error) {
	if f.listPublishedMergersFn != nil {
		return f.listPublishedMergersFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) IncrementSales(ctx context.Context, id string) (bool, error) {
	if f.incrementSalesFn != nil {
		return f.incrementSalesFn(ctx, id)
	}
	return true, nil
}

func (f *fakeStore) InsertResolution(ctx context.Context, resolution store.ConflictResolution) error {
	if f.insertResolutionFn != nil {
		return f.insertResolutionFn(ctx, resolution)
	}
	return nil
}

func (f *fakeStore) ListResolutions(ctx context.Context, mergerID string) ([]store.ConflictResolution, error) {
	if f.listResolutionsFn != nil {
		return f.listResolutionsFn(ctx, mergerID)
	}
	return nil, nil
}

func (f *fakeStore) SummaryCounts(ctx context.Context) (int, int, int, error) {
	if f.summaryCountsFn != nil {
		return f.summaryCountsFn(ctx)
	}
	return 0, 0, 0, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeArchive struct {
	ensureFn       func(merger store.StoryMerger) error
	commitFn       func(mergerID string, p store.Perspective) (narrative.CommitInfo, error)
	publishTagFn   func(mergerID, name string) error
	headFn         func(mergerID string) (string, error)
	historyFn      func(mergerID string, limit int) ([]narrative.CommitInfo, error)
	perspectivesFn func(mergerID string) ([]store.Perspective, error)
}

func (f *fakeArchive) EnsureMergerRepo(merger store.StoryMerger) error {
	if f.ensureFn != nil {
		return f.ensureFn(merger)
	}
	return nil
}

func (f *fakeArchive) CommitPerspective(mergerID string, p store.Perspective) (narrative.CommitInfo, error) {
	if f.commitFn != nil {
		return f.commitFn(mergerID, p)
	}
	return narrative.CommitInfo{Hash: "deadbeef"}, nil
}

func (f *fakeArchive) PublishTag(mergerID, name string) error {
	if f.publishTagFn != nil {
		return f.publishTagFn(mergerID, name)
	}
	return nil
}

func (f *fakeArchive) Head(mergerID string) (string, error) {
	if f.headFn != nil {
		return f.headFn(mergerID)
	}
	return "deadbeef", nil
}

func (f *fakeArchive) History(mergerID string, limit int) ([]narrative.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(mergerID, limit)
	}
	return nil, nil
}

func (f *fakeArchive) Perspectives(mergerID string) ([]store.Perspective, error) {
	if f.perspectivesFn != nil {
		return f.perspectivesFn(mergerID)
	}
	return nil, nil
}

type fakeBlobStore struct {
	putFn       func(ctx context.Context, objectKey, contentType string, r io.Reader, size int64) error
	presignedFn func(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

func (f *fakeBlobStore) Put(ctx context.Context, objectKey, contentType string, r io.Reader, size int64) error {
	if f.putFn != nil {
		return f.putFn(ctx, objectKey, contentType, r, size)
	}
	return nil
}

func (f *fakeBlobStore) PresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	if f.presignedFn != nil {
		return f.presignedFn(ctx, objectKey, expiry)
	}
	return "https://blobs.local/" + objectKey, nil
}

func newTestService(fs *fakeStore, fa *fakeArchive) *Service {
	return &Service{
		cfg:     config.Config{},
		store:   fs,
		archive: fa,
		export:  export.NewService(&exportStore{store: fs}),
	}
}

func requireDomainError(t *testing.T, err error, status int, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
	return domainErr
}

func fptr(v float64) *float64 { return &v }

func tptr(t time.Time) *time.Time { return &t }

func mediaAt(id, owner string, takenAt time.Time, lat, lon *float64) store.MediaItem {
	return store.MediaItem{
		ID:        id,
		OwnerID:   owner,
		ObjectKey: owner + "/" + id,
		TakenAt:   tptr(takenAt),
		Latitude:  lat,
		Longitude: lon,
	}
}

func TestDetectOverlapsSpatialTemporal(t *testing.T) {
	base := time.Date(2021, 7, 10, 14, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		listTimestampedMediaFn: func(_ context.Context, ownerID string) ([]store.MediaItem, error) {
			if ownerID == "user-a" {
				return []store.MediaItem{mediaAt("med-a", "user-a", base, fptr(10.0000), fptr(20.0000))}, nil
			}
			return []store.MediaItem{mediaAt("med-b", "user-b", base.Add(time.Hour), fptr(10.0004), fptr(20.0004))}, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	overlaps, err := svc.DetectOverlaps(context.Background(), "user-a", "user-b")
	if err != nil {
		t.Fatalf("DetectOverlaps: %v", err)
	}
	if len(overlaps) != 1 {
		t.Fatalf("expected 1 overlap, got %d", len(overlaps))
	}
	if overlaps[0].Type != "spatial_temporal" || overlaps[0].Confidence != 0.9 {
		t.Fatalf("expected spatial_temporal 0.9, got %s %v", overlaps[0].Type, overlaps[0].Confidence)
	}
}

func TestDetectOverlapsTemporalOnly(t *testing.T) {
	base := time.Date(2021, 7, 10, 14, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		listTimestampedMediaFn: func(_ context.Context, ownerID string) ([]store.MediaItem, error) {
			if ownerID == "user-a" {
				return []store.MediaItem{mediaAt("med-a", "user-a", base, fptr(10.0000), fptr(20.0000))}, nil
			}
			return []store.MediaItem{mediaAt("med-b", "user-b", base.Add(time.Hour), fptr(10.0004), fptr(30.0))}, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	overlaps, err := svc.DetectOverlaps(context.Background(), "user-a", "user-b")
	if err != nil {
		t.Fatalf("DetectOverlaps: %v", err)
	}
	if len(overlaps) != 1 {
		t.Fatalf("expected 1 overlap, got %d", len(overlaps))
	}
	if overlaps[0].Type != "temporal" || overlaps[0].Confidence != 0.4 {
		t.Fatalf("expected temporal 0.4, got %s %v", overlaps[0].Type, overlaps[0].Confidence)
	}
}

func TestDetectOverlapsOutsideWindow(t *testing.T) {
	base := time.Date(2021, 7, 10, 14, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		listTimestampedMediaFn: func(_ context.Context, ownerID string) ([]store.MediaItem, error) {
			if ownerID == "user-a" {
				return []store.MediaItem{mediaAt("med-a", "user-a", base, fptr(10.0000), fptr(20.0000))}, nil
			}
			return []store.MediaItem{mediaAt("med-b", "user-b", base.Add(48*time.Hour), fptr(10.0000), fptr(20.0000))}, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	overlaps, err := svc.DetectOverlaps(context.Background(), "user-a", "user-b")
	if err != nil {
		t.Fatalf("DetectOverlaps: %v", err)
	}
	if len(overlaps) != 0 {
		t.Fatalf("expected no overlaps, got %d", len(overlaps))
	}
}

func TestDetectOverlapsRejectsSelfCompare(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeArchive{})
	_, err := svc.DetectOverlaps(context.Background(), "user-a", "user-a")
	requireDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestProcessNewMediaPersistsAndConnects(t *testing.T) {
	taken := time.Date(2021, 7, 10, 14, 0, 0, 0, time.UTC)
	item := mediaAt("med-a", "user-a", taken, fptr(10.0000), fptr(20.0000))

	var insertedCollisions []store.MemoryCollision
	var upserted []store.Connection
	fs := &fakeStore{
		getMediaItemFn: func(_ context.Context, id string) (store.MediaItem, error) {
			return item, nil
		},
		listConnectedUserIDsFn: func(_ context.Context, _ string) ([]string, error) {
			return []string{"user-b"}, nil
		},
		listCandidateMediaFn: func(_ context.Context, _ []string, _, _ time.Time) ([]store.MediaItem, error) {
			return []store.MediaItem{mediaAt("med-b", "user-b", taken.Add(time.Hour), fptr(10.0004), fptr(20.0004))}, nil
		},
		insertCollisionFn: func(_ context.Context, collision store.MemoryCollision) (bool, error) {
			insertedCollisions = append(insertedCollisions, collision)
			return true, nil
		},
		upsertConnectionFn: func(_ context.Context, conn store.Connection) (store.Connection, error) {
			upserted = append(upserted, conn)
			return conn, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	if err := svc.ProcessNewMedia(context.Background(), "med-a"); err != nil {
		t.Fatalf("ProcessNewMedia: %v", err)
	}
	if len(insertedCollisions) != 1 {
		t.Fatalf("expected 1 collision, got %d", len(insertedCollisions))
	}
	collision := insertedCollisions[0]
	if collision.DetectedBy != "spatial_temporal" || collision.Confidence != 0.9 {
		t.Fatalf("expected spatial_temporal 0.9, got %s %v", collision.DetectedBy, collision.Confidence)
	}
	if !reflect.DeepEqual(collision.Participants, []string{"user-a", "user-b"}) {
		t.Fatalf("unexpected participants %v", collision.Participants)
	}
	if len(upserted) != 1 {
		t.Fatalf("expected connection upsert, got %d", len(upserted))
	}
}

func TestProcessNewMediaSkipsDuplicates(t *testing.T) {
	taken := time.Date(2021, 7, 10, 14, 0, 0, 0, time.UTC)
	item := mediaAt("med-a", "user-a", taken, fptr(10.0000), fptr(20.0000))

	upsertCalls := 0
	fs := &fakeStore{
		getMediaItemFn: func(_ context.Context, id string) (store.MediaItem, error) {
			return item, nil
		},
		listConnectedUserIDsFn: func(_ context.Context, _ string) ([]string, error) {
			return []string{"user-b"}, nil
		},
		listCandidateMediaFn: func(_ context.Context, _ []string, _, _ time.Time) ([]store.MediaItem, error) {
			return []store.MediaItem{mediaAt("med-b", "user-b", taken, fptr(10.0000), fptr(20.0000))}, nil
		},
		insertCollisionFn: func(_ context.Context, _ store.MemoryCollision) (bool, error) {
			return false, nil // already recorded
		},
		upsertConnectionFn: func(_ context.Context, conn store.Connection) (store.Connection, error) {
			upsertCalls++
			return conn, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	if err := svc.ProcessNewMedia(context.Background(), "med-a"); err != nil {
		t.Fatalf("ProcessNewMedia: %v", err)
	}
	if upsertCalls != 0 {
		t.Fatalf("duplicate collision must not touch the connection, got %d upserts", upsertCalls)
	}
}

func TestProcessNewMediaIgnoresUntaggedItem(t *testing.T) {
	listCalls := 0
	fs := &fakeStore{
		getMediaItemFn: func(_ context.Context, id string) (store.MediaItem, error) {
			return store.MediaItem{ID: id, OwnerID: "user-a"}, nil
		},
		listConnectedUserIDsFn: func(_ context.Context, _ string) ([]string, error) {
			listCalls++
			return nil, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	if err := svc.ProcessNewMedia(context.Background(), "med-a"); err != nil {
		t.Fatalf("ProcessNewMedia: %v", err)
	}
	if listCalls != 0 {
		t.Fatal("media without capture metadata must not be scanned")
	}
}

func TestCalculateStrengthBounds(t *testing.T) {
	cases := []struct {
		name       string
		collisions int
		tags       int
		want       int
	}{
		{"floor", 0, 0, 20},
		{"mixed", 2, 3, 55},
		{"collision cap", 9, 0, 70},
		{"tag cap", 0, 12, 50},
		{"ceiling", 50, 50, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeStore{
				countCollisionsForPairFn: func(_ context.Context, _, _ string) (int, error) {
					return tc.collisions, nil
				},
				countAcceptedTagsFn: func(_ context.Context, _, _ string) (int, error) {
					return tc.tags, nil
				},
			}
			svc := newTestService(fs, &fakeArchive{})
			got, err := svc.CalculateStrength(context.Background(), "user-a", "user-b")
			if err != nil {
				t.Fatalf("CalculateStrength: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestConnectionPairSymmetry(t *testing.T) {
	var captured []store.Connection
	fs := &fakeStore{
		upsertConnectionFn: func(_ context.Context, conn store.Connection) (store.Connection, error) {
			captured = append(captured, conn)
			return conn, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	if _, err := svc.CreateOrUpdateConnection(context.Background(), "user-b", "user-a", "friend"); err != nil {
		t.Fatalf("CreateOrUpdateConnection: %v", err)
	}
	if _, err := svc.CreateOrUpdateConnection(context.Background(), "user-a", "user-b", "friend"); err != nil {
		t.Fatalf("CreateOrUpdateConnection: %v", err)
	}

	if len(captured) != 2 {
		t.Fatalf("expected 2 upserts, got %d", len(captured))
	}
	for _, conn := range captured {
		if conn.UserA != "user-a" || conn.UserB != "user-b" {
			t.Fatalf("pair not normalized: %s/%s", conn.UserA, conn.UserB)
		}
	}
}

func TestCreateOrUpdateConnectionRejectsSelf(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeArchive{})
	_, err := svc.CreateOrUpdateConnection(context.Background(), "user-a", "user-a", "")
	requireDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestRelationshipTimelineNeverConnected(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeArchive{})

	payload, err := svc.GetRelationshipTimeline(context.Background(), "user-b", "user-a")
	if err != nil {
		t.Fatalf("GetRelationshipTimeline: %v", err)
	}
	conn := payload["connection"].(map[string]any)
	if conn["userA"] != "user-a" || conn["userB"] != "user-b" {
		t.Fatalf("unexpected pair %v/%v", conn["userA"], conn["userB"])
	}
	if conn["strength"] != 0 {
		t.Fatalf("expected zero strength, got %v", conn["strength"])
	}
	if payload["sharedEvents"] != 0 {
		t.Fatalf("expected zero shared events, got %v", payload["sharedEvents"])
	}
}

func TestGetMemoryGraphBuildsSortedNodes(t *testing.T) {
	fs := &fakeStore{
		listConnectionsForUserFn: func(_ context.Context, _ string) ([]store.Connection, error) {
			return []store.Connection{
				{UserA: "user-a", UserB: "user-c", StrengthScore: 30},
				{UserA: "user-a", UserB: "user-b", StrengthScore: 45},
			}, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	graph, err := svc.GetMemoryGraph(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("GetMemoryGraph: %v", err)
	}
	nodes := graph["nodes"].([]string)
	if !reflect.DeepEqual(nodes, []string{"user-a", "user-b", "user-c"}) {
		t.Fatalf("unexpected nodes %v", nodes)
	}
	edges := graph["edges"].([]map[string]any)
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
}

func TestAcceptTagOnlyTaggedUser(t *testing.T) {
	fs := &fakeStore{
		getEventTagFn: func(_ context.Context, id string) (store.EventTag, error) {
			return store.EventTag{ID: id, TaggerID: "user-a", TaggedUserID: "user-b", Status: "pending"}, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	_, err := svc.AcceptTag(context.Background(), "tag-1", "user-c")
	requireDomainError(t, err, 403, "FORBIDDEN")
}

func TestAcceptTagRescoresConnection(t *testing.T) {
	var statusUpdates []string
	var upserted []store.Connection
	fs := &fakeStore{
		getEventTagFn: func(_ context.Context, id string) (store.EventTag, error) {
			return store.EventTag{ID: id, TaggerID: "user-b", TaggedUserID: "user-a", Status: "pending"}, nil
		},
		updateEventTagStatusFn: func(_ context.Context, _, status string) (bool, error) {
			statusUpdates = append(statusUpdates, status)
			return true, nil
		},
		countAcceptedTagsFn: func(_ context.Context, _, _ string) (int, error) {
			return 1, nil
		},
		upsertConnectionFn: func(_ context.Context, conn store.Connection) (store.Connection, error) {
			upserted = append(upserted, conn)
			return conn, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	conn, err := svc.AcceptTag(context.Background(), "tag-1", "user-a")
	if err != nil {
		t.Fatalf("AcceptTag: %v", err)
	}
	if !reflect.DeepEqual(statusUpdates, []string{"accepted"}) {
		t.Fatalf("unexpected status updates %v", statusUpdates)
	}
	if len(upserted) != 1 || upserted[0].UserA != "user-a" || upserted[0].UserB != "user-b" {
		t.Fatalf("unexpected upserts %+v", upserted)
	}
	if conn.StrengthScore != 25 {
		t.Fatalf("expected strength 25, got %d", conn.StrengthScore)
	}
}

func TestCreateTagRejectsSelfTag(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeArchive{})
	_, err := svc.CreateTag(context.Background(), "user-a", "user-a")
	requireDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestVerifyCollisionRequiresParticipant(t *testing.T) {
	fs := &fakeStore{
		getCollisionFn: func(_ context.Context, id string) (store.MemoryCollision, error) {
			return store.MemoryCollision{ID: id, Participants: []string{"user-a", "user-b"}}, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	_, err := svc.VerifyCollision(context.Background(), "col-1", "user-c")
	requireDomainError(t, err, 403, "FORBIDDEN")
}

func TestDetectAllCollisionsPersistsCandidates(t *testing.T) {
	posted := time.Date(2021, 7, 10, 14, 0, 0, 0, time.UTC)
	var inserted []store.MemoryCollision
	fs := &fakeStore{
		listContentByAuthorFn: func(_ context.Context, _ string) ([]store.ContentItem, error) {
			return []store.ContentItem{{ID: "cnt-a", AuthorID: "user-a", PostedAt: posted}}, nil
		},
		listContentExceptFn: func(_ context.Context, _ string) ([]store.ContentItem, error) {
			return []store.ContentItem{{ID: "cnt-b", AuthorID: "user-b", PostedAt: posted.Add(time.Hour)}}, nil
		},
		insertCollisionFn: func(_ context.Context, collision store.MemoryCollision) (bool, error) {
			inserted = append(inserted, collision)
			return true, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	persisted, err := svc.DetectAllCollisions(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("DetectAllCollisions: %v", err)
	}
	if len(persisted) != 1 || len(inserted) != 1 {
		t.Fatalf("expected 1 persisted collision, got %d/%d", len(persisted), len(inserted))
	}
	if inserted[0].DetectedBy != "temporal" || inserted[0].Confidence != 75 {
		t.Fatalf("expected temporal 75, got %s %v", inserted[0].DetectedBy, inserted[0].Confidence)
	}
}

func TestDetectAllCollisionsRescoresConnections(t *testing.T) {
	posted := time.Date(2021, 7, 10, 14, 0, 0, 0, time.UTC)
	var upserted []store.Connection
	fs := &fakeStore{
		listContentByAuthorFn: func(_ context.Context, _ string) ([]store.ContentItem, error) {
			return []store.ContentItem{{ID: "cnt-a", AuthorID: "user-b", PostedAt: posted}}, nil
		},
		listContentExceptFn: func(_ context.Context, _ string) ([]store.ContentItem, error) {
			return []store.ContentItem{{ID: "cnt-b", AuthorID: "user-a", PostedAt: posted.Add(time.Hour)}}, nil
		},
		upsertConnectionFn: func(_ context.Context, conn store.Connection) (store.Connection, error) {
			upserted = append(upserted, conn)
			return conn, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	persisted, err := svc.DetectAllCollisions(context.Background(), "user-b")
	if err != nil {
		t.Fatalf("DetectAllCollisions: %v", err)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected 1 persisted collision, got %d", len(persisted))
	}
	if len(upserted) != 1 {
		t.Fatalf("persisted collision must rescore the pair, got %d upserts", len(upserted))
	}
	if upserted[0].UserA != "user-a" || upserted[0].UserB != "user-b" {
		t.Fatalf("pair not normalized: %s/%s", upserted[0].UserA, upserted[0].UserB)
	}
}

func TestDetectAllCollisionsDuplicateSkipsRescore(t *testing.T) {
	posted := time.Date(2021, 7, 10, 14, 0, 0, 0, time.UTC)
	upsertCalls := 0
	fs := &fakeStore{
		listContentByAuthorFn: func(_ context.Context, _ string) ([]store.ContentItem, error) {
			return []store.ContentItem{{ID: "cnt-a", AuthorID: "user-a", PostedAt: posted}}, nil
		},
		listContentExceptFn: func(_ context.Context, _ string) ([]store.ContentItem, error) {
			return []store.ContentItem{{ID: "cnt-b", AuthorID: "user-b", PostedAt: posted}}, nil
		},
		insertCollisionFn: func(_ context.Context, _ store.MemoryCollision) (bool, error) {
			return false, nil
		},
		upsertConnectionFn: func(_ context.Context, conn store.Connection) (store.Connection, error) {
			upsertCalls++
			return conn, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	persisted, err := svc.DetectAllCollisions(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("DetectAllCollisions: %v", err)
	}
	if len(persisted) != 0 || upsertCalls != 0 {
		t.Fatalf("duplicate candidate must not persist or rescore, got %d/%d", len(persisted), upsertCalls)
	}
}

func TestDetectSpatialCollisionsStableAnchorWithoutTimestamp(t *testing.T) {
	created := time.Date(2021, 3, 2, 9, 30, 0, 0, time.UTC)
	mine := store.MediaItem{
		ID: "med-a", OwnerID: "user-a",
		Latitude: fptr(10.0), Longitude: fptr(20.0),
		CreatedAt: created,
	}
	other := store.MediaItem{
		ID: "med-b", OwnerID: "user-b",
		Latitude: fptr(10.0001), Longitude: fptr(20.0001),
		CreatedAt: created.Add(time.Minute),
	}
	fs := &fakeStore{
		listGeotaggedMediaFn: func(_ context.Context, _ string) ([]store.MediaItem, error) {
			return []store.MediaItem{mine}, nil
		},
		listGeotaggedExceptFn: func(_ context.Context, _ string) ([]store.MediaItem, error) {
			return []store.MediaItem{other}, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	first, err := svc.DetectSpatialCollisions(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("DetectSpatialCollisions: %v", err)
	}
	second, err := svc.DetectSpatialCollisions(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("DetectSpatialCollisions: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected 1 candidate per scan, got %d/%d", len(first), len(second))
	}
	if !first[0].OccurredAt.Equal(created) {
		t.Fatalf("expected anchor %v, got %v", created, first[0].OccurredAt)
	}
	if !first[0].OccurredAt.Equal(second[0].OccurredAt) {
		t.Fatalf("anchor drifted between scans: %v vs %v", first[0].OccurredAt, second[0].OccurredAt)
	}
}

func TestCreateMergerProposalRequiresParticipant(t *testing.T) {
	fs := &fakeStore{
		getCollisionFn: func(_ context.Context, id string) (store.MemoryCollision, error) {
			return store.MemoryCollision{ID: id, Participants: []string{"user-a", "user-b"}}, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	_, err := svc.CreateMergerProposal(context.Background(), "col-1", "user-c")
	requireDomainError(t, err, 403, "FORBIDDEN")
}

func TestApproveMergerRequiresNarrative(t *testing.T) {
	fs := &fakeStore{
		getMergerFn: func(_ context.Context, id string) (store.StoryMerger, error) {
			return store.StoryMerger{ID: id, Participants: []string{"user-a", "user-b"}}, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	_, err := svc.ApproveMerger(context.Background(), "mrg-1", "user-a", PerspectiveInput{Narrative: "   "})
	requireDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestApproveMergerRecordsPerspective(t *testing.T) {
	var perspectives []store.Perspective
	var approvals []string
	commits := 0
	fs := &fakeStore{
		getMergerFn: func(_ context.Context, id string) (store.StoryMerger, error) {
			return store.StoryMerger{ID: id, Participants: []string{"user-a", "user-b"}}, nil
		},
		upsertPerspectiveFn: func(_ context.Context, p store.Perspective) error {
			perspectives = append(perspectives, p)
			return nil
		},
		approveParticipantFn: func(_ context.Context, _, userID string) error {
			approvals = append(approvals, userID)
			return nil
		},
		pendingApprovalCountFn: func(_ context.Context, _ string) (int, error) {
			return 1, nil
		},
	}
	fa := &fakeArchive{
		commitFn: func(_ string, _ store.Perspective) (narrative.CommitInfo, error) {
			commits++
			return narrative.CommitInfo{Hash: "abc123"}, nil
		},
	}
	svc := newTestService(fs, fa)

	_, err := svc.ApproveMerger(context.Background(), "mrg-1", "user-a", PerspectiveInput{
		Narrative: "We watched the fireworks from the bridge.",
		Mood:      "joyful",
	})
	if err != nil {
		t.Fatalf("ApproveMerger: %v", err)
	}
	if len(perspectives) != 1 || perspectives[0].Mood != "joyful" {
		t.Fatalf("unexpected perspectives %+v", perspectives)
	}
	if !reflect.DeepEqual(approvals, []string{"user-a"}) {
		t.Fatalf("unexpected approvals %v", approvals)
	}
	if commits != 1 {
		t.Fatalf("expected 1 archive commit, got %d", commits)
	}
}

func TestApproveMergerRejectsPublishedStory(t *testing.T) {
	upserts := 0
	fs := &fakeStore{
		getMergerFn: func(_ context.Context, id string) (store.StoryMerger, error) {
			return store.StoryMerger{ID: id, Participants: []string{"user-a", "user-b"}, IsPublished: true}, nil
		},
		upsertPerspectiveFn: func(_ context.Context, _ store.Perspective) error {
			upserts++
			return nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	_, err := svc.ApproveMerger(context.Background(), "mrg-1", "user-a", PerspectiveInput{
		Narrative: "Actually it rained the whole time.",
	})
	requireDomainError(t, err, 409, "INVALID_STATE")
	if upserts != 0 {
		t.Fatalf("published story must not accept new perspectives, got %d upserts", upserts)
	}
}

func TestPublishRequiresFullApproval(t *testing.T) {
	fs := &fakeStore{
		getMergerFn: func(_ context.Context, id string) (store.StoryMerger, error) {
			return store.StoryMerger{ID: id, Participants: []string{"user-a", "user-b"}}, nil
		},
		pendingApprovalCountFn: func(_ context.Context, _ string) (int, error) {
			return 1, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	_, err := svc.PublishMerger(context.Background(), "mrg-1", 5.0)
	domainErr := requireDomainError(t, err, 409, "INVALID_STATE")
	details, ok := domainErr.Details.(map[string]any)
	if !ok || details["pendingApprovals"] != 1 {
		t.Fatalf("expected pendingApprovals detail, got %v", domainErr.Details)
	}
}

func TestPublishMergerSplitsRevenue(t *testing.T) {
	now := time.Now().UTC()
	merger := store.StoryMerger{
		ID:           "mrg-1",
		Participants: []string{"user-a", "user-b", "user-c"},
	}
	fs := &fakeStore{}
	fs.getMergerFn = func(_ context.Context, _ string) (store.StoryMerger, error) {
		return merger, nil
	}
	fs.markPublishedFn = func(_ context.Context, _ string, price float64, shares map[string]float64) (bool, error) {
		merger.IsPublished = true
		merger.PublishedAt = &now
		merger.Price = price
		merger.RevenueShare = shares
		return true, nil
	}
	svc := newTestService(fs, &fakeArchive{})

	view, err := svc.PublishMerger(context.Background(), "mrg-1", 9.99)
	if err != nil {
		t.Fatalf("PublishMerger: %v", err)
	}
	shares := view["revenueShare"].(map[string]float64)
	if len(shares) != 3 {
		t.Fatalf("expected 3 shares, got %d", len(shares))
	}
	for userID, share := range shares {
		if share != 33.33 {
			t.Fatalf("expected 33.33 for %s, got %v", userID, share)
		}
	}
	if view["isPublished"] != true {
		t.Fatal("expected published view")
	}
	if view["salesCount"] != 0 {
		t.Fatalf("expected zero sales, got %v", view["salesCount"])
	}
}

func TestPublishRejectsAlreadyPublished(t *testing.T) {
	fs := &fakeStore{
		getMergerFn: func(_ context.Context, id string) (store.StoryMerger, error) {
			return store.StoryMerger{ID: id, IsPublished: true}, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	_, err := svc.PublishMerger(context.Background(), "mrg-1", 5.0)
	requireDomainError(t, err, 409, "INVALID_STATE")
}

func TestPublishRejectsNegativePrice(t *testing.T) {
	fs := &fakeStore{
		getMergerFn: func(_ context.Context, id string) (store.StoryMerger, error) {
			return store.StoryMerger{ID: id, Participants: []string{"user-a"}}, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	_, err := svc.PublishMerger(context.Background(), "mrg-1", -1)
	requireDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestRecordSaleRequiresPublished(t *testing.T) {
	fs := &fakeStore{
		getMergerFn: func(_ context.Context, id string) (store.StoryMerger, error) {
			return store.StoryMerger{ID: id}, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	_, err := svc.RecordSale(context.Background(), "mrg-1")
	requireDomainError(t, err, 409, "INVALID_STATE")
}

func TestMergerHistoryIncludesArchivedDocuments(t *testing.T) {
	submitted := time.Date(2021, 7, 11, 8, 0, 0, 0, time.UTC)
	fs := &fakeStore{
		getMergerFn: func(_ context.Context, id string) (store.StoryMerger, error) {
			return store.StoryMerger{ID: id, Participants: []string{"user-a", "user-b"}}, nil
		},
	}
	fa := &fakeArchive{
		historyFn: func(_ string, _ int) ([]narrative.CommitInfo, error) {
			return []narrative.CommitInfo{{Hash: "c2"}, {Hash: "c1"}}, nil
		},
		perspectivesFn: func(_ string) ([]store.Perspective, error) {
			return []store.Perspective{{
				UserID:      "user-a",
				Narrative:   "We got there just before sunset.",
				Mood:        "nostalgic",
				SubmittedAt: submitted,
			}}, nil
		},
	}
	svc := newTestService(fs, fa)

	payload, err := svc.MergerHistory(context.Background(), "mrg-1", 50)
	if err != nil {
		t.Fatalf("MergerHistory: %v", err)
	}
	commits := payload["commits"].([]narrative.CommitInfo)
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
	documents := payload["archivedPerspectives"].([]map[string]any)
	if len(documents) != 1 {
		t.Fatalf("expected 1 archived document, got %d", len(documents))
	}
	if documents[0]["userId"] != "user-a" || documents[0]["mood"] != "nostalgic" {
		t.Fatalf("unexpected document %v", documents[0])
	}
}

func TestEqualSplitRounding(t *testing.T) {
	cases := []struct {
		count int
		want  float64
	}{
		{1, 100},
		{2, 50},
		{3, 33.33},
		{4, 25},
		{6, 16.67},
	}
	for _, tc := range cases {
		participants := make([]string, tc.count)
		for i := range participants {
			participants[i] = strings.Repeat("u", i+1)
		}
		split := equalSplit(participants)
		for _, share := range split {
			if share != tc.want {
				t.Fatalf("%d participants: expected %v, got %v", tc.count, tc.want, share)
			}
		}
	}
}

func mergerWithPerspectives(perspectives []store.Perspective) *fakeStore {
	return &fakeStore{
		getMergerFn: func(_ context.Context, id string) (store.StoryMerger, error) {
			return store.StoryMerger{ID: id, Participants: []string{"user-a", "user-b", "user-c"}}, nil
		},
		listPerspectivesFn: func(_ context.Context, _ string) ([]store.Perspective, error) {
			return perspectives, nil
		},
	}
}

func TestDetectConflictsMoodDisagreement(t *testing.T) {
	narrativeText := strings.Repeat("we remember the day well ", 4)
	fs := mergerWithPerspectives([]store.Perspective{
		{UserID: "user-b", Narrative: narrativeText, Mood: "sad"},
		{UserID: "user-a", Narrative: narrativeText, Mood: "happy"},
		{UserID: "user-c", Narrative: narrativeText},
	})
	svc := newTestService(fs, &fakeArchive{})

	conflicts, err := svc.DetectConflicts(context.Background(), "mrg-1")
	if err != nil {
		t.Fatalf("DetectConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d: %+v", len(conflicts), conflicts)
	}
	conflict := conflicts[0]
	if conflict.ID != "mood" || conflict.Type != "mood" {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
	if !reflect.DeepEqual(conflict.Values, []string{"happy", "sad"}) {
		t.Fatalf("unexpected values %v", conflict.Values)
	}
	if !reflect.DeepEqual(conflict.Users, []string{"user-a", "user-b"}) {
		t.Fatalf("unexpected users %v", conflict.Users)
	}
}

func TestDetectConflictsDetailMismatch(t *testing.T) {
	fs := mergerWithPerspectives([]store.Perspective{
		{UserID: "user-a", Narrative: strings.Repeat("x", 100)},
		{UserID: "user-b", Narrative: strings.Repeat("x", 10)},
	})
	svc := newTestService(fs, &fakeArchive{})

	conflicts, err := svc.DetectConflicts(context.Background(), "mrg-1")
	if err != nil {
		t.Fatalf("DetectConflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d: %+v", len(conflicts), conflicts)
	}
	if conflicts[0].ID != "detail:user-b" || conflicts[0].Type != "detail_mismatch" {
		t.Fatalf("unexpected conflict %+v", conflicts[0])
	}
}

func TestDetectConflictsNeedsTwoPerspectives(t *testing.T) {
	fs := mergerWithPerspectives([]store.Perspective{
		{UserID: "user-a", Narrative: "alone", Mood: "happy"},
	})
	svc := newTestService(fs, &fakeArchive{})

	conflicts, err := svc.DetectConflicts(context.Background(), "mrg-1")
	if err != nil {
		t.Fatalf("DetectConflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", conflicts)
	}
}

func TestDetectConflictsIsIdempotent(t *testing.T) {
	fs := mergerWithPerspectives([]store.Perspective{
		{UserID: "user-a", Narrative: strings.Repeat("x", 100), Mood: "happy"},
		{UserID: "user-b", Narrative: strings.Repeat("x", 10), Mood: "sad"},
	})
	svc := newTestService(fs, &fakeArchive{})

	first, err := svc.DetectConflicts(context.Background(), "mrg-1")
	if err != nil {
		t.Fatalf("DetectConflicts: %v", err)
	}
	second, err := svc.DetectConflicts(context.Background(), "mrg-1")
	if err != nil {
		t.Fatalf("DetectConflicts: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("detection not stable: %+v vs %+v", first, second)
	}
}

func TestResolveConflictKeepsStrategyPayload(t *testing.T) {
	cases := []struct {
		strategy      string
		input         ResolveConflictInput
		wantVotes     bool
		wantSelection bool
	}{
		{"voting", ResolveConflictInput{Strategy: "voting", Votes: map[string]string{"user-a": "happy"}, SelectedValue: "happy"}, true, false},
		{"merge", ResolveConflictInput{Strategy: "merge", Votes: map[string]string{"user-a": "happy"}, SelectedValue: "bittersweet"}, false, true},
		{"split", ResolveConflictInput{Strategy: "split", Votes: map[string]string{"user-a": "happy"}, SelectedValue: "happy"}, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.strategy, func(t *testing.T) {
			var recorded store.ConflictResolution
			fs := &fakeStore{
				getMergerFn: func(_ context.Context, id string) (store.StoryMerger, error) {
					return store.StoryMerger{ID: id, Participants: []string{"user-a", "user-b"}}, nil
				},
				insertResolutionFn: func(_ context.Context, resolution store.ConflictResolution) error {
					recorded = resolution
					return nil
				},
			}
			svc := newTestService(fs, &fakeArchive{})

			ack, err := svc.ResolveConflict(context.Background(), "mrg-1", "mood", "user-a", tc.input)
			if err != nil {
				t.Fatalf("ResolveConflict: %v", err)
			}
			if ack["ok"] != true || ack["strategy"] != tc.strategy {
				t.Fatalf("unexpected ack %v", ack)
			}
			if (recorded.Votes != nil) != tc.wantVotes {
				t.Fatalf("votes kept=%v, want %v", recorded.Votes != nil, tc.wantVotes)
			}
			if (recorded.SelectedValue != "") != tc.wantSelection {
				t.Fatalf("selection kept=%v, want %v", recorded.SelectedValue != "", tc.wantSelection)
			}
			if recorded.SnapshotHash != "deadbeef" {
				t.Fatalf("expected archive head stamp, got %q", recorded.SnapshotHash)
			}
		})
	}
}

func TestResolveConflictRejectsUnknownStrategy(t *testing.T) {
	fs := &fakeStore{
		getMergerFn: func(_ context.Context, id string) (store.StoryMerger, error) {
			return store.StoryMerger{ID: id, Participants: []string{"user-a"}}, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	_, err := svc.ResolveConflict(context.Background(), "mrg-1", "mood", "user-a", ResolveConflictInput{Strategy: "coin_flip"})
	requireDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestResolveConflictRequiresParticipant(t *testing.T) {
	fs := &fakeStore{
		getMergerFn: func(_ context.Context, id string) (store.StoryMerger, error) {
			return store.StoryMerger{ID: id, Participants: []string{"user-a"}}, nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})

	_, err := svc.ResolveConflict(context.Background(), "mrg-1", "mood", "user-b", ResolveConflictInput{Strategy: "voting"})
	requireDomainError(t, err, 403, "FORBIDDEN")
}

func TestIngestMediaValidation(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeArchive{})

	_, err := svc.IngestMedia(context.Background(), "user-a", IngestMediaInput{Data: []byte("x")})
	requireDomainError(t, err, 503, "MEDIA_UNAVAILABLE")

	svc.SetBlobStore(&fakeBlobStore{})

	_, err = svc.IngestMedia(context.Background(), "user-a", IngestMediaInput{})
	requireDomainError(t, err, 422, "VALIDATION_ERROR")

	_, err = svc.IngestMedia(context.Background(), "user-a", IngestMediaInput{
		Data:     []byte("x"),
		Latitude: fptr(10.0),
	})
	requireDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestIngestMediaStoresBlobAndRow(t *testing.T) {
	var putKeys []string
	var rows []store.MediaItem
	fs := &fakeStore{
		getUserFn: func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, DisplayName: "Alice"}, nil
		},
		insertMediaItemFn: func(_ context.Context, item store.MediaItem) error {
			rows = append(rows, item)
			return nil
		},
	}
	svc := newTestService(fs, &fakeArchive{})
	svc.SetBlobStore(&fakeBlobStore{
		putFn: func(_ context.Context, objectKey, contentType string, _ io.Reader, size int64) error {
			putKeys = append(putKeys, objectKey)
			if contentType != "image/jpeg" {
				return errors.New("unexpected content type " + contentType)
			}
			if size != 4 {
				return errors.New("unexpected size")
			}
			return nil
		},
	})

	item, err := svc.IngestMedia(context.Background(), "user-a", IngestMediaInput{
		Filename:    "beach.jpg",
		ContentType: "image/jpeg",
		Data:        []byte("jpeg"),
	})
	if err != nil {
		t.Fatalf("IngestMedia: %v", err)
	}
	if len(putKeys) != 1 || len(rows) != 1 {
		t.Fatalf("expected blob and row writes, got %d/%d", len(putKeys), len(rows))
	}
	if rows[0].ObjectKey != putKeys[0] || item.OwnerID != "user-a" {
		t.Fatalf("object key mismatch: %q vs %q", rows[0].ObjectKey, putKeys[0])
	}
}

func TestCreateContentRequiresBody(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeArchive{})
	_, err := svc.CreateContent(context.Background(), "user-a", "   ", time.Time{})
	requireDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestSearchContentUnavailableWithoutBackend(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeArchive{})
	_, err := svc.SearchContent(context.Background(), search.Query{Text: "picnic"})
	requireDomainError(t, err, 503, "SEARCH_UNAVAILABLE")
}
