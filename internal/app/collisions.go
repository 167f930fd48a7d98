package app

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"sort"
	"time"

	"memoir/api/internal/search"
	"memoir/api/internal/store"
	"memoir/api/internal/util"

	"golang.org/x/sync/errgroup"
)

const (
	// Pairwise media comparison: same day and ~111m box.
	overlapTimeWindow = 24 * time.Hour
	overlapDegreeBox  = 0.001
	confSpatialTemp   = 0.9
	confTemporalOnly  = 0.4

	// Broad scans keep their own thresholds and 0-100 confidence scale.
	contentTimeWindow = 4 * time.Hour
	broadDegreeBox    = 0.0005
	confBroadTemporal = 75
	confBroadSpatial  = 85
	confMutualMention = 60
)

// Overlap is one candidate media pair between two users. Candidates are
// not persisted; callers decide what to do with them.
type Overlap struct {
	MediaAID   string    `json:"mediaAId"`
	MediaBID   string    `json:"mediaBId"`
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`
	OccurredAt time.Time `json:"occurredAt"`
}

// CollisionCandidate is one hit from the broad per-user scans.
type CollisionCandidate struct {
	Type       string         `json:"type"`
	Users      []string       `json:"users"`
	Confidence float64        `json:"confidence"`
	OccurredAt time.Time      `json:"occurredAt"`
	EventData  map[string]any `json:"eventData"`
}

// DetectOverlaps cross-compares all timestamped media of two users.
// Pairs within 24h classify as temporal; pairs also within the 0.001
// degree box classify as spatial_temporal. Spatial-only pairs are not
// emitted from this path.
func (s *Service) DetectOverlaps(ctx context.Context, userA, userB string) ([]Overlap, error) {
	if userA == userB {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cannot compare a user with themselves", nil)
	}
	mediaA, err := s.store.ListTimestampedMedia(ctx, userA)
	if err != nil {
		return nil, err
	}
	mediaB, err := s.store.ListTimestampedMedia(ctx, userB)
	if err != nil {
		return nil, err
	}

	overlaps := make([]Overlap, 0)
	for _, a := range mediaA {
		for _, b := range mediaB {
			timeDiff := a.TakenAt.Sub(*b.TakenAt)
			if timeDiff < 0 {
				timeDiff = -timeDiff
			}
			if timeDiff >= overlapTimeWindow {
				continue
			}
			overlap := Overlap{
				MediaAID:   a.ID,
				MediaBID:   b.ID,
				Type:       "temporal",
				Confidence: confTemporalOnly,
				OccurredAt: *a.TakenAt,
			}
			if hasCoordinates(a) && hasCoordinates(b) && withinDegreeBox(a, b, overlapDegreeBox) {
				overlap.Type = "spatial_temporal"
				overlap.Confidence = confSpatialTemp
			}
			overlaps = append(overlaps, overlap)
		}
	}
	return overlaps, nil
}

// ProcessNewMedia scans a freshly ingested media item against media from
// the uploader's existing connections. Only spatial_temporal grade
// matches persist; duplicates are silently skipped by the store's
// uniqueness constraint.
func (s *Service) ProcessNewMedia(ctx context.Context, mediaID string) error {
	item, err := s.store.GetMediaItem(ctx, mediaID)
	if err != nil {
		return err
	}
	if item.TakenAt == nil || !hasCoordinates(item) {
		return nil
	}

	connected, err := s.store.ListConnectedUserIDs(ctx, item.OwnerID)
	if err != nil {
		return err
	}
	if len(connected) == 0 {
		return nil
	}

	from := item.TakenAt.Add(-overlapTimeWindow)
	to := item.TakenAt.Add(overlapTimeWindow)
	candidates, err := s.store.ListCandidateMedia(ctx, connected, from, to)
	if err != nil {
		return err
	}

	for _, other := range candidates {
		if !hasCoordinates(other) || !withinDegreeBox(item, other, overlapDegreeBox) {
			continue
		}
		collision := store.MemoryCollision{
			ID:           util.NewID("col"),
			Title:        collisionTitle(*item.TakenAt),
			OccurredAt:   *item.TakenAt,
			Participants: []string{item.OwnerID, other.OwnerID},
			Confidence:   confSpatialTemp,
			DetectedBy:   "spatial_temporal",
			Location:     fmt.Sprintf("%.4f,%.4f", *item.Latitude, *item.Longitude),
		}
		inserted, err := s.store.InsertCollision(ctx, collision)
		if err != nil {
			return err
		}
		if !inserted {
			continue
		}
		if _, err := s.CreateOrUpdateConnection(ctx, item.OwnerID, other.OwnerID, ""); err != nil {
			return err
		}
		s.notifyCollision(ctx, collision)
	}
	return nil
}

// DetectTemporalCollisions scans the user's content posts against
// everyone else's within a 4 hour window.
func (s *Service) DetectTemporalCollisions(ctx context.Context, userID string) ([]CollisionCandidate, error) {
	mine, err := s.store.ListContentByAuthor(ctx, userID)
	if err != nil {
		return nil, err
	}
	others, err := s.store.ListContentExcept(ctx, userID)
	if err != nil {
		return nil, err
	}

	candidates := make([]CollisionCandidate, 0)
	for _, item := range mine {
		for _, other := range others {
			diff := item.PostedAt.Sub(other.PostedAt)
			if diff < 0 {
				diff = -diff
			}
			if diff > contentTimeWindow {
				continue
			}
			candidates = append(candidates, CollisionCandidate{
				Type:       "temporal",
				Users:      []string{userID, other.AuthorID},
				Confidence: confBroadTemporal,
				OccurredAt: item.PostedAt,
				EventData: map[string]any{
					"contentId":      item.ID,
					"otherContentId": other.ID,
				},
			})
		}
	}
	return candidates, nil
}

// DetectSpatialCollisions scans the user's geotagged media against
// everyone else's inside a 0.0005 degree box, regardless of time.
func (s *Service) DetectSpatialCollisions(ctx context.Context, userID string) ([]CollisionCandidate, error) {
	mine, err := s.store.ListGeotaggedMedia(ctx, userID)
	if err != nil {
		return nil, err
	}
	others, err := s.store.ListGeotaggedMediaExcept(ctx, userID)
	if err != nil {
		return nil, err
	}

	candidates := make([]CollisionCandidate, 0)
	for _, item := range mine {
		for _, other := range others {
			if !withinDegreeBox(item, other, broadDegreeBox) {
				continue
			}
			// Untimestamped items anchor on the row's creation time so
			// repeated scans produce the same (occurred_at, participants)
			// key and the store constraint can dedup them.
			occurred := item.CreatedAt
			if item.TakenAt != nil {
				occurred = *item.TakenAt
			}
			candidates = append(candidates, CollisionCandidate{
				Type:       "spatial",
				Users:      []string{userID, other.OwnerID},
				Confidence: confBroadSpatial,
				OccurredAt: occurred,
				EventData: map[string]any{
					"mediaId":      item.ID,
					"otherMediaId": other.ID,
					"location":     fmt.Sprintf("%.4f,%.4f", *item.Latitude, *item.Longitude),
				},
			})
		}
	}
	return candidates, nil
}

// DetectMutualMentions searches other users' content for the user's
// display name. Common names produce false positives; the confidence is
// advisory, not a gate.
func (s *Service) DetectMutualMentions(ctx context.Context, userID string) ([]CollisionCandidate, error) {
	if s.search == nil {
		return []CollisionCandidate{}, nil
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.DisplayName == "" {
		return []CollisionCandidate{}, nil
	}

	resp := s.search.Search(search.Query{
		Text:            user.DisplayName,
		FilterType:      search.ResultContent,
		ExcludeAuthorID: userID,
		Limit:           50,
	})

	candidates := make([]CollisionCandidate, 0, len(resp.Results))
	for _, hit := range resp.Results {
		candidates = append(candidates, CollisionCandidate{
			Type:       "mutual_mention",
			Users:      []string{userID, hit.AuthorID},
			Confidence: confMutualMention,
			OccurredAt: hit.PostedAt,
			EventData: map[string]any{
				"contentId": hit.ID,
				"snippet":   hit.Snippet,
			},
		})
	}
	return candidates, nil
}

// DetectAllCollisions fans the three broad scans out concurrently, joins
// their results, and persists every candidate. Dedup is left to the
// store's uniqueness constraint. Every newly persisted collision rescores
// the pair connection, same as the ingestion path.
func (s *Service) DetectAllCollisions(ctx context.Context, userID string) ([]store.MemoryCollision, error) {
	var temporal, spatial, mentions []CollisionCandidate

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		temporal, err = s.DetectTemporalCollisions(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		spatial, err = s.DetectSpatialCollisions(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		mentions, err = s.DetectMutualMentions(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	candidates := make([]CollisionCandidate, 0, len(temporal)+len(spatial)+len(mentions))
	candidates = append(candidates, temporal...)
	candidates = append(candidates, spatial...)
	candidates = append(candidates, mentions...)

	persisted := make([]store.MemoryCollision, 0, len(candidates))
	for _, candidate := range candidates {
		location := ""
		if raw, ok := candidate.EventData["location"].(string); ok {
			location = raw
		}
		collision := store.MemoryCollision{
			ID:           util.NewID("col"),
			Title:        collisionTitle(candidate.OccurredAt),
			OccurredAt:   candidate.OccurredAt,
			Participants: candidate.Users,
			Confidence:   candidate.Confidence,
			DetectedBy:   candidate.Type,
			Location:     location,
		}
		inserted, err := s.store.InsertCollision(ctx, collision)
		if err != nil {
			return nil, err
		}
		if !inserted {
			continue
		}
		persisted = append(persisted, collision)
		for _, other := range withoutUser(collision.Participants, userID) {
			if _, err := s.CreateOrUpdateConnection(ctx, userID, other, ""); err != nil {
				return nil, err
			}
		}
	}
	log.Printf("collisions: detect-all for %s found %d candidates, persisted %d", userID, len(candidates), len(persisted))
	return persisted, nil
}

func (s *Service) ListCollisions(ctx context.Context, userID string) ([]store.MemoryCollision, error) {
	return s.store.ListCollisionsForUser(ctx, userID)
}

func (s *Service) GetCollision(ctx context.Context, collisionID string) (store.MemoryCollision, error) {
	return s.store.GetCollision(ctx, collisionID)
}

// VerifyCollision marks a collision as user-confirmed. The only mutable
// field on a collision row.
func (s *Service) VerifyCollision(ctx context.Context, collisionID, userID string) (store.MemoryCollision, error) {
	collision, err := s.store.GetCollision(ctx, collisionID)
	if err != nil {
		return store.MemoryCollision{}, err
	}
	if !containsUser(collision.Participants, userID) {
		return store.MemoryCollision{}, domainError(http.StatusForbidden, "FORBIDDEN", "only participants can verify a collision", nil)
	}
	if _, err := s.store.VerifyCollision(ctx, collisionID); err != nil {
		return store.MemoryCollision{}, err
	}
	return s.store.GetCollision(ctx, collisionID)
}

func (s *Service) notifyCollision(ctx context.Context, collision store.MemoryCollision) {
	if s.notify == nil || !s.notify.IsConfigured() {
		return
	}
	for _, participantID := range collision.Participants {
		user, err := s.store.GetUser(ctx, participantID)
		if err != nil || user.Email == "" {
			continue
		}
		others := withoutUser(collision.Participants, participantID)
		go func(u store.User, others []string) {
			if err := s.notify.SendCollisionDetected(u.Email, u.DisplayName, collision.Title, others); err != nil {
				log.Printf("notify: collision email to %s failed: %v", u.ID, err)
			}
		}(user, others)
	}
}

func collisionTitle(occurredAt time.Time) string {
	return "Shared Memory on " + occurredAt.Format("2006-01-02")
}

func hasCoordinates(item store.MediaItem) bool {
	return item.Latitude != nil && item.Longitude != nil
}

func withinDegreeBox(a, b store.MediaItem, box float64) bool {
	return math.Abs(*a.Latitude-*b.Latitude) < box && math.Abs(*a.Longitude-*b.Longitude) < box
}

func containsUser(users []string, userID string) bool {
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}

func withoutUser(users []string, userID string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u != userID {
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}
