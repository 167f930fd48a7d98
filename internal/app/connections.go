package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"time"

	"memoir/api/internal/store"
	"memoir/api/internal/util"
)

const (
	strengthBase         = 20
	strengthPerCollision = 10
	strengthCollisionCap = 50
	strengthPerTag       = 5
	strengthTagCap       = 30
	strengthCeiling      = 100
)

// normalizePair orders two user IDs so userA sorts before userB. Every
// connection read and write goes through this ordering.
func normalizePair(userA, userB string) (string, string) {
	if userA > userB {
		return userB, userA
	}
	return userA, userB
}

// CalculateStrength scores a pair from shared collisions and mutual
// accepted tags. The base 20 applies because this is only ever called as
// part of a real connection event, never speculatively.
func (s *Service) CalculateStrength(ctx context.Context, userA, userB string) (int, error) {
	userA, userB = normalizePair(userA, userB)

	sharedCollisions, err := s.store.CountCollisionsForPair(ctx, userA, userB)
	if err != nil {
		return 0, err
	}
	acceptedTags, err := s.store.CountAcceptedTags(ctx, userA, userB)
	if err != nil {
		return 0, err
	}

	sharedEventsScore := sharedCollisions * strengthPerCollision
	if sharedEventsScore > strengthCollisionCap {
		sharedEventsScore = strengthCollisionCap
	}
	mutualTagsScore := acceptedTags * strengthPerTag
	if mutualTagsScore > strengthTagCap {
		mutualTagsScore = strengthTagCap
	}

	total := strengthBase + sharedEventsScore + mutualTagsScore
	if total > strengthCeiling {
		total = strengthCeiling
	}
	return total, nil
}

// CreateOrUpdateConnection recomputes the pair strength and upserts the
// row atomically. An empty relationshipType preserves whatever label the
// row already carries.
func (s *Service) CreateOrUpdateConnection(ctx context.Context, userA, userB, relationshipType string) (store.Connection, error) {
	if userA == userB {
		return store.Connection{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cannot connect a user to themselves", nil)
	}
	userA, userB = normalizePair(userA, userB)

	strength, err := s.CalculateStrength(ctx, userA, userB)
	if err != nil {
		return store.Connection{}, err
	}

	conn, err := s.store.UpsertConnection(ctx, store.Connection{
		ID:               util.NewID("con"),
		UserA:            userA,
		UserB:            userB,
		StrengthScore:    strength,
		RelationshipType: relationshipType,
		LastInteraction:  time.Now().UTC(),
	})
	if err != nil {
		return store.Connection{}, err
	}

	s.invalidateGraph(ctx, userA, userB)
	return conn, nil
}

// GetMemoryGraph projects every connection touching the user into a
// node/edge view. Served from the Redis cache when warm.
func (s *Service) GetMemoryGraph(ctx context.Context, userID string) (map[string]any, error) {
	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, userID); err != nil {
			log.Printf("graphcache: read for %s failed: %v", userID, err)
		} else if ok {
			var cached map[string]any
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		}
	}

	connections, err := s.store.ListConnectionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	nodeSet := map[string]struct{}{userID: {}}
	edges := make([]map[string]any, 0, len(connections))
	for _, conn := range connections {
		nodeSet[conn.UserA] = struct{}{}
		nodeSet[conn.UserB] = struct{}{}

		sharedEvents, err := s.store.CountCollisionsForPair(ctx, conn.UserA, conn.UserB)
		if err != nil {
			return nil, err
		}
		edges = append(edges, map[string]any{
			"userA":            conn.UserA,
			"userB":            conn.UserB,
			"strength":         conn.StrengthScore,
			"relationshipType": conn.RelationshipType,
			"sharedEvents":     sharedEvents,
		})
	}

	nodes := make([]string, 0, len(nodeSet))
	for node := range nodeSet {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	graph := map[string]any{
		"userId": userID,
		"nodes":  nodes,
		"edges":  edges,
	}

	if s.cache != nil {
		if raw, err := json.Marshal(graph); err == nil {
			if err := s.cache.Set(ctx, userID, raw); err != nil {
				log.Printf("graphcache: write for %s failed: %v", userID, err)
			}
		}
	}
	return graph, nil
}

// GetRelationshipTimeline returns the connection row plus all shared
// collisions in time order. A never-connected pair yields a zero-strength
// shape, not an error.
func (s *Service) GetRelationshipTimeline(ctx context.Context, userA, userB string) (map[string]any, error) {
	userA, userB = normalizePair(userA, userB)

	conn, err := s.store.GetConnection(ctx, userA, userB)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		conn = store.Connection{UserA: userA, UserB: userB, StrengthScore: 0}
	}

	collisions, err := s.store.ListCollisionsForPair(ctx, userA, userB)
	if err != nil {
		return nil, err
	}
	sort.Slice(collisions, func(i, j int) bool {
		return collisions[i].OccurredAt.Before(collisions[j].OccurredAt)
	})

	timeline := make([]map[string]any, 0, len(collisions))
	for _, collision := range collisions {
		timeline = append(timeline, map[string]any{
			"collisionId": collision.ID,
			"title":       collision.Title,
			"occurredAt":  collision.OccurredAt,
			"detectedBy":  collision.DetectedBy,
			"verified":    collision.Verified,
		})
	}

	return map[string]any{
		"connection": map[string]any{
			"userA":            conn.UserA,
			"userB":            conn.UserB,
			"strength":         conn.StrengthScore,
			"relationshipType": conn.RelationshipType,
		},
		"sharedEvents": len(collisions),
		"timeline":     timeline,
	}, nil
}

// CreateTag records that taggerID tagged another user in an event. Tags
// start pending and only count toward strength once accepted.
func (s *Service) CreateTag(ctx context.Context, taggerID, taggedUserID string) (store.EventTag, error) {
	if taggerID == taggedUserID {
		return store.EventTag{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cannot tag yourself", nil)
	}
	if _, err := s.store.GetUser(ctx, taggedUserID); err != nil {
		return store.EventTag{}, err
	}
	tag := store.EventTag{
		ID:           util.NewID("tag"),
		TaggerID:     taggerID,
		TaggedUserID: taggedUserID,
		Status:       "pending",
	}
	if err := s.store.InsertEventTag(ctx, tag); err != nil {
		return store.EventTag{}, err
	}
	return tag, nil
}

// AcceptTag flips a tag to accepted and rescores the pair connection.
// Only the tagged user can accept.
func (s *Service) AcceptTag(ctx context.Context, tagID, userID string) (store.Connection, error) {
	tag, err := s.store.GetEventTag(ctx, tagID)
	if err != nil {
		return store.Connection{}, err
	}
	if tag.TaggedUserID != userID {
		return store.Connection{}, domainError(http.StatusForbidden, "FORBIDDEN", "only the tagged user can accept a tag", nil)
	}
	updated, err := s.store.UpdateEventTagStatus(ctx, tagID, "accepted")
	if err != nil {
		return store.Connection{}, err
	}
	if !updated {
		return store.Connection{}, sql.ErrNoRows
	}
	return s.CreateOrUpdateConnection(ctx, tag.TaggerID, tag.TaggedUserID, "")
}

func (s *Service) invalidateGraph(ctx context.Context, userIDs ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userIDs...); err != nil {
		log.Printf("graphcache: invalidate %v failed: %v", userIDs, err)
	}
}
