package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ParticipantsKey canonicalizes a participant set for the collision
// dedup constraint: sorted, comma-joined, duplicate-free.
func ParticipantsKey(users []string) string {
	seen := make(map[string]struct{}, len(users))
	unique := make([]string, 0, len(users))
	for _, user := range users {
		if _, ok := seen[user]; ok {
			continue
		}
		seen[user] = struct{}{}
		unique = append(unique, user)
	}
	sort.Strings(unique)
	return strings.Join(unique, ",")
}

func (s *PostgresStore) EnsureUser(ctx context.Context, displayName, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, created_at FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, email)
		VALUES (CONCAT('usr_', MD5(RANDOM()::text)), $1, $2)
		ON CONFLICT (email) DO UPDATE SET display_name=EXCLUDED.display_name
		RETURNING id, display_name, email, created_at
	`, displayName, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) InsertMediaItem(ctx context.Context, item MediaItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_items (id, owner_id, object_key, content_type, taken_at, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.OwnerID, item.ObjectKey, item.ContentType, item.TakenAt, item.Latitude, item.Longitude)
	if err != nil {
		return fmt.Errorf("insert media item: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMediaItem(ctx context.Context, mediaID string) (MediaItem, error) {
	var item MediaItem
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, object_key, content_type, taken_at, latitude, longitude, created_at
		FROM media_items
		WHERE id=$1
	`, mediaID).Scan(&item.ID, &item.OwnerID, &item.ObjectKey, &item.ContentType, &item.TakenAt, &item.Latitude, &item.Longitude, &item.CreatedAt)
	if err != nil {
		return MediaItem{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListTimestampedMedia(ctx context.Context, ownerID string) ([]MediaItem, error) {
	return s.listMedia(ctx, `
		SELECT id, owner_id, object_key, content_type, taken_at, latitude, longitude, created_at
		FROM media_items
		WHERE owner_id=$1 AND taken_at IS NOT NULL
		ORDER BY taken_at ASC
	`, ownerID)
}

func (s *PostgresStore) ListGeotaggedMedia(ctx context.Context, ownerID string) ([]MediaItem, error) {
	return s.listMedia(ctx, `
		SELECT id, owner_id, object_key, content_type, taken_at, latitude, longitude, created_at
		FROM media_items
		WHERE owner_id=$1 AND latitude IS NOT NULL AND longitude IS NOT NULL
		ORDER BY created_at ASC
	`, ownerID)
}

func (s *PostgresStore) ListGeotaggedMediaExcept(ctx context.Context, userID string) ([]MediaItem, error) {
	return s.listMedia(ctx, `
		SELECT id, owner_id, object_key, content_type, taken_at, latitude, longitude, created_at
		FROM media_items
		WHERE owner_id <> $1 AND latitude IS NOT NULL AND longitude IS NOT NULL
		ORDER BY created_at ASC
	`, userID)
}

// ListCandidateMedia returns geotagged, timestamped media owned by any of
// the given users inside the [from, to] capture window.
func (s *PostgresStore) ListCandidateMedia(ctx context.Context, ownerIDs []string, from, to time.Time) ([]MediaItem, error) {
	if len(ownerIDs) == 0 {
		return []MediaItem{}, nil
	}
	encoded, err := json.Marshal(ownerIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal owner ids: %w", err)
	}
	return s.listMedia(ctx, `
		SELECT id, owner_id, object_key, content_type, taken_at, latitude, longitude, created_at
		FROM media_items
		WHERE owner_id IN (SELECT jsonb_array_elements_text($1::jsonb))
		  AND taken_at BETWEEN $2 AND $3
		  AND latitude IS NOT NULL AND longitude IS NOT NULL
		ORDER BY taken_at ASC
	`, string(encoded), from, to)
}

func (s *PostgresStore) listMedia(ctx context.Context, query string, args ...any) ([]MediaItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()

	items := make([]MediaItem, 0)
	for rows.Next() {
		var item MediaItem
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.ObjectKey, &item.ContentType, &item.TakenAt, &item.Latitude, &item.Longitude, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan media item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertContentItem(ctx context.Context, item ContentItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_items (id, author_id, body, posted_at)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.AuthorID, item.Body, item.PostedAt)
	if err != nil {
		return fmt.Errorf("insert content item: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListContentByAuthor(ctx context.Context, authorID string) ([]ContentItem, error) {
	return s.listContent(ctx, `
		SELECT id, author_id, body, posted_at, created_at
		FROM content_items
		WHERE author_id=$1
		ORDER BY posted_at ASC
	`, authorID)
}

func (s *PostgresStore) ListContentExcept(ctx context.Context, userID string) ([]ContentItem, error) {
	return s.listContent(ctx, `
		SELECT id, author_id, body, posted_at, created_at
		FROM content_items
		WHERE author_id <> $1
		ORDER BY posted_at ASC
	`, userID)
}

func (s *PostgresStore) listContent(ctx context.Context, query string, args ...any) ([]ContentItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}
	defer rows.Close()

	items := make([]ContentItem, 0)
	for rows.Next() {
		var item ContentItem
		if err := rows.Scan(&item.ID, &item.AuthorID, &item.Body, &item.PostedAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan content item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertEventTag(ctx context.Context, tag EventTag) error {
	status := tag.Status
	if status == "" {
		status = "pending"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_tags (id, tagger_id, tagged_user_id, status)
		VALUES ($1, $2, $3, $4)
	`, tag.ID, tag.TaggerID, tag.TaggedUserID, status)
	if err != nil {
		return fmt.Errorf("insert event tag: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEventTag(ctx context.Context, tagID string) (EventTag, error) {
	var tag EventTag
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tagger_id, tagged_user_id, status, created_at
		FROM event_tags
		WHERE id=$1
	`, tagID).Scan(&tag.ID, &tag.TaggerID, &tag.TaggedUserID, &tag.Status, &tag.CreatedAt)
	if err != nil {
		return EventTag{}, err
	}
	return tag, nil
}

func (s *PostgresStore) UpdateEventTagStatus(ctx context.Context, tagID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE event_tags SET status=$2 WHERE id=$1 AND status <> $2
	`, tagID, status)
	if err != nil {
		return false, fmt.Errorf("update event tag status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update event tag rows: %w", err)
	}
	return affected > 0, nil
}

// CountAcceptedTags counts accepted tags between the pair in either direction.
func (s *PostgresStore) CountAcceptedTags(ctx context.Context, userA, userB string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM event_tags
		WHERE status='accepted'
		  AND ((tagger_id=$1 AND tagged_user_id=$2) OR (tagger_id=$2 AND tagged_user_id=$1))
	`, userA, userB).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count accepted tags: %w", err)
	}
	return count, nil
}

// InsertCollision persists a collision unless one already exists for the
// same (occurred_at, participant set). Returns false on the silent no-op.
func (s *PostgresStore) InsertCollision(ctx context.Context, collision MemoryCollision) (bool, error) {
	encoded, err := json.Marshal(collision.Participants)
	if err != nil {
		return false, fmt.Errorf("marshal collision participants: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_collisions (id, title, occurred_at, participants, participants_key, confidence, detected_by, location, verified)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9)
		ON CONFLICT (occurred_at, participants_key) DO NOTHING
	`, collision.ID, collision.Title, collision.OccurredAt, string(encoded), ParticipantsKey(collision.Participants), collision.Confidence, collision.DetectedBy, collision.Location, collision.Verified)
	if err != nil {
		return false, fmt.Errorf("insert collision: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert collision rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) GetCollision(ctx context.Context, collisionID string) (MemoryCollision, error) {
	var item MemoryCollision
	var participantsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, occurred_at, participants, confidence, detected_by, location, verified, created_at
		FROM memory_collisions
		WHERE id=$1
	`, collisionID).Scan(&item.ID, &item.Title, &item.OccurredAt, &participantsRaw, &item.Confidence, &item.DetectedBy, &item.Location, &item.Verified, &item.CreatedAt)
	if err != nil {
		return MemoryCollision{}, err
	}
	if err := json.Unmarshal(participantsRaw, &item.Participants); err != nil {
		return MemoryCollision{}, fmt.Errorf("decode collision participants: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListCollisionsForUser(ctx context.Context, userID string) ([]MemoryCollision, error) {
	return s.listCollisions(ctx, `
		SELECT id, title, occurred_at, participants, confidence, detected_by, location, verified, created_at
		FROM memory_collisions
		WHERE participants @> to_jsonb($1::text)
		ORDER BY occurred_at DESC
	`, userID)
}

func (s *PostgresStore) ListCollisionsForPair(ctx context.Context, userA, userB string) ([]MemoryCollision, error) {
	return s.listCollisions(ctx, `
		SELECT id, title, occurred_at, participants, confidence, detected_by, location, verified, created_at
		FROM memory_collisions
		WHERE participants @> to_jsonb($1::text) AND participants @> to_jsonb($2::text)
		ORDER BY occurred_at ASC
	`, userA, userB)
}

func (s *PostgresStore) CountCollisionsForPair(ctx context.Context, userA, userB string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memory_collisions
		WHERE participants @> to_jsonb($1::text) AND participants @> to_jsonb($2::text)
	`, userA, userB).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pair collisions: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) VerifyCollision(ctx context.Context, collisionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memory_collisions SET verified=TRUE WHERE id=$1 AND NOT verified
	`, collisionID)
	if err != nil {
		return false, fmt.Errorf("verify collision: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("verify collision rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) listCollisions(ctx context.Context, query string, args ...any) ([]MemoryCollision, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list collisions: %w", err)
	}
	defer rows.Close()

	items := make([]MemoryCollision, 0)
	for rows.Next() {
		var item MemoryCollision
		var participantsRaw []byte
		if err := rows.Scan(&item.ID, &item.Title, &item.OccurredAt, &participantsRaw, &item.Confidence, &item.DetectedBy, &item.Location, &item.Verified, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan collision: %w", err)
		}
		if err := json.Unmarshal(participantsRaw, &item.Participants); err != nil {
			return nil, fmt.Errorf("decode collision participants: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collisions: %w", err)
	}
	return items, nil
}

// UpsertConnection writes the connection row for a normalized pair in a
// single atomic statement. Strength is always replaced in full;
// relationship_type is only overwritten when a non-empty value is passed;
// last_interaction is always bumped.
func (s *PostgresStore) UpsertConnection(ctx context.Context, conn Connection) (Connection, error) {
	if conn.UserA > conn.UserB {
		return Connection{}, fmt.Errorf("connection pair not normalized: %s > %s", conn.UserA, conn.UserB)
	}
	var item Connection
	var relationshipType sql.NullString
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO connections (id, user_a, user_b, strength_score, relationship_type, last_interaction)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NOW())
		ON CONFLICT (user_a, user_b) DO UPDATE SET
			strength_score=EXCLUDED.strength_score,
			relationship_type=COALESCE(NULLIF($5, ''), connections.relationship_type),
			last_interaction=NOW()
		RETURNING id, user_a, user_b, strength_score, relationship_type, last_interaction, created_at
	`, conn.ID, conn.UserA, conn.UserB, conn.StrengthScore, conn.RelationshipType).Scan(
		&item.ID, &item.UserA, &item.UserB, &item.StrengthScore, &relationshipType, &item.LastInteraction, &item.CreatedAt)
	if err != nil {
		return Connection{}, fmt.Errorf("upsert connection: %w", err)
	}
	item.RelationshipType = relationshipType.String
	return item, nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, userA, userB string) (Connection, error) {
	var item Connection
	var relationshipType sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, strength_score, relationship_type, last_interaction, created_at
		FROM connections
		WHERE user_a=$1 AND user_b=$2
	`, userA, userB).Scan(&item.ID, &item.UserA, &item.UserB, &item.StrengthScore, &relationshipType, &item.LastInteraction, &item.CreatedAt)
	if err != nil {
		return Connection{}, err
	}
	item.RelationshipType = relationshipType.String
	return item, nil
}

func (s *PostgresStore) ListConnectionsForUser(ctx context.Context, userID string) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_a, user_b, strength_score, relationship_type, last_interaction, created_at
		FROM connections
		WHERE user_a=$1 OR user_b=$1
		ORDER BY strength_score DESC, last_interaction DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	items := make([]Connection, 0)
	for rows.Next() {
		var item Connection
		var relationshipType sql.NullString
		if err := rows.Scan(&item.ID, &item.UserA, &item.UserB, &item.StrengthScore, &relationshipType, &item.LastInteraction, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		item.RelationshipType = relationshipType.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListConnectedUserIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN user_a=$1 THEN user_b ELSE user_a END
		FROM connections
		WHERE user_a=$1 OR user_b=$1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list connected users: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan connected user: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connected users: %w", err)
	}
	return ids, nil
}

// InsertMerger creates the merger row and seeds one approval per
// participant, with the initiator pre-approved.
func (s *PostgresStore) InsertMerger(ctx context.Context, merger StoryMerger) error {
	encoded, err := json.Marshal(merger.Participants)
	if err != nil {
		return fmt.Errorf("marshal merger participants: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO story_mergers (id, collision_id, event_title, event_date, initiator_id, participants, price)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, merger.ID, merger.CollisionID, merger.EventTitle, merger.EventDate, merger.InitiatorID, string(encoded), merger.Price)
	if err != nil {
		return fmt.Errorf("insert merger: %w", err)
	}

	for _, participant := range merger.Participants {
		status := "pending"
		if participant == merger.InitiatorID {
			status = "approved"
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO merger_approvals (merger_id, user_id, status, approved_at)
			VALUES ($1, $2, $3, CASE WHEN $3='approved' THEN NOW() ELSE NULL END)
			ON CONFLICT (merger_id, user_id) DO NOTHING
		`, merger.ID, participant, status); err != nil {
			return fmt.Errorf("seed merger approvals: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetMerger(ctx context.Context, mergerID string) (StoryMerger, error) {
	var item StoryMerger
	var participantsRaw []byte
	var shareRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, collision_id, event_title, event_date, initiator_id, participants,
			is_published, published_at, price, revenue_share, sales_count, created_at
		FROM story_mergers
		WHERE id=$1
	`, mergerID).Scan(&item.ID, &item.CollisionID, &item.EventTitle, &item.EventDate, &item.InitiatorID, &participantsRaw,
		&item.IsPublished, &item.PublishedAt, &item.Price, &shareRaw, &item.SalesCount, &item.CreatedAt)
	if err != nil {
		return StoryMerger{}, err
	}
	if err := json.Unmarshal(participantsRaw, &item.Participants); err != nil {
		return StoryMerger{}, fmt.Errorf("decode merger participants: %w", err)
	}
	if len(shareRaw) > 0 {
		_ = json.Unmarshal(shareRaw, &item.RevenueShare)
	}
	return item, nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, mergerID string) ([]MergerApproval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT merger_id, user_id, status, approved_at
		FROM merger_approvals
		WHERE merger_id=$1
		ORDER BY user_id ASC
	`, mergerID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]MergerApproval, 0)
	for rows.Next() {
		var item MergerApproval
		if err := rows.Scan(&item.MergerID, &item.UserID, &item.Status, &item.ApprovedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ApproveParticipant(ctx context.Context, mergerID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE merger_approvals
		SET status='approved', approved_at=COALESCE(approved_at, NOW())
		WHERE merger_id=$1 AND user_id=$2
	`, mergerID, userID)
	if err != nil {
		return fmt.Errorf("approve participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) PendingApprovalCount(ctx context.Context, mergerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM merger_approvals WHERE merger_id=$1 AND status <> 'approved'
	`, mergerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpsertPerspective(ctx context.Context, perspective Perspective) error {
	photos := perspective.Photos
	if photos == nil {
		photos = []string{}
	}
	encoded, err := json.Marshal(photos)
	if err != nil {
		return fmt.Errorf("marshal perspective photos: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merger_perspectives (merger_id, user_id, narrative, photos, mood, submitted_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, NOW())
		ON CONFLICT (merger_id, user_id) DO UPDATE SET
			narrative=EXCLUDED.narrative,
			photos=EXCLUDED.photos,
			mood=EXCLUDED.mood,
			submitted_at=NOW()
	`, perspective.MergerID, perspective.UserID, perspective.Narrative, string(encoded), perspective.Mood)
	if err != nil {
		return fmt.Errorf("upsert perspective: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPerspectives(ctx context.Context, mergerID string) ([]Perspective, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT merger_id, user_id, narrative, photos, mood, submitted_at
		FROM merger_perspectives
		WHERE merger_id=$1
		ORDER BY user_id ASC
	`, mergerID)
	if err != nil {
		return nil, fmt.Errorf("list perspectives: %w", err)
	}
	defer rows.Close()

	items := make([]Perspective, 0)
	for rows.Next() {
		var item Perspective
		var photosRaw []byte
		if err := rows.Scan(&item.MergerID, &item.UserID, &item.Narrative, &photosRaw, &item.Mood, &item.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan perspective: %w", err)
		}
		_ = json.Unmarshal(photosRaw, &item.Photos)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate perspectives: %w", err)
	}
	return items, nil
}

// MarkPublished flips the publish flag exactly once; the revenue split is
// frozen at this point and never recomputed.
func (s *PostgresStore) MarkPublished(ctx context.Context, mergerID string, price float64, revenueShare map[string]float64) (bool, error) {
	encoded, err := json.Marshal(revenueShare)
	if err != nil {
		return false, fmt.Errorf("marshal revenue share: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE story_mergers
		SET is_published=TRUE, published_at=NOW(), price=$2, revenue_share=$3::jsonb
		WHERE id=$1 AND NOT is_published
	`, mergerID, price, string(encoded))
	if err != nil {
		return false, fmt.Errorf("mark published: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark published rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListPublishedMergers(ctx context.Context) ([]StoryMerger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, collision_id, event_title, event_date, initiator_id, participants,
			is_published, published_at, price, revenue_share, sales_count, created_at
		FROM story_mergers
		WHERE is_published
		ORDER BY published_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list published mergers: %w", err)
	}
	defer rows.Close()

	items := make([]StoryMerger, 0)
	for rows.Next() {
		var item StoryMerger
		var participantsRaw []byte
		var shareRaw []byte
		if err := rows.Scan(&item.ID, &item.CollisionID, &item.EventTitle, &item.EventDate, &item.InitiatorID, &participantsRaw,
			&item.IsPublished, &item.PublishedAt, &item.Price, &shareRaw, &item.SalesCount, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan published merger: %w", err)
		}
		if err := json.Unmarshal(participantsRaw, &item.Participants); err != nil {
			return nil, fmt.Errorf("decode merger participants: %w", err)
		}
		if len(shareRaw) > 0 {
			_ = json.Unmarshal(shareRaw, &item.RevenueShare)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate published mergers: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) IncrementSales(ctx context.Context, mergerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE story_mergers SET sales_count=sales_count+1 WHERE id=$1 AND is_published
	`, mergerID)
	if err != nil {
		return false, fmt.Errorf("increment sales: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("increment sales rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertResolution(ctx context.Context, resolution ConflictResolution) error {
	var votes any
	if resolution.Votes != nil {
		encoded, err := json.Marshal(resolution.Votes)
		if err != nil {
			return fmt.Errorf("marshal resolution votes: %w", err)
		}
		votes = string(encoded)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict_resolutions (merger_id, conflict_id, strategy, selected_value, votes, resolved_by_id, snapshot_hash)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
	`, resolution.MergerID, resolution.ConflictID, resolution.Strategy, resolution.SelectedValue, votes, resolution.ResolvedBy, resolution.SnapshotHash)
	if err != nil {
		return fmt.Errorf("insert resolution: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListResolutions(ctx context.Context, mergerID string) ([]ConflictResolution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, merger_id, conflict_id, strategy, selected_value, votes, resolved_by_id, snapshot_hash, resolved_at
		FROM conflict_resolutions
		WHERE merger_id=$1
		ORDER BY resolved_at ASC, id ASC
	`, mergerID)
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()

	items := make([]ConflictResolution, 0)
	for rows.Next() {
		var item ConflictResolution
		var votesRaw []byte
		if err := rows.Scan(&item.ID, &item.MergerID, &item.ConflictID, &item.Strategy, &item.SelectedValue, &votesRaw, &item.ResolvedBy, &item.SnapshotHash, &item.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		if len(votesRaw) > 0 {
			_ = json.Unmarshal(votesRaw, &item.Votes)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resolutions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SummaryCounts(ctx context.Context) (collisions int, connections int, published int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_collisions`).Scan(&collisions); err != nil {
		err = fmt.Errorf("count collisions: %w", err)
		return
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM connections`).Scan(&connections); err != nil {
		err = fmt.Errorf("count connections: %w", err)
		return
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM story_mergers WHERE is_published`).Scan(&published); err != nil {
		err = fmt.Errorf("count published stories: %w", err)
		return
	}
	return
}
