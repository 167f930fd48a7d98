package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

// MediaItem is a single uploaded photo or video. Capture time and
// coordinates are optional; only timestamped items participate in
// collision detection.
type MediaItem struct {
	ID          string
	OwnerID     string
	ObjectKey   string
	ContentType string
	TakenAt     *time.Time
	Latitude    *float64
	Longitude   *float64
	CreatedAt   time.Time
}

// ContentItem is a text post authored by a user.
type ContentItem struct {
	ID        string
	AuthorID  string
	Body      string
	PostedAt  time.Time
	CreatedAt time.Time
}

type EventTag struct {
	ID           string
	TaggerID     string
	TaggedUserID string
	Status       string
	CreatedAt    time.Time
}

// MemoryCollision is a detected or asserted shared moment between two or
// more users. Rows are never updated after creation except Verified.
type MemoryCollision struct {
	ID           string
	Title        string
	OccurredAt   time.Time
	Participants []string
	Confidence   float64
	DetectedBy   string
	Location     string
	Verified     bool
	CreatedAt    time.Time
}

// Connection is the symmetric relationship between exactly two users.
// UserA sorts before UserB; every write goes through that ordering.
type Connection struct {
	ID               string
	UserA            string
	UserB            string
	StrengthScore    int
	RelationshipType string
	LastInteraction  time.Time
	CreatedAt        time.Time
}

type StoryMerger struct {
	ID           string
	CollisionID  string
	EventTitle   string
	EventDate    time.Time
	InitiatorID  string
	Participants []string
	IsPublished  bool
	PublishedAt  *time.Time
	Price        float64
	RevenueShare map[string]float64
	SalesCount   int
	CreatedAt    time.Time
}

type MergerApproval struct {
	MergerID   string
	UserID     string
	Status     string
	ApprovedAt *time.Time
}

// Perspective is one participant's submitted view of the shared event.
// Re-approval overwrites the prior submission for that user.
type Perspective struct {
	MergerID    string
	UserID      string
	Narrative   string
	Photos      []string
	Mood        string
	SubmittedAt time.Time
}

// ConflictResolution is an audit record only; it never mutates the
// perspectives it refers to.
type ConflictResolution struct {
	ID            int64
	MergerID      string
	ConflictID    string
	Strategy      string
	SelectedValue string
	Votes         map[string]string
	ResolvedBy    string
	SnapshotHash  string
	ResolvedAt    time.Time
}
