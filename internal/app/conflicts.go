package app

import (
	"context"
	"net/http"
	"sort"
	"time"

	"memoir/api/internal/store"
)

// Conflict is a heuristic disagreement between submitted perspectives.
// Conflicts are computed fresh on every call and never stored; the
// deterministic IDs let resolutions reference them anyway.
type Conflict struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Values      []string `json:"values,omitempty"`
	Users       []string `json:"users"`
}

// ResolveConflictInput carries the strategy tag plus whichever payload
// the strategy needs.
type ResolveConflictInput struct {
	Strategy      string            `json:"strategy"`
	SelectedValue string            `json:"selectedValue,omitempty"`
	Votes         map[string]string `json:"votes,omitempty"`
}

var allowedResolutionStrategies = map[string]struct{}{
	"voting": {},
	"merge":  {},
	"split":  {},
}

// Narratives shorter than this share of the mean length flag a
// detail-mismatch conflict.
const detailMismatchRatio = 0.3

// DetectConflicts compares all submitted perspectives of a merger. Fewer
// than two perspectives yields an empty list, not an error.
func (s *Service) DetectConflicts(ctx context.Context, mergerID string) ([]Conflict, error) {
	if _, err := s.store.GetMerger(ctx, mergerID); err != nil {
		return nil, err
	}
	perspectives, err := s.store.ListPerspectives(ctx, mergerID)
	if err != nil {
		return nil, err
	}
	if len(perspectives) < 2 {
		return []Conflict{}, nil
	}
	sort.Slice(perspectives, func(i, j int) bool {
		return perspectives[i].UserID < perspectives[j].UserID
	})

	conflicts := make([]Conflict, 0)
	if moodConflict, ok := detectMoodConflict(perspectives); ok {
		conflicts = append(conflicts, moodConflict)
	}
	conflicts = append(conflicts, detectDetailMismatches(perspectives)...)
	return conflicts, nil
}

// ResolveConflict records a resolution as an audit row. It never applies
// the resolution back into the perspectives; the payload keeps only the
// fields the chosen strategy needs, stamped with the archive head hash.
func (s *Service) ResolveConflict(ctx context.Context, mergerID, conflictID, userID string, input ResolveConflictInput) (map[string]any, error) {
	merger, err := s.store.GetMerger(ctx, mergerID)
	if err != nil {
		return nil, err
	}
	if !containsUser(merger.Participants, userID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only participants can resolve conflicts", nil)
	}
	if _, ok := allowedResolutionStrategies[input.Strategy]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "strategy must be one of voting, merge, split", nil)
	}

	resolution := store.ConflictResolution{
		MergerID:   mergerID,
		ConflictID: conflictID,
		Strategy:   input.Strategy,
		ResolvedBy: userID,
		ResolvedAt: time.Now().UTC(),
	}
	switch input.Strategy {
	case "voting":
		resolution.Votes = input.Votes
	case "merge":
		resolution.SelectedValue = input.SelectedValue
	}

	if head, err := s.archive.Head(mergerID); err == nil {
		resolution.SnapshotHash = head
	}

	if err := s.store.InsertResolution(ctx, resolution); err != nil {
		return nil, err
	}
	return map[string]any{
		"ok":         true,
		"mergerId":   mergerID,
		"conflictId": conflictID,
		"strategy":   input.Strategy,
		"resolvedAt": resolution.ResolvedAt,
	}, nil
}

// ListResolutions returns the audit trail for a merger.
func (s *Service) ListResolutions(ctx context.Context, mergerID string) ([]store.ConflictResolution, error) {
	if _, err := s.store.GetMerger(ctx, mergerID); err != nil {
		return nil, err
	}
	return s.store.ListResolutions(ctx, mergerID)
}

func detectMoodConflict(perspectives []store.Perspective) (Conflict, bool) {
	distinct := make([]string, 0)
	seen := make(map[string]struct{})
	users := make([]string, 0)
	for _, p := range perspectives {
		if p.Mood == "" {
			continue
		}
		users = append(users, p.UserID)
		if _, ok := seen[p.Mood]; !ok {
			seen[p.Mood] = struct{}{}
			distinct = append(distinct, p.Mood)
		}
	}
	if len(distinct) < 2 {
		return Conflict{}, false
	}
	return Conflict{
		ID:          "mood",
		Type:        "mood",
		Description: "participants remember the event with different moods",
		Values:      distinct,
		Users:       users,
	}, true
}

func detectDetailMismatches(perspectives []store.Perspective) []Conflict {
	total := 0
	for _, p := range perspectives {
		total += len(p.Narrative)
	}
	mean := float64(total) / float64(len(perspectives))

	conflicts := make([]Conflict, 0)
	for _, p := range perspectives {
		if float64(len(p.Narrative)) < detailMismatchRatio*mean {
			conflicts = append(conflicts, Conflict{
				ID:          "detail:" + p.UserID,
				Type:        "detail_mismatch",
				Description: "narrative is much shorter than the other perspectives",
				Users:       []string{p.UserID},
			})
		}
	}
	return conflicts
}
