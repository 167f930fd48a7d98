package app

import (
	"context"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"memoir/api/internal/search"
	"memoir/api/internal/store"
	"memoir/api/internal/util"
)

// PerspectiveInput is one participant's contribution to a merged story.
type PerspectiveInput struct {
	Narrative string   `json:"narrative"`
	Photos    []string `json:"photos"`
	Mood      string   `json:"mood"`
}

// CreateMergerProposal opens a collaborative story for a collision. The
// initiator starts approved; every other participant starts pending.
func (s *Service) CreateMergerProposal(ctx context.Context, collisionID, initiatorID string) (map[string]any, error) {
	collision, err := s.store.GetCollision(ctx, collisionID)
	if err != nil {
		return nil, err
	}
	if !containsUser(collision.Participants, initiatorID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only collision participants can propose a merger", nil)
	}

	merger := store.StoryMerger{
		ID:           util.NewID("mrg"),
		CollisionID:  collisionID,
		EventTitle:   collision.Title,
		EventDate:    collision.OccurredAt,
		InitiatorID:  initiatorID,
		Participants: collision.Participants,
	}
	if err := s.store.InsertMerger(ctx, merger); err != nil {
		return nil, err
	}
	if err := s.archive.EnsureMergerRepo(merger); err != nil {
		return nil, err
	}

	s.notifyMergerProposed(ctx, merger)
	return s.mergerView(ctx, merger.ID)
}

// ApproveMerger records the participant's perspective and flips their
// approval. Re-approval is allowed and overwrites the prior submission,
// but only until the story publishes. Reaching full approval only logs;
// publishing stays a separate call.
func (s *Service) ApproveMerger(ctx context.Context, mergerID, userID string, input PerspectiveInput) (map[string]any, error) {
	merger, err := s.store.GetMerger(ctx, mergerID)
	if err != nil {
		return nil, err
	}
	if !containsUser(merger.Participants, userID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only participants can approve a merger", nil)
	}
	if merger.IsPublished {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "story is already published", nil)
	}
	if strings.TrimSpace(input.Narrative) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "narrative is required", nil)
	}

	perspective := store.Perspective{
		MergerID:    mergerID,
		UserID:      userID,
		Narrative:   input.Narrative,
		Photos:      input.Photos,
		Mood:        input.Mood,
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.store.UpsertPerspective(ctx, perspective); err != nil {
		return nil, err
	}
	if err := s.store.ApproveParticipant(ctx, mergerID, userID); err != nil {
		return nil, err
	}
	if _, err := s.archive.CommitPerspective(mergerID, perspective); err != nil {
		return nil, err
	}

	pending, err := s.store.PendingApprovalCount(ctx, mergerID)
	if err != nil {
		return nil, err
	}
	if pending == 0 {
		log.Printf("mergers: %s fully approved, ready to publish", mergerID)
	}
	return s.mergerView(ctx, mergerID)
}

// PublishMerger makes the story sellable. Every participant must have
// approved; revenue splits equally at publish time and is never
// recomputed afterward.
func (s *Service) PublishMerger(ctx context.Context, mergerID string, price float64) (map[string]any, error) {
	merger, err := s.store.GetMerger(ctx, mergerID)
	if err != nil {
		return nil, err
	}
	if merger.IsPublished {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "story is already published", nil)
	}
	if price < 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "price cannot be negative", nil)
	}

	pending, err := s.store.PendingApprovalCount(ctx, mergerID)
	if err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "all participants must approve before publishing", map[string]any{
			"pendingApprovals": pending,
		})
	}

	revenueShare := equalSplit(merger.Participants)
	published, err := s.store.MarkPublished(ctx, mergerID, price, revenueShare)
	if err != nil {
		return nil, err
	}
	if !published {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "story is already published", nil)
	}

	if err := s.archive.PublishTag(mergerID, "published"); err != nil {
		log.Printf("mergers: publish tag for %s failed: %v", mergerID, err)
	}
	if s.search != nil {
		s.search.IndexStory(search.StoryRecord{
			ID:          merger.ID,
			Title:       merger.EventTitle,
			InitiatorID: merger.InitiatorID,
			PublishedAt: time.Now().UTC().Format(time.RFC3339),
		})
	}
	s.notifyPublished(ctx, merger)
	log.Printf("mergers: %s published at price %.2f", mergerID, price)
	return s.mergerView(ctx, mergerID)
}

func (s *Service) GetMerger(ctx context.Context, mergerID string) (map[string]any, error) {
	return s.mergerView(ctx, mergerID)
}

// ListPublishedMergers is the marketplace read.
func (s *Service) ListPublishedMergers(ctx context.Context) ([]map[string]any, error) {
	mergers, err := s.store.ListPublishedMergers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(mergers))
	for _, merger := range mergers {
		items = append(items, map[string]any{
			"id":           merger.ID,
			"eventTitle":   merger.EventTitle,
			"eventDate":    merger.EventDate,
			"participants": merger.Participants,
			"price":        merger.Price,
			"publishedAt":  merger.PublishedAt,
			"salesCount":   merger.SalesCount,
		})
	}
	return items, nil
}

// RecordSale bumps the sales counter of a published story.
func (s *Service) RecordSale(ctx context.Context, mergerID string) (map[string]any, error) {
	merger, err := s.store.GetMerger(ctx, mergerID)
	if err != nil {
		return nil, err
	}
	if !merger.IsPublished {
		return nil, domainError(http.StatusConflict, "INVALID_STATE", "story is not published", nil)
	}
	if _, err := s.store.IncrementSales(ctx, mergerID); err != nil {
		return nil, err
	}
	return s.mergerView(ctx, mergerID)
}

// MergerHistory exposes the narrative archive log for a merger: the
// commit trail plus the perspective documents as recorded at the archive
// head, which is what a published snapshot actually contains.
func (s *Service) MergerHistory(ctx context.Context, mergerID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetMerger(ctx, mergerID); err != nil {
		return nil, err
	}
	commits, err := s.archive.History(mergerID, limit)
	if err != nil {
		return nil, err
	}
	archived, err := s.archive.Perspectives(mergerID)
	if err != nil {
		return nil, err
	}

	documents := make([]map[string]any, 0, len(archived))
	for _, p := range archived {
		documents = append(documents, map[string]any{
			"userId":      p.UserID,
			"narrative":   p.Narrative,
			"photos":      p.Photos,
			"mood":        p.Mood,
			"submittedAt": p.SubmittedAt,
		})
	}

	return map[string]any{
		"mergerId":             mergerID,
		"commits":              commits,
		"archivedPerspectives": documents,
	}, nil
}

func (s *Service) mergerView(ctx context.Context, mergerID string) (map[string]any, error) {
	merger, err := s.store.GetMerger(ctx, mergerID)
	if err != nil {
		return nil, err
	}
	approvals, err := s.store.ListApprovals(ctx, mergerID)
	if err != nil {
		return nil, err
	}
	perspectives, err := s.store.ListPerspectives(ctx, mergerID)
	if err != nil {
		return nil, err
	}

	approvalStatus := make(map[string]string, len(approvals))
	for _, approval := range approvals {
		approvalStatus[approval.UserID] = approval.Status
	}
	mergedContent := make(map[string]any, len(perspectives))
	for _, p := range perspectives {
		mergedContent[p.UserID] = map[string]any{
			"narrative":   p.Narrative,
			"photos":      p.Photos,
			"mood":        p.Mood,
			"submittedAt": p.SubmittedAt,
		}
	}

	view := map[string]any{
		"id":             merger.ID,
		"eventId":        merger.CollisionID,
		"eventTitle":     merger.EventTitle,
		"eventDate":      merger.EventDate,
		"initiatorId":    merger.InitiatorID,
		"participants":   merger.Participants,
		"approvalStatus": approvalStatus,
		"mergedContent":  mergedContent,
		"isPublished":    merger.IsPublished,
		"publishedAt":    merger.PublishedAt,
		"price":          merger.Price,
		"revenueShare":   merger.RevenueShare,
		"salesCount":     merger.SalesCount,
		"createdAt":      merger.CreatedAt,
	}
	return view, nil
}

// equalSplit divides 100 percent across participants, rounded to two
// decimals. The rounding remainder is not redistributed.
func equalSplit(participants []string) map[string]float64 {
	if len(participants) == 0 {
		return map[string]float64{}
	}
	share := math.Round(100.0/float64(len(participants))*100) / 100
	split := make(map[string]float64, len(participants))
	for _, userID := range participants {
		split[userID] = share
	}
	return split
}

func (s *Service) notifyMergerProposed(ctx context.Context, merger store.StoryMerger) {
	if s.notify == nil || !s.notify.IsConfigured() {
		return
	}
	initiator, err := s.store.GetUser(ctx, merger.InitiatorID)
	if err != nil {
		return
	}
	for _, participantID := range merger.Participants {
		if participantID == merger.InitiatorID {
			continue
		}
		user, err := s.store.GetUser(ctx, participantID)
		if err != nil || user.Email == "" {
			continue
		}
		go func(u store.User) {
			if err := s.notify.SendMergerProposed(u.Email, u.DisplayName, merger.EventTitle, initiator.DisplayName); err != nil {
				log.Printf("notify: merger proposal email to %s failed: %v", u.ID, err)
			}
		}(user)
	}
}

func (s *Service) notifyPublished(ctx context.Context, merger store.StoryMerger) {
	if s.notify == nil || !s.notify.IsConfigured() {
		return
	}
	for _, participantID := range merger.Participants {
		user, err := s.store.GetUser(ctx, participantID)
		if err != nil || user.Email == "" {
			continue
		}
		go func(u store.User) {
			if err := s.notify.SendStoryPublished(u.Email, u.DisplayName, merger.EventTitle); err != nil {
				log.Printf("notify: publish email to %s failed: %v", u.ID, err)
			}
		}(user)
	}
}
