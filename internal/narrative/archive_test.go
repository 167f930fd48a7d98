package narrative

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"memoir/api/internal/store"
)

func testMerger() store.StoryMerger {
	return store.StoryMerger{
		ID:           "merger-1",
		CollisionID:  "collision-1",
		EventTitle:   "Graduation Day",
		EventDate:    time.Date(2019, 6, 14, 0, 0, 0, 0, time.UTC),
		InitiatorID:  "user-a",
		Participants: []string{"user-a", "user-b"},
	}
}

func TestMergerArchiveLifecycle(t *testing.T) {
	arch := New(t.TempDir())
	merger := testMerger()

	if err := arch.EnsureMergerRepo(merger); err != nil {
		t.Fatalf("EnsureMergerRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(arch.baseDir, "merger-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	// Repeat ensure is a no-op, not an error.
	if err := arch.EnsureMergerRepo(merger); err != nil {
		t.Fatalf("EnsureMergerRepo() second call error = %v", err)
	}

	commit, err := arch.CommitPerspective("merger-1", store.Perspective{
		MergerID:    "merger-1",
		UserID:      "user-a",
		Narrative:   "We threw our caps at the same moment.",
		Photos:      []string{"media_1"},
		Mood:        "happy",
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CommitPerspective() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if commit.Author != "user-a" {
		t.Fatalf("unexpected commit author %q", commit.Author)
	}

	head, err := arch.Head("merger-1")
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if head != commit.Hash {
		t.Fatalf("head %s does not match latest commit %s", head, commit.Hash)
	}

	history, err := arch.History("merger-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 commits (open + perspective), got %d", len(history))
	}
}

func TestPerspectivesRoundTrip(t *testing.T) {
	arch := New(t.TempDir())
	merger := testMerger()

	if err := arch.EnsureMergerRepo(merger); err != nil {
		t.Fatalf("EnsureMergerRepo() error = %v", err)
	}

	submitted := time.Date(2019, 6, 15, 10, 0, 0, 0, time.UTC)
	for _, userID := range []string{"user-a", "user-b"} {
		_, err := arch.CommitPerspective("merger-1", store.Perspective{
			MergerID:    "merger-1",
			UserID:      userID,
			Narrative:   "Perspective of " + userID,
			Mood:        "nostalgic",
			SubmittedAt: submitted,
		})
		if err != nil {
			t.Fatalf("CommitPerspective(%s) error = %v", userID, err)
		}
	}

	perspectives, err := arch.Perspectives("merger-1")
	if err != nil {
		t.Fatalf("Perspectives() error = %v", err)
	}
	if len(perspectives) != 2 {
		t.Fatalf("expected 2 perspectives, got %d", len(perspectives))
	}
	byUser := make(map[string]store.Perspective)
	for _, p := range perspectives {
		byUser[p.UserID] = p
	}
	got, ok := byUser["user-b"]
	if !ok {
		t.Fatal("missing perspective for user-b")
	}
	if got.Narrative != "Perspective of user-b" || got.Mood != "nostalgic" {
		t.Fatalf("unexpected perspective: %+v", got)
	}
	if !got.SubmittedAt.Equal(submitted) {
		t.Fatalf("submitted time mismatch: %v", got.SubmittedAt)
	}
}

func TestResubmissionOverwritesDocument(t *testing.T) {
	arch := New(t.TempDir())
	if err := arch.EnsureMergerRepo(testMerger()); err != nil {
		t.Fatalf("EnsureMergerRepo() error = %v", err)
	}

	for _, narrative := range []string{"First draft", "Second draft"} {
		_, err := arch.CommitPerspective("merger-1", store.Perspective{
			UserID:      "user-a",
			Narrative:   narrative,
			SubmittedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("CommitPerspective() error = %v", err)
		}
	}

	perspectives, err := arch.Perspectives("merger-1")
	if err != nil {
		t.Fatalf("Perspectives() error = %v", err)
	}
	if len(perspectives) != 1 {
		t.Fatalf("expected a single document per participant, got %d", len(perspectives))
	}
	if perspectives[0].Narrative != "Second draft" {
		t.Fatalf("expected latest draft at head, got %q", perspectives[0].Narrative)
	}

	// Each submission is still its own commit.
	history, err := arch.History("merger-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 commits, got %d", len(history))
	}
}

func TestPublishTagIdempotent(t *testing.T) {
	arch := New(t.TempDir())
	if err := arch.EnsureMergerRepo(testMerger()); err != nil {
		t.Fatalf("EnsureMergerRepo() error = %v", err)
	}
	if _, err := arch.CommitPerspective("merger-1", store.Perspective{
		UserID:      "user-a",
		Narrative:   "Done",
		SubmittedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CommitPerspective() error = %v", err)
	}

	if err := arch.PublishTag("merger-1", "published"); err != nil {
		t.Fatalf("PublishTag() error = %v", err)
	}
	if err := arch.PublishTag("merger-1", "published"); err != nil {
		t.Fatalf("PublishTag() repeat error = %v", err)
	}
}

func TestConcurrentPerspectiveCommits(t *testing.T) {
	arch := New(t.TempDir())
	if err := arch.EnsureMergerRepo(testMerger()); err != nil {
		t.Fatalf("EnsureMergerRepo() error = %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := arch.CommitPerspective("merger-1", store.Perspective{
				UserID:      fmt.Sprintf("user-%02d", idx),
				Narrative:   fmt.Sprintf("narrative %02d", idx),
				SubmittedAt: time.Now().UTC(),
			})
			if err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("CommitPerspective() concurrent error = %v", err)
		}
	}

	perspectives, err := arch.Perspectives("merger-1")
	if err != nil {
		t.Fatalf("Perspectives() error = %v", err)
	}
	if len(perspectives) != writers {
		t.Fatalf("expected %d perspectives, got %d", writers, len(perspectives))
	}
}
