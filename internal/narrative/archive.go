// Package narrative keeps a git archive of merged-story content: one
// repository per merger, a commit per perspective submission, and a tag
// when the story is published.
package narrative

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"memoir/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type eventManifest struct {
	Title        string   `json:"title"`
	EventDate    string   `json:"eventDate"`
	InitiatorID  string   `json:"initiatorId"`
	Participants []string `json:"participants"`
}

type perspectiveDoc struct {
	UserID      string    `json:"userId"`
	Narrative   string    `json:"narrative"`
	Photos      []string  `json:"photos"`
	Mood        string    `json:"mood"`
	SubmittedAt time.Time `json:"submittedAt"`
}

type Archive struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Archive {
	return &Archive{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureMergerRepo initializes the per-merger repository with an event
// manifest on main. Calling it for an existing merger is a no-op.
func (a *Archive) EnsureMergerRepo(merger store.StoryMerger) error {
	lock := a.mergerLock(merger.ID)
	lock.Lock()
	defer lock.Unlock()

	path := a.repoPath(merger.ID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	manifest := eventManifest{
		Title:        merger.EventTitle,
		EventDate:    merger.EventDate.Format("2006-01-02"),
		InitiatorID:  merger.InitiatorID,
		Participants: merger.Participants,
	}
	payload, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "event.json"), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write event manifest: %w", err)
	}
	if _, err := worktree.Add("event.json"); err != nil {
		return fmt.Errorf("git add event manifest: %w", err)
	}
	hash, err := worktree.Commit("Open merger archive", &git.CommitOptions{
		Author: &object.Signature{
			Name:  merger.InitiatorID,
			Email: fmt.Sprintf("%s@local.memoir.dev", sanitizeEmail(merger.InitiatorID)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit event manifest: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitPerspective writes one JSON document per participant and commits
// it on main, so each submission and later revision is a distinct commit.
func (a *Archive) CommitPerspective(mergerID string, p store.Perspective) (CommitInfo, error) {
	lock := a.mergerLock(mergerID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(mergerID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	doc := perspectiveDoc{
		UserID:      p.UserID,
		Narrative:   p.Narrative,
		Photos:      p.Photos,
		Mood:        p.Mood,
		SubmittedAt: p.SubmittedAt,
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal perspective: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.MkdirAll(filepath.Join(repoRoot, "perspectives"), 0o755); err != nil {
		return CommitInfo{}, fmt.Errorf("create perspectives dir: %w", err)
	}
	relPath := filepath.Join("perspectives", p.UserID+".json")
	if err := os.WriteFile(filepath.Join(repoRoot, relPath), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write perspective: %w", err)
	}
	if _, err := worktree.Add(relPath); err != nil {
		return CommitInfo{}, fmt.Errorf("git add perspective: %w", err)
	}

	hash, err := worktree.Commit(fmt.Sprintf("Record perspective from %s", p.UserID), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  p.UserID,
			Email: fmt.Sprintf("%s@local.memoir.dev", sanitizeEmail(p.UserID)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit perspective: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// PublishTag marks the archive head as the published snapshot. Re-tagging
// an already published merger is a no-op.
func (a *Archive) PublishTag(mergerID, name string) error {
	lock := a.mergerLock(mergerID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(mergerID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return fmt.Errorf("resolve main: %w", err)
	}

	_, err = repo.CreateTag(name, ref.Hash(), &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Memoir",
			Email: "memoir@localhost",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// Head returns the full hash of the latest archive commit.
func (a *Archive) Head(mergerID string) (string, error) {
	lock := a.mergerLock(mergerID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(mergerID))
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return "", fmt.Errorf("resolve main: %w", err)
	}
	return ref.Hash().String(), nil
}

func (a *Archive) History(mergerID string, limit int) ([]CommitInfo, error) {
	lock := a.mergerLock(mergerID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(mergerID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Perspectives reads every perspective document at the archive head.
func (a *Archive) Perspectives(mergerID string) ([]store.Perspective, error) {
	lock := a.mergerLock(mergerID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(mergerID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	tree, err := commitObj.Tree()
	if err != nil {
		return nil, fmt.Errorf("load head tree: %w", err)
	}

	perspectives := make([]store.Perspective, 0)
	err = tree.Files().ForEach(func(file *object.File) error {
		if filepath.Dir(file.Name) != "perspectives" {
			return nil
		}
		reader, err := file.Reader()
		if err != nil {
			return fmt.Errorf("open %s: %w", file.Name, err)
		}
		defer reader.Close()
		raw, err := io.ReadAll(reader)
		if err != nil {
			return fmt.Errorf("read %s: %w", file.Name, err)
		}
		var doc perspectiveDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decode %s: %w", file.Name, err)
		}
		perspectives = append(perspectives, store.Perspective{
			MergerID:    mergerID,
			UserID:      doc.UserID,
			Narrative:   doc.Narrative,
			Photos:      doc.Photos,
			Mood:        doc.Mood,
			SubmittedAt: doc.SubmittedAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return perspectives, nil
}

func (a *Archive) repoPath(mergerID string) string {
	return filepath.Join(a.baseDir, mergerID)
}

func (a *Archive) mergerLock(mergerID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[mergerID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[mergerID] = lock
	return lock
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
