// Package revision keeps the edit history of posts and pages in one git
// repository per document.
package revision

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	KindPost = "posts"
	KindPage = "pages"

	snapshotFile = "content.json"
	mainBranch   = "main"
)

var (
	ErrNotFound  = errors.New("revision not found")
	ErrInvalidID = errors.New("invalid document id")
)

// Snapshot is the versioned part of a post or page.
type Snapshot struct {
	Title          string          `json:"title"`
	Slug           string          `json:"slug"`
	Excerpt        string          `json:"excerpt"`
	SEOTitle       string          `json:"seoTitle"`
	SEODescription string          `json:"seoDescription"`
	FeaturedImage  string          `json:"featuredImage,omitempty"`
	Categories     []string        `json:"categories,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	Template       string          `json:"template,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
}

type Revision struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
	now     func() time.Time
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// Commit records snap as the newest revision, creating the repository on
// first use. When snap matches the current head no commit is made and the
// head revision is returned with created=false.
func (s *Service) Commit(kind, id string, snap Snapshot, author, message string) (Revision, bool, error) {
	path, err := s.repoPath(kind, id)
	if err != nil {
		return Revision{}, false, err
	}
	lock := s.documentLock(path)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(path)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		repo, err = initRepo(path)
		if err != nil {
			return Revision{}, false, err
		}
	case err != nil:
		return Revision{}, false, fmt.Errorf("open repo: %w", err)
	default:
		if head, headCommit, err := headSnapshot(repo); err == nil && !HasChanges(head, snap) {
			return toRevision(headCommit), false, nil
		}
	}

	hash, err := s.commit(repo, snap, author, message)
	if err != nil {
		return Revision{}, false, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), true, nil
}

// History lists revisions newest first. A document that was never saved has
// an empty history.
func (s *Service) History(kind, id string, limit int) ([]Revision, error) {
	repo, unlock, err := s.open(kind, id)
	if errors.Is(err, ErrNotFound) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer unlock()

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Get loads the snapshot stored at hash, which may be abbreviated.
func (s *Service) Get(kind, id, hash string) (Snapshot, Revision, error) {
	repo, unlock, err := s.open(kind, id)
	if err != nil {
		return Snapshot{}, Revision{}, err
	}
	defer unlock()

	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Snapshot{}, Revision{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Snapshot{}, Revision{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	snap, err := readSnapshot(commitObj)
	if err != nil {
		return Snapshot{}, Revision{}, err
	}
	return snap, toRevision(commitObj), nil
}

// Remove deletes the whole history of a document.
func (s *Service) Remove(kind, id string) error {
	path, err := s.repoPath(kind, id)
	if err != nil {
		return err
	}
	lock := s.documentLock(path)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) open(kind, id string) (*git.Repository, func(), error) {
	path, err := s.repoPath(kind, id)
	if err != nil {
		return nil, nil, err
	}
	lock := s.documentLock(path)
	lock.Lock()
	repo, err := git.PlainOpen(path)
	if err != nil {
		lock.Unlock()
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, lock.Unlock, nil
}

func (s *Service) repoPath(kind, id string) (string, error) {
	if kind != KindPost && kind != KindPage {
		return "", fmt.Errorf("unknown document kind %q", kind)
	}
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", ErrInvalidID
	}
	return filepath.Join(s.baseDir, kind, id), nil
}

func (s *Service) documentLock(path string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	return lock
}

func initRepo(path string) (*git.Repository, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", mainBranch, err)
	}
	return repo, nil
}

func (s *Service) commit(repo *git.Repository, snap Snapshot, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal snapshot: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(root, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add snapshot: %w", err)
	}
	if strings.TrimSpace(message) == "" {
		message = "Save"
	}
	if strings.TrimSpace(author) == "" {
		author = "Success"
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@revisions.success.local", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

func headSnapshot(repo *git.Repository) (Snapshot, *object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return Snapshot{}, nil, err
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Snapshot{}, nil, err
	}
	snap, err := readSnapshot(commitObj)
	return snap, commitObj, err
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// Changes lists the fields that differ between two snapshots, sorted by name.
func Changes(from, to Snapshot) []FieldChange {
	pairs := []FieldChange{
		{Field: "title", Before: from.Title, After: to.Title},
		{Field: "slug", Before: from.Slug, After: to.Slug},
		{Field: "excerpt", Before: from.Excerpt, After: to.Excerpt},
		{Field: "seoTitle", Before: from.SEOTitle, After: to.SEOTitle},
		{Field: "seoDescription", Before: from.SEODescription, After: to.SEODescription},
		{Field: "featuredImage", Before: from.FeaturedImage, After: to.FeaturedImage},
		{Field: "categories", Before: strings.Join(from.Categories, ", "), After: strings.Join(to.Categories, ", ")},
		{Field: "tags", Before: strings.Join(from.Tags, ", "), After: strings.Join(to.Tags, ", ")},
		{Field: "template", Before: from.Template, After: to.Template},
	}
	result := make([]FieldChange, 0)
	for _, item := range pairs {
		if item.Before != item.After {
			result = append(result, item)
		}
	}
	if !bytes.Equal(normalizeJSON(from.Content), normalizeJSON(to.Content)) {
		result = append(result, FieldChange{Field: "content", Before: "[rich content]", After: "[rich content]"})
	}
	slices.SortStableFunc(result, func(a, b FieldChange) int {
		return strings.Compare(a.Field, b.Field)
	})
	return result
}

func HasChanges(from, to Snapshot) bool {
	return len(Changes(from, to)) > 0
}

func toRevision(commitObj *object.Commit) Revision {
	return Revision{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func normalizeJSON(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	hash = strings.TrimSpace(hash)
	if len(hash) < 4 || strings.Trim(hash, "0123456789abcdef") != "" {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return *resolved, nil
}
