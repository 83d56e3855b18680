// File: internal/testutil/gitfixture.go

// Package testutil builds throwaway git repositories for tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

// Epoch is the author time of the first fixture commit.
var Epoch = time.Date(2021, time.January, 1, 12, 0, 0, 0, time.UTC)

// RequireGit skips the test when the git binary is not installed.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// Repo is a fixture repository in a temporary directory.
// Each commit is one day after the previous one unless CommitAt is used.
type Repo struct {
	Dir  string
	Repo *git.Repository

	t     testing.TB
	clock time.Time
}

// NewRepo initializes an empty repository.
func NewRepo(t testing.TB) *Repo {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return &Repo{Dir: dir, Repo: repo, t: t, clock: Epoch}
}

// Commit writes files (path to content) and commits them. It returns the full id.
func (r *Repo) Commit(msg string, files map[string]string) string {
	r.t.Helper()
	id := r.CommitAt(r.clock, msg, files)
	r.clock = r.clock.Add(24 * time.Hour)
	return id
}

// CommitAt commits with an explicit author and committer time.
func (r *Repo) CommitAt(when time.Time, msg string, files map[string]string) string {
	r.t.Helper()
	wt, err := r.Repo.Worktree()
	require.NoError(r.t, err)

	for path, content := range files {
		full := filepath.Join(r.Dir, path)
		require.NoError(r.t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(r.t, os.WriteFile(full, []byte(content), 0o644))
		_, err := wt.Add(path)
		require.NoError(r.t, err)
	}

	sig := &object.Signature{Name: "Fixture", Email: "fixture@example.com", When: when}
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig, AllowEmptyCommits: true})
	require.NoError(r.t, err)
	return hash.String()
}

// Tag creates a lightweight tag.
func (r *Repo) Tag(name, id string) {
	r.t.Helper()
	_, err := r.Repo.CreateTag(name, plumbing.NewHash(id), nil)
	require.NoError(r.t, err)
}

// AnnotatedTag creates an annotated tag.
func (r *Repo) AnnotatedTag(name, id, msg string) {
	r.t.Helper()
	_, err := r.Repo.CreateTag(name, plumbing.NewHash(id), &git.CreateTagOptions{
		Tagger:  &object.Signature{Name: "Fixture", Email: "fixture@example.com", When: r.clock},
		Message: msg,
	})
	require.NoError(r.t, err)
}
